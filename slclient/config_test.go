package slclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedlink-go/slink/slreg"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, "localhost:18000", c.Address)
	require.Equal(t, 30*time.Second, c.ReconnectWait)
	require.NoError(t, c.Validate())
}

func TestValidateRejectsMissingAddress(t *testing.T) {
	c := DefaultConfig()
	c.Address = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsConflictingStreamListSources(t *testing.T) {
	c := DefaultConfig()
	c.StreamListFile = "a"
	c.StreamListString = "b"
	require.Error(t, c.Validate())
}

func TestReadConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: seis.example.org:18000\nblocking: false\n"), 0o644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "seis.example.org:18000", c.Address)
	require.False(t, c.Blocking)
	require.Equal(t, 30*time.Second, c.ReconnectWait)
	require.NotNil(t, c.Auth)
	require.NotNil(t, c.Metrics)
	require.NotNil(t, c.LogSink)
}

func TestLoadStreamListString(t *testing.T) {
	c := DefaultConfig()
	c.StreamListString = "IU_ANMO:BHZ.D,CU_ANWB"
	r := slreg.New()
	require.NoError(t, c.loadStreamList(r))
	require.Equal(t, 2, r.Len())
}

func TestLoadStreamListAllStation(t *testing.T) {
	c := DefaultConfig()
	c.StreamListString = slreg.AllStationID + ":BH?.D"
	r := slreg.New()
	require.NoError(t, c.loadStreamList(r))
	require.True(t, r.AllStation())
}
