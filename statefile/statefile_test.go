package statefile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedlink-go/slink/slreg"
)

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "does-not-exist.state"))
	require.NoError(t, err)
	require.Equal(t, 0, r.Len())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seedlink.state")

	r := slreg.New()
	require.NoError(t, r.Add("IU_ANMO", "", 42, "2023-06-15T12:00:00Z"))
	require.NoError(t, r.Add("CU_ANWB", "", slreg.UnsetSeq, ""))

	require.NoError(t, Save(path, r))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, r.Subscriptions(), loaded.Subscriptions())
}

func TestParseStreamList(t *testing.T) {
	in := "# comment\nIU_ANMO BHZ.D\nIU COLA BH?.D\n* also a comment\n"
	entries, err := ParseStreamList(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, []StreamEntry{
		{StationID: "IU_ANMO", Selectors: "BHZ.D"},
		{StationID: "IU_COLA", Selectors: "BH?.D"},
	}, entries)
}

func TestParseStreamListString(t *testing.T) {
	entries, err := ParseStreamListString("IU_ANMO:BHZ.D,CU_ANWB,IU_COLA:BH?.D")
	require.NoError(t, err)
	require.Equal(t, []StreamEntry{
		{StationID: "IU_ANMO", Selectors: "BHZ.D"},
		{StationID: "CU_ANWB", Selectors: ""},
		{StationID: "IU_COLA", Selectors: "BH?.D"},
	}, entries)
}

func TestParseStreamListStringRejectsEmptyStationID(t *testing.T) {
	_, err := ParseStreamListString(":BHZ.D")
	require.Error(t, err)
}
