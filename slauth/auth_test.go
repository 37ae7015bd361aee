package slauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoneAuthenticator(t *testing.T) {
	var a Authenticator = None{}
	v, err := a.Value("rtserve.iris.washington.edu")
	require.NoError(t, err)
	require.Empty(t, v)
	a.Finish("rtserve.iris.washington.edu") // must not panic
}

func TestStaticAuthenticator(t *testing.T) {
	a := Static("USERPASS joe otter")
	v, err := a.Value("any-server")
	require.NoError(t, err)
	require.Equal(t, "USERPASS joe otter", v)
	v2, err := a.Value("other-server")
	require.NoError(t, err)
	require.Equal(t, v, v2)
}
