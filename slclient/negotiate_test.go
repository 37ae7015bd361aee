package slclient

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedlink-go/slink/slauth"
	"github.com/seedlink-go/slink/slmetrics"
	"github.com/seedlink-go/slink/slreg"
)

func TestParseHelloV3(t *testing.T) {
	major, minor, cap := parseHello("SeedLink v3.1 (2020.001)")
	require.Equal(t, 3, major)
	require.Equal(t, 1, minor)
	require.False(t, cap)
}

func TestParseHelloV4WithCapabilities(t *testing.T) {
	major, minor, cap := parseHello("SeedLink v4.0 :: SLPROTO:3.1 SLPROTO:4.0 CAP")
	require.Equal(t, 4, major)
	require.Equal(t, 0, minor)
	require.True(t, cap)
}

func TestParseSLPROTOFlag(t *testing.T) {
	maj, min, ok := parseSLPROTOFlag("SLPROTO:4.0")
	require.True(t, ok)
	require.Equal(t, 4, maj)
	require.Equal(t, 0, min)

	_, _, ok = parseSLPROTOFlag("EXTREPLY")
	require.False(t, ok)
}

func TestServerAtLeast(t *testing.T) {
	s := newFramerTestSession(t)
	s.protoMajor, s.protoMinor = 2, 93
	require.True(t, s.serverAtLeast(2, 92))
	require.True(t, s.serverAtLeast(2, 93))
	require.False(t, s.serverAtLeast(2, 94))
}

// scriptedServer runs fn against the server half of a net.Pipe connection
// and returns the client half wrapped as a pipeConn, for negotiation tests
// that need a real line-oriented back-and-forth.
func scriptedServer(t *testing.T, fn func(r *bufio.Reader, w net.Conn)) *pipeConn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		fn(bufio.NewReader(server), server)
	}()
	t.Cleanup(func() { client.Close() })
	return newPipeConn(client)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\r')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r")
}

func TestNegotiateV3UniStation(t *testing.T) {
	conn := scriptedServer(t, func(r *bufio.Reader, w net.Conn) {
		require.Equal(t, "HELLO", readLine(t, r))
		w.Write([]byte("SeedLink v3.1 (2020.001)\r\n"))
		w.Write([]byte("EXAMPLE ORG\r\n"))

		require.Equal(t, "SELECT BHZ.D", readLine(t, r))
		w.Write([]byte("OK\r\n"))

		require.Equal(t, "DATA", readLine(t, r))
		w.Write([]byte("OK\r\n"))
	})

	s := newFramerTestSession(t)
	s.conn = conn
	require.NoError(t, s.reg.SetAllStation("BHZ.D", slreg.UnsetSeq, ""))

	err := s.negotiate()
	require.NoError(t, err)
	require.Equal(t, 3, s.protoMajor)
	require.Equal(t, 1, s.protoMinor)
}

func TestNegotiateV4Upgrade(t *testing.T) {
	conn := scriptedServer(t, func(r *bufio.Reader, w net.Conn) {
		require.Equal(t, "HELLO", readLine(t, r))
		w.Write([]byte("SeedLink v4.0 :: SLPROTO:3.1 SLPROTO:4.0 CAP\r\n"))
		w.Write([]byte("EXAMPLE ORG\r\n"))

		require.Equal(t, "SLPROTO 4.0", readLine(t, r))
		w.Write([]byte("OK\r\n"))

		require.Equal(t, "GETCAPABILITIES", readLine(t, r))
		w.Write([]byte("SLPROTO:4.0 CAP\r\n"))

		require.Equal(t, "USERAGENT slink-go/1.0 libslink/4.0", readLine(t, r))
		w.Write([]byte("OK\r\n"))

		// v4 selection sends every command before reading any reply
		require.Equal(t, "STATION IU_*", readLine(t, r))
		require.Equal(t, "DATA", readLine(t, r))
		w.Write([]byte("OK\r\n"))
		w.Write([]byte("OK\r\n"))
		require.Equal(t, "END", readLine(t, r))
	})

	s := newFramerTestSession(t)
	s.conn = conn
	require.NoError(t, s.reg.Add("IU_*", "", slreg.UnsetSeq, ""))

	err := s.negotiate()
	require.NoError(t, err)
	require.Equal(t, 4, s.protoMajor)
}

// TestNegotiateV4UserAgentCarriesCredential checks that a configured
// Authenticator's credential is appended to USERAGENT, and that Finish is
// called once negotiation completes.
func TestNegotiateV4UserAgentCarriesCredential(t *testing.T) {
	conn := scriptedServer(t, func(r *bufio.Reader, w net.Conn) {
		require.Equal(t, "HELLO", readLine(t, r))
		w.Write([]byte("SeedLink v4.0 :: SLPROTO:4.0\r\n"))
		w.Write([]byte("EXAMPLE ORG\r\n"))

		require.Equal(t, "SLPROTO 4.0", readLine(t, r))
		w.Write([]byte("OK\r\n"))

		require.Equal(t, "GETCAPABILITIES", readLine(t, r))
		w.Write([]byte("SLPROTO:4.0\r\n"))

		require.Equal(t, "USERAGENT slink-go/1.0 libslink/4.0 AUTH s3cr3t", readLine(t, r))
		w.Write([]byte("OK\r\n"))

		require.Equal(t, "STATION IU_*", readLine(t, r))
		require.Equal(t, "DATA", readLine(t, r))
		w.Write([]byte("OK\r\n"))
		w.Write([]byte("OK\r\n"))
		require.Equal(t, "END", readLine(t, r))
	})

	s := newFramerTestSession(t)
	s.conn = conn
	require.NoError(t, s.reg.Add("IU_*", "", slreg.UnsetSeq, ""))

	finished := false
	s.cfg.Auth = authFinishSpy{slauth.Static("s3cr3t"), &finished}

	err := s.negotiate()
	require.NoError(t, err)
	require.True(t, finished)
}

// authFinishSpy wraps an Authenticator to observe that Finish was called.
type authFinishSpy struct {
	slauth.Authenticator
	finished *bool
}

func (a authFinishSpy) Finish(server string) {
	*a.finished = true
	a.Authenticator.Finish(server)
}

func TestNegotiateV3SelectionAllRejected(t *testing.T) {
	conn := scriptedServer(t, func(r *bufio.Reader, w net.Conn) {
		require.Equal(t, "HELLO", readLine(t, r))
		w.Write([]byte("SeedLink v3.1 (2020.001)\r\n"))
		w.Write([]byte("EXAMPLE ORG\r\n"))
		require.Equal(t, "SELECT BOGUS", readLine(t, r))
		w.Write([]byte("ERROR\r\n"))
	})

	s := newFramerTestSession(t)
	s.cfg.Metrics = slmetrics.Noop{}
	s.conn = conn
	require.NoError(t, s.reg.SetAllStation("BOGUS", slreg.UnsetSeq, ""))

	err := s.negotiate()
	require.Error(t, err)
}
