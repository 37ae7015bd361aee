package sltransport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestDialAndSendRecv(t *testing.T) {
	ln, port := listenLoopback(t)

	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "HELLO\r\n", string(buf[:n]))
		_, err = conn.Write([]byte("OK GOT IT\r\n"))
		require.NoError(t, err)
	}()

	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Send([]byte("HELLO\r\n"))
	require.NoError(t, err)

	line, err := c.RecvResponse()
	require.NoError(t, err)
	require.Equal(t, "OK GOT IT", line)

	<-srvDone
}

func TestRecvWouldBlock(t *testing.T) {
	ln, port := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
	}()

	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 16)
	n, err := c.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecvEOF(t *testing.T) {
	ln, port := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Poll(true, false, time.Second)
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, err = c.Recv(buf)
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestPollWritableAfterConnect(t *testing.T) {
	_, port := listenLoopback(t)
	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	_, writable, err := c.Poll(false, true, time.Second)
	require.NoError(t, err)
	require.True(t, writable)
}

func TestDialConnectionRefused(t *testing.T) {
	ln, port := listenLoopback(t)
	ln.Close()

	_, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.Error(t, err)
}

func TestSetDeadlinesNoError(t *testing.T) {
	ln, port := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
		}
	}()

	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetDeadlines(time.Second))
}
