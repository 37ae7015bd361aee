package slclient

import (
	"bufio"
	"net"
	"strings"
	"time"
)

// pipeConn adapts a net.Conn (a net.Pipe half, in tests) to the
// sltransport.Conn surface, in the same buffered-peek style as the
// production TLS adapter, so scripted-server tests exercise the driver
// exactly as it runs against a real transport.
type pipeConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func newPipeConn(c net.Conn) *pipeConn {
	return &pipeConn{conn: c, br: bufio.NewReaderSize(c, 16*1024)}
}

func (p *pipeConn) Send(b []byte) (int, error) { return p.conn.Write(b) }

func (p *pipeConn) Recv(buf []byte) (int, error) {
	p.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	n, err := p.br.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (p *pipeConn) RecvResponse() (string, error) {
	p.conn.SetReadDeadline(time.Time{})
	line, err := p.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *pipeConn) Poll(read, write bool, timeout time.Duration) (readable, writable bool, err error) {
	if !read {
		return false, write, nil
	}
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	_, perr := p.br.Peek(1)
	p.conn.SetReadDeadline(time.Time{})
	if perr == nil {
		return true, write, nil
	}
	if ne, ok := perr.(net.Error); ok && ne.Timeout() {
		return false, write, nil
	}
	return false, write, perr
}

func (p *pipeConn) SetDeadlines(time.Duration) error { return nil }
func (p *pipeConn) Close() error                     { return p.conn.Close() }
