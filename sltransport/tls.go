/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sltransport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// tlsConn adapts a *tls.Conn to the Conn surface. TLS is treated exactly
// like plain TCP by the rest of the package: a byte-stream endpoint with
// the same send/recv contract. There is no raw file descriptor to poll
// once the handshake has wrapped it, so readability is checked with a
// deadline-bounded Peek on a buffered reader rather than a real poll, and
// Recv is satisfied from that same buffer so a byte observed by Poll is
// never dropped.
type tlsConn struct {
	conn net.Conn
	br   *bufio.Reader
}

// DialTLS resolves addr (see ParseAddress), establishes a plain TCP
// connection, and performs a TLS handshake using cfg (nil selects the
// platform default trust store and SNI derived from host).
func DialTLS(addr string, cfg *tls.Config) (Conn, error) {
	host, port, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	raw, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("sltransport: tls dial %s:%d: %w", host, port, err)
	}
	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	} else if tlsCfg.ServerName == "" {
		clone := tlsCfg.Clone()
		clone.ServerName = host
		tlsCfg = clone
	}
	tc := tls.Client(raw, tlsCfg)
	tc.SetDeadline(time.Now().Add(connectTimeout))
	if err := tc.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("sltransport: tls handshake with %s:%d: %w", host, port, err)
	}
	tc.SetDeadline(time.Time{})
	return &tlsConn{conn: tc, br: bufio.NewReaderSize(tc, recvBufferSizeTLS)}, nil
}

const recvBufferSizeTLS = 16 * 1024

func (c *tlsConn) Send(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("sltransport: tls send: %w", err)
	}
	return n, nil
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrConnClosed
	}
	return ErrConnClosed
}

func (c *tlsConn) Recv(buf []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(responseSlice))
	n, err := c.br.Read(buf)
	if err != nil {
		if cerr := classifyReadErr(err); cerr != nil {
			return 0, cerr
		}
		return 0, nil
	}
	return n, nil
}

func (c *tlsConn) RecvResponse() (string, error) {
	deadline := time.Now().Add(responseBudget)
	line := make([]byte, 0, 128)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(time.Now().Add(responseSlice))
		b, err := c.br.ReadByte()
		if err != nil {
			if cerr := classifyReadErr(err); cerr != nil {
				return "", cerr
			}
			continue
		}
		if b == '\n' {
			return trimCR(line), nil
		}
		line = append(line, b)
	}
	return "", fmt.Errorf("sltransport: tls recv response timed out after %s", responseBudget)
}

// Poll approximates readiness for a TLS connection: there is no raw
// descriptor to multiplex once wrapped, so read interest is checked with a
// deadline-bounded Peek (which leaves the byte in the buffer for the
// subsequent Recv), and write interest is reported optimistically since
// TLS writes block internally via the runtime's netpoller rather than
// returning EWOULDBLOCK.
func (c *tlsConn) Poll(read, write bool, timeout time.Duration) (readable, writable bool, err error) {
	if write {
		writable = true
	}
	if read {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		_, perr := c.br.Peek(1)
		c.conn.SetReadDeadline(time.Time{})
		switch {
		case perr == nil:
			readable = true
		case classifyReadErr(perr) != nil:
			return false, writable, classifyReadErr(perr)
		}
	}
	return readable, writable, nil
}

func (c *tlsConn) SetDeadlines(ioTimeout time.Duration) error {
	return c.conn.SetDeadline(time.Now().Add(ioTimeout))
}

func (c *tlsConn) Close() error {
	return c.conn.Close()
}
