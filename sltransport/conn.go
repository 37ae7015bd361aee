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

// Package sltransport implements the non-blocking socket envelope a
// SeedLink session drives: address parsing, a dual-stack connect with a
// bounded timeout, and line-oriented command/response helpers layered over
// a raw non-blocking file descriptor.
package sltransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrConnectTimeout is returned by Dial when no candidate address completes
// its connect handshake within the connect budget.
var ErrConnectTimeout = errors.New("sltransport: connect timed out")

// connectTimeout bounds how long Dial waits for any single candidate
// address to complete its TCP handshake, per spec.
const connectTimeout = 10 * time.Second

// responseBudget bounds RecvResponse's total wait for a terminated line,
// polled in small slices so a caller-level deadline can still interrupt it.
const responseBudget = 30 * time.Second
const responseSlice = 50 * time.Millisecond

// Conn is the transport surface the negotiator and framer depend on. It is
// implemented by tcpConn (plain TCP, from Dial) and tlsConn (TLS, from
// DialTLS in tls.go).
type Conn interface {
	// Send writes b in full or returns an error; SeedLink command/data
	// frames are small enough that partial non-blocking writes are looped
	// internally rather than surfaced to the caller.
	Send(b []byte) (int, error)
	// Recv reads into buf. It returns (0, nil) on WOULDBLOCK and
	// (0, ErrConnClosed) on a clean peer close.
	Recv(buf []byte) (int, error)
	// RecvResponse reads a single CRLF- or LF-terminated line; the
	// negotiator uses it for command replies.
	RecvResponse() (string, error)
	// Poll blocks up to timeout waiting for the socket to become readable
	// and/or writable, returning which conditions were observed.
	Poll(read, write bool, timeout time.Duration) (readable, writable bool, err error)
	// SetDeadlines applies send/receive timeouts equal to the configured
	// I/O timeout, where the platform supports it.
	SetDeadlines(ioTimeout time.Duration) error
	Close() error
}

// tcpConn is a thin, direct wrapper around a non-blocking TCP file
// descriptor, in the style of a raw-syscall connection handle rather than
// the buffered net.Conn abstraction.
type tcpConn struct {
	fd int
}

// Dial resolves addr (see ParseAddress), tries each resolved address in
// order, and returns a connected, non-blocking Conn with SO_KEEPALIVE
// enabled. Each candidate gets up to 10 seconds to complete its handshake.
func Dial(addr string) (Conn, error) {
	host, port, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("sltransport: resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("sltransport: %q resolved to no addresses", host)
	}

	var lastErr error
	for _, ip := range ips {
		c, err := dialOne(ip, port)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("sltransport: connect to %s:%d failed: %w", host, port, lastErr)
}

func dialOne(ip net.IP, port int) (Conn, error) {
	domain := unix.AF_INET6
	if ip.To4() != nil {
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	sa, err := sockaddr(ip, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err != nil {
		if err := waitWritable(fd, connectTimeout); err != nil {
			unix.Close(fd)
			return nil, err
		}
		sockErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("getsockopt SO_ERROR: %w", err)
		}
		if sockErr != 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("connect: %w", unix.Errno(sockErr))
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set SO_KEEPALIVE: %w", err)
	}

	return &tcpConn{fd: fd}, nil
}

func sockaddr(ip net.IP, port int) (unix.Sockaddr, error) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("sltransport: %v is neither IPv4 nor IPv6", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], v6)
	return sa, nil
}

func waitWritable(fd int, timeout time.Duration) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return ErrConnectTimeout
	}
	return nil
}

func (c *tcpConn) Send(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Write(c.fd, b[total:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				if _, werr := c.Poll(false, true, responseSlice); werr != nil {
					return total, werr
				}
				continue
			}
			return total, fmt.Errorf("sltransport: send: %w", err)
		}
		total += n
	}
	return total, nil
}

func (c *tcpConn) Recv(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil
		}
		return 0, fmt.Errorf("sltransport: recv: %w", err)
	}
	if n == 0 {
		return 0, ErrConnClosed
	}
	return n, nil
}

// ErrConnClosed is returned by Recv and RecvResponse on a clean EOF.
var ErrConnClosed = errors.New("sltransport: connection closed by peer")

func (c *tcpConn) RecvResponse() (string, error) {
	deadline := time.Now().Add(responseBudget)
	line := make([]byte, 0, 128)
	var b [1]byte
	for time.Now().Before(deadline) {
		n, err := c.Recv(b[:])
		if err != nil {
			return "", err
		}
		if n == 0 {
			if _, _, err := c.Poll(true, false, responseSlice); err != nil {
				return "", err
			}
			continue
		}
		if b[0] == '\n' {
			return trimCR(line), nil
		}
		line = append(line, b[0])
	}
	return "", fmt.Errorf("sltransport: recv response timed out after %s", responseBudget)
}

func trimCR(line []byte) string {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line)
}

func (c *tcpConn) Poll(read, write bool, timeout time.Duration) (readable, writable bool, err error) {
	var events int16
	if read {
		events |= unix.POLLIN
	}
	if write {
		events |= unix.POLLOUT
	}
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("sltransport: poll: %w", err)
	}
	if n == 0 {
		return false, false, nil
	}
	return pfd[0].Revents&unix.POLLIN != 0, pfd[0].Revents&unix.POLLOUT != 0, nil
}

func (c *tcpConn) SetDeadlines(ioTimeout time.Duration) error {
	tv := unix.NsecToTimeval(ioTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("sltransport: set SO_RCVTIMEO: %w", err)
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("sltransport: set SO_SNDTIMEO: %w", err)
	}
	return nil
}

func (c *tcpConn) Close() error {
	return unix.Close(c.fd)
}
