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

package slclient

import (
	"sync/atomic"

	"github.com/seedlink-go/slink/slreg"
	"github.com/seedlink-go/slink/sltransport"
)

// ConnState is the outer connection lifecycle state.
type ConnState int

const (
	Down ConnState = iota
	Up
	Streaming
)

func (s ConnState) String() string {
	switch s {
	case Down:
		return "DOWN"
	case Up:
		return "UP"
	case Streaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// StreamState is the framer's position within one packet.
type StreamState int

const (
	StateHeader StreamState = iota
	StateStationID
	StatePayload
)

// QueryState tracks an in-flight INFO or keepalive request; at most one may
// be outstanding at a time.
type QueryState int

const (
	QueryNone QueryState = iota
	QueryInfo
	QueryKeepalive
)

// PayloadFormat identifies the kind of payload framed in a packet.
type PayloadFormat byte

const (
	FormatUnknown        PayloadFormat = 0
	FormatMSEED2Info     PayloadFormat = 1 // unterminated v3 INFO chunk
	FormatMSEED2InfoTerm PayloadFormat = 2 // terminating v3 INFO chunk
	FormatMiniSEED2      PayloadFormat = '2'
	FormatMiniSEED3      PayloadFormat = '3'
	FormatJSON           PayloadFormat = 'J'
	FormatXML            PayloadFormat = 'X'
)

// Status is what Session.Step returns to the caller each call.
type Status int

const (
	StatusNoPacket Status = iota
	StatusPacket
	StatusTooLarge
	StatusTerminate
)

func (s Status) String() string {
	switch s {
	case StatusNoPacket:
		return "NO_PACKET"
	case StatusPacket:
		return "PACKET"
	case StatusTooLarge:
		return "TOO_LARGE"
	case StatusTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// UnsetSeq mirrors slreg.UnsetSeq: "no sequence number observed yet".
const UnsetSeq = slreg.UnsetSeq

// PacketInfo is the metadata the framer produces for each packet, and the
// view the caller receives alongside a StatusPacket/StatusTooLarge result.
type PacketInfo struct {
	SeqNum           uint64
	PayloadLength    int
	PayloadCollected int
	StationID        string
	PayloadFormat    PayloadFormat
	PayloadSubformat byte
}

func (p *PacketInfo) reset() {
	*p = PacketInfo{}
}

const (
	recvBufferSize  = 16 * 1024
	maxStationIDLen = 22
)

// Session is the per-connection runtime: transport handle, framer buffer,
// subscription registry, and the three cooperative deadlines the driver
// advances. It is not safe for concurrent use except for Terminate.
type Session struct {
	cfg *Config
	reg *slreg.Registry

	conn sltransport.Conn

	connState   ConnState
	streamState StreamState
	queryState  QueryState

	nettoDeadline     int64
	netdlyDeadline    int64
	keepaliveDeadline int64

	buf       [recvBufferSize]byte
	bufLen    int
	highWater int

	pkt             PacketInfo
	pendingSIDLen   int    // v4: station-id bytes still to read in StateStationID
	payloadBuf      []byte // grows to hold the in-progress packet's payload
	registryUpdated bool   // guards the one-time registry update per packet

	// pendingPayload/pendingPacket hold a fully-framed packet the caller
	// has not yet been able to receive (TOO_LARGE), per the invariant that
	// a caller never observes payload_collected > 0 across two packets:
	// the framer will not begin a new packet while one is pending.
	pendingPayload []byte
	pendingPacket  *PacketInfo

	lastPacketNS int64 // clock reading at the previous delivered PACKET, 0 before the first

	protoMajor int
	protoMinor int
	capCap     bool // server advertised "CAP" in hello
	batchMode  bool

	infoRequest string // caller-queued INFO level, sent once query_state allows it

	terminate atomic.Bool
	termLevel atomic.Int32

	dialer func(addr string) (sltransport.Conn, error)
}

// RequestInfo queues a level argument (e.g. "ID", "STREAMS", "CAPABILITIES")
// to be sent as an INFO request the next time query_state is idle. Only one
// request may be outstanding; a second call before the first is sent
// overwrites it.
func (s *Session) RequestInfo(level string) {
	s.infoRequest = level
}

// New builds a Session from cfg, loading its stream list (if configured)
// into a fresh registry.
func New(cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := slreg.New()
	if err := cfg.loadStreamList(reg); err != nil {
		return nil, err
	}
	dialer := sltransport.Dial
	if cfg.TLS {
		dialer = func(addr string) (sltransport.Conn, error) {
			return sltransport.DialTLS(addr, nil)
		}
	}
	return &Session{
		cfg:    cfg,
		reg:    reg,
		dialer: dialer,
	}, nil
}

// Registry exposes the subscription registry for direct configuration or
// state-file restoration before the session starts streaming.
func (s *Session) Registry() *slreg.Registry { return s.reg }

// ConnState reports the current outer connection state.
func (s *Session) ConnState() ConnState { return s.connState }

// Terminate requests a graceful shutdown; it is the one method safe to call
// from another goroutine while Step is running.
func (s *Session) Terminate() {
	s.terminate.Store(true)
	s.termLevel.Store(1)
}

func (s *Session) terminateRequested() bool {
	return s.terminate.Load()
}

func (s *Session) escalateTerminate() {
	s.termLevel.Store(2)
}

func (s *Session) terminateLevel() int32 {
	return s.termLevel.Load()
}

func (s *Session) disconnect() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connState = Down
	s.streamState = StateHeader
	s.queryState = QueryNone
	s.bufLen = 0
	s.pkt.reset()
}
