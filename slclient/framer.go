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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/seedlink-go/slink/miniseed"
)

// ErrFraming is returned (wrapped) for any fatal framing error: bad
// signature, unparseable sequence, non-miniSEED payload on a v3 connection,
// station-id overflow, or a bad blockette chain.
var ErrFraming = errors.New("slclient: framing error")

const (
	v3HeaderSize = 8
	v4HeaderSize = 17

	inspectChunk = 128 // bytes consumed per unknown-length read attempt
)

// frameOutcome is what one call to runFramer produced.
type frameOutcome struct {
	consumed int  // bytes to drop from the head of the buffer
	packet   bool // a caller-facing packet completed this call
	swallow  bool // a keepalive INFO response completed and was swallowed
	fatal    error
}

// runFramer advances the state machine as far as it can over s.buf[:s.bufLen]
// starting at offset 0 (the driver always compacts before calling this), and
// reports what happened. It does not itself touch s.bufLen; the caller
// applies frameOutcome.consumed.
func (s *Session) runFramer() frameOutcome {
	switch s.streamState {
	case StateHeader:
		return s.frameHeader()
	case StateStationID:
		return s.frameStationID()
	case StatePayload:
		return s.framePayload()
	default:
		return frameOutcome{fatal: fmt.Errorf("%w: impossible stream state %d", ErrFraming, s.streamState)}
	}
}

func (s *Session) frameHeader() frameOutcome {
	buf := s.buf[:s.bufLen]

	if len(buf) >= 4 && string(buf[:4]) == "END\r" {
		return frameOutcome{consumed: 4, fatal: errDialupEnd}
	}
	if len(buf) >= 5 && string(buf[:5]) == "ERROR" {
		return frameOutcome{consumed: 5, fatal: fmt.Errorf("%w: server sent ERROR mid-stream", ErrFraming)}
	}

	if len(buf) >= 2 && buf[0] == 'S' && buf[1] == 'E' {
		return s.frameV4Header(buf)
	}
	if len(buf) >= v3HeaderSize && string(buf[:6]) == "SLINFO" {
		return s.frameV3InfoHeader(buf)
	}
	if len(buf) >= v3HeaderSize && buf[0] == 'S' && buf[1] == 'L' {
		return s.frameV3DataHeader(buf)
	}
	if len(buf) < v3HeaderSize {
		return frameOutcome{} // need more bytes
	}
	return frameOutcome{fatal: fmt.Errorf("%w: unrecognized header signature %q", ErrFraming, buf[:2])}
}

var errDialupEnd = errors.New("slclient: server signaled end of dial-up window")

func (s *Session) frameV3InfoHeader(buf []byte) frameOutcome {
	terminator := buf[7]
	s.pkt.reset()
	if terminator == '*' {
		s.pkt.PayloadFormat = FormatMSEED2Info
	} else {
		s.pkt.PayloadFormat = FormatMSEED2InfoTerm
	}
	s.pkt.PayloadLength = 0 // unknown, resolved by the record inspector below
	s.streamState = StatePayload
	return frameOutcome{consumed: v3HeaderSize}
}

func (s *Session) frameV3DataHeader(buf []byte) frameOutcome {
	seq, err := parseHexSeq(buf[2:8])
	if err != nil {
		return frameOutcome{fatal: fmt.Errorf("%w: %v", ErrFraming, err)}
	}
	s.pkt.reset()
	s.pkt.SeqNum = seq
	s.pkt.PayloadFormat = FormatUnknown
	s.streamState = StatePayload
	return frameOutcome{consumed: v3HeaderSize}
}

func parseHexSeq(b []byte) (uint64, error) {
	var v uint64
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		default:
			return 0, fmt.Errorf("non-hex byte %q in sequence", c)
		}
	}
	return v, nil
}

func (s *Session) frameV4Header(buf []byte) frameOutcome {
	if len(buf) < v4HeaderSize {
		return frameOutcome{}
	}
	format := buf[2]
	subformat := buf[3]
	payloadLen := binary.LittleEndian.Uint32(buf[4:8])
	seq := binary.LittleEndian.Uint64(buf[8:16])
	sidLen := int(buf[16])

	s.pkt.reset()
	s.pkt.SeqNum = seq
	s.pkt.PayloadLength = int(payloadLen)
	s.pkt.PayloadFormat = PayloadFormat(format)
	s.pkt.PayloadSubformat = subformat

	if sidLen >= maxStationIDLen {
		return frameOutcome{fatal: fmt.Errorf("%w: v4 station-id length %d overflows buffer", ErrFraming, sidLen)}
	}
	if sidLen == 0 {
		s.streamState = StatePayload
		return frameOutcome{consumed: v4HeaderSize}
	}
	s.pendingSIDLen = sidLen
	s.streamState = StateStationID
	return frameOutcome{consumed: v4HeaderSize}
}

func (s *Session) frameStationID() frameOutcome {
	if s.bufLen < s.pendingSIDLen {
		return frameOutcome{}
	}
	s.pkt.StationID = string(s.buf[:s.pendingSIDLen])
	s.streamState = StatePayload
	return frameOutcome{consumed: s.pendingSIDLen}
}

func (s *Session) framePayload() frameOutcome {
	buf := s.buf[:s.bufLen]

	if s.pkt.PayloadLength > 0 {
		return s.framePayloadKnownLength(buf)
	}
	return s.framePayloadUnknownLength(buf)
}

func (s *Session) framePayloadKnownLength(buf []byte) frameOutcome {
	remaining := s.pkt.PayloadLength - s.pkt.PayloadCollected
	if remaining == 0 {
		return s.completePacket()
	}
	take := remaining
	if take > len(buf) {
		take = len(buf)
	}
	s.consumePayload(buf[:take])
	if s.pkt.PayloadCollected < s.pkt.PayloadLength {
		return frameOutcome{consumed: take}
	}
	outcome := s.completePacket()
	outcome.consumed += take
	return outcome
}

func (s *Session) framePayloadUnknownLength(buf []byte) frameOutcome {
	take := len(buf)
	if take > inspectChunk {
		take = inspectChunk
	}
	if take == 0 {
		return frameOutcome{}
	}
	s.consumePayload(buf[:take])

	if s.pkt.PayloadCollected < miniseed.MinPayload {
		return frameOutcome{consumed: take}
	}

	info, err := miniseed.Inspect(s.payloadBuf)
	if err != nil {
		return frameOutcome{consumed: take, fatal: fmt.Errorf("%w: v3 payload did not validate as miniSEED: %v", ErrFraming, err)}
	}
	s.pkt.PayloadLength = info.RecordLength
	if s.pkt.PayloadFormat == FormatUnknown { // keep a v3 INFO header's format
		s.pkt.PayloadFormat = PayloadFormat(info.Format)
	}
	if s.pkt.StationID == "" {
		s.pkt.StationID = info.StationID
	}

	if s.pkt.PayloadCollected >= s.pkt.PayloadLength {
		outcome := s.completePacket()
		outcome.consumed += take
		return outcome
	}
	return frameOutcome{consumed: take}
}

// consumePayload appends b to the in-progress packet's payload buffer and
// performs the registry update exactly once, on the first call where enough
// bytes have accumulated to extract a station id and timestamp (spec: "on
// the first transition where payload_collected >= 64 and the format is
// data").
func (s *Session) consumePayload(b []byte) {
	s.payloadBuf = append(s.payloadBuf, b...)
	s.pkt.PayloadCollected = len(s.payloadBuf)

	if !s.registryUpdated && s.pkt.PayloadCollected >= miniseed.MinPayload && isDataFormat(s.pkt.PayloadFormat) {
		if info, err := miniseed.Inspect(s.payloadBuf); err == nil {
			if s.pkt.StationID == "" {
				s.pkt.StationID = info.StationID
			}
			n := s.reg.Update(s.pkt.StationID, s.pkt.SeqNum, info.StartTime)
			if n == 0 {
				s.cfg.LogSink.Error(fmt.Sprintf("slclient: no subscription matched incoming station id %q", s.pkt.StationID))
			}
			s.registryUpdated = true
		}
	}
}

func isDataFormat(f PayloadFormat) bool {
	switch f {
	case FormatMiniSEED2, FormatMiniSEED3:
		return true
	default:
		return false
	}
}

func (s *Session) completePacket() frameOutcome {
	s.streamState = StateHeader
	wasKeepaliveInfo := s.queryState == QueryKeepalive && isInfoResponse(s.pkt.PayloadFormat, s.pkt.PayloadSubformat)
	out := frameOutcome{}
	if wasKeepaliveInfo {
		s.queryState = QueryNone
		out.swallow = true
	} else {
		out.packet = true
	}
	s.registryUpdated = false
	return out
}

func isInfoResponse(f PayloadFormat, subformat byte) bool {
	if f == FormatMSEED2InfoTerm {
		return true
	}
	if f == FormatJSON && subformat == 'I' {
		return true
	}
	return false
}
