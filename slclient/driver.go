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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seedlink-go/slink/sltime"
	"github.com/seedlink-go/slink/sltransport"
)

const (
	blockingPoll    = 500 * time.Millisecond
	nonBlockingPoll = 1 * time.Millisecond

	minBufferForTerminate = 64
)

// Step runs one iteration of the collection driver and returns a status and
// the packet metadata for StatusPacket/StatusTooLarge. The error result is
// always nil: a configuration-level failure such as a malformed address arms
// terminate and surfaces as StatusTerminate instead. buf is the
// caller's payload destination; its size is re-checked every call since a
// caller may grow it after a StatusTooLarge return.
func (s *Session) Step(ctx context.Context, buf []byte) (Status, *PacketInfo, error) {
	now := sltime.NowNS()

	// A fully-framed packet the caller couldn't fit last time takes
	// priority over reading more off the wire: the framer refuses to
	// start a new packet while one is pending delivery.
	if s.pendingPacket != nil {
		return s.deliverPending(buf, now)
	}

	if s.connState == Down {
		if s.netdlyDeadline > now {
			s.waitReconnectBackoff(ctx)
		} else if err := s.connect(); err != nil {
			if errors.Is(err, sltransport.ErrBadAddress) {
				s.cfg.LogSink.Error(fmt.Sprintf("slclient: address %s is malformed, terminating: %v", s.cfg.Address, err))
				s.Terminate()
			} else {
				s.cfg.LogSink.Error(fmt.Sprintf("slclient: connect to %s failed: %v", s.cfg.Address, err))
				s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
			}
		} else {
			s.nettoDeadline = 0
			s.netdlyDeadline = 0
			s.keepaliveDeadline = 0
			s.connState = Up
			s.cfg.LogSink.Normal(fmt.Sprintf("slclient: connected to %s", s.cfg.Address))
		}
	}

	if s.connState == Up && s.reg.Len() > 0 {
		if err := s.negotiate(); err != nil {
			s.cfg.LogSink.Error(fmt.Sprintf("slclient: negotiation failed: %v", err))
			s.disconnect()
			s.netdlyDeadline = 0
		} else {
			s.connState = Streaming
			s.cfg.LogSink.Normal(fmt.Sprintf("slclient: streaming at protocol v%d.%d", s.protoMajor, s.protoMinor))
		}
	}

	if s.connState == Streaming {
		if s.queryState == QueryNone && s.infoRequest != "" {
			level := s.infoRequest
			s.infoRequest = ""
			if _, err := s.conn.Send([]byte(fmt.Sprintf("INFO %s\r", level))); err != nil {
				s.cfg.LogSink.Error(fmt.Sprintf("slclient: send INFO %s: %v", level, err))
				s.disconnect()
				s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
				return StatusNoPacket, nil, nil
			}
			s.queryState = QueryInfo
		}

		if s.bufLen == 0 {
			timeout := blockingPoll
			if !s.cfg.Blocking {
				timeout = nonBlockingPoll
			}
			if _, _, err := s.conn.Poll(true, false, timeout); err != nil {
				s.cfg.LogSink.Error(fmt.Sprintf("slclient: poll: %v", err))
				s.disconnect()
				s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
				s.cfg.Metrics.IncReconnect()
				return StatusNoPacket, nil, nil
			}
		}

		n, err := s.conn.Recv(s.buf[s.bufLen:])
		if err != nil {
			s.cfg.LogSink.Error(fmt.Sprintf("slclient: recv: %v", err))
			s.disconnect()
			s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
			s.cfg.Metrics.IncReconnect()
			return StatusNoPacket, nil, nil
		}
		s.bufLen += n
		if s.bufLen > s.highWater {
			s.highWater = s.bufLen
			s.cfg.Metrics.ObserveBufferLevel(s.highWater)
		}

		status, pkt, ferr := s.drainFramer(buf)
		if ferr != nil {
			s.cfg.LogSink.Error(fmt.Sprintf("slclient: %v", ferr))
			s.cfg.Metrics.IncFramingError()
			dialup := errors.Is(ferr, errDialupEnd)
			s.disconnect()
			if dialup {
				s.cfg.LogSink.Normal("slclient: server ended dial-up window")
				s.Terminate()
			} else {
				s.netdlyDeadline = now
			}
			return StatusNoPacket, nil, nil
		}
		if status != StatusNoPacket {
			s.cfg.Metrics.IncPacket(byte(pkt.PayloadFormat))
			if status == StatusPacket {
				s.recordPacketGap(now)
			}
			return status, pkt, nil
		}
	}

	if s.nettoDeadline == 0 {
		s.nettoDeadline = now + s.cfg.IOTimeout.Nanoseconds()
	}
	if s.netdlyDeadline == 0 {
		s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
	}
	if s.keepaliveDeadline == 0 && s.cfg.KeepaliveInt > 0 {
		s.keepaliveDeadline = now + s.cfg.KeepaliveInt.Nanoseconds()
	}

	if s.connState == Streaming && now > s.nettoDeadline {
		s.cfg.LogSink.Error("slclient: i/o timeout, disconnecting")
		s.disconnect()
		s.netdlyDeadline = now + s.cfg.ReconnectWait.Nanoseconds()
		return StatusNoPacket, nil, nil
	}

	if s.connState == Streaming && s.cfg.KeepaliveInt > 0 && now > s.keepaliveDeadline && s.queryState == QueryNone {
		s.cfg.LogSink.Diag(3, "slclient: sending keepalive INFO ID request")
		if _, err := s.conn.Send([]byte("INFO ID\r")); err == nil {
			s.queryState = QueryKeepalive
			s.cfg.Metrics.IncKeepalive()
		}
		s.keepaliveDeadline = now + s.cfg.KeepaliveInt.Nanoseconds()
	}

	if !s.cfg.Blocking && s.bufLen == 0 {
		return StatusNoPacket, nil, nil
	}

	if s.terminateRequested() {
		if s.connState != Up && s.bufLen < minBufferForTerminate {
			s.escalateTerminate()
		}
		if s.terminateLevel() >= 2 {
			s.disconnect()
			return StatusTerminate, nil, nil
		}
	}

	return StatusNoPacket, nil, nil
}

// waitReconnectBackoff paces a disconnected Step call while netdly_deadline
// has not yet elapsed: a full poll interval in blocking mode, a short
// cooperative yield in non-blocking mode, cut short by ctx cancellation.
func (s *Session) waitReconnectBackoff(ctx context.Context) {
	d := blockingPoll
	if !s.cfg.Blocking {
		d = nonBlockingPoll
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// connect dials the configured address, choosing TLS or plain TCP.
func (s *Session) connect() error {
	conn, err := s.dialer(s.cfg.Address)
	if err != nil {
		return err
	}
	if err := conn.SetDeadlines(s.cfg.IOTimeout); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	return nil
}

// drainFramer runs runFramer in a tight loop, compacting the receive
// buffer after every consumed chunk, until it produces a caller-facing
// result (packet or fatal error) or can make no further progress with the
// bytes on hand. A completed packet is handed to deliverPacket, which
// decides PACKET vs TOO_LARGE against the caller's buffer size.
func (s *Session) drainFramer(callerBuf []byte) (Status, *PacketInfo, error) {
	for {
		outcome := s.runFramer()
		if outcome.fatal != nil {
			return StatusNoPacket, nil, outcome.fatal
		}
		if outcome.consumed > 0 {
			copy(s.buf[:], s.buf[outcome.consumed:s.bufLen])
			s.bufLen -= outcome.consumed
		}
		if outcome.swallow {
			s.cfg.LogSink.Diag(3, "slclient: swallowed keepalive INFO response")
			s.keepaliveDeadline = 0
			s.nettoDeadline = 0
			continue
		}
		if outcome.packet {
			return s.deliverPacket(callerBuf)
		}
		if outcome.consumed == 0 {
			return StatusNoPacket, nil, nil
		}
	}
}

// deliverPacket takes the framer's just-completed s.pkt/s.payloadBuf and
// either copies it into callerBuf (PACKET) or stashes it in
// pendingPacket/pendingPayload for a later call with a larger buffer
// (TOO_LARGE). Either way it resets the in-progress packet state so the
// framer can start the next one.
func (s *Session) deliverPacket(callerBuf []byte) (Status, *PacketInfo, error) {
	pkt := s.pkt
	payload := s.payloadBuf
	s.pkt.reset()
	s.payloadBuf = nil

	if len(callerBuf) < pkt.PayloadCollected {
		s.pendingPacket = &pkt
		s.pendingPayload = payload
		return StatusTooLarge, s.pendingPacket, nil
	}
	copy(callerBuf, payload)
	return StatusPacket, &pkt, nil
}

// deliverPending re-checks a previously TOO_LARGE packet against (possibly
// enlarged) callerBuf.
func (s *Session) deliverPending(callerBuf []byte, now int64) (Status, *PacketInfo, error) {
	pkt := s.pendingPacket
	if len(callerBuf) < pkt.PayloadCollected {
		return StatusTooLarge, pkt, nil
	}
	copy(callerBuf, s.pendingPayload)
	s.pendingPacket = nil
	s.pendingPayload = nil
	s.cfg.Metrics.IncPacket(byte(pkt.PayloadFormat))
	s.recordPacketGap(now)
	return StatusPacket, pkt, nil
}

// recordPacketGap reports the interval since the previously delivered
// packet, skipping the very first packet, which has no predecessor.
func (s *Session) recordPacketGap(now int64) {
	if s.lastPacketNS != 0 {
		s.cfg.Metrics.ObservePacketGap(time.Duration(now - s.lastPacketNS))
	}
	s.lastPacketNS = now
}

// Run drives Step in a loop until it returns StatusTerminate or ctx is
// canceled, invoking onPacket for every StatusPacket/StatusTooLarge result.
// onPacket returning a larger buf than it was given grows the buffer used
// for the next Step call, which is how a TOO_LARGE result gets resolved.
func (s *Session) Run(ctx context.Context, buf []byte, onPacket func(Status, *PacketInfo, []byte) []byte) error {
	for {
		select {
		case <-ctx.Done():
			s.Terminate()
		default:
		}
		status, pkt, err := s.Step(ctx, buf)
		if err != nil {
			return err
		}
		switch status {
		case StatusTerminate:
			return nil
		case StatusPacket, StatusTooLarge:
			buf = onPacket(status, pkt, buf)
		case StatusNoPacket:
			if ctx.Err() != nil && s.connState == Down {
				return ctx.Err()
			}
		}
	}
}
