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
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/seedlink-go/slink/slreg"
	"github.com/seedlink-go/slink/sltime"
)

// ErrNegotiation wraps any failure during greeting, upgrade, or selection.
var ErrNegotiation = errors.New("slclient: negotiation failed")

const (
	libverMajor = 4
	libverMinor = 0
	libver      = "4.0"
)

// negotiate runs the three sub-protocols over s.conn: greeting, upgrade,
// and selection. Once the greeting has completed, s.protoMajor/protoMinor/
// capCap stay set whatever the later steps return.
// A credential is drawn from cfg.Auth before the greeting and released via
// Finish when negotiation returns, success or failure, per slauth's contract.
func (s *Session) negotiate() error {
	cred, err := s.cfg.Auth.Value(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: obtaining credential: %v", ErrNegotiation, err)
	}
	defer s.cfg.Auth.Finish(s.cfg.Address)

	if err := s.greet(); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if s.protoMajor >= 4 {
		if err := s.upgradeV4(); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		if err := s.userAgent(cred); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		if err := s.selectV4(); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		return nil
	}
	if s.capCap {
		if err := s.capabilitiesV3(); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
	}
	if s.reg.AllStation() {
		if err := s.selectV3Uni(); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		return nil
	}
	if err := s.selectV3Multi(); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return nil
}

// greet sends HELLO and parses the two-line server identification.
func (s *Session) greet() error {
	if _, err := s.conn.Send([]byte("HELLO\r")); err != nil {
		return err
	}
	ident, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	if _, err := s.conn.RecvResponse(); err != nil { // site/organization line, unused
		return err
	}
	major, minor, capCap := parseHello(ident)
	s.protoMajor = major
	s.protoMinor = minor
	s.capCap = capCap
	s.cfg.LogSink.Diag(2, fmt.Sprintf("slclient: server identifies as %q (v%d.%d)", ident, major, minor))
	return nil
}

// parseHello extracts "SeedLink v<maj>.<min>" (case-insensitive) and an
// optional "::"-prefixed capability flag list from the greeting's first
// line, looking for a bare CAP token among them.
func parseHello(line string) (major, minor int, capCap bool) {
	lower := strings.ToLower(line)
	idx := strings.Index(lower, "seedlink v")
	if idx < 0 {
		return 3, 0, false
	}
	rest := line[idx+len("seedlink v"):]
	end := strings.IndexAny(rest, " \t")
	verStr := rest
	if end >= 0 {
		verStr = rest[:end]
	}
	parts := strings.SplitN(verStr, ".", 2)
	major, _ = strconv.Atoi(parts[0])
	if len(parts) > 1 {
		minorStr := parts[1]
		for i, c := range minorStr {
			if c < '0' || c > '9' {
				minorStr = minorStr[:i]
				break
			}
		}
		minor, _ = strconv.Atoi(minorStr)
	}
	if capIdx := strings.Index(line, "::"); capIdx >= 0 {
		for _, flag := range strings.Fields(line[capIdx+2:]) {
			if flag == "CAP" {
				capCap = true
			}
		}
	}
	return major, minor, capCap
}

// upgradeV4 requests the library's maximum protocol, then queries full
// capabilities and promotes the effective version if GETCAPABILITIES
// advertises a higher SLPROTO than the greeting did.
func (s *Session) upgradeV4() error {
	cmd := fmt.Sprintf("SLPROTO %d.%d\r", libverMajor, libverMinor)
	if _, err := s.conn.Send([]byte(cmd)); err != nil {
		return err
	}
	reply, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(reply, "OK"):
	case strings.HasPrefix(reply, "ERROR"):
		return fmt.Errorf("server rejected SLPROTO upgrade: %s", reply)
	default:
		return fmt.Errorf("unexpected reply to SLPROTO: %q", reply)
	}

	if _, err := s.conn.Send([]byte("GETCAPABILITIES\r")); err != nil {
		return err
	}
	caps, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	for _, flag := range strings.Fields(strings.TrimRight(caps, " \r\n")) {
		if maj, min, ok := parseSLPROTOFlag(flag); ok {
			if higherVersion(maj, min, s.protoMajor, s.protoMinor) {
				s.protoMajor, s.protoMinor = maj, min
			}
		}
	}
	return nil
}

func parseSLPROTOFlag(flag string) (maj, min int, ok bool) {
	const prefix = "SLPROTO:"
	if !strings.HasPrefix(flag, prefix) {
		return 0, 0, false
	}
	parts := strings.SplitN(flag[len(prefix):], ".", 2)
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		min, _ = strconv.Atoi(parts[1])
	}
	return maj, min, true
}

func higherVersion(maj, min, baseMaj, baseMin int) bool {
	a, err1 := version.NewVersion(fmt.Sprintf("%d.%d", maj, min))
	b, err2 := version.NewVersion(fmt.Sprintf("%d.%d", baseMaj, baseMin))
	if err1 != nil || err2 != nil {
		return false
	}
	return a.GreaterThan(b)
}

// serverAtLeast reports whether the negotiated protocol version is >= the
// given major.minor threshold.
func (s *Session) serverAtLeast(major, minor int) bool {
	return higherVersion(s.protoMajor, s.protoMinor, major, minor) || (s.protoMajor == major && s.protoMinor == minor)
}

// capabilitiesV3 sends the v3 CAPABILITIES line for a server that
// advertised CAP in its hello, enabling EXTREPLY so error/OK lines may
// carry a trailing human-readable explanation.
func (s *Session) capabilitiesV3() error {
	cmd := fmt.Sprintf("CAPABILITIES SLPROTO:%d.%d EXTREPLY\r", libverMajor, libverMinor)
	if _, err := s.conn.Send([]byte(cmd)); err != nil {
		return err
	}
	reply, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "ERROR") {
		return fmt.Errorf("server rejected CAPABILITIES: %s", reply)
	}
	return nil
}

// userAgent identifies the client to a v4 server and, if cfg.Auth supplied a
// credential, appends it as a trailing AUTH token: the protocol has no
// dedicated credential exchange, and USERAGENT is the only v4 identification
// line a server can inspect before selection begins.
func (s *Session) userAgent(cred string) error {
	name := s.cfg.ClientName
	if s.cfg.ClientVersion != "" {
		name = fmt.Sprintf("%s/%s", name, s.cfg.ClientVersion)
	}
	cmd := fmt.Sprintf("USERAGENT %s libslink/%s", name, libver)
	if cred != "" {
		cmd += fmt.Sprintf(" AUTH %s", cred)
	}
	cmd += "\r"
	if _, err := s.conn.Send([]byte(cmd)); err != nil {
		return err
	}
	reply, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "OK") {
		return fmt.Errorf("server rejected USERAGENT: %s", reply)
	}
	return nil
}

// sendAndExpect sends cmd and reads one reply, counting it as an error if
// it does not begin with OK. errCount is incremented (not returned as a
// hard error) so callers can tolerate a partial selector rejection and
// still fail the whole negotiation only if every selector failed.
func (s *Session) sendAndExpect(cmd string, errCount *int) error {
	if _, err := s.conn.Send([]byte(cmd)); err != nil {
		return err
	}
	reply, err := s.conn.RecvResponse()
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "ERROR") {
		*errCount++
	}
	return nil
}

// resumptionCommand builds the FETCH/DATA (or bare) command for one
// subscription, per the active mode and protocol version.
func (s *Session) resumptionCommand(sub slreg.Subscription) string {
	verb := "DATA"
	if s.cfg.Dialup {
		verb = "FETCH"
	}
	if sub.SeqNum == slreg.UnsetSeq {
		return fmt.Sprintf("%s\r", verb)
	}
	seqHex := strings.ToUpper(fmt.Sprintf("%016X", sub.SeqNum+1))
	if sub.Timestamp != "" && s.serverAtLeast(2, 93) {
		if comma, err := sltime.ToComma([]byte(sub.Timestamp)); err == nil {
			return fmt.Sprintf("%s %s %s\r", verb, seqHex, comma)
		}
	}
	return fmt.Sprintf("%s %s\r", verb, seqHex)
}

// selectV3Uni implements the single-subscription v3 dialect: one or more
// SELECT commands (at least one must be accepted), an optional global TIME
// window, then one resumption command.
func (s *Session) selectV3Uni() error {
	subs := s.reg.Subscriptions()
	var sel string
	if len(subs) == 1 {
		sel = subs[0].Selectors
	}
	errCount := 0
	selectors := strings.Fields(sel)
	for _, one := range selectors {
		if err := s.sendAndExpect(fmt.Sprintf("SELECT %s\r", one), &errCount); err != nil {
			return err
		}
	}
	if len(selectors) > 0 && errCount == len(selectors) {
		return fmt.Errorf("all %d selectors rejected", len(selectors))
	}
	errCount = 0 // partial selector rejection is tolerated; only TIME/DATA/FETCH count below

	if s.cfg.TimeStart != "" && s.serverAtLeast(2, 92) {
		cmd := fmt.Sprintf("TIME %s", s.cfg.TimeStart)
		if s.cfg.TimeEnd != "" {
			cmd += " " + s.cfg.TimeEnd
		}
		cmd += "\r"
		if err := s.sendAndExpect(cmd, &errCount); err != nil {
			return err
		}
	} else {
		var sub slreg.Subscription
		if len(subs) == 1 {
			sub = subs[0]
		} else {
			sub.SeqNum = slreg.UnsetSeq
		}
		if err := s.sendAndExpect(s.resumptionCommand(sub), &errCount); err != nil {
			return err
		}
	}
	if errCount > 0 {
		return fmt.Errorf("%d selection command(s) rejected", errCount)
	}
	return nil
}

// selectV3Multi implements the multi-station v3 dialect: a STATION/selector
// block per subscription followed by END, with an optional one-time BATCH
// negotiation that suppresses per-command OK/ERROR reads.
func (s *Session) selectV3Multi() error {
	if s.cfg.Batch && s.serverAtLeast(3, 1) {
		errCount := 0
		if err := s.sendAndExpect("BATCH\r", &errCount); err != nil {
			return err
		}
		if errCount > 0 {
			return fmt.Errorf("server rejected BATCH")
		}
		s.batchMode = true
	}

	errCount := 0
	send := func(cmd string) error {
		if s.batchMode {
			_, err := s.conn.Send([]byte(cmd))
			return err
		}
		return s.sendAndExpect(cmd, &errCount)
	}

	for _, sub := range s.reg.Subscriptions() {
		net, sta, _ := strings.Cut(sub.StationID, "_")
		if err := send(fmt.Sprintf("STATION %s %s\r", sta, net)); err != nil {
			return err
		}
		for _, one := range strings.Fields(sub.Selectors) {
			if err := send(fmt.Sprintf("SELECT %s\r", one)); err != nil {
				return err
			}
		}
		if err := send(s.resumptionCommand(sub)); err != nil {
			return err
		}
	}
	if _, err := s.conn.Send([]byte("END\r")); err != nil {
		return err
	}
	if errCount > 0 {
		return fmt.Errorf("%d selection command(s) rejected", errCount)
	}
	return nil
}

// selectV4 builds the flat v4 command list (STATION, SELECTs, DATA/FETCH
// with the time window attached directly), sends all of it, then reads one
// reply per command before the trailing END.
func (s *Session) selectV4() error {
	var commands []string
	for _, sub := range s.reg.Subscriptions() {
		id := sub.StationID
		if id == slreg.AllStationID {
			id = ""
		}
		commands = append(commands, fmt.Sprintf("STATION %s\r", id))
		for _, one := range strings.Fields(sub.Selectors) {
			commands = append(commands, fmt.Sprintf("SELECT %s\r", one))
		}
		commands = append(commands, s.resumptionCommandV4(sub))
	}

	for _, cmd := range commands {
		if _, err := s.conn.Send([]byte(cmd)); err != nil {
			return err
		}
	}
	errCount := 0
	for range commands {
		reply, err := s.conn.RecvResponse()
		if err != nil {
			return err
		}
		if strings.HasPrefix(reply, "ERROR") {
			errCount++
		}
	}
	if _, err := s.conn.Send([]byte("END\r")); err != nil {
		return err
	}
	if errCount > 0 {
		return fmt.Errorf("%d selection command(s) rejected", errCount)
	}
	return nil
}

// resumptionCommandV4 builds a v4 DATA/FETCH line with the sequence and
// time window attached directly, using the "-1" sentinel to mean "all data
// from window start" when no sequence is known but a start time is.
func (s *Session) resumptionCommandV4(sub slreg.Subscription) string {
	verb := "DATA"
	if s.cfg.Dialup {
		verb = "FETCH"
	}
	switch {
	case sub.SeqNum != slreg.UnsetSeq:
		cmd := fmt.Sprintf("%s %d", verb, sub.SeqNum+1)
		if s.cfg.TimeStart != "" {
			cmd += " " + s.cfg.TimeStart
			if s.cfg.TimeEnd != "" {
				cmd += " " + s.cfg.TimeEnd
			}
		}
		return cmd + "\r"
	case s.cfg.TimeStart != "":
		cmd := fmt.Sprintf("%s -1 %s", verb, s.cfg.TimeStart)
		if s.cfg.TimeEnd != "" {
			cmd += " " + s.cfg.TimeEnd
		}
		return cmd + "\r"
	default:
		return verb + "\r"
	}
}
