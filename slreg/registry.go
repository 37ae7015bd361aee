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

// Package slreg tracks the per-station subscription list a SeedLink
// connection resumes from: station id, optional stream selectors, and the
// last observed sequence number and timestamp.
package slreg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	xxhash "github.com/cespare/xxhash/v2"

	"github.com/seedlink-go/slink/slglob"
	"github.com/seedlink-go/slink/sltime"
)

// UnsetSeq is the sentinel sequence number meaning "no resumption point
// known yet", serialized on the wire and in the state file as -1.
const UnsetSeq = ^uint64(0)

// AllStationID is the synthetic station id used for the single subscription
// record that represents "every station the server offers".
const AllStationID = "XX_UNI"

// ErrAllStationActive is returned by Add when an all-station subscription
// already exists; the two modes are mutually exclusive.
var ErrAllStationActive = errors.New("slreg: all-station mode is active")

// ErrNotAllStation is returned by SetAllStation when per-station
// subscriptions already exist.
var ErrNotAllStation = errors.New("slreg: per-station subscriptions already exist")

// Subscription is one entry in the registry.
type Subscription struct {
	StationID string
	Selectors string
	SeqNum    uint64
	Timestamp string
}

// Registry is the ordered subscription list for one connection.
type Registry struct {
	subs       []Subscription
	allStation bool

	// exactIndex accelerates Update for the common case of a large list of
	// plain (non-wildcard) station ids: a hash of the incoming id finds
	// candidate positions in O(1) instead of a glob-match over every
	// subscription. Wildcarded subscriptions still require the linear
	// glob scan, since there is no way to hash-index a pattern against a
	// concrete incoming id.
	exactIndex map[uint64][]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Len returns the number of subscriptions (1 in all-station mode).
func (r *Registry) Len() int { return len(r.subs) }

// AllStation reports whether the registry is in all-station mode.
func (r *Registry) AllStation() bool { return r.allStation }

// Subscriptions returns the registry contents in iteration order. The
// returned slice must not be mutated by the caller.
func (r *Registry) Subscriptions() []Subscription { return r.subs }

func partitionOf(id string) int {
	switch {
	case strings.ContainsRune(id, '*'):
		return 2
	case strings.ContainsRune(id, '?'):
		return 1
	default:
		return 0
	}
}

func sortKey(id string) string {
	return fmt.Sprintf("%d:%s", partitionOf(id), id)
}

func (r *Registry) insertSorted(s Subscription) {
	key := sortKey(s.StationID)
	idx := sort.Search(len(r.subs), func(i int) bool {
		return sortKey(r.subs[i].StationID) > key
	})
	r.subs = append(r.subs, Subscription{})
	copy(r.subs[idx+1:], r.subs[idx:])
	r.subs[idx] = s
	r.rebuildExactIndex()
}

// rebuildExactIndex recomputes the hash lookup used by Update's fast path.
// It runs on every Add (Deserialize adds through Add); SetAllStation clears
// the index instead, since all-station Update does not use it. All of these
// happen at configuration time, not per incoming packet.
func (r *Registry) rebuildExactIndex() {
	r.exactIndex = make(map[uint64][]int, len(r.subs))
	for i, s := range r.subs {
		if partitionOf(s.StationID) != 0 {
			continue
		}
		h := xxhash.Sum64String(s.StationID)
		r.exactIndex[h] = append(r.exactIndex[h], i)
	}
}

func normalizeTimestamp(ts string) (string, error) {
	if ts == "" {
		return "", nil
	}
	if strings.ContainsRune(ts, ',') {
		iso, err := sltime.ToISO([]byte(ts))
		if err != nil {
			return "", err
		}
		return string(iso), nil
	}
	return ts, nil
}

// Add inserts a new per-station subscription into its partitioned-sorted
// position. It rejects the call if an all-station subscription exists.
func (r *Registry) Add(stationID, selectors string, seqnum uint64, timestamp string) error {
	if r.allStation {
		return ErrAllStationActive
	}
	norm, err := normalizeTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("slreg: add %q: %w", stationID, err)
	}
	r.insertSorted(Subscription{
		StationID: stationID,
		Selectors: selectors,
		SeqNum:    seqnum,
		Timestamp: norm,
	})
	return nil
}

// SetAllStation replaces the registry with a single all-station record. It
// rejects the call if any non-all-station subscription already exists.
func (r *Registry) SetAllStation(selectors string, seqnum uint64, timestamp string) error {
	if len(r.subs) > 0 && !r.allStation {
		return ErrNotAllStation
	}
	norm, err := normalizeTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("slreg: set-all-station: %w", err)
	}
	r.subs = []Subscription{{
		StationID: AllStationID,
		Selectors: selectors,
		SeqNum:    seqnum,
		Timestamp: norm,
	}}
	r.allStation = true
	r.exactIndex = nil
	return nil
}

// Update records (seqnum, timestamp) against every subscription whose
// station id glob-matches the incoming concrete station id (wildcards on
// the subscription side, a concrete id on the incoming side). It returns
// the number of subscriptions updated; zero is not an error.
func (r *Registry) Update(stationID string, seqnum uint64, timestamp string) int {
	if r.allStation {
		r.subs[0].SeqNum = seqnum
		r.subs[0].Timestamp = timestamp
		return 1
	}
	count := 0
	for _, idx := range r.exactIndex[xxhash.Sum64String(stationID)] {
		if r.subs[idx].StationID == stationID {
			r.subs[idx].SeqNum = seqnum
			r.subs[idx].Timestamp = timestamp
			count++
		}
	}
	for i := range r.subs {
		if partitionOf(r.subs[i].StationID) == 0 {
			continue // exact ids already handled via the hash index above
		}
		if slglob.Match(stationID, r.subs[i].StationID) {
			r.subs[i].SeqNum = seqnum
			r.subs[i].Timestamp = timestamp
			count++
		}
	}
	return count
}

// Serialize writes the state-file form of the registry: one line per
// subscription, "<station_id> <seqnum|-1> [<timestamp>]".
func (r *Registry) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, s := range r.subs {
		seq := "-1"
		if s.SeqNum != UnsetSeq {
			seq = strconv.FormatUint(s.SeqNum, 10)
		}
		if s.Timestamp != "" {
			if _, err := fmt.Fprintf(bw, "%s %s %s\n", s.StationID, seq, s.Timestamp); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(bw, "%s %s\n", s.StationID, seq); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Deserialize replaces the registry contents by reading the state-file
// format, accepting the legacy "<NET> <STA> <seq> [<ts>]" line shape and
// converting comma-form legacy timestamps to ISO-8601.
func (r *Registry) Deserialize(rd io.Reader) error {
	r.subs = nil
	r.allStation = false
	r.exactIndex = nil
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		stationID, rest, err := splitStationID(fields)
		if err != nil {
			return fmt.Errorf("slreg: deserialize: %w", err)
		}
		seqnum := UnsetSeq
		if len(rest) >= 1 {
			seqnum, err = parseSeq(rest[0])
			if err != nil {
				return fmt.Errorf("slreg: deserialize %q: %w", line, err)
			}
		}
		timestamp := ""
		if len(rest) >= 2 {
			timestamp, err = normalizeTimestamp(rest[1])
			if err != nil {
				return fmt.Errorf("slreg: deserialize %q: %w", line, err)
			}
		}
		if stationID == AllStationID {
			if err := r.SetAllStation("", seqnum, timestamp); err != nil {
				return err
			}
			continue
		}
		if err := r.Add(stationID, "", seqnum, timestamp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func splitStationID(fields []string) (stationID string, rest []string, err error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty line")
	}
	if strings.ContainsRune(fields[0], '_') {
		return fields[0], fields[1:], nil
	}
	if len(fields) < 2 {
		return "", nil, fmt.Errorf("legacy line missing station field: %q", strings.Join(fields, " "))
	}
	return fields[0] + "_" + fields[1], fields[2:], nil
}

func parseSeq(s string) (uint64, error) {
	if s == "-1" {
		return UnsetSeq, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
