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

// Package statefile loads and saves the on-disk forms a session resumes
// from across restarts: the per-station sequence/timestamp state file, the
// stream list file, and the inline stream list string.
package statefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/seedlink-go/slink/slreg"
)

// Load reads a state file at path into a fresh Registry. A missing file is
// not an error: it simply yields an empty registry, the state one session
// sees before it has ever persisted anything.
func Load(path string) (*slreg.Registry, error) {
	r := slreg.New()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("statefile: open %s: %w", path, err)
	}
	defer f.Close()
	if err := r.Deserialize(f); err != nil {
		return nil, fmt.Errorf("statefile: parse %s: %w", path, err)
	}
	return r, nil
}

// Save writes r's contents to path, replacing the file if it exists. The
// write goes to a temporary file in the same directory first and is
// renamed into place, so a crash mid-write cannot leave a half-written
// state file behind.
func Save(path string, r *slreg.Registry) error {
	tmp, err := os.CreateTemp(dirOf(path), ".statefile-*")
	if err != nil {
		return fmt.Errorf("statefile: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := r.Serialize(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("statefile: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statefile: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statefile: rename into %s: %w", path, err)
	}
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return "."
}

// StreamEntry is one line of a stream list: a station id plus its raw
// selector text (empty meaning "all channels").
type StreamEntry struct {
	StationID string
	Selectors string
}

// LoadStreamListFile parses a stream list file: one subscription per line,
// "<station_id> [<selector>...]", accepting the legacy "<NET> <STA>
// [<selectors>]" form and rewriting it to NET_STA.
func LoadStreamListFile(path string) ([]StreamEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("statefile: open stream list %s: %w", path, err)
	}
	defer f.Close()
	return ParseStreamList(f)
}

// ParseStreamList reads the stream list file format from rd.
func ParseStreamList(rd io.Reader) ([]StreamEntry, error) {
	var entries []StreamEntry
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var stationID string
		var rest []string
		if strings.ContainsRune(fields[0], '_') || len(fields) == 1 {
			stationID, rest = fields[0], fields[1:]
		} else {
			stationID, rest = fields[0]+"_"+fields[1], fields[2:]
		}
		entries = append(entries, StreamEntry{
			StationID: stationID,
			Selectors: strings.Join(rest, " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("statefile: scan stream list: %w", err)
	}
	return entries, nil
}

// ParseStreamListString parses the compact inline form:
// "<station_id>[:<selectors>],<station_id>[:<selectors>],...".
func ParseStreamListString(s string) ([]StreamEntry, error) {
	var entries []StreamEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		stationID, selectors, _ := strings.Cut(part, ":")
		if stationID == "" {
			return nil, fmt.Errorf("statefile: empty station id in stream list string %q", s)
		}
		entries = append(entries, StreamEntry{StationID: stationID, Selectors: selectors})
	}
	return entries, nil
}
