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

// Package miniseed validates miniSEED v2/v3 headers just far enough to
// infer a v3-style framer's payload length on the wire, and to recover the
// two fields the registry needs: FDSN station id and record start time.
// It does not decode waveform samples.
package miniseed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/seedlink-go/slink/sltime"
)

// MinPayload is the minimum number of buffered bytes before a v3 connection
// will attempt to infer a record's length. Below this, a short record is
// treated as a framing error rather than guessed at. The source library
// this inspector is modeled on varies between 48 and 64; this package
// commits to 64.
const MinPayload = 64

// ErrShortBuffer is returned when the caller hands Inspect fewer than
// MinPayload bytes.
var ErrShortBuffer = errors.New("miniseed: buffer shorter than MinPayload")

// ErrNotMiniSEED is returned when the buffer validates as neither a
// miniSEED 2 nor a miniSEED 3 fixed header.
var ErrNotMiniSEED = errors.New("miniseed: buffer is not a valid miniSEED 2 or 3 record")

// ErrBadBlocketteChain is returned when the blockette-1000 scan finds a
// next-blockette offset that does not advance, which would otherwise loop
// forever.
var ErrBadBlocketteChain = errors.New("miniseed: blockette chain does not advance")

// Info is what the framer needs out of a record header.
type Info struct {
	Format       byte // '2' or '3'
	RecordLength int
	StationID    string
	StartTime    string // ISO-8601, e.g. "2023-06-15T12:00:00.000000Z"
}

// Inspect validates buf as a miniSEED 2 or 3 header and infers the record's
// total length, FDSN station id, and start time.
func Inspect(buf []byte) (Info, error) {
	if len(buf) < MinPayload {
		return Info{}, ErrShortBuffer
	}
	if buf[0] == 'M' && buf[1] == 'S' && buf[2] == 3 {
		return inspectV3(buf)
	}
	return inspectV2(buf)
}

// --- miniSEED 3 ---

const fsdhLen = 40 // fixed section data header length

func inspectV3(buf []byte) (Info, error) {
	sidLen := int(buf[33])
	extraLen := int(binary.LittleEndian.Uint16(buf[34:36]))
	payloadLen := int(binary.LittleEndian.Uint32(buf[36:40]))
	recordLen := fsdhLen + sidLen + extraLen + payloadLen

	year := int(binary.LittleEndian.Uint16(buf[8:10]))
	jday := int(binary.LittleEndian.Uint16(buf[10:12]))
	hour := int(buf[12])
	minute := int(buf[13])
	second := int(buf[14])
	ns := binary.LittleEndian.Uint32(buf[4:8])

	start, err := isoFromDOY(year, jday, hour, minute, second, int(ns/1000))
	if err != nil {
		return Info{}, fmt.Errorf("miniseed: v3 start time: %w", err)
	}

	var stationID string
	if fsdhLen+sidLen <= len(buf) {
		stationID = fdsnStationID(string(buf[fsdhLen : fsdhLen+sidLen]))
	}

	return Info{
		Format:       '3',
		RecordLength: recordLen,
		StationID:    stationID,
		StartTime:    start,
	}, nil
}

// fdsnStationID extracts NET_STA from an FDSN source identifier of the form
// "FDSN:NET_STA_LOC_B_S_SS". Per the spec's resolution of the source
// library's off-by-one, the length of the identifier we care about is the
// span between the "FDSN:" prefix and the second underscore, clamped to a
// sane station-id size.
func fdsnStationID(sid string) string {
	const prefix = "FDSN:"
	if !strings.HasPrefix(sid, prefix) {
		return sid
	}
	rest := sid[len(prefix):]
	firstUnderscore := strings.IndexByte(rest, '_')
	if firstUnderscore < 0 {
		return rest
	}
	secondUnderscore := strings.IndexByte(rest[firstUnderscore+1:], '_')
	if secondUnderscore < 0 {
		return rest
	}
	end := firstUnderscore + 1 + secondUnderscore
	if end > 21 {
		end = 21
	}
	return rest[:end]
}

// --- miniSEED 2 ---

func inspectV2(buf []byte) (Info, error) {
	if !validV2Sequence(buf) {
		return Info{}, ErrNotMiniSEED
	}
	year, jday, swapped := v2YearDay(buf)
	if year < 1900 || year > 2100 || jday < 1 || jday > 366 {
		return Info{}, ErrNotMiniSEED
	}

	hour := int(buf[24])
	minute := int(buf[25])
	second := int(buf[26])
	ticks := beU16(buf[28:30], swapped) // 1/10000 second units

	start, err := isoFromDOY(year, jday, hour, minute, second, int(ticks)*100)
	if err != nil {
		return Info{}, fmt.Errorf("miniseed: v2 start time: %w", err)
	}

	recordLen, err := v2RecordLength(buf, swapped)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Format:       '2',
		RecordLength: recordLen,
		StationID:    v2StationID(buf),
		StartTime:    start,
	}, nil
}

func validV2Sequence(buf []byte) bool {
	for i := 0; i < 6; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			return false
		}
	}
	switch buf[6] {
	case 'D', 'R', 'Q', 'M':
		return true
	default:
		return false
	}
}

func beU16(b []byte, swapped bool) uint16 {
	v := binary.BigEndian.Uint16(b)
	if swapped {
		v = v<<8 | v>>8
	}
	return v
}

// v2YearDay reads the year/day-of-year fields, detecting whether they were
// sent byte-swapped relative to the big-endian SEED convention by checking
// whether the straight big-endian read lands in sane bounds.
func v2YearDay(buf []byte) (year, jday int, swapped bool) {
	y := binary.BigEndian.Uint16(buf[20:22])
	d := binary.BigEndian.Uint16(buf[22:24])
	if int(y) >= 1900 && int(y) <= 2100 && int(d) >= 1 && int(d) <= 366 {
		return int(y), int(d), false
	}
	ys := y<<8 | y>>8
	ds := d<<8 | d>>8
	return int(ys), int(ds), true
}

func v2StationID(buf []byte) string {
	if idx := indexFDSN(buf); idx >= 0 {
		return fdsnStationID(string(buf[idx:min(idx+64, len(buf))]))
	}
	station := strings.TrimSpace(string(buf[8:13]))
	network := strings.TrimSpace(string(buf[18:20]))
	return network + "_" + station
}

func indexFDSN(buf []byte) int {
	limit := len(buf)
	if limit > 512 {
		limit = 512
	}
	return strings.Index(string(buf[:limit]), "FDSN:")
}

const (
	blocketteType1000 = 1000
)

func v2RecordLength(buf []byte, swapped bool) (int, error) {
	firstBlockette := int(beU16(buf[46:48], swapped))
	if firstBlockette <= 0 || firstBlockette >= len(buf) {
		return scanForNextHeaderLength(buf)
	}

	offset := firstBlockette
	for {
		if offset+8 > len(buf) {
			return scanForNextHeaderLength(buf)
		}
		btype := int(beU16(buf[offset:offset+2], swapped))
		next := int(beU16(buf[offset+2:offset+4], swapped))
		if btype == blocketteType1000 {
			reclenField := buf[offset+6]
			return 1 << reclenField, nil
		}
		if next == 0 {
			break
		}
		if next <= offset {
			return 0, ErrBadBlocketteChain
		}
		offset = next
	}
	return scanForNextHeaderLength(buf)
}

// scanForNextHeaderLength looks for the next record's sync pattern at
// successive 64-byte offsets when no blockette 1000 declares the length.
func scanForNextHeaderLength(buf []byte) (int, error) {
	for offset := 64; offset+48 <= len(buf); offset += 64 {
		if validV2Sequence(buf[offset:]) {
			year, jday, _ := v2YearDay(buf[offset:])
			if year >= 1900 && year <= 2100 && jday >= 1 && jday <= 366 {
				return offset, nil
			}
		}
	}
	return 0, ErrNotMiniSEED
}

func isoFromDOY(year, jday, hour, minute, second, fracMicros int) (string, error) {
	month, mday, err := monthDayOrErr(year, jday)
	if err != nil {
		return "", err
	}
	comma := fmt.Sprintf("%04d,%02d,%02d,%02d,%02d,%02d,%06d", year, month, mday, hour, minute, second, fracMicros)
	iso, err := sltime.ToISO([]byte(comma))
	if err != nil {
		return "", err
	}
	return string(iso), nil
}

func monthDayOrErr(year, jday int) (int, int, error) {
	return sltime.DOY2MD(year, jday)
}
