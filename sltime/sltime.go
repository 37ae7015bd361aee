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

// Package sltime normalizes the two timestamp spellings SeedLink uses on the
// wire: the comma-separated form miniSEED headers and FETCH/DATA resumption
// commands speak, and the ISO-8601 form the registry persists.
package sltime

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedTimestamp is returned by ToISO/ToComma when the input contains
// a byte that isn't a digit or one of the separators the canonical form
// allows.
var ErrMalformedTimestamp = errors.New("sltime: malformed timestamp")

// isoSeparators is indexed by how many commas have been seen so far while
// converting a comma-form timestamp to ISO-8601.
var isoSeparators = [...]byte{'-', '-', 'T', ':', ':', '.'}

// NowNS returns nanoseconds since the Unix epoch, the clock the driver's
// deadlines (netto, netdly, keepalive) are compared against.
func NowNS() int64 {
	return time.Now().UnixNano()
}

// ToISO converts "YYYY,MM,DD,hh,mm,ss,ffffff" (1-6 comma-separated fields)
// to "YYYY-MM-DDThh:mm:ss.ffffffZ". Digits pass through unchanged; commas
// are rewritten to -, T, :, . by field index. Any other byte fails the
// conversion.
func ToISO(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b)+1)
	commas := 0
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			out = append(out, c)
		case c == ',':
			if commas >= len(isoSeparators) {
				return nil, fmt.Errorf("%w: too many fields", ErrMalformedTimestamp)
			}
			out = append(out, isoSeparators[commas])
			commas++
		default:
			return nil, fmt.Errorf("%w: unexpected byte %q", ErrMalformedTimestamp, c)
		}
	}
	out = append(out, 'Z')
	return out, nil
}

// ToComma converts the inverse form, "YYYY-MM-DDThh:mm:ss[.ffffff][Z]", to
// "YYYY,MM,DD,hh,mm,ss[,ffffff]", dropping a trailing Z.
func ToComma(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i, c := range b {
		switch {
		case c >= '0' && c <= '9':
			out = append(out, c)
		case c == '-' || c == ':' || c == '.' || c == 'T':
			out = append(out, ',')
		case c == 'Z':
			if i != len(b)-1 {
				return nil, fmt.Errorf("%w: Z not at end", ErrMalformedTimestamp)
			}
			// dropped, not a field separator
		default:
			return nil, fmt.Errorf("%w: unexpected byte %q", ErrMalformedTimestamp, c)
		}
	}
	return out, nil
}

var daysInMonth = [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeap(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// DOY2MD turns a (year, day-of-year) pair into (month, day-of-month),
// applying the Gregorian leap rule. year must be in [1900, 2100].
func DOY2MD(year, jday int) (month, mday int, err error) {
	if year < 1900 || year > 2100 {
		return 0, 0, fmt.Errorf("sltime: year %d out of range [1900, 2100]", year)
	}
	maxDay := 365
	if isLeap(year) {
		maxDay = 366
	}
	if jday < 1 || jday > maxDay {
		return 0, 0, fmt.Errorf("sltime: day-of-year %d out of range for %d", jday, year)
	}
	remaining := jday
	for m, days := range daysInMonth {
		if m == 1 && isLeap(year) {
			days = 29
		}
		if remaining <= days {
			return m + 1, remaining, nil
		}
		remaining -= days
	}
	// unreachable given the bounds check above
	return 0, 0, fmt.Errorf("sltime: day-of-year %d out of range for %d", jday, year)
}
