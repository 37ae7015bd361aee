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

// Package slglob implements the POSIX-style wildcard matching SeedLink uses
// to match an incoming packet's concrete station id against a subscription's
// (possibly wildcarded) station id.
package slglob

import "fmt"

type classItem struct {
	lo, hi byte
}

// Match reports whether name matches pattern. * matches any run of bytes
// (including none), ? matches exactly one byte, [abc]/[a-z] match a set or
// an ascending range, [!...]/[^...] negate the set, and \x escapes x. A
// malformed pattern (unterminated class, descending range) never matches.
func Match(name, pattern string) bool {
	s := []byte(name)
	p := []byte(pattern)

	si, pi := 0, 0
	starPi, starSi := -1, -1

	for si < len(s) {
		if pi < len(p) && p[pi] == '*' {
			for pi < len(p) && p[pi] == '*' {
				pi++
			}
			starPi = pi
			starSi = si
			// if the pattern byte right after the star run is a plain
			// literal, jump s forward to the next occurrence of it. The
			// backtrack anchor stays at the position before the jump, so a
			// later mismatch retries from there one byte at a time.
			if lit, ok := literalAfterStar(p, pi); ok {
				for si < len(s) && s[si] != lit {
					si++
				}
			}
			continue
		}
		if pi < len(p) {
			matched, next, ok := matchOne(p, pi, s[si])
			if ok && matched {
				pi = next
				si++
				continue
			}
		}
		if starPi != -1 {
			starSi++
			si = starSi
			pi = starPi
			continue
		}
		return false
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// literalAfterStar reports whether the pattern byte at pi is a plain
// literal (not *, ?, [, or \), returning it for the fast-forward skip.
func literalAfterStar(p []byte, pi int) (byte, bool) {
	if pi >= len(p) {
		return 0, false
	}
	switch p[pi] {
	case '*', '?', '[', '\\':
		return 0, false
	default:
		return p[pi], true
	}
}

// matchOne tests whether c matches the single pattern token starting at
// p[pi] (which is not '*'). It returns the index just past that token
// regardless of whether c matched, so callers can advance their pattern
// cursor either way; ok is false if the token itself is malformed.
func matchOne(p []byte, pi int, c byte) (matched bool, next int, ok bool) {
	switch p[pi] {
	case '?':
		return true, pi + 1, true
	case '\\':
		if pi+1 >= len(p) {
			return false, pi + 1, false
		}
		return p[pi+1] == c, pi + 2, true
	case '[':
		return matchClass(p, pi, c)
	default:
		return p[pi] == c, pi + 1, true
	}
}

func matchClass(p []byte, pi int, c byte) (matched bool, next int, ok bool) {
	j := pi + 1
	negate := false
	if j < len(p) && (p[j] == '!' || p[j] == '^') {
		negate = true
		j++
	}
	var items []classItem
	first := true
	for {
		if j >= len(p) {
			return false, j, false // unterminated class
		}
		if p[j] == ']' && !first {
			break
		}
		first = false
		lo := p[j]
		j++
		if j+1 < len(p) && p[j] == '-' && p[j+1] != ']' {
			hi := p[j+1]
			if hi < lo {
				return false, j + 2, false // descending range
			}
			items = append(items, classItem{lo, hi})
			j += 2
		} else {
			items = append(items, classItem{lo, lo})
		}
	}
	j++ // consume ']'
	found := false
	for _, it := range items {
		if c >= it.lo && c <= it.hi {
			found = true
			break
		}
	}
	if negate {
		found = !found
	}
	return found, j, true
}

// Validate reports a descriptive error if pattern is malformed, without
// matching anything; useful for rejecting a bad subscription pattern at
// configuration time instead of at match time.
func Validate(pattern string) error {
	p := []byte(pattern)
	for pi := 0; pi < len(p); {
		switch p[pi] {
		case '*':
			for pi < len(p) && p[pi] == '*' {
				pi++
			}
		case '?':
			pi++
		case '\\':
			if pi+1 >= len(p) {
				return fmt.Errorf("slglob: dangling escape at end of pattern %q", pattern)
			}
			pi += 2
		case '[':
			_, next, ok := matchClass(p, pi, 0)
			if !ok {
				return fmt.Errorf("slglob: malformed character class at offset %d in pattern %q", pi, pattern)
			}
			pi = next
		default:
			pi++
		}
	}
	return nil
}
