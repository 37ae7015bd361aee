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

/*
Package byteorder tells the running program whether it is on a big-endian
host and swaps fixed-width words in place.

The SeedLink wire code does not depend on it: v3 sequence numbers are ASCII
hex, and the framer (little-endian v4 header fields) and record inspector
(miniSEED headers) decode with encoding/binary, whose fixed-order reads give
the same result on every host.
*/
package byteorder

import "unsafe"

// Order mirrors the byte order of the host CPU.
var Order ByteOrder = LittleEndian

// ByteOrder distinguishes the two orderings we care about; it is not the
// full binary.ByteOrder interface because the framer only ever needs to
// know "should I swap or not".
type ByteOrder int

const (
	// LittleEndian hosts (x86, arm64 in its default mode, ...)
	LittleEndian ByteOrder = iota
	// BigEndian hosts (s390x, some mips configurations, ...)
	BigEndian
)

// IsBigEndian reports whether the running process is on a big-endian host.
var IsBigEndian bool

func init() {
	var i uint16 = 0x0100
	ptr := unsafe.Pointer(&i)
	if *(*byte)(ptr) == 0x01 {
		IsBigEndian = true
		Order = BigEndian
	}
}

// Swap2 swaps a 2-byte word in place and returns it for convenience.
func Swap2(b []byte) []byte {
	_ = b[1]
	b[0], b[1] = b[1], b[0]
	return b
}

// Swap4 swaps a 4-byte word in place and returns it for convenience.
func Swap4(b []byte) []byte {
	_ = b[3]
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	return b
}

// Swap8 swaps an 8-byte word in place and returns it for convenience.
func Swap8(b []byte) []byte {
	_ = b[7]
	b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7] =
		b[7], b[6], b[5], b[4], b[3], b[2], b[1], b[0]
	return b
}

// SwapU16 byte-swaps a uint16 value.
func SwapU16(v uint16) uint16 {
	return v<<8 | v>>8
}

// SwapU32 byte-swaps a uint32 value.
func SwapU32(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v&0xff0000)>>8 | v>>24
}

// SwapU64 byte-swaps a uint64 value.
func SwapU64(v uint64) uint64 {
	return (uint64(SwapU32(uint32(v))) << 32) | uint64(SwapU32(uint32(v>>32)))
}
