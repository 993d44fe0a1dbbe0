// Copyright (C) 2024 GnitzDB Authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package gstring implements the "German string" representation used for
// every string-typed column: a 16-byte struct holding a 4-byte length, a
// 4-byte prefix, and either 8 inline payload bytes (len <= 12) or an
// 8-byte little-endian offset into a companion blob heap (len > 12).
package gstring

import "encoding/binary"

// Width is the fixed byte width of a packed struct.
const Width = 16

// ShortThreshold is the maximum length stored fully inline (prefix + 8
// suffix bytes hold the whole string without touching the heap).
const ShortThreshold = 12

// Pack writes the 16-byte struct for s into dst[0:16]. If len(s) > 12, the
// struct records heapOffset (the caller is responsible for having already
// copied s's bytes to that offset in the companion blob heap).
func Pack(dst []byte, s string, heapOffset uint64) {
	_ = dst[15] // bounds check hint
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(s)))
	binary.LittleEndian.PutUint32(dst[4:8], ComputePrefix(s))
	if len(s) <= ShortThreshold {
		n := copy(dst[8:16], s[minInt(4, len(s)):])
		for i := 8 + n; i < 16; i++ {
			dst[i] = 0
		}
	} else {
		binary.LittleEndian.PutUint64(dst[8:16], heapOffset)
	}
}

// ComputePrefix packs the first up to 4 bytes of s into a little-endian
// uint32, zero-padded if s is shorter than 4 bytes.
func ComputePrefix(s string) uint32 {
	var buf [4]byte
	n := copy(buf[:], s)
	_ = n
	return binary.LittleEndian.Uint32(buf[:])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Length reads the length field out of a packed struct.
func Length(structPtr []byte) int {
	return int(binary.LittleEndian.Uint32(structPtr[0:4]))
}

// Prefix reads the prefix field out of a packed struct.
func Prefix(structPtr []byte) uint32 {
	return binary.LittleEndian.Uint32(structPtr[4:8])
}

// HeapOffset reads the heap-offset field of a long-string struct. Callers
// must only call this when Length(structPtr) > ShortThreshold.
func HeapOffset(structPtr []byte) uint64 {
	return binary.LittleEndian.Uint64(structPtr[8:16])
}

// InlineSuffix returns the raw 8 inline-suffix bytes of a packed struct
// (valid regardless of length; callers slice to the relevant portion).
func InlineSuffix(structPtr []byte) []byte {
	return structPtr[8:16]
}

// Resolve returns the full string content referenced by a packed struct,
// given the companion blob heap it was packed against.
func Resolve(structPtr []byte, heap []byte) string {
	l := Length(structPtr)
	if l == 0 {
		return ""
	}
	if l <= ShortThreshold {
		b := make([]byte, l)
		if l > 4 {
			copy(b[4:], InlineSuffix(structPtr)[:l-4])
		}
		copy(b[:minInt(4, l)], structPtr[4:4+minInt(4, l)])
		return string(b)
	}
	off := HeapOffset(structPtr)
	return string(heap[off : off+uint64(l)])
}

// Equals compares a packed struct against a Go string, short-circuiting on
// length and then prefix before touching content.
func Equals(structPtr []byte, heap []byte, s string) bool {
	l1 := Length(structPtr)
	if l1 != len(s) {
		return false
	}
	if l1 == 0 {
		return true
	}
	if Prefix(structPtr) != ComputePrefix(s) {
		return false
	}
	if l1 <= 4 {
		return true
	}
	if l1 <= ShortThreshold {
		return bytesEqual(InlineSuffix(structPtr)[:l1-4], []byte(s[4:]))
	}
	off := HeapOffset(structPtr)
	return bytesEqual(heap[off:off+uint64(l1)][4:], []byte(s[4:]))
}

// EqualsStruct compares two packed structs, each against its own heap.
func EqualsStruct(p1 []byte, heap1 []byte, p2 []byte, heap2 []byte) bool {
	l1 := Length(p1)
	if l1 != Length(p2) {
		return false
	}
	if l1 == 0 {
		return true
	}
	if Prefix(p1) != Prefix(p2) {
		return false
	}
	if l1 <= 4 {
		return true
	}
	d1 := contentBytes(p1, heap1, l1)
	d2 := contentBytes(p2, heap2, l1)
	return bytesEqual(d1, d2)
}

// contentBytes returns the bytes of the string beyond the 4-byte prefix
// (indices [4:l)).
func contentBytes(structPtr []byte, heap []byte, l int) []byte {
	if l <= ShortThreshold {
		return InlineSuffix(structPtr)[:l-4]
	}
	off := HeapOffset(structPtr)
	return heap[off+4 : off+uint64(l)]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CompareStructures performs a lexicographic compare of two packed structs
// (each resolved against its own heap): prefix bytes first, then the
// remaining suffix-or-heap bytes, with shorter-is-smaller on a common
// prefix.
func CompareStructures(p1 []byte, heap1 []byte, p2 []byte, heap2 []byte) int {
	l1, l2 := Length(p1), Length(p2)
	minLen := l1
	if l2 < minLen {
		minLen = l2
	}
	pref1 := p1[4:8]
	pref2 := p2[4:8]
	limit := 4
	if minLen < 4 {
		limit = minLen
	}
	for i := 0; i < limit; i++ {
		if pref1[i] != pref2[i] {
			if pref1[i] < pref2[i] {
				return -1
			}
			return 1
		}
	}
	if minLen <= 4 {
		return cmpLen(l1, l2)
	}
	for i := 0; i < minLen-4; i++ {
		c1 := contentByte(p1, heap1, l1, 4+i)
		c2 := contentByte(p2, heap2, l2, 4+i)
		if c1 != c2 {
			if c1 < c2 {
				return -1
			}
			return 1
		}
	}
	return cmpLen(l1, l2)
}

func contentByte(structPtr []byte, heap []byte, l int, idx int) byte {
	if l <= ShortThreshold {
		return InlineSuffix(structPtr)[idx-4]
	}
	off := HeapOffset(structPtr)
	return heap[off+uint64(idx)]
}

func cmpLen(l1, l2 int) int {
	if l1 < l2 {
		return -1
	}
	if l1 > l2 {
		return 1
	}
	return 0
}

// CompareToValue performs a dry-run comparison of a packed struct against
// an owned Go string, without materializing the struct's string. Returns
// -1/0/1 as (structure compare value).
func CompareToValue(structPtr []byte, heap []byte, s string) int {
	l1 := Length(structPtr)
	l2 := len(s)
	minLen := l1
	if l2 < minLen {
		minLen = l2
	}
	pref := structPtr[4:8]
	limit := 4
	if minLen < 4 {
		limit = minLen
	}
	for i := 0; i < limit; i++ {
		c1 := pref[i]
		c2 := s[i]
		if c1 != c2 {
			if c1 < c2 {
				return -1
			}
			return 1
		}
	}
	if minLen > 4 {
		for i := 4; i < minLen; i++ {
			c1 := contentByte(structPtr, heap, l1, i)
			c2 := s[i]
			if c1 != c2 {
				if c1 < c2 {
					return -1
				}
				return 1
			}
		}
	}
	return cmpLen(l1, l2)
}
