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

package gstring

import (
	"strings"
	"testing"
)

// pack packs s, appending long content to a test-local heap, and returns
// the struct bytes plus the heap.
func pack(s string, heap []byte) ([]byte, []byte) {
	dst := make([]byte, Width)
	off := uint64(len(heap))
	if len(s) > ShortThreshold {
		heap = append(heap, s...)
	}
	Pack(dst, s, off)
	return dst, heap
}

func TestPackRegimes(t *testing.T) {
	cases := []struct {
		name string
		s    string
	}{
		{"empty", ""},
		{"short", "abc"},
		{"exactly4", "abcd"},
		{"inline", "hello there"},
		{"exactly12", "abcdefghijkl"},
		{"heap", "this string is too long to inline"},
		{"heap-long", strings.Repeat("x", 300)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, heap := pack(tc.s, nil)
			if got := Length(p); got != len(tc.s) {
				t.Fatalf("Length = %d, want %d", got, len(tc.s))
			}
			if got := Prefix(p); got != ComputePrefix(tc.s) {
				t.Fatalf("Prefix = %#x, want %#x", got, ComputePrefix(tc.s))
			}
			if got := Resolve(p, heap); got != tc.s {
				t.Fatalf("Resolve = %q, want %q", got, tc.s)
			}
			if !Equals(p, heap, tc.s) {
				t.Fatal("Equals(self) = false")
			}
			if Equals(p, heap, tc.s+"!") {
				t.Fatal("Equals with extra byte = true")
			}
		})
	}
}

func TestPackShortZeroesSuffix(t *testing.T) {
	dst := make([]byte, Width)
	for i := range dst {
		dst[i] = 0xFF
	}
	Pack(dst, "ab", 0)
	for i := 8; i < 16; i++ {
		if dst[i] != 0 {
			t.Fatalf("suffix byte %d = %#x, want 0", i, dst[i])
		}
	}
}

func TestEqualsPrefixShortCircuit(t *testing.T) {
	// Same length, different first bytes: Equals must reject on prefix
	// without touching the (deliberately empty) heap.
	p, _ := pack("abcdefghijklmnop", []byte("abcdefghijklmnop"))
	if Equals(p, nil, "zbcdefghijklmnop") {
		t.Fatal("Equals accepted mismatched prefix")
	}
}

func TestEqualsStructAcrossHeaps(t *testing.T) {
	s := "a long string shared by two heaps"
	p1, heap1 := pack(s, []byte("padding-so-offsets-differ-"))
	p2, heap2 := pack(s, nil)
	if !EqualsStruct(p1, heap1, p2, heap2) {
		t.Fatal("EqualsStruct = false for identical content at different offsets")
	}

	p3, heap3 := pack("a long string shared by two heapX", nil)
	if EqualsStruct(p1, heap1, p3, heap3) {
		t.Fatal("EqualsStruct = true for different content")
	}
}

func TestCompareStructures(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "a", -1},
		{"a", "", 1},
		{"abc", "abc", 0},
		{"abc", "abd", -1},
		{"abcdefgh", "abcdefgh", 0},
		{"abcdefgh", "abcdefgi", -1},
		{"short", "a much longer string that lives on the heap", 1},
		{"the same long string on the heap!", "the same long string on the heap!", 0},
		{"the same long string on the heap!", "the same long string on the heap#", -1},
		{"abc", "abcd", -1},
	}
	for _, tc := range cases {
		pa, heapA := pack(tc.a, nil)
		pb, heapB := pack(tc.b, nil)
		got := CompareStructures(pa, heapA, pb, heapB)
		if sign(got) != tc.want {
			t.Errorf("CompareStructures(%q, %q) = %d, want sign %d", tc.a, tc.b, got, tc.want)
		}
		if got2 := CompareToValue(pa, heapA, tc.b); sign(got2) != tc.want {
			t.Errorf("CompareToValue(%q, %q) = %d, want sign %d", tc.a, tc.b, got2, tc.want)
		}
	}
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
