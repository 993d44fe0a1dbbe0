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

package rowacc

import (
	"strings"

	"github.com/gnitzdb/gnitzdb/internal/gstring"
)

// compareStrStruct resolves two StrStruct values against whichever
// representation each was produced in (packed-vs-packed, packed-vs-owned,
// owned-vs-owned) and returns a lexicographic compare result. The content
// source is resolved only at this leaf comparator.
func compareStrStruct(a, b StrStruct) int {
	switch {
	case a.HasStruct && b.HasStruct:
		return gstring.CompareStructures(a.StructBytes, a.Heap, b.StructBytes, b.Heap)
	case a.HasStruct && !b.HasStruct:
		return gstring.CompareToValue(a.StructBytes, a.Heap, b.Owned)
	case !a.HasStruct && b.HasStruct:
		return -gstring.CompareToValue(b.StructBytes, b.Heap, a.Owned)
	default:
		return strings.Compare(a.Owned, b.Owned)
	}
}

// equalStrStruct is the O(1)-short-circuit equality companion to
// compareStrStruct (length, then prefix, then content).
func equalStrStruct(a, b StrStruct) bool {
	if a.Length != b.Length {
		return false
	}
	if a.Length == 0 {
		return true
	}
	if a.Prefix != b.Prefix {
		return false
	}
	return compareStrStruct(a, b) == 0
}

// materialize returns the full Go string content of a StrStruct,
// resolving from the heap if necessary. Used where an owned copy is
// genuinely required (Deserialize, StableHash's string path avoids this).
func materialize(s StrStruct) string {
	if !s.HasStruct {
		return s.Owned
	}
	return gstring.Resolve(s.StructBytes, s.Heap)
}
