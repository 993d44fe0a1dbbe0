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

// Package rowacc implements GnitzDB's polymorphic row-accessor family: a
// single RowAccessor interface with owned (also reused as map output),
// packed (zero-copy), and composite (join output) implementations, plus the
// schema-driven row comparator, (de)serializer, and stable hasher built on
// top of it.
package rowacc

import (
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// StrStruct is the value returned by RowAccessor.GetStrStruct: enough
// information to compare or materialize a string column's value without
// committing to a particular backing representation. Exactly one of
// (StructBytes != nil) or Owned-is-meaningful holds.
type StrStruct struct {
	Length int
	Prefix uint32

	// HasStruct is true when this value is backed by a packed 16-byte
	// German string struct (StructBytes, resolved against Heap).
	HasStruct   bool
	StructBytes []byte
	Heap        []byte

	// Owned holds the string content directly when HasStruct is false.
	Owned string
}

// RowAccessor is the common read interface over a logical row's payload
// columns, implemented by Owned, Packed, Composite, and any future
// operator-output accessor. Column indices are schema-column indices
// (including the PK slot, which callers are expected to skip — see
// Schema.PayloadIndex).
type RowAccessor interface {
	IsNull(col int) bool
	GetInt(col int) uint64
	GetIntSigned(col int) int64
	GetFloat(col int) float64
	GetU128(col int) (lo, hi uint64)
	GetStrStruct(col int) StrStruct
}

// CompareRows lexicographically compares two rows' payload columns (PK
// column skipped): NULL sorts strictly less than any value, two NULLs
// compare equal, floats use IEEE-754 ordering (so NaN never compares
// less or greater than anything, including itself, and comparison falls
// through to the next column).
func CompareRows(sch *schema.Schema, a, b RowAccessor) int {
	for i, col := range sch.Columns {
		if i == sch.PKIndex {
			continue
		}
		na, nb := a.IsNull(i), b.IsNull(i)
		if na && nb {
			continue
		}
		if na {
			return -1
		}
		if nb {
			return 1
		}
		if res := compareColumn(col, a, b, i); res != 0 {
			return res
		}
	}
	return 0
}

func compareColumn(col schema.Column, a, b RowAccessor, i int) int {
	switch {
	case col.Type == types.String:
		return compareStrStruct(a.GetStrStruct(i), b.GetStrStruct(i))
	case col.Type == types.U128:
		alo, ahi := a.GetU128(i)
		blo, bhi := b.GetU128(i)
		if ahi != bhi {
			if ahi < bhi {
				return -1
			}
			return 1
		}
		if alo != blo {
			if alo < blo {
				return -1
			}
			return 1
		}
		return 0
	case col.Type.IsFloat():
		va, vb := a.GetFloat(i), b.GetFloat(i)
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
		return 0
	default:
		va, vb := a.GetIntSigned(i), b.GetIntSigned(i)
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
		return 0
	}
}
