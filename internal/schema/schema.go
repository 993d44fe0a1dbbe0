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

// Package schema describes the ordered column layout of a GnitzDB table:
// which column is the primary key, each column's physical offset within a
// packed row, the row's total stride, and the payload-column count.
package schema

import (
	"fmt"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// ErrLayout re-exports the layout-error sentinel for callers that only
// import the schema package.
var ErrLayout = gnitzerr.ErrLayout

// Column describes a single schema column.
type Column struct {
	Name     string
	Type     types.Code
	Nullable bool

	// offset is the byte offset of this column within a packed row. It is
	// -1 for the primary-key column (the PK is never stored at a payload
	// offset; it lives in the batch/shard's parallel pk[] array).
	offset int
}

// Offset returns the column's payload offset, or -1 if it is the PK.
func (c Column) Offset() int { return c.offset }

// Schema is an ordered sequence of columns with exactly one primary key.
type Schema struct {
	Columns []Column
	PKIndex int

	stride        int
	payloadCount  int
	nullableCount int
}

// New validates cols (exactly one PK column, PK must be an unsigned
// integer type) and derives per-column offsets, row stride, and the
// payload-column count.
func New(cols []Column, pkIndex int) (*Schema, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("schema: %w: no columns", ErrLayout)
	}
	if pkIndex < 0 || pkIndex >= len(cols) {
		return nil, fmt.Errorf("schema: %w: pk index %d out of range", ErrLayout, pkIndex)
	}
	pk := cols[pkIndex]
	if pk.Type != types.U64 && pk.Type != types.U128 {
		return nil, fmt.Errorf("schema: %w: primary key column %q must be u64 or u128, got %s", ErrLayout, pk.Name, pk.Type)
	}

	s := &Schema{Columns: append([]Column(nil), cols...), PKIndex: pkIndex}

	offset := 0
	maxAlign := types.MaxAlignment
	for i := range s.Columns {
		c := &s.Columns[i]
		if i == pkIndex {
			c.offset = -1
			continue
		}
		align := c.Type.Align()
		if align > maxAlign {
			maxAlign = align
		}
		offset = padTo(offset, align)
		c.offset = offset
		offset += c.Type.Size()
		s.payloadCount++
		if c.Nullable {
			s.nullableCount++
		}
	}
	s.stride = padTo(offset, maxAlign)
	if s.stride < types.MaxAlignment {
		s.stride = types.MaxAlignment
	}
	if s.stride%types.MaxAlignment != 0 {
		// stride must be a multiple of the largest alignment in play, and
		// the largest alignment always divides MaxAlignment (16) evenly,
		// so this can only trip on a logic error above.
		return nil, fmt.Errorf("schema: %w: stride %d not aligned to %d", ErrLayout, s.stride, types.MaxAlignment)
	}
	if s.nullableCount > 64 {
		return nil, fmt.Errorf("schema: %w: %d nullable payload columns exceeds 64-bit null bitset", ErrLayout, s.nullableCount)
	}
	return s, nil
}

func padTo(off, align int) int {
	if align <= 1 {
		return off
	}
	rem := off % align
	if rem == 0 {
		return off
	}
	return off + (align - rem)
}

// Stride is the total packed-row width in bytes (padded to the maximum
// column alignment present, and to at least 16 bytes).
func (s *Schema) Stride() int { return s.stride }

// PayloadCount is the number of non-PK columns.
func (s *Schema) PayloadCount() int { return s.payloadCount }

// NullableCount is the number of nullable payload columns (<=64).
func (s *Schema) NullableCount() int { return s.nullableCount }

// PK returns the primary-key column.
func (s *Schema) PK() Column { return s.Columns[s.PKIndex] }

// PayloadIndex converts a schema-column index into a payload-column index
// (the index into the per-row null bitset and into payload-only
// iteration). Must not be called with
// the PK's schema index.
func (s *Schema) PayloadIndex(schemaCol int) int {
	if schemaCol < s.PKIndex {
		return schemaCol
	}
	return schemaCol - 1
}

// SchemaIndex is the inverse of PayloadIndex.
func (s *Schema) SchemaIndex(payloadIdx int) int {
	if payloadIdx < s.PKIndex {
		return payloadIdx
	}
	return payloadIdx + 1
}

// ForEachPayload calls fn for every non-PK column in schema order, passing
// the schema-column index, the payload index, and the Column itself.
func (s *Schema) ForEachPayload(fn func(schemaIdx, payloadIdx int, col Column)) {
	p := 0
	for i, c := range s.Columns {
		if i == s.PKIndex {
			continue
		}
		fn(i, p, c)
		p++
	}
}

// Merged builds the composite schema used by join output rows: the left
// schema's PK, followed by the left schema's non-PK columns, followed by
// the right schema's non-PK columns. It does not validate alignment the
// way New does (join output rows are assembled by a CompositeAccessor and
// never physically packed with this stride), but the PKIndex and column
// list are meaningful for accessor column-index mapping.
func Merged(left, right *Schema) *Schema {
	cols := make([]Column, 0, 1+(len(left.Columns)-1)+(len(right.Columns)-1))
	cols = append(cols, left.Columns[left.PKIndex])
	left.ForEachPayload(func(_, _ int, c Column) { cols = append(cols, c) })
	right.ForEachPayload(func(_, _ int, c Column) { cols = append(cols, c) })
	m := &Schema{Columns: cols, PKIndex: 0}
	m.payloadCount = len(cols) - 1
	for _, c := range cols[1:] {
		if c.Nullable {
			m.nullableCount++
		}
	}
	return m
}
