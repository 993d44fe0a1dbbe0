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

import "github.com/gnitzdb/gnitzdb/internal/schema"

// Composite is the RowAccessor produced by a join: it reads the left row's
// PK column, the left row's payload columns, and the right row's payload
// columns, all without copying either side. Schema.Merged builds the
// matching merged schema. Column indices passed in are merged-schema
// indices; Composite maps each to whichever side owns it.
type Composite struct {
	Merged *schema.Schema

	Left  RowAccessor
	LeftN int // number of columns (incl. PK) contributed by Left, i.e. 1+left.PayloadCount()

	Right       RowAccessor
	RightSchema *schema.Schema // needed to translate merged payload position back to Right's own schema index
}

// NewComposite builds a Composite over an already-joined left/right row
// pair, given the left schema's payload count (to know where the right
// side's columns begin in the merged column list) and the right schema
// itself (to translate back to Right's own column indices, since its PK
// column is excluded from the merged layout but still occupies a schema
// index on the Right accessor).
func NewComposite(merged *schema.Schema, left RowAccessor, leftPayloadCount int, right RowAccessor, rightSchema *schema.Schema) *Composite {
	return &Composite{Merged: merged, Left: left, LeftN: 1 + leftPayloadCount, Right: right, RightSchema: rightSchema}
}

// Rebind repoints this Composite at a new left/right pair without
// allocating, for reuse across a join operator's output rows.
func (c *Composite) Rebind(left RowAccessor, right RowAccessor) {
	c.Left, c.Right = left, right
}

func (c *Composite) side(col int) (RowAccessor, int) {
	if col < c.LeftN {
		return c.Left, col
	}
	rightPayloadIdx := col - c.LeftN
	return c.Right, c.RightSchema.SchemaIndex(rightPayloadIdx)
}

func (c *Composite) IsNull(col int) bool {
	if col == c.Merged.PKIndex {
		return false
	}
	acc, idx := c.side(col)
	return acc.IsNull(idx)
}

func (c *Composite) GetInt(col int) uint64 {
	acc, idx := c.side(col)
	return acc.GetInt(idx)
}

func (c *Composite) GetIntSigned(col int) int64 {
	acc, idx := c.side(col)
	return acc.GetIntSigned(idx)
}

func (c *Composite) GetFloat(col int) float64 {
	acc, idx := c.side(col)
	return acc.GetFloat(idx)
}

func (c *Composite) GetU128(col int) (lo, hi uint64) {
	acc, idx := c.side(col)
	return acc.GetU128(idx)
}

func (c *Composite) GetStrStruct(col int) StrStruct {
	acc, idx := c.side(col)
	return acc.GetStrStruct(idx)
}
