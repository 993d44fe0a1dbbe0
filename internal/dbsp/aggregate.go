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

package dbsp

import (
	"math"

	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// Aggregate is the tagged-union accumulator protocol Reduce drives. Count
// and Sum are linear (their result on a group can be updated by merging in
// the prior total); Min and Max are not, and Reduce falls back to
// replaying a group's full history through them whenever their prior
// output can't simply be merged in.
type Aggregate interface {
	// Clone returns a fresh accumulator of the same kind as this one,
	// reset to its zero state. Reduce clones the template once per group.
	Clone() Aggregate

	// Reset returns the accumulator to its zero state in place.
	Reset()

	// Step folds one row into the accumulator, weighted by its Z-set
	// multiplicity (may be negative, e.g. during full-history replay of a
	// row that was later retracted).
	Step(acc rowacc.RowAccessor, weight int64)

	// MergeAccumulated folds another accumulator's already-computed value
	// (given as its GetValueBits encoding) into this one, weighted. Only
	// called when IsLinear is true.
	MergeAccumulated(valueBits uint64, weight int64)

	// GetValueBits returns the accumulator's current value, bit-encoded
	// per OutputColumnType (raw two's-complement for integer types,
	// IEEE-754 via math.Float64bits for floats).
	GetValueBits() uint64

	// IsLinear reports whether the aggregate can be updated by merging a
	// prior output value directly (Count, Sum) rather than requiring a
	// full history replay (Min, Max).
	IsLinear() bool

	// OutputColumnType is the scalar type Reduce's output column carries.
	OutputColumnType() types.Code

	// IsAccumulatorZero reports whether the accumulator represents an
	// empty group — the group's output row is dropped when true.
	IsAccumulatorZero() bool
}

// Count accumulates the net number of rows in a group (the sum of their
// Z-set weights). Linear.
type Count struct {
	n int64
}

func (c *Count) Clone() Aggregate                      { return &Count{} }
func (c *Count) Reset()                                { c.n = 0 }
func (c *Count) Step(_ rowacc.RowAccessor, w int64)    { c.n += w }
func (c *Count) MergeAccumulated(bits uint64, w int64) { c.n += int64(bits) * w }
func (c *Count) GetValueBits() uint64                  { return uint64(c.n) }
func (c *Count) IsLinear() bool                        { return true }
func (c *Count) OutputColumnType() types.Code          { return types.I64 }
func (c *Count) IsAccumulatorZero() bool               { return c.n == 0 }

// Sum accumulates the weighted sum of one integer or float column. Linear.
type Sum struct {
	Col     int
	ColType types.Code

	isum int64
	fsum float64
}

func (s *Sum) Clone() Aggregate { return &Sum{Col: s.Col, ColType: s.ColType} }
func (s *Sum) Reset()           { s.isum, s.fsum = 0, 0 }

func (s *Sum) Step(acc rowacc.RowAccessor, w int64) {
	if s.ColType.IsFloat() {
		s.fsum += acc.GetFloat(s.Col) * float64(w)
	} else {
		s.isum += acc.GetIntSigned(s.Col) * w
	}
}

func (s *Sum) MergeAccumulated(bits uint64, w int64) {
	if s.ColType.IsFloat() {
		s.fsum += math.Float64frombits(bits) * float64(w)
	} else {
		s.isum += int64(bits) * w
	}
}

func (s *Sum) GetValueBits() uint64 {
	if s.ColType.IsFloat() {
		return math.Float64bits(s.fsum)
	}
	return uint64(s.isum)
}

func (s *Sum) IsLinear() bool               { return true }
func (s *Sum) OutputColumnType() types.Code { return s.ColType }
func (s *Sum) IsAccumulatorZero() bool {
	if s.ColType.IsFloat() {
		return s.fsum == 0
	}
	return s.isum == 0
}

// Min and Max track the extreme value seen among a group's currently
// present rows (weight > 0; a row whose weight has been retracted to
// non-positive is simply not counted toward the extreme, which is why a
// replay from the group's full history is required on every update
// instead of merging a prior output — a previous max sitting at a
// now-retracted row has no cheap way to know the next-highest survivor).
type minMax struct {
	Col     int
	ColType types.Code
	isMax   bool

	has  bool
	ival int64
	fval float64
}

func (m *minMax) Reset() { m.has = false }

func (m *minMax) Step(acc rowacc.RowAccessor, w int64) {
	if w <= 0 {
		return
	}
	if m.ColType.IsFloat() {
		v := acc.GetFloat(m.Col)
		if !m.has || (m.isMax && v > m.fval) || (!m.isMax && v < m.fval) {
			m.fval = v
			m.has = true
		}
		return
	}
	v := acc.GetIntSigned(m.Col)
	if !m.has || (m.isMax && v > m.ival) || (!m.isMax && v < m.ival) {
		m.ival = v
		m.has = true
	}
}

// MergeAccumulated is unused: IsLinear is false, so Reduce never calls it.
func (m *minMax) MergeAccumulated(uint64, int64) {}

func (m *minMax) GetValueBits() uint64 {
	if m.ColType.IsFloat() {
		return math.Float64bits(m.fval)
	}
	return uint64(m.ival)
}

func (m *minMax) IsLinear() bool               { return false }
func (m *minMax) OutputColumnType() types.Code { return m.ColType }
func (m *minMax) IsAccumulatorZero() bool      { return !m.has }

// Min accumulates the smallest value of one column among a group's
// currently present rows.
type Min struct{ minMax }

func NewMin(col int, colType types.Code) *Min {
	return &Min{minMax{Col: col, ColType: colType, isMax: false}}
}
func (m *Min) Clone() Aggregate { return NewMin(m.Col, m.ColType) }

// Max accumulates the largest value of one column among a group's
// currently present rows.
type Max struct{ minMax }

func NewMax(col int, colType types.Code) *Max {
	return &Max{minMax{Col: col, ColType: colType, isMax: true}}
}
func (m *Max) Clone() Aggregate { return NewMax(m.Col, m.ColType) }
