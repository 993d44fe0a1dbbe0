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
	"github.com/gnitzdb/gnitzdb/internal/gstring"
	"github.com/gnitzdb/gnitzdb/internal/schema"
)

// Owned is a payload row built column-by-column in memory. It serves two
// roles: client-facing inserts construct one directly, and the map
// operator reuses a single instance as a write-then-read sink across many
// output rows without allocating per row — call Reset between rows
// instead of allocating a new Owned.
type Owned struct {
	Schema *schema.Schema

	nullWord uint64
	ints     []uint64 // raw bit pattern per payload index, for all non-float/u128/string columns
	u128lo   []uint64
	u128hi   []uint64
	floats   []float64
	strs     []string
}

// NewOwned allocates an Owned row sized for sch.
func NewOwned(sch *schema.Schema) *Owned {
	o := &Owned{Schema: sch}
	n := sch.PayloadCount()
	o.ints = make([]uint64, n)
	o.u128lo = make([]uint64, n)
	o.u128hi = make([]uint64, n)
	o.floats = make([]float64, n)
	o.strs = make([]string, n)
	return o
}

// Reset clears all values and nulls, rebinding to sch if it differs from
// the row's current schema (growing the backing slices if needed).
func (o *Owned) Reset(sch *schema.Schema) {
	if o.Schema != sch || len(o.ints) < sch.PayloadCount() {
		o.Schema = sch
		n := sch.PayloadCount()
		o.ints = make([]uint64, n)
		o.u128lo = make([]uint64, n)
		o.u128hi = make([]uint64, n)
		o.floats = make([]float64, n)
		o.strs = make([]string, n)
	} else {
		o.Schema = sch
		for i := range o.ints {
			o.ints[i], o.u128lo[i], o.u128hi[i], o.floats[i], o.strs[i] = 0, 0, 0, 0, ""
		}
	}
	o.nullWord = 0
}

func (o *Owned) payloadBit(schemaCol int) uint64 {
	return uint64(1) << uint(o.Schema.PayloadIndex(schemaCol))
}

// SetNull marks schemaCol as NULL.
func (o *Owned) SetNull(schemaCol int) {
	o.nullWord |= o.payloadBit(schemaCol)
}

// SetInt stores the raw bit pattern for an integer column (i8..u64),
// clearing any null flag.
func (o *Owned) SetInt(schemaCol int, v uint64) {
	o.ints[o.Schema.PayloadIndex(schemaCol)] = v
	o.nullWord &^= o.payloadBit(schemaCol)
}

// SetIntSigned stores a signed integer value's bit pattern.
func (o *Owned) SetIntSigned(schemaCol int, v int64) {
	o.SetInt(schemaCol, uint64(v))
}

// SetFloat stores a float column's value.
func (o *Owned) SetFloat(schemaCol int, v float64) {
	o.floats[o.Schema.PayloadIndex(schemaCol)] = v
	o.nullWord &^= o.payloadBit(schemaCol)
}

// SetU128 stores a u128 column's value as two 64-bit words.
func (o *Owned) SetU128(schemaCol int, lo, hi uint64) {
	p := o.Schema.PayloadIndex(schemaCol)
	o.u128lo[p], o.u128hi[p] = lo, hi
	o.nullWord &^= o.payloadBit(schemaCol)
}

// SetString stores a string column's value.
func (o *Owned) SetString(schemaCol int, s string) {
	o.strs[o.Schema.PayloadIndex(schemaCol)] = s
	o.nullWord &^= o.payloadBit(schemaCol)
}

// NullWord returns the payload-indexed null bitset.
func (o *Owned) NullWord() uint64 { return o.nullWord }

func (o *Owned) IsNull(col int) bool {
	if col == o.Schema.PKIndex {
		return false
	}
	if !o.Schema.Columns[col].Nullable {
		return false
	}
	return o.nullWord&o.payloadBit(col) != 0
}

func (o *Owned) GetInt(col int) uint64 { return o.ints[o.Schema.PayloadIndex(col)] }

func (o *Owned) GetIntSigned(col int) int64 {
	v := o.GetInt(col)
	switch o.Schema.Columns[col].Type.Size() {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func (o *Owned) GetFloat(col int) float64 { return o.floats[o.Schema.PayloadIndex(col)] }

func (o *Owned) GetU128(col int) (lo, hi uint64) {
	p := o.Schema.PayloadIndex(col)
	return o.u128lo[p], o.u128hi[p]
}

func (o *Owned) GetStrStruct(col int) StrStruct {
	s := o.strs[o.Schema.PayloadIndex(col)]
	return StrStruct{Length: len(s), Prefix: gstring.ComputePrefix(s), Owned: s}
}

// GetString is a convenience accessor returning the Go string directly.
func (o *Owned) GetString(col int) string { return o.strs[o.Schema.PayloadIndex(col)] }
