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
	"encoding/binary"
	"math"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// GroupKey computes the output primary key Reduce assigns to acc's group.
// When the group is a single non-null integer column (signed, unsigned,
// or u128), the column's own value is used directly — the output row's key is then
// meaningful on its own, not just as an opaque bucket id. Otherwise the
// group columns are canonicalized into scratch and folded through an
// XXH3-128 hash.
func GroupKey(sch *schema.Schema, acc rowacc.RowAccessor, groupCols []int, scratch []byte) (lo, hi uint64, buf []byte) {
	if len(groupCols) == 1 {
		col := groupCols[0]
		c := sch.Columns[col]
		if c.Type.IsInteger() && !acc.IsNull(col) {
			if c.Type == types.U128 {
				lo, hi = acc.GetU128(col)
			} else {
				lo = acc.GetInt(col)
			}
			return lo, hi, scratch
		}
	}
	buf = canonicalizeGroupCols(sch, acc, groupCols, scratch)
	h := xxh3.Hash128(buf)
	return h.Lo, h.Hi, buf
}

func canonicalizeGroupCols(sch *schema.Schema, acc rowacc.RowAccessor, groupCols []int, buf []byte) []byte {
	buf = buf[:0]
	var word [8]byte
	for _, col := range groupCols {
		if acc.IsNull(col) {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		c := sch.Columns[col]
		switch {
		case c.Type == types.String:
			ss := acc.GetStrStruct(col)
			content := rowacc.StrStructContent(ss)
			var lenWord [4]byte
			binary.LittleEndian.PutUint32(lenWord[:], uint32(len(content)))
			buf = append(buf, lenWord[:]...)
			buf = append(buf, content...)
		case c.Type == types.U128:
			lo, hi := acc.GetU128(col)
			binary.LittleEndian.PutUint64(word[:], lo)
			buf = append(buf, word[:]...)
			binary.LittleEndian.PutUint64(word[:], hi)
			buf = append(buf, word[:]...)
		case c.Type.IsFloat():
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(acc.GetFloat(col)))
			buf = append(buf, word[:]...)
		default:
			binary.LittleEndian.PutUint64(word[:], acc.GetInt(col))
			buf = append(buf, word[:]...)
		}
	}
	return buf
}

// BuildReduceOutSchema constructs the output schema for a reduce over
// groupCols of src, with the aggregate's result stored in a trailing
// column named valueName. The group columns are reproduced in the output
// row's payload (needed to recover their values when the primary key is
// an opaque hash rather than a natural column value); pkType should be
// types.U64 unless a single u128 group column makes the key natural.
func BuildReduceOutSchema(src *schema.Schema, groupCols []int, pkType types.Code, valueName string, valueType types.Code) (*schema.Schema, error) {
	cols := make([]schema.Column, 0, 2+len(groupCols))
	cols = append(cols, schema.Column{Name: "group_key", Type: pkType})
	for _, col := range groupCols {
		cols = append(cols, src.Columns[col])
	}
	cols = append(cols, schema.Column{Name: valueName, Type: valueType})
	return schema.New(cols, 0)
}

// copyColumn copies src's col into dst's dstCol, translating between the
// RowAccessor and Owned interfaces by value rather than by raw bytes.
func copyColumn(dst *rowacc.Owned, dstCol int, src rowacc.RowAccessor, srcCol int, ty types.Code) {
	if src.IsNull(srcCol) {
		dst.SetNull(dstCol)
		return
	}
	switch {
	case ty == types.String:
		ss := src.GetStrStruct(srcCol)
		dst.SetString(dstCol, string(rowacc.StrStructContent(ss)))
	case ty == types.U128:
		lo, hi := src.GetU128(srcCol)
		dst.SetU128(dstCol, lo, hi)
	case ty.IsFloat():
		dst.SetFloat(dstCol, src.GetFloat(srcCol))
	default:
		dst.SetIntSigned(dstCol, src.GetIntSigned(srcCol))
	}
}

func setValueColumn(dst *rowacc.Owned, dstCol int, ty types.Code, bits uint64) {
	if ty.IsFloat() {
		dst.SetFloat(dstCol, math.Float64frombits(bits))
		return
	}
	dst.SetIntSigned(dstCol, int64(bits))
}

// Reduce groups delta by groupCols, folds each group through a clone of
// agg, and emits the (retraction, insertion) pair needed to move the
// group's materialized output from its old value to its new one.
//
// traceOut is a cursor over the table holding every group's last-emitted
// output row (weight +1, payload = group columns + value); traceIn is a
// cursor over the full un-grouped history of every row Reduce has ever
// seen, used only when agg is non-linear and a full replay is the only
// correct way to recompute the new extreme. scratch is a reusable output
// row built against outSchema (see BuildReduceOutSchema); valueCol is the
// schema index of its trailing aggregate-value column.
//
// As with every stateful operator in this package, Reduce does not
// Integrate delta into traceIn or out into traceOut itself — the caller
// wires that up once delta's scope (success or rollback) is decided.
func Reduce(delta Batch, deltaSchema *schema.Schema, groupCols []int, agg Aggregate, traceOut, traceIn Cursor, out Batch, scratch *rowacc.Owned, outSchema *schema.Schema, valueCol int) {
	delta.Sort()
	delta.Consolidate()

	n := delta.Length()
	if n == 0 {
		return
	}

	type keyed struct {
		lo, hi uint64
		idx    int
	}
	keys := make([]keyed, n)
	var scratchBuf []byte
	for i := 0; i < n; i++ {
		lo, hi, buf := GroupKey(deltaSchema, delta.GetAccessor(i), groupCols, scratchBuf)
		scratchBuf = buf
		keys[i] = keyed{lo, hi, i}
	}
	sort.SliceStable(keys, func(a, b int) bool {
		return keyLess(keys[a].lo, keys[a].hi, keys[b].lo, keys[b].hi)
	})

	i := 0
	for i < n {
		groupLo, groupHi := keys[i].lo, keys[i].hi
		j := i
		for j < n && keyEqual(keys[j].lo, keys[j].hi, groupLo, groupHi) {
			j++
		}

		acc := agg.Clone()
		acc.Reset()
		for k := i; k < j; k++ {
			idx := keys[k].idx
			acc.Step(delta.GetAccessor(idx), delta.Weight(idx))
		}

		repRow := delta.GetAccessor(keys[i].idx)

		traceOut.Seek(groupLo, groupHi)
		hasOld := traceOut.Valid()
		if hasOld {
			olo, ohi := traceOut.Key()
			hasOld = keyEqual(olo, ohi, groupLo, groupHi) && traceOut.Weight() > 0
		}

		var oldValueBits uint64
		if hasOld {
			oldAcc := traceOut.Accessor()
			oldValueBits = readValueColumn(oldAcc, valueCol, agg.OutputColumnType())

			scratch.Reset(outSchema)
			for g, col := range groupCols {
				copyColumn(scratch, g+1, oldAcc, g+1, deltaSchema.Columns[col].Type)
			}
			setValueColumn(scratch, valueCol, agg.OutputColumnType(), oldValueBits)
			out.Append(groupLo, groupHi, -1, scratch)
		}

		if agg.IsLinear() {
			if hasOld {
				acc.MergeAccumulated(oldValueBits, 1)
			}
		} else {
			// Non-linear: the new value can only come from the group's
			// surviving rows. History and delta contributions to the same
			// (pk, payload) must be netted against each other before they
			// reach Step — a retraction arriving as a separate Step call
			// would be invisible to min/max, which only count rows whose
			// weight is positive.
			acc.Reset()
			type rowKey struct{ lo, hi, hash uint64 }
			type netRow struct {
				w   int64
				row *rowacc.Owned
			}
			merged := make(map[rowKey]*netRow)
			fold := func(pkLo, pkHi uint64, w int64, src rowacc.RowAccessor) {
				k := rowKey{pkLo, pkHi, rowacc.StableHash(deltaSchema, src)}
				e := merged[k]
				if e == nil {
					e = &netRow{row: rowacc.Clone(deltaSchema, src)}
					merged[k] = e
				}
				e.w += w
			}

			traceIn.Seek(0, 0)
			for traceIn.Valid() {
				rlo, rhi, buf := GroupKey(deltaSchema, traceIn.Accessor(), groupCols, scratchBuf)
				scratchBuf = buf
				if keyEqual(rlo, rhi, groupLo, groupHi) {
					plo, phi := traceIn.Key()
					fold(plo, phi, traceIn.Weight(), traceIn.Accessor())
				}
				traceIn.Advance()
			}
			for k := i; k < j; k++ {
				idx := keys[k].idx
				plo, phi := delta.PK(idx)
				fold(plo, phi, delta.Weight(idx), delta.GetAccessor(idx))
			}
			for _, e := range merged {
				if e.w != 0 {
					acc.Step(e.row, e.w)
				}
			}
		}

		if !acc.IsAccumulatorZero() {
			scratch.Reset(outSchema)
			for g, col := range groupCols {
				copyColumn(scratch, g+1, repRow, col, deltaSchema.Columns[col].Type)
			}
			setValueColumn(scratch, valueCol, agg.OutputColumnType(), acc.GetValueBits())
			out.Append(groupLo, groupHi, 1, scratch)
		}

		i = j
	}

	out.Sort()
	out.Consolidate()
}

func readValueColumn(acc rowacc.RowAccessor, col int, ty types.Code) uint64 {
	if ty.IsFloat() {
		return math.Float64bits(acc.GetFloat(col))
	}
	return uint64(acc.GetIntSigned(col))
}
