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

import "github.com/gnitzdb/gnitzdb/internal/rowacc"

// Predicate reports whether a row should be retained by Filter.
type Predicate func(acc rowacc.RowAccessor) bool

// Filter appends every row of in whose accessor satisfies pred into out,
// unchanged (zero-copy: the row is re-serialized against out's arena by
// Batch.Append, but no intermediate allocation or transformation happens
// beyond that). out is not cleared first; every operator here produces
// into a caller-cleared output batch.
func Filter(in Batch, out Batch, pred Predicate) {
	n := in.Length()
	for i := 0; i < n; i++ {
		acc := in.GetAccessor(i)
		if !pred(acc) {
			continue
		}
		lo, hi := in.PK(i)
		out.Append(lo, hi, in.Weight(i), acc)
	}
}

// MapFunc transforms one input row into an output row, writing into dst
// (a reusable rowacc.Owned serving as the map operator's output sink). It
// returns the output row's primary key, which may differ from the
// input's.
type MapFunc func(pkLo, pkHi uint64, in rowacc.RowAccessor, dst *rowacc.Owned) (outPKLo, outPKHi uint64)

// Map applies fn to every row of in, appending its result into out. A
// single scratch *rowacc.Owned is reused across every row (reset before
// each call) so Map allocates nothing per row beyond what Batch.Append
// itself needs to serialize the result.
func Map(in Batch, out Batch, fn MapFunc, scratch *rowacc.Owned) {
	n := in.Length()
	for i := 0; i < n; i++ {
		lo, hi := in.PK(i)
		scratch.Reset(scratch.Schema)
		outLo, outHi := fn(lo, hi, in.GetAccessor(i), scratch)
		out.Append(outLo, outHi, in.Weight(i), scratch)
	}
}

// Negate appends every row of in into out with its weight sign flipped.
func Negate(in Batch, out Batch) {
	n := in.Length()
	for i := 0; i < n; i++ {
		lo, hi := in.PK(i)
		out.Append(lo, hi, -in.Weight(i), in.GetAccessor(i))
	}
}

// Union appends every row of a, then every row of b (b may be empty), into
// out — the Z-set algebra's addition.
func Union(a, b Batch, out Batch) {
	appendAll(a, out)
	if b != nil {
		appendAll(b, out)
	}
}

func appendAll(in Batch, out Batch) {
	n := in.Length()
	for i := 0; i < n; i++ {
		lo, hi := in.PK(i)
		out.Append(lo, hi, in.Weight(i), in.GetAccessor(i))
	}
}

// Delay copies in's rows into out, the register a stream operator reads as
// "last tick's output" on its next invocation. It performs no
// transformation; the distinction from Union(in, nil, out) is purely one
// of intent at the call site.
func Delay(in Batch, out Batch) {
	appendAll(in, out)
}
