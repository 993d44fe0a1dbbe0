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

// JoinDeltaTrace implements one half of an incremental equi-join on the
// primary key: it matches delta against the other side's full history,
// exposed as a seekable Cursor. deltaIsLeft tells composite which side
// delta's rows bind to when constructing an output row.
//
// A full incremental join is two calls to JoinDeltaTrace (new_left against
// old_right, old_left against new_right) plus one JoinDeltaDelta (new_left
// against new_right), unioned together — the caller wires that up; this
// function only does one side of it so the matching loop isn't duplicated
// three times.
func JoinDeltaTrace(delta Batch, deltaIsLeft bool, trace Cursor, composite *rowacc.Composite, out Batch) {
	n := delta.Length()
	for i := 0; i < n; i++ {
		lo, hi := delta.PK(i)
		dw := delta.Weight(i)
		if dw == 0 {
			continue
		}
		dacc := delta.GetAccessor(i)
		trace.Seek(lo, hi)
		for trace.Valid() {
			tlo, thi := trace.Key()
			if !keyEqual(tlo, thi, lo, hi) {
				break
			}
			tw := trace.Weight()
			w := dw * tw
			if w != 0 {
				if deltaIsLeft {
					composite.Rebind(dacc, trace.Accessor())
				} else {
					composite.Rebind(trace.Accessor(), dacc)
				}
				out.Append(lo, hi, w, composite)
			}
			trace.Advance()
		}
	}
}

// JoinDeltaDelta matches two delta batches produced within the same tick
// against each other — the cross term an incremental join must add on top
// of the two JoinDeltaTrace halves, since neither side's history yet
// contains the other's fresh rows. Both batches are sorted (and so
// consolidated isn't required, merely ordered) before the merge-join runs.
func JoinDeltaDelta(left, right Batch, composite *rowacc.Composite, out Batch) {
	left.Sort()
	right.Sort()
	nl, nr := left.Length(), right.Length()
	i, j := 0, 0
	for i < nl && j < nr {
		llo, lhi := left.PK(i)
		rlo, rhi := right.PK(j)
		switch {
		case keyLess(llo, lhi, rlo, rhi):
			i++
		case keyLess(rlo, rhi, llo, lhi):
			j++
		default:
			// Equal keys: gather the contiguous run on each side sharing
			// this key (distinct payload variants of the same pk) and
			// cross them.
			iEnd := i
			for iEnd < nl {
				lo2, hi2 := left.PK(iEnd)
				if !keyEqual(lo2, hi2, llo, lhi) {
					break
				}
				iEnd++
			}
			jEnd := j
			for jEnd < nr {
				lo2, hi2 := right.PK(jEnd)
				if !keyEqual(lo2, hi2, rlo, rhi) {
					break
				}
				jEnd++
			}
			for a := i; a < iEnd; a++ {
				lw := left.Weight(a)
				if lw == 0 {
					continue
				}
				for b := j; b < jEnd; b++ {
					rw := right.Weight(b)
					w := lw * rw
					if w == 0 {
						continue
					}
					composite.Rebind(left.GetAccessor(a), right.GetAccessor(b))
					out.Append(llo, lhi, w, composite)
				}
			}
			i, j = iEnd, jEnd
		}
	}
}
