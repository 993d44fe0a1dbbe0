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

// Package dbsp implements GnitzDB's incremental streaming algebra: the
// stateless operators (filter, map, negate, union, delay) and the
// stateful ones (distinct, join, reduce) that read and write
// zset.Batch deltas against a table's persistent history.
package dbsp

import "github.com/gnitzdb/gnitzdb/internal/rowacc"

// Trace is the persistent multiset a stateful operator reads its history
// from and folds its output deltas into. internal/engine's per-table
// storage (memtable + spine) implements this.
type Trace interface {
	// GetWeight returns the net weight currently on record, summed across
	// every generation, for the row identified by (pkLo, pkHi) whose
	// payload matches acc. Returns 0 if no such record exists.
	GetWeight(pkLo, pkHi uint64, acc rowacc.RowAccessor) int64

	// IngestBatch folds batch's rows into the trace, as though each had
	// been written through the normal insert path.
	IngestBatch(batch Batch) error
}

// Batch is the subset of zset.Batch's read surface the dbsp package
// depends on, kept narrow so this package does not import zset directly
// and create an import cycle with callers that need both.
type Batch interface {
	Length() int
	PK(i int) (lo, hi uint64)
	Weight(i int) int64
	GetAccessor(i int) rowacc.RowAccessor
	Append(pkLo, pkHi uint64, weight int64, acc rowacc.RowAccessor)
	Sort()
	Consolidate()
}

// Cursor is a seekable, ordered view over a Trace's rows, used by Join and
// Reduce to walk matching history without materializing it. All iteration
// is explicit cursor-advance; there are no lazy sequences.
type Cursor interface {
	// Seek positions the cursor at the first row whose key is >= (pkLo,
	// pkHi).
	Seek(pkLo, pkHi uint64)
	Valid() bool
	Key() (lo, hi uint64)
	Weight() int64
	Accessor() rowacc.RowAccessor
	Advance()
	Close() error
}

func keyLess(aLo, aHi, bLo, bHi uint64) bool {
	if aHi != bHi {
		return aHi < bHi
	}
	return aLo < bLo
}

func keyEqual(aLo, aHi, bLo, bHi uint64) bool { return aLo == bLo && aHi == bHi }

// signClip maps a net weight to the {0, 1} presence indicator distinct
// uses to decide whether a key is visible in the deduplicated set.
func signClip(w int64) int64 {
	if w > 0 {
		return 1
	}
	return 0
}
