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

package engine

import (
	"github.com/gnitzdb/gnitzdb/internal/dbsp"
	"github.com/gnitzdb/gnitzdb/internal/memtable"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/spine"
)

// Table is one open table's per-table state: the active MemTable
// generation, the Spine of live shards, and the LSN bracket of the writes
// accumulated in the current generation (reset on every rotate, so a
// flushed shard's manifest entry records exactly the LSNs it absorbed).
type Table struct {
	ID     uint32
	Schema *schema.Schema

	mem    *memtable.MemTable
	spine  *spine.Spine
	engine *Engine

	genMinLSN uint64
	genMaxLSN uint64
}

func (t *Table) recordGenLSN(lsn uint64) {
	if t.genMinLSN == 0 || lsn < t.genMinLSN {
		t.genMinLSN = lsn
	}
	if lsn > t.genMaxLSN {
		t.genMaxLSN = lsn
	}
}

func (t *Table) rotateMemTable(e *Engine) {
	t.mem.Free()
	t.mem = memtable.New(t.Schema, e.memArenaBytes, e.memBlobBytes)
	t.genMinLSN = 0
	t.genMaxLSN = 0
}

// Insert writes row at pk with weight +1.
func (t *Table) Insert(pkLo, pkHi uint64, row rowacc.RowAccessor) error {
	return t.engine.Put(t.ID, pkLo, pkHi, 1, row)
}

// Remove writes row at pk with weight -1. Removing a row that was never
// inserted is legal Z-set algebra: the net weight simply goes negative.
func (t *Table) Remove(pkLo, pkHi uint64, row rowacc.RowAccessor) error {
	return t.engine.Put(t.ID, pkLo, pkHi, -1, row)
}

// Put writes row at pk with an arbitrary signed weight.
func (t *Table) Put(pkLo, pkHi uint64, weight int64, row rowacc.RowAccessor) error {
	return t.engine.Put(t.ID, pkLo, pkHi, weight, row)
}

// GetWeight returns the net weight of the exact (pk, payload) record,
// summed across the MemTable and every live shard. It implements
// dbsp.Trace, so a Table can serve directly as the history behind
// Distinct, Join, and Reduce.
func (t *Table) GetWeight(pkLo, pkHi uint64, acc rowacc.RowAccessor) int64 {
	w, err := t.engine.GetWeight(t.ID, pkLo, pkHi, acc)
	if err != nil {
		return 0
	}
	return w
}

// IngestBatch folds every non-zero-weight record of batch into the table
// through the normal durable write path. Implements dbsp.Trace.
func (t *Table) IngestBatch(batch dbsp.Batch) error {
	n := batch.Length()
	for i := 0; i < n; i++ {
		w := batch.Weight(i)
		if w == 0 {
			continue
		}
		lo, hi := batch.PK(i)
		if err := t.engine.Put(t.ID, lo, hi, w, batch.GetAccessor(i)); err != nil {
			return err
		}
	}
	return nil
}

// tableSource is one ordered contributor to a TableCursor's merge: the
// MemTable's level-0 chain or one shard's row sequence, each already in
// (pk, payload) ascending order.
type tableSource interface {
	valid() bool
	pk() (lo, hi uint64)
	weight() int64
	row() rowacc.RowAccessor
	advance()
	seekGE(pkLo, pkHi uint64)
}

type memSource struct {
	m    *memtable.MemTable
	c    *memtable.Cursor
	live bool
}

func newMemSource(m *memtable.MemTable) *memSource {
	s := &memSource{m: m, c: m.NewCursor()}
	s.live = s.c.Next()
	return s
}

func (s *memSource) valid() bool             { return s.live }
func (s *memSource) pk() (lo, hi uint64)     { return s.c.Key() }
func (s *memSource) weight() int64           { return s.c.Weight() }
func (s *memSource) row() rowacc.RowAccessor { return s.c.Accessor() }
func (s *memSource) advance()                { s.live = s.c.Next() }

// seekGE restarts the chain walk from the head; the skiplist cursor is
// forward-only, and a trace cursor's seeks arrive in no particular order.
func (s *memSource) seekGE(pkLo, pkHi uint64) {
	s.c = s.m.NewCursor()
	s.live = s.c.Next()
	for s.live {
		lo, hi := s.c.Key()
		if !keyLess128(lo, hi, pkLo, pkHi) {
			return
		}
		s.live = s.c.Next()
	}
}

type shardSource struct {
	h   *spine.ShardHandle
	idx int
	n   int
}

func newShardSource(h *spine.ShardHandle) *shardSource {
	return &shardSource{h: h, n: h.View.Count()}
}

func (s *shardSource) valid() bool             { return s.idx < s.n }
func (s *shardSource) pk() (lo, hi uint64)     { return s.h.View.PK(s.idx) }
func (s *shardSource) weight() int64           { return s.h.View.Weight(s.idx) }
func (s *shardSource) row() rowacc.RowAccessor { return s.h.View.Row(s.idx) }
func (s *shardSource) advance()                { s.idx++ }

func (s *shardSource) seekGE(pkLo, pkHi uint64) { s.idx = s.h.View.FindFirstGE(pkLo, pkHi) }

func keyLess128(aLo, aHi, bLo, bHi uint64) bool {
	if aHi != bHi {
		return aHi < bHi
	}
	return aLo < bLo
}

// TableCursor is an ordered, consolidated view over a table's full
// contents: MemTable plus every live shard, merged in (pk, payload) order
// with weights summed per record and net-zero records (ghosts) skipped.
// It satisfies dbsp.Cursor, serving as the trace cursor behind
// JoinDeltaTrace and Reduce.
//
// The cursor snapshots the Spine's handle set when created; it stays
// valid until the next write, flush, or compaction on the table
// (single-writer, multi-reader — readers do not outlive writer activity).
type TableCursor struct {
	sch  *schema.Schema
	srcs []tableSource

	isValid      bool
	curLo, curHi uint64
	curW         int64
	curRow       *rowacc.Owned
	scratch      *rowacc.Owned
}

// NewCursor returns a TableCursor positioned at the table's first
// non-ghost record.
func (t *Table) NewCursor() *TableCursor {
	srcs := []tableSource{newMemSource(t.mem)}
	for _, h := range t.spine.Handles() {
		srcs = append(srcs, newShardSource(h))
	}
	c := &TableCursor{
		sch:     t.Schema,
		srcs:    srcs,
		curRow:  rowacc.NewOwned(t.Schema),
		scratch: rowacc.NewOwned(t.Schema),
	}
	c.settle()
	return c
}

func (c *TableCursor) sourceLess(a, b tableSource) bool {
	aLo, aHi := a.pk()
	bLo, bHi := b.pk()
	if aHi != bHi || aLo != bLo {
		return keyLess128(aLo, aHi, bLo, bHi)
	}
	return rowacc.CompareRows(c.sch, a.row(), b.row()) < 0
}

// settle consumes the minimum (pk, payload) record from every source that
// carries it, summing their weights, and repeats until a non-zero net
// weight is found or every source is exhausted.
func (c *TableCursor) settle() {
	for {
		var min tableSource
		for _, s := range c.srcs {
			if !s.valid() {
				continue
			}
			if min == nil || c.sourceLess(s, min) {
				min = s
			}
		}
		if min == nil {
			c.isValid = false
			return
		}

		lo, hi := min.pk()
		rowacc.CloneInto(c.sch, min.row(), c.curRow)

		var total int64
		for _, s := range c.srcs {
			for s.valid() {
				sLo, sHi := s.pk()
				if sLo != lo || sHi != hi {
					break
				}
				if rowacc.CompareRows(c.sch, s.row(), c.curRow) != 0 {
					break
				}
				total += s.weight()
				s.advance()
			}
		}

		if total != 0 {
			c.isValid = true
			c.curLo, c.curHi = lo, hi
			c.curW = total
			return
		}
	}
}

// Seek positions the cursor at the first record whose pk is >= (pkLo,
// pkHi). Implements dbsp.Cursor.
func (c *TableCursor) Seek(pkLo, pkHi uint64) {
	for _, s := range c.srcs {
		s.seekGE(pkLo, pkHi)
	}
	c.settle()
}

// Valid reports whether the cursor is positioned at a record.
func (c *TableCursor) Valid() bool { return c.isValid }

// Key returns the current record's primary key.
func (c *TableCursor) Key() (lo, hi uint64) { return c.curLo, c.curHi }

// Weight returns the current record's consolidated net weight.
func (c *TableCursor) Weight() int64 { return c.curW }

// Accessor returns the current record's payload. The returned accessor
// is owned by the cursor and overwritten on Advance/Seek.
func (c *TableCursor) Accessor() rowacc.RowAccessor { return c.curRow }

// Advance moves to the next consolidated record.
func (c *TableCursor) Advance() {
	// settle already advanced every source past the current record, so
	// swapping scratch in as the new current row is all that's needed
	// before re-settling (curRow must survive until the new record is
	// cloned, since sources never alias it).
	c.curRow, c.scratch = c.scratch, c.curRow
	c.settle()
}

// Close releases nothing: the cursor borrows the Spine's open views and
// the MemTable's arenas, both owned elsewhere. Present to satisfy
// dbsp.Cursor.
func (c *TableCursor) Close() error { return nil }

// IterPositive calls fn for every record whose consolidated net weight is
// positive, in (pk, payload) order, stopping early if fn returns false.
func (t *Table) IterPositive(fn func(pkLo, pkHi uint64, weight int64, row rowacc.RowAccessor) bool) {
	c := t.NewCursor()
	for c.Valid() {
		if c.Weight() > 0 {
			if !fn(c.curLo, c.curHi, c.curW, c.curRow) {
				return
			}
		}
		c.Advance()
	}
}
