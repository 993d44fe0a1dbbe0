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

// Package compactor merges several shards belonging to one table into a
// single shard, summing the weight of every (pk, payload) pair across
// the generations being merged and dropping any that net to zero.
package compactor

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gnitzdb/gnitzdb/internal/gnitzlog"
	"github.com/gnitzdb/gnitzdb/internal/manifest"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/shardfmt"
	"github.com/gnitzdb/gnitzdb/internal/spine"
)

// Result describes one completed compaction: the manifest entry to
// publish for the merged shard (zero value if the merge produced no live
// rows) and the filenames it supersedes. The caller publishes a new
// manifest version (dropping SupersededFilenames, adding Entry if
// RowsWritten > 0) and only then hands SupersededFilenames to the
// RefCounter for deferred deletion. No state change is visible on a
// mid-merge failure: Compact itself never touches the manifest or the
// Spine.
type Result struct {
	Entry               manifest.Entry
	SupersededFilenames []string
	RowsWritten         uint64
}

type cursor struct {
	h   *spine.ShardHandle
	idx int
	n   int
}

func newCursor(h *spine.ShardHandle) *cursor { return &cursor{h: h, n: h.View.Count()} }

func (c *cursor) valid() bool             { return c.idx < c.n }
func (c *cursor) pk() (lo, hi uint64)     { lo, hi = c.h.View.PK(c.idx); return }
func (c *cursor) weight() int64           { return c.h.View.Weight(c.idx) }
func (c *cursor) row() rowacc.RowAccessor { return c.h.View.Row(c.idx) }
func (c *cursor) advance()                { c.idx++ }

// mergeHeap is a binary min-heap over the merge's shard cursors, ordered
// by (pk, payload-lex) with the payload comparator baked in: the root is
// always the cursor sitting on the smallest not-yet-emitted record. It
// never holds more than one cursor per input shard — each shard is
// already sorted, so only the cursor's current position competes.
type mergeHeap struct {
	sch *schema.Schema
	cur []*cursor
}

func (h *mergeHeap) precedes(a, b *cursor) bool {
	alo, ahi := a.pk()
	blo, bhi := b.pk()
	if ahi != bhi {
		return ahi < bhi
	}
	if alo != blo {
		return alo < blo
	}
	return rowacc.CompareRows(h.sch, a.row(), b.row()) < 0
}

func (h *mergeHeap) len() int      { return len(h.cur) }
func (h *mergeHeap) peek() *cursor { return h.cur[0] }

// push inserts c and swims it up to its rank.
func (h *mergeHeap) push(c *cursor) {
	h.cur = append(h.cur, c)
	i := len(h.cur) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.precedes(h.cur[parent], h.cur[i]) {
			return
		}
		h.cur[parent], h.cur[i] = h.cur[i], h.cur[parent]
		i = parent
	}
}

// pop removes and returns the minimum cursor, sinking the displaced tail
// element back down.
func (h *mergeHeap) pop() *cursor {
	top := h.cur[0]
	last := len(h.cur) - 1
	h.cur[0] = h.cur[last]
	h.cur = h.cur[:last]
	i := 0
	for {
		child := 2*i + 1
		if child >= len(h.cur) {
			return top
		}
		if r := child + 1; r < len(h.cur) && h.precedes(h.cur[r], h.cur[child]) {
			child = r
		}
		if h.precedes(h.cur[i], h.cur[child]) {
			return top
		}
		h.cur[i], h.cur[child] = h.cur[child], h.cur[i]
		i = child
	}
}

func sameKeyAndPayload(a, b *cursor, sch *schema.Schema) bool {
	alo, ahi := a.pk()
	blo, bhi := b.pk()
	if alo != blo || ahi != bhi {
		return false
	}
	return rowacc.CompareRows(sch, a.row(), b.row()) == 0
}

// Compact performs a tournament merge over handles via a min-heap keyed
// on (pk, payload) ascending — each shard is itself already sorted in
// that order (MemTable.Flush and a prior Compact both emit in ascending
// order), so the heap only ever needs to hold one cursor position per
// input shard rather than every remaining row.
//
// handles is the full set the caller has decided to fold into one
// output; Compact does not decide which shards to merge, only how.
func Compact(handles []*spine.ShardHandle, sch *schema.Schema, tableID uint32, shardDir string, log gnitzlog.Logger) (*Result, error) {
	if len(handles) < 2 {
		return nil, nil
	}

	merge := &mergeHeap{sch: sch}
	superseded := make([]string, 0, len(handles))
	var maxLSN uint64
	for _, h := range handles {
		superseded = append(superseded, h.Filename)
		if h.LSN > maxLSN {
			maxLSN = h.LSN
		}
		c := newCursor(h)
		if c.valid() {
			merge.push(c)
		}
	}

	w := shardfmt.NewWriter(sch)
	w.EnableBlobCompression()

	for merge.len() > 0 {
		top := merge.pop()
		lo, hi := top.pk()
		acc := top.row()
		weight := top.weight()

		for merge.len() > 0 && sameKeyAndPayload(merge.peek(), top, sch) {
			dup := merge.pop()
			weight += dup.weight()
			dup.advance()
			if dup.valid() {
				merge.push(dup)
			}
		}

		if weight == 0 {
			log.Logf("compactor: table %d dropping ghost row at key (%d,%d)", tableID, lo, hi)
		} else {
			w.Add(lo, hi, weight, maxLSN, acc)
		}

		top.advance()
		if top.valid() {
			merge.push(top)
		}
	}

	if w.RowCount() == 0 {
		log.Logf("compactor: table %d merge of %d shards produced no live rows", tableID, len(handles))
		return &Result{SupersededFilenames: superseded}, nil
	}

	name := filepath.Join(shardDir, fmt.Sprintf("%s.shard", uuid.New().String()))
	if err := w.Finalize(name); err != nil {
		return nil, err
	}

	minLo, minHi, maxLo, maxHi := w.MinMaxPK()
	return &Result{
		Entry: manifest.Entry{
			TableID:       tableID,
			MinKeyLo:      minLo,
			MinKeyHi:      minHi,
			MaxKeyLo:      maxLo,
			MaxKeyHi:      maxHi,
			MinLSN:        maxLSN,
			MaxLSN:        maxLSN,
			ShardFilename: name,
		},
		SupersededFilenames: superseded,
		RowsWritten:         w.RowCount(),
	}, nil
}
