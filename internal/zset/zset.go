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

// Package zset implements ArenaZSetBatch: a contiguous arena of packed rows
// plus a companion blob heap, with parallel PK and weight arrays, sort and
// algebraic consolidation (ghost pruning). This is the in-memory unit every
// DBSP kernel in internal/dbsp reads from and writes into.
package zset

import (
	"sort"

	"github.com/gnitzdb/gnitzdb/internal/arena"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
)

// Batch is an ArenaZSetBatch: constructed empty, appended to by operators,
// sorted then consolidated, cleared and reused, freed on drop.
type Batch struct {
	Schema *schema.Schema

	rows *arena.Arena
	heap *arena.Arena

	rowOff []int
	pkLo   []uint64
	pkHi   []uint64
	weight []int64

	sortedFlag bool
	acc        *rowacc.Packed
}

// New allocates an empty batch for sch.
func New(sch *schema.Schema) *Batch {
	return &Batch{
		Schema: sch,
		rows:   arena.New(4096),
		heap:   arena.New(1024),
		acc:    rowacc.NewPacked(sch),
	}
}

type heapAlloc struct{ a *arena.Arena }

func (h heapAlloc) Allocate(content []byte) uint64 { return uint64(h.a.Append(content)) }

// Append serializes (pk, weight, accessor) into the batch, allocating any
// long-string content on the batch's blob heap.
func (b *Batch) Append(pkLo, pkHi uint64, weight int64, acc rowacc.RowAccessor) {
	size := rowacc.RowHeaderSize + b.Schema.Stride()
	off := b.rows.Reserve(size)
	buf := b.rows.Bytes(off, size)
	rowacc.Serialize(b.Schema, acc, buf, heapAlloc{b.heap})

	b.rowOff = append(b.rowOff, off)
	b.pkLo = append(b.pkLo, pkLo)
	b.pkHi = append(b.pkHi, pkHi)
	b.weight = append(b.weight, weight)
	b.sortedFlag = false
}

// Length returns the number of records currently held (including, before
// Consolidate, any zero-weight or duplicate-key records).
func (b *Batch) Length() int { return len(b.rowOff) }

// IsSorted reports whether Sort has been called since the last mutation.
func (b *Batch) IsSorted() bool { return b.sortedFlag }

// PK returns record i's primary key as two 64-bit words.
func (b *Batch) PK(i int) (lo, hi uint64) { return b.pkLo[i], b.pkHi[i] }

// Weight returns record i's signed weight.
func (b *Batch) Weight(i int) int64 { return b.weight[i] }

// GetAccessor binds and returns a Packed accessor over record i's payload.
// The returned accessor aliases the batch's internal buffers and its
// heap reference is only valid until the batch's next Append (heap growth
// may reallocate); callers needing a stable reference should Deserialize.
func (b *Batch) GetAccessor(i int) rowacc.RowAccessor {
	size := rowacc.RowHeaderSize + b.Schema.Stride()
	b.acc.Bind(b.rows.Bytes(b.rowOff[i], size), b.heap.Bytes(0, b.heap.Len()))
	return b.acc
}

// Clear empties the batch without releasing its backing arenas, for reuse
// across ticks.
func (b *Batch) Clear() {
	b.rows.Clear()
	b.heap.Clear()
	b.rowOff = b.rowOff[:0]
	b.pkLo = b.pkLo[:0]
	b.pkHi = b.pkHi[:0]
	b.weight = b.weight[:0]
	b.sortedFlag = false
}

// Free releases the batch's backing storage entirely.
func (b *Batch) Free() {
	b.rows.Free()
	b.heap.Free()
	b.rowOff, b.pkLo, b.pkHi, b.weight = nil, nil, nil, nil
}

// Sort orders records by (pk, payload-lex), stably. Marks IsSorted.
func (b *Batch) Sort() {
	n := len(b.rowOff)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	heapBytes := b.heap.Bytes(0, b.heap.Len())
	size := rowacc.RowHeaderSize + b.Schema.Stride()
	left := rowacc.NewPacked(b.Schema)
	right := rowacc.NewPacked(b.Schema)

	sort.SliceStable(idx, func(x, y int) bool {
		ix, iy := idx[x], idx[y]
		if b.pkHi[ix] != b.pkHi[iy] {
			return b.pkHi[ix] < b.pkHi[iy]
		}
		if b.pkLo[ix] != b.pkLo[iy] {
			return b.pkLo[ix] < b.pkLo[iy]
		}
		left.Bind(b.rows.Bytes(b.rowOff[ix], size), heapBytes)
		right.Bind(b.rows.Bytes(b.rowOff[iy], size), heapBytes)
		return rowacc.CompareRows(b.Schema, left, right) < 0
	})

	b.permute(idx)
	b.sortedFlag = true
}

func (b *Batch) permute(idx []int) {
	n := len(idx)
	newOff := make([]int, n)
	newLo := make([]uint64, n)
	newHi := make([]uint64, n)
	newW := make([]int64, n)
	for i, src := range idx {
		newOff[i] = b.rowOff[src]
		newLo[i] = b.pkLo[src]
		newHi[i] = b.pkHi[src]
		newW[i] = b.weight[src]
	}
	b.rowOff, b.pkLo, b.pkHi, b.weight = newOff, newLo, newHi, newW
}

// Consolidate folds adjacent records sharing (pk, payload) by summing
// weights, and drops any run whose net weight is zero (ghost pruning).
// A batch mutated since its last Sort is sorted first, since the fold
// only sees adjacent runs. The result remains sorted, has no two
// adjacent equal (pk, payload) records, and no record has weight zero;
// the multiset sum of weight-per-(pk, payload) is unchanged.
func (b *Batch) Consolidate() {
	if !b.sortedFlag {
		b.Sort()
	}
	n := len(b.rowOff)
	if n == 0 {
		return
	}
	heapBytes := b.heap.Bytes(0, b.heap.Len())
	size := rowacc.RowHeaderSize + b.Schema.Stride()
	cur := rowacc.NewPacked(b.Schema)
	next := rowacc.NewPacked(b.Schema)

	out := 0
	groupStart := 0
	for i := 1; i <= n; i++ {
		sameGroup := false
		if i < n {
			if b.pkLo[i] == b.pkLo[groupStart] && b.pkHi[i] == b.pkHi[groupStart] {
				cur.Bind(b.rows.Bytes(b.rowOff[groupStart], size), heapBytes)
				next.Bind(b.rows.Bytes(b.rowOff[i], size), heapBytes)
				sameGroup = rowacc.CompareRows(b.Schema, cur, next) == 0
			}
		}
		if sameGroup {
			continue
		}
		// [groupStart, i) all share (pk, payload); sum their weights.
		var total int64
		for j := groupStart; j < i; j++ {
			total += b.weight[j]
		}
		if total != 0 {
			b.rowOff[out] = b.rowOff[groupStart]
			b.pkLo[out] = b.pkLo[groupStart]
			b.pkHi[out] = b.pkHi[groupStart]
			b.weight[out] = total
			out++
		}
		groupStart = i
	}
	b.rowOff = b.rowOff[:out]
	b.pkLo = b.pkLo[:out]
	b.pkHi = b.pkHi[:out]
	b.weight = b.weight[:out]
}
