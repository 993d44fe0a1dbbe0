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

// Package memtable implements the skiplist MemTable: the mutable,
// in-memory front end every write passes through before it is durable in a
// shard.
package memtable

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dchest/siphash"

	"github.com/gnitzdb/gnitzdb/internal/arena"
	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/gstring"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// MaxHeight is the skiplist's maximum tower height.
const MaxHeight = 16

// nodeHeaderFixed is the weight(8) + height(1) + pad(3) prefix before the
// per-level next-offset array.
const nodeHeaderFixed = 12

// ErrFull is returned by Upsert when either backing arena cannot satisfy
// the allocation for a new node; the caller (Engine) must flush and
// rotate the MemTable.
var ErrFull = gnitzerr.ErrMemTableFull

// nextGeneration numbers every MemTable created in this process, so each
// generation's height PRNG is keyed differently.
var nextGeneration uint64

// MemTable is a skiplist over a raw node arena, with a companion blob
// arena for long-string payload content.
type MemTable struct {
	Schema *schema.Schema

	arena *arena.Arena
	blob  *arena.Arena

	keySize int // 8 for u64 PK, 16 for u128 PK
	headOff int

	maxArenaBytes int
	maxBlobBytes  int

	sipK0, sipK1 uint64
	nodeCounter  uint64

	updateOffsets [MaxHeight]int

	curLeft, curRight *rowacc.Packed
}

// New creates an empty MemTable bound to sch, with arenas bounded at
// maxArenaBytes/maxBlobBytes (Upsert returns ErrFull once exceeded).
func New(sch *schema.Schema, maxArenaBytes, maxBlobBytes int) *MemTable {
	keySize := 8
	if sch.PK().Type.Size() == 16 {
		keySize = 16
	}
	// The SipHash key folds in this MemTable's generation id, so tower
	// heights differ across generations; the stream is then indexed by
	// the per-node counter. Deterministic within one process's lifetime,
	// never externally observable in row order.
	gen := atomic.AddUint64(&nextGeneration, 1)
	m := &MemTable{
		Schema:        sch,
		arena:         arena.New(4096),
		blob:          arena.New(1024),
		keySize:       keySize,
		maxArenaBytes: maxArenaBytes,
		maxBlobBytes:  maxBlobBytes,
		sipK0:         0x646e697a74696e67 ^ gen,
		sipK1:         0x7a646220736b6970 ^ (gen << 32),
		curLeft:       rowacc.NewPacked(sch),
		curRight:      rowacc.NewPacked(sch),
	}
	m.headOff = m.allocNode(MaxHeight)
	m.arena.WriteU8(m.headOff+8, MaxHeight)
	for i := 0; i < MaxHeight; i++ {
		m.setNext(m.headOff, i, 0)
	}
	return m
}

func towerSize(height int) int {
	return alignUp(nodeHeaderFixed+height*4, 16)
}

func (m *MemTable) payloadSize() int {
	return rowacc.RowHeaderSize + m.Schema.Stride()
}

func (m *MemTable) allocNode(height int) int {
	return m.arena.Reserve(towerSize(height) + m.keySize + m.payloadSize())
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func (m *MemTable) getNext(nodeOff, level int) int {
	return int(m.arena.ReadU32(nodeOff + nodeHeaderFixed + level*4))
}

func (m *MemTable) setNext(nodeOff, level, target int) {
	m.arena.WriteU32(nodeOff+nodeHeaderFixed+level*4, uint32(target))
}

func (m *MemTable) getWeight(nodeOff int) int64 { return m.arena.ReadI64(nodeOff) }

func (m *MemTable) setWeight(nodeOff int, w int64) { m.arena.WriteI64(nodeOff, w) }

func (m *MemTable) getHeight(nodeOff int) int { return int(m.arena.ReadU8(nodeOff + 8)) }

func (m *MemTable) keyOff(nodeOff int) int {
	h := m.getHeight(nodeOff)
	return nodeOff + towerSize(h)
}

func (m *MemTable) payloadOff(nodeOff int) int {
	return m.keyOff(nodeOff) + m.keySize
}

func (m *MemTable) getKey(nodeOff int) (lo, hi uint64) {
	k := m.keyOff(nodeOff)
	lo = m.arena.ReadU64(k)
	if m.keySize == 16 {
		hi = m.arena.ReadU64(k + 8)
	}
	return
}

func (m *MemTable) setKey(nodeOff int, lo, hi uint64) {
	k := m.keyOff(nodeOff)
	m.arena.WriteU64(k, lo)
	if m.keySize == 16 {
		m.arena.WriteU64(k+8, hi)
	}
}

func keyLess(lo1, hi1, lo2, hi2 uint64) bool {
	if hi1 != hi2 {
		return hi1 < hi2
	}
	return lo1 < lo2
}

func keyEqual(lo1, hi1, lo2, hi2 uint64) bool { return lo1 == lo2 && hi1 == hi2 }

func (m *MemTable) bindAccessor(acc *rowacc.Packed, nodeOff int) {
	off := m.payloadOff(nodeOff)
	acc.Bind(m.arena.Bytes(off, m.payloadSize()), m.blob.Bytes(0, m.blob.Len()))
}

// findExact walks the skiplist from the head, descending levels, seeking
// the last node whose key is < target (or, when tmpPayload is non-nil,
// whose (key, payload) lexicographically precedes target's). It records
// each level's predecessor offset into m.updateOffsets.
func (m *MemTable) findExact(lo, hi uint64, tmpPayload []byte, tmpHeap []byte) int {
	curr := m.headOff
	for level := MaxHeight - 1; level >= 0; level-- {
		for {
			next := m.getNext(curr, level)
			if next == 0 {
				break
			}
			nlo, nhi := m.getKey(next)
			if keyLess(nlo, nhi, lo, hi) {
				curr = next
				continue
			}
			if keyEqual(nlo, nhi, lo, hi) {
				if tmpPayload != nil {
					m.bindAccessor(m.curLeft, next)
					m.curRight.Bind(tmpPayload, tmpHeap)
					if rowacc.CompareRows(m.Schema, m.curLeft, m.curRight) < 0 {
						curr = next
						continue
					}
				}
			}
			break
		}
		m.updateOffsets[level] = curr
	}
	return curr
}

// nextHeight draws a tower height geometrically with promotion
// probability 1/4, biasing toward short towers.
func (m *MemTable) nextHeight() int {
	h := 1
	for h < MaxHeight {
		word := siphash.Hash(m.sipK0, m.sipK1, m.counterBytes())
		m.nodeCounter++
		if word&3 != 3 {
			break
		}
		h++
	}
	return h
}

func (m *MemTable) counterBytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], m.nodeCounter)
	return b[:]
}

// Upsert locates the insertion point among nodes sharing key via dry-run
// payload comparison; if a matching (key, payload) node exists, weights
// are summed (and the node unlinked if the sum is zero); otherwise a new
// node of random height is allocated and linked in. Returns ErrFull if
// either arena cannot satisfy an allocation.
func (m *MemTable) Upsert(keyLo, keyHi uint64, weight int64, acc rowacc.RowAccessor) error {
	if m.arena.Len() >= m.maxArenaBytes || m.blob.Len() >= m.maxBlobBytes {
		return fmt.Errorf("memtable: %w", ErrFull)
	}

	tmpSize := m.payloadSize()
	tmp := make([]byte, tmpSize)
	tmpHeap := arena.New(64)
	rowacc.Serialize(m.Schema, acc, tmp, tmpBlobAllocator{tmpHeap})

	predOff := m.findExact(keyLo, keyHi, tmp, tmpHeap.Bytes(0, tmpHeap.Len()))
	nextOff := m.getNext(predOff, 0)

	if nextOff != 0 {
		if nlo, nhi := m.getKey(nextOff); keyEqual(nlo, nhi, keyLo, keyHi) {
			m.bindAccessor(m.curLeft, nextOff)
			m.curRight.Bind(tmp, tmpHeap.Bytes(0, tmpHeap.Len()))
			if rowacc.CompareRows(m.Schema, m.curLeft, m.curRight) == 0 {
				newW := m.getWeight(nextOff) + weight
				if newW == 0 {
					h := m.getHeight(nextOff)
					for lvl := 0; lvl < h; lvl++ {
						p := m.updateOffsets[lvl]
						m.setNext(p, lvl, m.getNext(nextOff, lvl))
					}
				} else {
					m.setWeight(nextOff, newW)
				}
				return nil
			}
		}
	}

	if m.arena.Len()+towerSize(MaxHeight)+m.keySize+tmpSize > m.maxArenaBytes {
		return fmt.Errorf("memtable: %w", ErrFull)
	}

	h := m.nextHeight()
	newOff := m.allocNode(h)
	m.setWeight(newOff, weight)
	m.arena.WriteU8(newOff+8, uint8(h))
	m.setKey(newOff, keyLo, keyHi)

	// Relocate any long-string blob content from the scratch heap into
	// this MemTable's permanent blob arena, rewriting offsets.
	finalPayload := m.arena.Bytes(m.payloadOff(newOff), tmpSize)
	relocatePayload(m.Schema, tmp, tmpHeap, finalPayload, m.blob)

	for lvl := 0; lvl < h; lvl++ {
		p := m.updateOffsets[lvl]
		m.setNext(newOff, lvl, m.getNext(p, lvl))
		m.setNext(p, lvl, newOff)
	}
	return nil
}

type tmpBlobAllocator struct{ a *arena.Arena }

func (t tmpBlobAllocator) Allocate(content []byte) uint64 { return uint64(t.a.Append(content)) }

// relocatePayload copies src (already serialized against srcHeap) into
// dst, re-pointing any long-string heap offsets at the equivalent content
// freshly appended to dstHeap.
func relocatePayload(sch *schema.Schema, src []byte, srcHeap *arena.Arena, dst []byte, dstHeap *arena.Arena) {
	copy(dst, src)
	srcHeapBytes := srcHeap.Bytes(0, srcHeap.Len())
	acc := rowacc.NewPacked(sch)
	acc.Bind(src, srcHeapBytes)
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		if col.Type != types.String || acc.IsNull(schemaIdx) {
			return
		}
		ss := acc.GetStrStruct(schemaIdx)
		if ss.Length <= gstring.ShortThreshold {
			return // inline, nothing to relocate
		}
		heapOff := gstring.HeapOffset(ss.StructBytes)
		content := srcHeapBytes[heapOff : heapOff+uint64(ss.Length)]
		newOff := dstHeap.Append(content)
		off := rowacc.RowHeaderSize + col.Offset()
		binary.LittleEndian.PutUint64(dst[off+8:off+16], uint64(newOff))
	})
}

// GetWeight returns the weight currently recorded for the exact (key,
// payload) pair matching acc, or 0 if no such record exists. Used by the
// Engine's read path to fold the MemTable's contribution into a point
// query's total.
func (m *MemTable) GetWeight(keyLo, keyHi uint64, acc rowacc.RowAccessor) int64 {
	tmpSize := m.payloadSize()
	tmp := make([]byte, tmpSize)
	tmpHeap := arena.New(64)
	rowacc.Serialize(m.Schema, acc, tmp, tmpBlobAllocator{tmpHeap})

	predOff := m.findExact(keyLo, keyHi, tmp, tmpHeap.Bytes(0, tmpHeap.Len()))
	nextOff := m.getNext(predOff, 0)
	if nextOff == 0 {
		return 0
	}
	nlo, nhi := m.getKey(nextOff)
	if !keyEqual(nlo, nhi, keyLo, keyHi) {
		return 0
	}
	m.bindAccessor(m.curLeft, nextOff)
	m.curRight.Bind(tmp, tmpHeap.Bytes(0, tmpHeap.Len()))
	if rowacc.CompareRows(m.Schema, m.curLeft, m.curRight) != 0 {
		return 0
	}
	return m.getWeight(nextOff)
}

// Cursor exposes (key, weight, accessor) triples in ascending order,
// skipping nothing — callers filter ghosts (weight == 0) themselves.
type Cursor struct {
	m    *MemTable
	curr int
	acc  *rowacc.Packed
}

// NewCursor returns a cursor positioned before the first node.
func (m *MemTable) NewCursor() *Cursor {
	return &Cursor{m: m, curr: m.headOff, acc: rowacc.NewPacked(m.Schema)}
}

// Next advances the cursor and reports whether a node was found.
func (c *Cursor) Next() bool {
	next := c.m.getNext(c.curr, 0)
	if next == 0 {
		return false
	}
	c.curr = next
	return true
}

// Key returns the current node's key.
func (c *Cursor) Key() (lo, hi uint64) { return c.m.getKey(c.curr) }

// Weight returns the current node's weight.
func (c *Cursor) Weight() int64 { return c.m.getWeight(c.curr) }

// Accessor returns a Packed accessor bound to the current node's payload.
func (c *Cursor) Accessor() *rowacc.Packed {
	c.m.bindAccessor(c.acc, c.curr)
	return c.acc
}

// Free releases the MemTable's backing arenas.
func (m *MemTable) Free() {
	m.arena.Free()
	m.blob.Free()
}

// ShardWriter is the subset of shardfmt.Writer's write surface Flush needs,
// kept narrow so this package does not import shardfmt and create a cycle
// (shardfmt has no reason to import memtable, but both sit under engine).
type ShardWriter interface {
	Add(pkLo, pkHi uint64, weight int64, lsn uint64, row rowacc.RowAccessor)
}

// Flush walks the skiplist's level-0 chain in ascending key order, skips
// ghosts (weight == 0 — shouldn't occur since Upsert already unlinks a
// node whose weight nets to zero, but a defensive skip costs nothing),
// and streams every live record into w, tagging each with lsn. Individual
// per-write LSNs are not retained once coalesced into one MemTable
// generation; the whole generation is stamped with one LSN value.
func (m *MemTable) Flush(w ShardWriter, lsn uint64) {
	c := m.NewCursor()
	for c.Next() {
		weight := c.Weight()
		if weight == 0 {
			continue
		}
		lo, hi := c.Key()
		w.Add(lo, hi, weight, lsn, c.Accessor())
	}
}
