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

// Package spine indexes the currently-live shards for a table in PK
// order, so a point lookup only has to visit shards whose bracket could
// contain the key.
package spine

import (
	"path/filepath"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/manifest"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/refcount"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/shardfmt"
)

// ShardHandle wraps one open shard View plus its cached PK bracket.
type ShardHandle struct {
	Filename string
	LSN      uint64 // the shard's max LSN, used by compaction to order inputs

	View                               *shardfmt.View
	MinPKLo, MinPKHi, MaxPKLo, MaxPKHi uint64
}

// OpenHandle opens filename as a shard and wraps it in a ShardHandle,
// without registering it with any Spine or RefCounter. Engine uses this to
// build the replacement handle for a just-finished compaction before
// handing it to ReplaceHandles.
func OpenHandle(filename string, sch *schema.Schema, validateChecksums bool) (*ShardHandle, error) {
	return newHandle(filename, sch, validateChecksums)
}

func newHandle(filename string, sch *schema.Schema, validateChecksums bool) (*ShardHandle, error) {
	v, err := shardfmt.OpenView(filename, sch, validateChecksums)
	if err != nil {
		return nil, err
	}
	minLo, minHi, maxLo, maxHi := v.MinMaxPK()
	_, maxLSN := v.MinMaxLSN()
	return &ShardHandle{
		Filename: filename,
		LSN:      maxLSN,
		View:     v,
		MinPKLo:  minLo, MinPKHi: minHi,
		MaxPKLo: maxLo, MaxPKHi: maxHi,
	}, nil
}

// GetMinKey returns the shard's minimum PK.
func (h *ShardHandle) GetMinKey() (lo, hi uint64) { return h.MinPKLo, h.MinPKHi }

// GetMaxKey returns the shard's maximum PK.
func (h *ShardHandle) GetMaxKey() (lo, hi uint64) { return h.MaxPKLo, h.MaxPKHi }

// FindRowIndex returns the row index matching (pkLo, pkHi), or -1.
func (h *ShardHandle) FindRowIndex(pkLo, pkHi uint64) int { return h.View.FindRowIndex(pkLo, pkHi) }

// GetWeight returns the weight of the row at rowIdx.
func (h *ShardHandle) GetWeight(rowIdx int) int64 { return h.View.Weight(rowIdx) }

// Row returns a RowAccessor over the row at rowIdx.
func (h *ShardHandle) Row(rowIdx int) rowacc.RowAccessor { return h.View.Row(rowIdx) }

// Close closes the underlying view.
func (h *ShardHandle) Close() error { return h.View.Close() }

func keyLess(aLo, aHi, bLo, bHi uint64) bool {
	if aHi != bHi {
		return aHi < bHi
	}
	return aLo < bLo
}

// Spine holds the sorted set of currently-live shard handles for one
// table and the refcounts that protect them from concurrent deletion by
// a compaction.
type Spine struct {
	mu         sync.RWMutex
	handles    []*ShardHandle
	refCounter *refcount.RefCounter
}

// New returns an empty Spine sharing refCounter with its Engine.
func New(refCounter *refcount.RefCounter) *Spine {
	return &Spine{refCounter: refCounter}
}

// FromManifest builds a Spine from every manifest entry belonging to
// tableID, opening and reference-counting each shard. Manifest entries
// carry bare shard filenames (the 128-byte NUL-padded field holds no
// directory); they resolve against the manifest's own directory.
func FromManifest(manifestPath string, tableID uint32, sch *schema.Schema, refCounter *refcount.RefCounter, validateChecksums bool) (*Spine, error) {
	s := New(refCounter)

	m := manifest.NewManager(manifestPath)
	if !m.Exists() {
		return s, nil
	}
	r, err := m.LoadCurrent()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(manifestPath)
	for _, e := range r.EntriesForTable(tableID) {
		shardPath := e.ShardFilename
		if !filepath.IsAbs(shardPath) {
			shardPath = filepath.Join(dir, shardPath)
		}
		h, err := newHandle(shardPath, sch, validateChecksums)
		if err != nil {
			s.CloseAll()
			return nil, err
		}
		if err := refCounter.Acquire(shardPath); err != nil {
			h.Close()
			s.CloseAll()
			return nil, err
		}
		s.handles = append(s.handles, h)
	}
	s.sortHandles()
	return s, nil
}

func (s *Spine) sortHandles() {
	slices.SortFunc(s.handles, func(a, b *ShardHandle) bool {
		return keyLess(a.MinPKLo, a.MinPKHi, b.MinPKLo, b.MinPKHi)
	})
}

// FindAllShardsAndIndices returns every handle whose [min,max] bracket
// could contain key, along with the row index within that handle, for
// handles that actually contain the key.
func (s *Spine) FindAllShardsAndIndices(pkLo, pkHi uint64) []struct {
	Handle *ShardHandle
	RowIdx int
} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []struct {
		Handle *ShardHandle
		RowIdx int
	}
	for _, h := range s.handles {
		if !bracketContains(h, pkLo, pkHi) {
			continue
		}
		idx := h.FindRowIndex(pkLo, pkHi)
		if idx < 0 {
			continue
		}
		out = append(out, struct {
			Handle *ShardHandle
			RowIdx int
		}{h, idx})
	}
	return out
}

func bracketContains(h *ShardHandle, pkLo, pkHi uint64) bool {
	if keyLess(pkLo, pkHi, h.MinPKLo, h.MinPKHi) {
		return false
	}
	if keyLess(h.MaxPKLo, h.MaxPKHi, pkLo, pkHi) {
		return false
	}
	return true
}

// Handles returns every live handle, in ascending min-key order.
func (s *Spine) Handles() []*ShardHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ShardHandle(nil), s.handles...)
}

// AddHandle appends a newly-flushed shard, acquiring a reference for it.
func (s *Spine) AddHandle(filename string, sch *schema.Schema, validateChecksums bool) (*ShardHandle, error) {
	h, err := newHandle(filename, sch, validateChecksums)
	if err != nil {
		return nil, err
	}
	if err := s.refCounter.Acquire(filename); err != nil {
		h.Close()
		return nil, err
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.sortHandles()
	s.mu.Unlock()
	return h, nil
}

// ReplaceHandles swaps the handles for oldFilenames (which compaction has
// just superseded) for a single new handle, closing and releasing the
// superseded handles' references.
func (s *Spine) ReplaceHandles(oldFilenames []string, newHandle *ShardHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isOld := func(name string) bool {
		for _, o := range oldFilenames {
			if o == name {
				return true
			}
		}
		return false
	}

	var kept []*ShardHandle
	for _, h := range s.handles {
		if isOld(h.Filename) {
			if err := h.Close(); err != nil {
				return &gnitzerr.StorageError{Op: "spine.replace", Path: h.Filename, Reason: err.Error()}
			}
			if err := s.refCounter.Release(h.Filename); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, h)
	}
	if newHandle != nil {
		kept = append(kept, newHandle)
		if err := s.refCounter.Acquire(newHandle.Filename); err != nil {
			return err
		}
	}
	s.handles = kept
	s.sortHandles()
	return nil
}

// CloseAll closes every handle, without touching the refcounter (used on
// shutdown, where the RefCounter itself is also being torn down).
func (s *Spine) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.Close()
	}
	s.handles = nil
}
