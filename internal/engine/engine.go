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

// Package engine orchestrates GnitzDB's storage layer: one shared WAL and
// manifest across every table opened in this process, per-table MemTables
// and Spines, the write path (WAL append -> MemTable upsert, flushing and
// retrying once on MemTableFull), the read path (MemTable + Spine summed
// with a payload dry-run compare), flush/rotate, checkpoint, compaction,
// and WAL-replay recovery on open.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gnitzdb/gnitzdb/internal/compactor"
	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/gnitzlog"
	"github.com/gnitzdb/gnitzdb/internal/manifest"
	"github.com/gnitzdb/gnitzdb/internal/memtable"
	"github.com/gnitzdb/gnitzdb/internal/refcount"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/shardfmt"
	"github.com/gnitzdb/gnitzdb/internal/spine"
	"github.com/gnitzdb/gnitzdb/internal/walfmt"
)

const (
	defaultMemArenaBytes = 4 << 20
	defaultMemBlobBytes  = 1 << 20

	manifestFilename = "MANIFEST"
	walFilename      = "wal.log"
)

// Options configures an Engine at Open time.
type Options struct {
	// Dir is the directory holding the manifest, the WAL, and every
	// shard file. Must already exist.
	Dir string

	MemTableArenaBytes int
	MemTableBlobBytes  int

	// ValidateChecksums enables per-region XXH3-64 verification when
	// opening shard views.
	ValidateChecksums bool

	// ManifestMACKey, if non-nil, enables the manifest's optional
	// BLAKE2b-256 MAC (an empty-but-non-nil key is a valid, unkeyed MAC).
	ManifestMACKey []byte

	Log gnitzlog.Logger
}

// Engine is the process-wide orchestrator: a single LSN counter, a single
// WAL writer, a single manifest manager, and a single RefCounter shared by
// every table opened against Dir.
type Engine struct {
	mu sync.Mutex

	dir          string
	shardDir     string
	manifestPath string
	walPath      string

	manifestMgr *manifest.Manager
	wal         *walfmt.Writer
	refCounter  *refcount.RefCounter

	nextLSN              uint64
	manifestMaxLSNAtOpen uint64
	validateChecksums    bool
	memArenaBytes        int
	memBlobBytes         int
	log                  gnitzlog.Logger

	tables map[uint32]*Table

	// foreignEntries holds manifest entries belonging to tables that have
	// not been opened in this process's lifetime. They must be carried
	// forward, unchanged, on every manifest republish.
	foreignEntries []manifest.Entry
}

// Open loads (or initializes) the manifest and WAL at opts.Dir and
// returns a ready Engine. No table is opened yet; call OpenTable for
// each table the caller wants to read or write.
func Open(opts Options) (*Engine, error) {
	arenaBytes := opts.MemTableArenaBytes
	if arenaBytes <= 0 {
		arenaBytes = defaultMemArenaBytes
	}
	blobBytes := opts.MemTableBlobBytes
	if blobBytes <= 0 {
		blobBytes = defaultMemBlobBytes
	}

	manifestPath := filepath.Join(opts.Dir, manifestFilename)
	walPath := filepath.Join(opts.Dir, walFilename)

	mgr := manifest.NewManager(manifestPath)
	if opts.ManifestMACKey != nil {
		mgr.UseMAC(opts.ManifestMACKey)
	}

	var nextLSN uint64 = 1
	var manifestMaxLSN uint64
	var foreign []manifest.Entry
	if mgr.Exists() {
		r, err := mgr.LoadCurrent()
		if err != nil {
			return nil, err
		}
		manifestMaxLSN = r.GlobalMaxLSN
		nextLSN = r.GlobalMaxLSN + 1
		foreign = r.Entries()
	}

	// The WAL may hold LSNs beyond the manifest's global max (writes that
	// were never flushed before the last shutdown). nextLSN must clear
	// them too, or fresh writes would reuse LSNs still present in the
	// file and recovery would replay both.
	walMaxLSN, err := scanWALMaxLSN(walPath)
	if err != nil {
		return nil, err
	}
	if walMaxLSN+1 > nextLSN {
		nextLSN = walMaxLSN + 1
	}

	w, err := walfmt.CreateWriter(walPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:                  opts.Dir,
		shardDir:             opts.Dir,
		manifestPath:         manifestPath,
		walPath:              walPath,
		manifestMgr:          mgr,
		wal:                  w,
		refCounter:           refcount.New(),
		nextLSN:              nextLSN,
		manifestMaxLSNAtOpen: manifestMaxLSN,
		validateChecksums:    opts.ValidateChecksums,
		memArenaBytes:        arenaBytes,
		memBlobBytes:         blobBytes,
		log:                  opts.Log,
		tables:               make(map[uint32]*Table),
		foreignEntries:       foreign,
	}
	return e, nil
}

// OpenTable opens (or recovers) tableID against sch: it builds the Spine
// from the currently-published manifest, replays every WAL block of
// tableID whose LSN exceeds both the manifest's global max LSN and the
// table's highest shard LSN into a fresh MemTable, and registers the
// table with the Engine.
func (e *Engine) OpenTable(tableID uint32, sch *schema.Schema) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tables[tableID]; exists {
		return nil, fmt.Errorf("engine: table %d is already open", tableID)
	}

	sp, err := spine.FromManifest(e.manifestPath, tableID, sch, e.refCounter, e.validateChecksums)
	if err != nil {
		return nil, err
	}

	t := &Table{
		ID:     tableID,
		Schema: sch,
		mem:    memtable.New(sch, e.memArenaBytes, e.memBlobBytes),
		spine:  sp,
		engine: e,
	}

	if err := e.replayWAL(t); err != nil {
		sp.CloseAll()
		return nil, err
	}

	e.removeForeignEntries(tableID)
	e.tables[tableID] = t
	return t, nil
}

func (e *Engine) removeForeignEntries(tableID uint32) {
	kept := e.foreignEntries[:0]
	for _, entry := range e.foreignEntries {
		if entry.TableID != tableID {
			kept = append(kept, entry)
		}
	}
	e.foreignEntries = kept
}

// scanWALMaxLSN reads every block header in the WAL at path and returns
// the highest LSN present, or 0 if the file is missing or empty.
func scanWALMaxLSN(path string) (uint64, error) {
	r, err := walfmt.OpenReader(path)
	if err != nil {
		return 0, err
	}
	if r == nil {
		return 0, nil
	}
	defer r.Close()

	var max uint64
	for {
		block, err := r.ReadNextBlock()
		if err != nil {
			return 0, err
		}
		if block == nil {
			return max, nil
		}
		if block.LSN > max {
			max = block.LSN
		}
	}
}

// replayWAL scans the whole shared WAL file, applying every block whose
// TableID matches t.ID and whose LSN exceeds the table's highest flushed
// LSN: the manifest's global max is a conservative cross-table watermark,
// but each table's own shards may absorb later LSNs (flushes absorb a
// prefix of that table's write order), and replaying those would count a
// record twice.
func (e *Engine) replayWAL(t *Table) error {
	flushedMax := e.manifestMaxLSNAtOpen
	for _, h := range t.spine.Handles() {
		if h.LSN > flushedMax {
			flushedMax = h.LSN
		}
	}

	r, err := walfmt.OpenReader(e.walPath)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	defer r.Close()

	for {
		block, err := r.ReadNextBlock()
		if err != nil {
			return err
		}
		if block == nil {
			return nil
		}
		if block.TableID != t.ID || block.LSN <= flushedMax {
			continue
		}
		entries, err := walfmt.DecodeRecords(t.Schema, block)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := t.mem.Upsert(entry.PKLo, entry.PKHi, entry.Weight, entry.Row); err != nil {
				return err
			}
		}
		t.recordGenLSN(block.LSN)
	}
}

// Put assigns the next LSN, durably appends a one-entry WAL block, and
// upserts into tableID's MemTable, flushing and retrying once if the
// MemTable reports ErrMemTableFull.
func (e *Engine) Put(tableID uint32, pkLo, pkHi uint64, weight int64, acc rowacc.RowAccessor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[tableID]
	if !ok {
		return fmt.Errorf("engine: table %d is not open", tableID)
	}

	lsn := e.nextLSN
	e.nextLSN++

	if err := e.wal.AppendBlock(lsn, tableID, t.Schema, []walfmt.Entry{{PKLo: pkLo, PKHi: pkHi, Weight: weight, Row: acc}}); err != nil {
		return err
	}

	err := t.mem.Upsert(pkLo, pkHi, weight, acc)
	if isMemTableFull(err) {
		// lsn is already durable in the WAL but not yet in any MemTable;
		// the flush must not publish a manifest watermark at or beyond it.
		if ferr := e.flushAndRotateLocked(t, lsn); ferr != nil {
			return ferr
		}
		err = t.mem.Upsert(pkLo, pkHi, weight, acc)
	}
	if err != nil {
		return err
	}

	t.recordGenLSN(lsn)
	return nil
}

func isMemTableFull(err error) bool {
	return err != nil && (err == gnitzerr.ErrMemTableFull || unwrapIs(err, gnitzerr.ErrMemTableFull))
}

func unwrapIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// GetWeight sums tableID's MemTable contribution with every shard's
// contribution for the exact (pkLo, pkHi, acc) record. A shard's binary
// search only guarantees landing on the leftmost row sharing the PK;
// GetWeight scans forward from there while the PK stays equal, comparing
// payloads, since a multiset table may hold several distinct payloads at
// one PK.
func (e *Engine) GetWeight(tableID uint32, pkLo, pkHi uint64, acc rowacc.RowAccessor) (int64, error) {
	t, ok := e.tables[tableID]
	if !ok {
		return 0, fmt.Errorf("engine: table %d is not open", tableID)
	}

	total := t.mem.GetWeight(pkLo, pkHi, acc)

	for _, cand := range t.spine.FindAllShardsAndIndices(pkLo, pkHi) {
		v := cand.Handle.View
		idx := cand.RowIdx
		for idx < v.Count() {
			lo, hi := v.PK(idx)
			if lo != pkLo || hi != pkHi {
				break
			}
			if rowacc.CompareRows(t.Schema, v.Row(idx), acc) == 0 {
				total += v.Weight(idx)
				break
			}
			idx++
		}
	}
	return total, nil
}

// durableWatermarkLocked returns the highest LSN L such that every WAL
// block with LSN <= L is durably represented in a shard: recovery skips
// everything at or below the manifest's global max LSN, so publishing a
// watermark above a still-unflushed write would silently drop it.
// flushingTable's own pending generation is excluded when haveFlushing is
// true (its records are in the shard being published); inFlight, when
// non-zero, is an LSN already appended to the WAL but not yet upserted
// into any MemTable. Caller must hold e.mu.
func (e *Engine) durableWatermarkLocked(flushingTable uint32, haveFlushing bool, inFlight uint64) uint64 {
	durable := e.nextLSN - 1
	for id, t := range e.tables {
		if haveFlushing && id == flushingTable {
			continue
		}
		if t.genMinLSN != 0 && t.genMinLSN-1 < durable {
			durable = t.genMinLSN - 1
		}
	}
	if inFlight != 0 && inFlight-1 < durable {
		durable = inFlight - 1
	}
	return durable
}

// flushAndRotateLocked flushes t's MemTable to a new shard (publishing
// the manifest before the shard becomes visible through t's Spine) and
// replaces t's MemTable with an empty one. inFlightLSN is non-zero only
// when the flush was forced mid-Put by ErrMemTableFull. Caller must hold
// e.mu.
func (e *Engine) flushAndRotateLocked(t *Table, inFlightLSN uint64) error {
	w := shardfmt.NewWriter(t.Schema)
	w.EnableBlobCompression()
	t.mem.Flush(w, t.genMaxLSN)

	if w.RowCount() == 0 {
		t.rotateMemTable(e)
		return nil
	}

	filename := filepath.Join(e.shardDir, uuid.New().String()+".shard")
	if err := w.Finalize(filename); err != nil {
		return err
	}

	minLo, minHi, maxLo, maxHi := w.MinMaxPK()
	newEntry := manifest.Entry{
		TableID:  t.ID,
		MinKeyLo: minLo,
		MinKeyHi: minHi,
		MaxKeyLo: maxLo,
		MaxKeyHi: maxHi,
		MinLSN:   t.genMinLSN,
		MaxLSN:   t.genMaxLSN,
		// The manifest's fixed 128-byte field holds the bare filename;
		// readers resolve it against the manifest's directory.
		ShardFilename: filepath.Base(filename),
	}

	entries := e.buildManifestEntries(t.ID, nil, &newEntry)
	watermark := e.durableWatermarkLocked(t.ID, true, inFlightLSN)
	if err := e.manifestMgr.PublishNewVersion(entries, watermark); err != nil {
		os.Remove(filename)
		return err
	}

	if _, err := t.spine.AddHandle(filename, t.Schema, e.validateChecksums); err != nil {
		return err
	}

	t.rotateMemTable(e)
	return nil
}

// Flush forces tableID's current MemTable generation to a shard, even if
// it is not full.
func (e *Engine) Flush(tableID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[tableID]
	if !ok {
		return fmt.Errorf("engine: table %d is not open", tableID)
	}
	return e.flushAndRotateLocked(t, 0)
}

// Checkpoint flushes every open table's MemTable (so every write so far
// is represented in a shard) and then truncates the shared WAL; only
// whole-file truncation is supported, never a partial one.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.tables {
		if err := e.flushAndRotateLocked(t, 0); err != nil {
			return err
		}
	}
	return e.wal.TruncateBeforeLSN(e.nextLSN)
}

// Compact merges every currently-live shard of tableID into one,
// publish-before-swap: the merged shard is opened (but not yet registered
// with the Spine) after the manifest publish succeeds, only then swapped
// in, and only then are the superseded filenames handed to the RefCounter
// for deferred deletion.
func (e *Engine) Compact(tableID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[tableID]
	if !ok {
		return fmt.Errorf("engine: table %d is not open", tableID)
	}

	handles := t.spine.Handles()
	if len(handles) < 2 {
		return nil
	}

	result, err := compactor.Compact(handles, t.Schema, tableID, e.shardDir, e.log)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	entries := e.buildManifestEntries(tableID, result.SupersededFilenames, nil)
	if result.RowsWritten > 0 {
		merged := result.Entry
		merged.ShardFilename = filepath.Base(merged.ShardFilename)
		entries = append(entries, merged)
	}

	if err := e.manifestMgr.PublishNewVersion(entries, e.durableWatermarkLocked(0, false, 0)); err != nil {
		if result.RowsWritten > 0 {
			os.Remove(result.Entry.ShardFilename)
		}
		return err
	}

	var newHandle *spine.ShardHandle
	if result.RowsWritten > 0 {
		newHandle, err = spine.OpenHandle(result.Entry.ShardFilename, t.Schema, e.validateChecksums)
		if err != nil {
			return err
		}
	}
	if err := t.spine.ReplaceHandles(result.SupersededFilenames, newHandle); err != nil {
		return err
	}

	for _, fn := range result.SupersededFilenames {
		e.refCounter.MarkForDeletion(fn)
	}
	e.refCounter.TryCleanup()
	return nil
}

// buildManifestEntries assembles the full cross-table entry list every
// manifest publish requires: every currently-open table's live Spine
// handles (excluding, for excludeTable, any filename in
// excludeFilenames — the shards a flush or compaction is in the process
// of superseding), e's foreignEntries for tables never opened this
// process lifetime, and extra if non-nil.
func (e *Engine) buildManifestEntries(excludeTable uint32, excludeFilenames []string, extra *manifest.Entry) []manifest.Entry {
	excluded := make(map[string]bool, len(excludeFilenames))
	for _, f := range excludeFilenames {
		excluded[f] = true
	}

	var out []manifest.Entry
	for id, t := range e.tables {
		for _, h := range t.spine.Handles() {
			if id == excludeTable && excluded[h.Filename] {
				continue
			}
			out = append(out, handleToEntry(id, h))
		}
	}
	out = append(out, e.foreignEntries...)
	if extra != nil {
		out = append(out, *extra)
	}
	return out
}

func handleToEntry(tableID uint32, h *spine.ShardHandle) manifest.Entry {
	minLo, minHi := h.GetMinKey()
	maxLo, maxHi := h.GetMaxKey()
	minLSN, maxLSN := h.View.MinMaxLSN()
	return manifest.Entry{
		TableID:       tableID,
		MinKeyLo:      minLo,
		MinKeyHi:      minHi,
		MaxKeyLo:      maxLo,
		MaxKeyHi:      maxHi,
		MinLSN:        minLSN,
		MaxLSN:        maxLSN,
		ShardFilename: filepath.Base(h.Filename),
	}
}

// Close shuts down every open table's in-memory state and the shared WAL
// writer. It does not truncate the WAL or publish a final manifest
// version — an unflushed generation is recovered by replay on the next
// Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.tables {
		t.spine.CloseAll()
		t.mem.Free()
	}
	return e.wal.Close()
}
