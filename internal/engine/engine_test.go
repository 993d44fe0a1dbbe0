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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

func labelSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.New([]schema.Column{
		{Name: "id", Type: types.U64},
		{Name: "label", Type: types.String},
	}, 0)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return sch
}

func labelRow(sch *schema.Schema, label string) *rowacc.Owned {
	o := rowacc.NewOwned(sch)
	o.SetString(1, label)
	return o
}

func openEngine(t *testing.T, dir string, memArena int) *Engine {
	t.Helper()
	e, err := Open(Options{Dir: dir, MemTableArenaBytes: memArena, ValidateChecksums: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestMultisetAlgebra(t *testing.T) {
	e := openEngine(t, t.TempDir(), 0)
	defer e.Close()

	sch := labelSchema(t)
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	a := labelRow(sch, "A")
	b := labelRow(sch, "B")
	steps := []struct {
		row *rowacc.Owned
		w   int64
	}{{a, 1}, {a, 1}, {b, 1}, {a, -1}}
	for _, s := range steps {
		if err := tbl.Put(1, 0, s.w, s.row); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if got := tbl.GetWeight(1, 0, a); got != 1 {
		t.Errorf("GetWeight(1, A) = %d, want 1", got)
	}
	if got := tbl.GetWeight(1, 0, b); got != 1 {
		t.Errorf("GetWeight(1, B) = %d, want 1", got)
	}

	var rows int
	tbl.IterPositive(func(_, _ uint64, w int64, _ rowacc.RowAccessor) bool {
		if w <= 0 {
			t.Errorf("IterPositive yielded weight %d", w)
		}
		rows++
		return true
	})
	if rows != 2 {
		t.Errorf("IterPositive yielded %d rows, want 2", rows)
	}
}

func TestFlushAndShardQuery(t *testing.T) {
	const n = 10000
	// A small arena forces several flush-and-rotate cycles mid-write.
	e := openEngine(t, t.TempDir(), 64<<10)
	defer e.Close()

	sch := labelSchema(t)
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	for i := 0; i < n; i++ {
		if err := tbl.Insert(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := e.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(tbl.spine.Handles()); got < 2 {
		t.Fatalf("expected at least 2 shards after %d inserts, got %d", n, got)
	}

	for i := 0; i < n; i++ {
		if got := tbl.GetWeight(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); got != 1 {
			t.Fatalf("GetWeight(%d) = %d, want 1", i, got)
		}
	}
	if got := tbl.GetWeight(uint64(n)+5, 0, labelRow(sch, "row-5")); got != 0 {
		t.Errorf("GetWeight(absent pk) = %d, want 0", got)
	}
	if got := tbl.GetWeight(5, 0, labelRow(sch, "not-this-payload")); got != 0 {
		t.Errorf("GetWeight(absent payload) = %d, want 0", got)
	}
}

func TestRecoveryAfterAbort(t *testing.T) {
	dir := t.TempDir()
	sch := labelSchema(t)

	type rec struct {
		pk    uint64
		label string
		w     int64
	}
	writes := []rec{
		{1, "one", 1},
		{2, "two", 1},
		{2, "two", 1},
		{3, "a label long enough to reach the blob heap", 1},
		{1, "one", -1},
	}

	expect := func(t *testing.T, tbl *Table) {
		t.Helper()
		if got := tbl.GetWeight(1, 0, labelRow(sch, "one")); got != 0 {
			t.Errorf("GetWeight(1) = %d, want 0", got)
		}
		if got := tbl.GetWeight(2, 0, labelRow(sch, "two")); got != 2 {
			t.Errorf("GetWeight(2) = %d, want 2", got)
		}
		if got := tbl.GetWeight(3, 0, labelRow(sch, "a label long enough to reach the blob heap")); got != 1 {
			t.Errorf("GetWeight(3) = %d, want 1", got)
		}
	}

	e := openEngine(t, dir, 0)
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for i, wr := range writes {
		if err := tbl.Put(wr.pk, 0, wr.w, labelRow(sch, wr.label)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if i == 2 {
			// Flush mid-stream so recovery must stitch shard + WAL state.
			if err := e.Flush(1); err != nil {
				t.Fatalf("Flush: %v", err)
			}
		}
	}
	expect(t, tbl)

	// Close without flushing the tail: the last two writes exist only in
	// the WAL, exactly like an abort after their fsync.
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openEngine(t, dir, 0)
	defer e2.Close()
	tbl2, err := e2.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("reopen OpenTable: %v", err)
	}
	expect(t, tbl2)
}

func TestRecoveryAfterForcedFlush(t *testing.T) {
	// The arena is sized so writes force flush-and-rotate mid-Put; the
	// in-flight record (already in the WAL, not in the flushed shard)
	// must survive a reopen, and the flushed records must not be counted
	// twice.
	dir := t.TempDir()
	sch := labelSchema(t)
	const n = 500

	e := openEngine(t, dir, 16<<10)
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := tbl.Insert(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if got := len(tbl.spine.Handles()); got < 1 {
		t.Fatal("expected at least one auto-flushed shard")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openEngine(t, dir, 16<<10)
	defer e2.Close()
	tbl2, err := e2.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("reopen OpenTable: %v", err)
	}
	for i := 0; i < n; i++ {
		if got := tbl2.GetWeight(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); got != 1 {
			t.Fatalf("after recovery GetWeight(%d) = %d, want 1", i, got)
		}
	}
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	sch := labelSchema(t)

	e := openEngine(t, dir, 0)
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := tbl.Insert(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	fi, err := os.Stat(filepath.Join(dir, walFilename))
	if err != nil {
		t.Fatalf("stat WAL: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("WAL size after Checkpoint = %d, want 0", fi.Size())
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Everything must come back from shards alone.
	e2 := openEngine(t, dir, 0)
	defer e2.Close()
	tbl2, err := e2.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("reopen OpenTable: %v", err)
	}
	for i := 0; i < 10; i++ {
		if got := tbl2.GetWeight(uint64(i), 0, labelRow(sch, fmt.Sprintf("row-%d", i))); got != 1 {
			t.Errorf("GetWeight(%d) = %d, want 1", i, got)
		}
	}
}

func countShardFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".shard") {
			n++
		}
	}
	return n
}

func TestCompactMergesAndPreservesWeights(t *testing.T) {
	dir := t.TempDir()
	sch := labelSchema(t)

	e := openEngine(t, dir, 0)
	defer e.Close()
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	// Three generations: an insert-heavy one, one that retracts part of
	// it, and one with fresh keys. The ghost (pk 2) must vanish.
	gen := [][]struct {
		pk uint64
		w  int64
	}{
		{{1, 1}, {2, 1}, {3, 1}},
		{{2, -1}, {3, 1}},
		{{4, 1}},
	}
	for _, g := range gen {
		for _, r := range g {
			if err := tbl.Put(r.pk, 0, r.w, labelRow(sch, fmt.Sprintf("label-%d", r.pk))); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if err := e.Flush(1); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if got := countShardFiles(t, dir); got != 3 {
		t.Fatalf("shard files before compact = %d, want 3", got)
	}

	if err := e.Compact(1); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if got := len(tbl.spine.Handles()); got != 1 {
		t.Errorf("spine handles after compact = %d, want 1", got)
	}
	if got := countShardFiles(t, dir); got != 1 {
		t.Errorf("shard files after compact = %d, want 1 (superseded not cleaned)", got)
	}

	wantWeights := map[uint64]int64{1: 1, 2: 0, 3: 2, 4: 1}
	for pk, want := range wantWeights {
		if got := tbl.GetWeight(pk, 0, labelRow(sch, fmt.Sprintf("label-%d", pk))); got != want {
			t.Errorf("GetWeight(%d) = %d, want %d", pk, got, want)
		}
	}
}

func TestTableCursorConsolidatesAcrossTiers(t *testing.T) {
	dir := t.TempDir()
	sch := labelSchema(t)

	e := openEngine(t, dir, 0)
	defer e.Close()
	tbl, err := e.OpenTable(1, sch)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	// pk 1 split across a shard (+1) and the memtable (+1); pk 2 written
	// in a shard and fully retracted in the memtable (a cross-tier ghost).
	if err := tbl.Insert(1, 0, labelRow(sch, "x")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tbl.Insert(2, 0, labelRow(sch, "y")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tbl.Insert(1, 0, labelRow(sch, "x")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tbl.Remove(2, 0, labelRow(sch, "y")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	c := tbl.NewCursor()
	defer c.Close()
	if !c.Valid() {
		t.Fatal("cursor invalid at start")
	}
	lo, _ := c.Key()
	if lo != 1 || c.Weight() != 2 {
		t.Fatalf("first record = (pk %d, w %d), want (1, 2)", lo, c.Weight())
	}
	c.Advance()
	if c.Valid() {
		lo, _ = c.Key()
		t.Fatalf("cursor yielded unexpected record at pk %d (ghost not skipped?)", lo)
	}

	c.Seek(1, 0)
	if !c.Valid() || c.Weight() != 2 {
		t.Fatal("Seek(1) did not land on the consolidated record")
	}
	c.Seek(2, 0)
	if c.Valid() {
		t.Fatal("Seek(2) landed on a ghost")
	}
}
