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

package compactor

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/gnitzlog"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/shardfmt"
	"github.com/gnitzdb/gnitzdb/internal/spine"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

func testSchema(t *testing.T) *schema.Schema {
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

type rec struct {
	pk    uint64
	label string
	w     int64
}

func writeShard(t *testing.T, dir string, sch *schema.Schema, lsn uint64, recs []rec) *spine.ShardHandle {
	t.Helper()
	w := shardfmt.NewWriter(sch)
	for _, r := range recs {
		o := rowacc.NewOwned(sch)
		o.SetString(1, r.label)
		w.Add(r.pk, 0, r.w, lsn, o)
	}
	path := filepath.Join(dir, fmt.Sprintf("gen-%d.shard", lsn))
	if err := w.Finalize(path); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	h, err := spine.OpenHandle(path, sch, true)
	if err != nil {
		t.Fatalf("OpenHandle: %v", err)
	}
	return h
}

func TestCompactMergesAndDropsGhosts(t *testing.T) {
	dir := t.TempDir()
	sch := testSchema(t)

	// Records sorted by (pk, payload) within each shard, as MemTable.Flush
	// emits them.
	h1 := writeShard(t, dir, sch, 10, []rec{
		{1, "a", 1},
		{2, "gone", 1},
		{3, "c", 2},
	})
	defer h1.Close()
	h2 := writeShard(t, dir, sch, 20, []rec{
		{2, "gone", -1},
		{3, "c", 1},
		{4, "d", 1},
	})
	defer h2.Close()

	result, err := Compact([]*spine.ShardHandle{h1, h2}, sch, 1, dir, gnitzlog.Nop)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result == nil {
		t.Fatal("Compact returned nil result for two shards")
	}
	if len(result.SupersededFilenames) != 2 {
		t.Fatalf("superseded = %v, want both inputs", result.SupersededFilenames)
	}
	if result.RowsWritten != 3 {
		t.Fatalf("RowsWritten = %d, want 3 (ghost dropped)", result.RowsWritten)
	}
	if result.Entry.MaxLSN != 20 {
		t.Errorf("Entry.MaxLSN = %d, want 20", result.Entry.MaxLSN)
	}

	v, err := shardfmt.OpenView(result.Entry.ShardFilename, sch, true)
	if err != nil {
		t.Fatalf("OpenView(merged): %v", err)
	}
	defer v.Close()

	want := []rec{
		{1, "a", 1},
		{3, "c", 3},
		{4, "d", 1},
	}
	if v.Count() != len(want) {
		t.Fatalf("merged count = %d, want %d", v.Count(), len(want))
	}
	for i, r := range want {
		lo, _ := v.PK(i)
		label := string(rowacc.StrStructContent(v.Row(i).GetStrStruct(1)))
		if lo != r.pk || label != r.label || v.Weight(i) != r.w {
			t.Errorf("merged row %d = (%d, %q, %d), want (%d, %q, %d)",
				i, lo, label, v.Weight(i), r.pk, r.label, r.w)
		}
	}
	// Ghost absence: the fully-retracted record must not appear at all.
	if idx := v.FindRowIndex(2, 0); idx != -1 {
		t.Errorf("ghost pk 2 present in merged shard at index %d", idx)
	}
}

func TestCompactSingleShardIsNoop(t *testing.T) {
	dir := t.TempDir()
	sch := testSchema(t)
	h := writeShard(t, dir, sch, 5, []rec{{1, "a", 1}})
	defer h.Close()

	result, err := Compact([]*spine.ShardHandle{h}, sch, 1, dir, gnitzlog.Nop)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result != nil {
		t.Fatalf("Compact of one shard = %+v, want nil", result)
	}
}

func TestCompactAllGhostsYieldsEmptyResult(t *testing.T) {
	dir := t.TempDir()
	sch := testSchema(t)
	h1 := writeShard(t, dir, sch, 1, []rec{{7, "x", 2}})
	defer h1.Close()
	h2 := writeShard(t, dir, sch, 2, []rec{{7, "x", -2}})
	defer h2.Close()

	result, err := Compact([]*spine.ShardHandle{h1, h2}, sch, 1, dir, gnitzlog.Nop)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result == nil {
		t.Fatal("Compact returned nil for an all-ghost merge")
	}
	if result.RowsWritten != 0 {
		t.Fatalf("RowsWritten = %d, want 0", result.RowsWritten)
	}
	if len(result.SupersededFilenames) != 2 {
		t.Fatalf("superseded = %v, want both inputs", result.SupersededFilenames)
	}
}
