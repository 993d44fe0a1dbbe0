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

package spine

import (
	"path/filepath"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/refcount"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/shardfmt"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.New([]schema.Column{
		{Name: "id", Type: types.U64},
		{Name: "value", Type: types.I64},
	}, 0)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return sch
}

func writeShard(t *testing.T, dir, name string, sch *schema.Schema, pks []uint64) string {
	t.Helper()
	w := shardfmt.NewWriter(sch)
	for _, pk := range pks {
		o := rowacc.NewOwned(sch)
		o.SetIntSigned(1, int64(pk)*10)
		w.Add(pk, 0, 1, 1, o)
	}
	path := filepath.Join(dir, name)
	if err := w.Finalize(path); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return path
}

func TestSpineAddFindReplace(t *testing.T) {
	dir := t.TempDir()
	sch := testSchema(t)
	rc := refcount.New()
	s := New(rc)

	pathA := writeShard(t, dir, "a.db", sch, []uint64{1, 5, 10})
	handleA, err := s.AddHandle(pathA, sch, true)
	if err != nil {
		t.Fatalf("AddHandle a: %v", err)
	}

	pathB := writeShard(t, dir, "b.db", sch, []uint64{20, 25})
	if _, err := s.AddHandle(pathB, sch, true); err != nil {
		t.Fatalf("AddHandle b: %v", err)
	}

	found := s.FindAllShardsAndIndices(5, 0)
	if len(found) != 1 || found[0].Handle.Filename != pathA {
		t.Fatalf("FindAllShardsAndIndices(5) = %+v", found)
	}
	if found[0].RowIdx != 1 {
		t.Fatalf("RowIdx = %d, want 1", found[0].RowIdx)
	}

	if found := s.FindAllShardsAndIndices(99, 0); len(found) != 0 {
		t.Fatalf("FindAllShardsAndIndices(99) = %+v, want none", found)
	}

	handles := s.Handles()
	if len(handles) != 2 || handles[0].Filename != pathA || handles[1].Filename != pathB {
		t.Fatalf("Handles() order = %+v", handles)
	}

	_ = handleA
	pathMerged := writeShard(t, dir, "merged.db", sch, []uint64{1, 5, 10})
	mergedHandle, err := newHandle(pathMerged, sch, true)
	if err != nil {
		t.Fatalf("newHandle: %v", err)
	}
	if err := s.ReplaceHandles([]string{pathA}, mergedHandle); err != nil {
		t.Fatalf("ReplaceHandles: %v", err)
	}

	handles = s.Handles()
	if len(handles) != 2 {
		t.Fatalf("Handles() after replace = %+v", handles)
	}
	for _, h := range handles {
		if h.Filename == pathA {
			t.Fatalf("superseded handle %s still present", pathA)
		}
	}

	if !rc.CanDelete(pathA) {
		t.Fatal("CanDelete(pathA) false after ReplaceHandles released it")
	}

	s.CloseAll()
}
