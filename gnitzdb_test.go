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

package gnitzdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func labelColumns() []Column {
	return []Column{
		{Name: "id", Type: TypeU64},
		{Name: "label", Type: TypeString},
	}
}

func TestInsertRemoveWeight(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tbl, err := db.OpenTable(1, labelColumns(), 0)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	a := tbl.NewRow().SetString(1, "A")
	b := tbl.NewRow().SetString(1, "B")

	for _, step := range []struct {
		row *Row
		w   int64
	}{{a, 1}, {a, 1}, {b, 1}, {a, -1}} {
		if err := tbl.Put(1, step.w, step.row); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if got := tbl.Weight(1, a); got != 1 {
		t.Errorf("Weight(1, A) = %d, want 1", got)
	}
	if got := tbl.Weight(1, b); got != 1 {
		t.Errorf("Weight(1, B) = %d, want 1", got)
	}
	if got := tbl.CountPositive(); got != 2 {
		t.Errorf("CountPositive = %d, want 2", got)
	}
}

func TestReopenRecovers(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tbl, err := db.OpenTable(1, labelColumns(), 0)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := tbl.Insert(7, tbl.NewRow().SetString(1, "seven")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tbl.Insert(8, tbl.NewRow().SetString(1, "eight")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	tbl2, err := db2.OpenTable(1, labelColumns(), 0)
	if err != nil {
		t.Fatalf("reopen OpenTable: %v", err)
	}
	if got := tbl2.Weight(7, tbl2.NewRow().SetString(1, "seven")); got != 1 {
		t.Errorf("Weight(7) = %d, want 1", got)
	}
	if got := tbl2.Weight(8, tbl2.NewRow().SetString(1, "eight")); got != 1 {
		t.Errorf("Weight(8) = %d, want 1", got)
	}
}

func TestOpenTableRejectsBadSchema(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = db.OpenTable(1, []Column{
		{Name: "id", Type: TypeString},
		{Name: "v", Type: TypeI64},
	}, 0)
	if !errors.Is(err, ErrLayout) {
		t.Fatalf("OpenTable with string PK: err = %v, want ErrLayout", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnitz.yaml")
	body := "memtableArenaBytes: 65536\nvalidateChecksums: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MemTableArenaBytes != 65536 {
		t.Errorf("MemTableArenaBytes = %d, want 65536", cfg.MemTableArenaBytes)
	}
	if !cfg.ValidateChecksums {
		t.Error("ValidateChecksums = false, want true")
	}

	db, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open with config: %v", err)
	}
	db.Close()
}
