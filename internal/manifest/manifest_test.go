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

package manifest

import (
	"path/filepath"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{TableID: 1, MinKeyLo: 1, MaxKeyLo: 100, MinLSN: 1, MaxLSN: 50, ShardFilename: "shard-a.db"},
		{TableID: 1, MinKeyLo: 101, MaxKeyLo: 200, MinLSN: 51, MaxLSN: 90, ShardFilename: "shard-b.db"},
	}
}

func TestManagerPublishAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "MANIFEST"))

	if m.Exists() {
		t.Fatal("Exists() true before first publish")
	}
	if err := m.PublishNewVersion(testEntries(), 90); err != nil {
		t.Fatalf("PublishNewVersion: %v", err)
	}
	if !m.Exists() {
		t.Fatal("Exists() false after publish")
	}

	r, err := m.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if r.GlobalMaxLSN != 90 {
		t.Fatalf("GlobalMaxLSN = %d, want 90", r.GlobalMaxLSN)
	}
	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].ShardFilename != "shard-a.db" || entries[1].ShardFilename != "shard-b.db" {
		t.Fatalf("unexpected filenames: %+v", entries)
	}
	if entries[1].MinKeyLo != 101 || entries[1].MaxKeyLo != 200 {
		t.Fatalf("unexpected key bracket: %+v", entries[1])
	}
}

func TestManagerPublishReplacesVersion(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "MANIFEST"))

	if err := m.PublishNewVersion(testEntries(), 90); err != nil {
		t.Fatalf("PublishNewVersion (v1): %v", err)
	}
	r1, err := m.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent (v1): %v", err)
	}

	replacement := []Entry{{TableID: 1, MinKeyLo: 1, MaxKeyLo: 200, MinLSN: 1, MaxLSN: 90, ShardFilename: "compacted.db"}}
	if err := m.PublishNewVersion(replacement, 120); err != nil {
		t.Fatalf("PublishNewVersion (v2): %v", err)
	}

	changed, err := r1.HasChanged()
	if err != nil {
		t.Fatalf("HasChanged: %v", err)
	}
	if !changed {
		t.Fatal("HasChanged() false after a new version was published")
	}

	r2, err := m.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent (v2): %v", err)
	}
	if r2.GlobalMaxLSN != 120 {
		t.Fatalf("GlobalMaxLSN = %d, want 120", r2.GlobalMaxLSN)
	}
	if len(r2.Entries()) != 1 || r2.Entries()[0].ShardFilename != "compacted.db" {
		t.Fatalf("unexpected v2 entries: %+v", r2.Entries())
	}
}

func TestManagerWithMAC(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "MANIFEST"))
	m.UseMAC([]byte("0123456789abcdef0123456789abcdef"))

	if err := m.PublishNewVersion(testEntries(), 90); err != nil {
		t.Fatalf("PublishNewVersion: %v", err)
	}
	r, err := m.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if len(r.Entries()) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(r.Entries()))
	}

	m2 := NewManager(filepath.Join(dir, "MANIFEST"))
	m2.UseMAC([]byte("different-key-different-key-diff"))
	if _, err := m2.LoadCurrent(); err == nil {
		t.Fatal("LoadCurrent succeeded with wrong MAC key, want error")
	}
}

func TestEntriesForTable(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "MANIFEST"))
	entries := append(testEntries(), Entry{TableID: 2, MinKeyLo: 1, MaxKeyLo: 5, ShardFilename: "other-table.db"})
	if err := m.PublishNewVersion(entries, 90); err != nil {
		t.Fatalf("PublishNewVersion: %v", err)
	}
	r, err := m.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if got := r.EntriesForTable(2); len(got) != 1 || got[0].ShardFilename != "other-table.db" {
		t.Fatalf("EntriesForTable(2) = %+v", got)
	}
	if got := r.EntriesForTable(1); len(got) != 2 {
		t.Fatalf("EntriesForTable(1) = %+v, want 2 entries", got)
	}
}
