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

package walfmt

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

func lsnOf(buf []byte) uint64           { return binary.LittleEndian.Uint64(buf[offLSN:]) }
func tableIDOf(buf []byte) uint32       { return binary.LittleEndian.Uint32(buf[offTableID:]) }
func entryCountOf(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf[offEntryCount:]) }
func formatVersionOf(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offFormatVersion:]) }
func checksumOf(buf []byte) uint64      { return binary.LittleEndian.Uint64(buf[offChecksum:]) }

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.New([]schema.Column{
		{Name: "id", Type: types.U64},
		{Name: "label", Type: types.String, Nullable: true},
		{Name: "score", Type: types.F64},
	}, 0)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return sch
}

func testEntry(sch *schema.Schema, pk uint64, weight int64, label string, score float64) Entry {
	o := rowacc.NewOwned(sch)
	if label == "" {
		o.SetNull(1)
	} else {
		o.SetString(1, label)
	}
	o.SetFloat(2, score)
	return Entry{PKLo: pk, Weight: weight, Row: o}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sch := testSchema(t)
	entries := []Entry{
		testEntry(sch, 1, 1, "short", 1.5),
		testEntry(sch, 2, -1, "a string long enough to spill into the trailing blob area", 2.5),
		testEntry(sch, 3, 4, "", -3.0),
	}

	buf := EncodeBlock(42, 7, sch, entries)

	block := &Block{
		LSN:           lsnOf(buf),
		TableID:       tableIDOf(buf),
		EntryCount:    entryCountOf(buf),
		FormatVersion: formatVersionOf(buf),
		Body:          buf[HeaderSize:],
	}
	if block.LSN != 42 || block.TableID != 7 || block.EntryCount != 3 {
		t.Fatalf("header mismatch: %+v", block)
	}
	if blockChecksum(block.Body) != checksumOf(buf) {
		t.Fatalf("checksum mismatch")
	}

	decoded, err := DecodeRecords(sch, block)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(decoded), len(entries))
	}
	for i, e := range entries {
		got := decoded[i]
		if got.PKLo != e.PKLo || got.Weight != e.Weight {
			t.Errorf("entry %d: got pk=%d weight=%d, want pk=%d weight=%d", i, got.PKLo, got.Weight, e.PKLo, e.Weight)
		}
		wantRow := e.Row.(*rowacc.Owned)
		wantNull := wantRow.IsNull(1)
		if got.Row.IsNull(1) != wantNull {
			t.Errorf("entry %d: IsNull mismatch", i)
		}
		if !wantNull {
			gotContent := string(rowacc.StrStructContent(got.Row.GetStrStruct(1)))
			wantContent := string(rowacc.StrStructContent(wantRow.GetStrStruct(1)))
			if gotContent != wantContent {
				t.Errorf("entry %d: label = %q, want %q", i, gotContent, wantContent)
			}
		}
		if got.Row.GetFloat(2) != wantRow.GetFloat(2) {
			t.Errorf("entry %d: score mismatch", i)
		}
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	sch := testSchema(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}

	blocks := [][]Entry{
		{testEntry(sch, 1, 1, "first", 1.0)},
		{testEntry(sch, 2, 1, "second block entry", 2.0), testEntry(sch, 3, -1, "", 3.0)},
	}
	for i, entries := range blocks {
		if err := w.AppendBlock(uint64(i+1), 5, sch, entries); err != nil {
			t.Fatalf("AppendBlock: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r == nil {
		t.Fatal("OpenReader returned nil for an existing file")
	}
	defer r.Close()

	var got []*Block
	for {
		b, err := r.ReadNextBlock()
		if err != nil {
			t.Fatalf("ReadNextBlock: %v", err)
		}
		if b == nil {
			break
		}
		got = append(got, b)
	}
	if len(got) != len(blocks) {
		t.Fatalf("read %d blocks, want %d", len(got), len(blocks))
	}
	for i, b := range got {
		if b.LSN != uint64(i+1) || b.TableID != 5 {
			t.Errorf("block %d: LSN=%d TableID=%d", i, b.LSN, b.TableID)
		}
		entries, err := DecodeRecords(sch, b)
		if err != nil {
			t.Fatalf("DecodeRecords(block %d): %v", i, err)
		}
		if len(entries) != len(blocks[i]) {
			t.Errorf("block %d: got %d entries, want %d", i, len(entries), len(blocks[i]))
		}
	}
}

func TestOpenReaderMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenReader(filepath.Join(dir, "does-not-exist.wal"))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r != nil {
		t.Fatal("OpenReader should return nil reader for a missing file")
	}
}

func TestCreateWriterRejectsSecondLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.wal")

	w1, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter (first): %v", err)
	}
	defer w1.Close()

	if _, err := CreateWriter(path); err == nil {
		t.Fatal("second CreateWriter on a locked WAL should fail")
	}
}

func TestTruncateBeforeLSN(t *testing.T) {
	sch := testSchema(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc.wal")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.AppendBlock(1, 1, sch, []Entry{testEntry(sch, 1, 1, "x", 1.0)}); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if err := w.TruncateBeforeLSN(2); err != nil {
		t.Fatalf("TruncateBeforeLSN: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	b, err := r.ReadNextBlock()
	if err != nil {
		t.Fatalf("ReadNextBlock: %v", err)
	}
	if b != nil {
		t.Fatal("expected no blocks after truncation")
	}
}
