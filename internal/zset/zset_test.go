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

package zset

import (
	"fmt"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
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

func labelRow(sch *schema.Schema, label string) *rowacc.Owned {
	o := rowacc.NewOwned(sch)
	o.SetString(1, label)
	return o
}

func TestAppendAndAccess(t *testing.T) {
	sch := testSchema(t)
	b := New(sch)
	defer b.Free()

	b.Append(5, 0, 2, labelRow(sch, "five"))
	b.Append(3, 0, -1, labelRow(sch, "a long label that needs the companion blob heap"))

	if b.Length() != 2 {
		t.Fatalf("Length = %d, want 2", b.Length())
	}
	if lo, _ := b.PK(0); lo != 5 {
		t.Errorf("PK(0) = %d, want 5", lo)
	}
	if b.Weight(1) != -1 {
		t.Errorf("Weight(1) = %d, want -1", b.Weight(1))
	}
	ss := b.GetAccessor(1).GetStrStruct(1)
	if got := string(rowacc.StrStructContent(ss)); got != "a long label that needs the companion blob heap" {
		t.Errorf("accessor label = %q", got)
	}
}

func TestSortOrdersByKeyThenPayload(t *testing.T) {
	sch := testSchema(t)
	b := New(sch)
	defer b.Free()

	b.Append(2, 0, 1, labelRow(sch, "b"))
	b.Append(1, 0, 1, labelRow(sch, "z"))
	b.Append(2, 0, 1, labelRow(sch, "a"))
	b.Append(1, 0, 1, labelRow(sch, "a"))

	if b.IsSorted() {
		t.Fatal("IsSorted before Sort")
	}
	b.Sort()
	if !b.IsSorted() {
		t.Fatal("!IsSorted after Sort")
	}

	want := []struct {
		pk    uint64
		label string
	}{{1, "a"}, {1, "z"}, {2, "a"}, {2, "b"}}
	for i, w := range want {
		lo, _ := b.PK(i)
		got := string(rowacc.StrStructContent(b.GetAccessor(i).GetStrStruct(1)))
		if lo != w.pk || got != w.label {
			t.Errorf("slot %d = (%d, %q), want (%d, %q)", i, lo, got, w.pk, w.label)
		}
	}
}

// netWeights folds a batch into (pk, label) -> net weight, the multiset
// sum consolidation must preserve.
func netWeights(b *Batch) map[string]int64 {
	m := make(map[string]int64)
	for i := 0; i < b.Length(); i++ {
		lo, _ := b.PK(i)
		label := string(rowacc.StrStructContent(b.GetAccessor(i).GetStrStruct(1)))
		m[fmt.Sprintf("%d/%s", lo, label)] += b.Weight(i)
	}
	for k, v := range m {
		if v == 0 {
			delete(m, k)
		}
	}
	return m
}

func TestConsolidateIdentity(t *testing.T) {
	sch := testSchema(t)
	b := New(sch)
	defer b.Free()

	b.Append(1, 0, 1, labelRow(sch, "A"))
	b.Append(1, 0, 1, labelRow(sch, "A"))
	b.Append(1, 0, 1, labelRow(sch, "B"))
	b.Append(1, 0, -1, labelRow(sch, "A"))
	b.Append(2, 0, 3, labelRow(sch, "C"))
	b.Append(2, 0, -3, labelRow(sch, "C"))

	before := netWeights(b)

	b.Sort()
	b.Consolidate()

	after := netWeights(b)
	if len(before) != len(after) {
		t.Fatalf("net weights changed: before %v, after %v", before, after)
	}
	for k, v := range before {
		if after[k] != v {
			t.Errorf("net weight for %s = %d, want %d", k, after[k], v)
		}
	}

	// No zero weights, no adjacent duplicates.
	for i := 0; i < b.Length(); i++ {
		if b.Weight(i) == 0 {
			t.Errorf("slot %d has weight 0 after Consolidate", i)
		}
	}
	for i := 1; i < b.Length(); i++ {
		aLo, _ := b.PK(i - 1)
		bLo, _ := b.PK(i)
		if aLo == bLo {
			prev := string(rowacc.StrStructContent(b.GetAccessor(i - 1).GetStrStruct(1)))
			cur := string(rowacc.StrStructContent(b.GetAccessor(i).GetStrStruct(1)))
			if prev == cur {
				t.Errorf("slots %d and %d share (pk, payload) after Consolidate", i-1, i)
			}
		}
	}

	// (1,"A") net 1, (1,"B") net 1, (2,"C") pruned as a ghost.
	if b.Length() != 2 {
		t.Fatalf("Length after Consolidate = %d, want 2", b.Length())
	}
}

func TestConsolidateSortsUnsortedInput(t *testing.T) {
	sch := testSchema(t)
	b := New(sch)
	defer b.Free()

	// Appended out of order and never sorted by the caller: Consolidate
	// must sort first, or the two (2, "x") contributions would not be
	// adjacent and the ghost would survive.
	b.Append(2, 0, 1, labelRow(sch, "x"))
	b.Append(1, 0, 1, labelRow(sch, "y"))
	b.Append(2, 0, -1, labelRow(sch, "x"))

	b.Consolidate()

	if !b.IsSorted() {
		t.Fatal("!IsSorted after Consolidate of an unsorted batch")
	}
	if b.Length() != 1 {
		t.Fatalf("Length = %d, want 1", b.Length())
	}
	lo, _ := b.PK(0)
	if lo != 1 || b.Weight(0) != 1 {
		t.Fatalf("survivor = (pk %d, w %d), want (1, 1)", lo, b.Weight(0))
	}
}

func TestClearAllowsReuse(t *testing.T) {
	sch := testSchema(t)
	b := New(sch)
	defer b.Free()

	b.Append(1, 0, 1, labelRow(sch, "x"))
	b.Clear()
	if b.Length() != 0 {
		t.Fatalf("Length after Clear = %d, want 0", b.Length())
	}
	b.Append(9, 0, 4, labelRow(sch, "y"))
	if b.Length() != 1 || b.Weight(0) != 4 {
		t.Fatal("batch not reusable after Clear")
	}
	if lo, _ := b.PK(0); lo != 9 {
		t.Errorf("PK(0) = %d, want 9", lo)
	}
}
