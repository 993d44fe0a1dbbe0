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

// Package gnitzdb is an embeddable, incremental multiset (Z-Set)
// database. Every row carries a signed algebraic weight; inserts and
// deletions are weighted contributions that sum, and a row whose net
// weight is zero is observationally absent. This package is the public
// facade over the storage engine; the incremental streaming operators
// live in the engine internals and are not exported by this package.
package gnitzdb

import (
	"os"
	"sync"

	"github.com/gnitzdb/gnitzdb/internal/engine"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// ColumnType identifies a column's scalar type.
type ColumnType uint8

// The scalar types a column may carry. The primary key must be TypeU64 or
// TypeU128.
const (
	TypeI8     = ColumnType(types.I8)
	TypeI16    = ColumnType(types.I16)
	TypeI32    = ColumnType(types.I32)
	TypeI64    = ColumnType(types.I64)
	TypeU8     = ColumnType(types.U8)
	TypeU16    = ColumnType(types.U16)
	TypeU32    = ColumnType(types.U32)
	TypeU64    = ColumnType(types.U64)
	TypeU128   = ColumnType(types.U128)
	TypeF32    = ColumnType(types.F32)
	TypeF64    = ColumnType(types.F64)
	TypeString = ColumnType(types.String)
)

// Column declares one column of a table schema.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// DB is one open database directory: a shared write-ahead log, a shared
// manifest, and any number of tables. A mutex serializes every mutating
// call (and OpenTable, Checkpoint, Close). The read calls Weight,
// WeightU128 and CountPositive do not take it, so they are not
// synchronized with a concurrent write.
type DB struct {
	mu  sync.Mutex
	eng *engine.Engine
}

// Open opens (creating if needed) the database directory at dir. cfg may
// be nil for defaults.
func Open(dir string, cfg *Config) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	eng, err := engine.Open(cfg.engineOptions(dir))
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// OpenTable opens (or recovers) tableID with the given columns, replaying
// the table's write-ahead-log records that no published shard holds yet.
func (db *DB) OpenTable(tableID uint32, cols []Column, pkIndex int) (*Table, error) {
	scols := make([]schema.Column, len(cols))
	for i, c := range cols {
		scols[i] = schema.Column{Name: c.Name, Type: types.Code(c.Type), Nullable: c.Nullable}
	}
	sch, err := schema.New(scols, pkIndex)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.eng.OpenTable(tableID, sch)
	if err != nil {
		return nil, err
	}
	return &Table{db: db, t: t, sch: sch}, nil
}

// Checkpoint flushes every open table and truncates the write-ahead log.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.eng.Checkpoint()
}

// Close releases every table's in-memory state and the WAL writer.
// Unflushed writes are not lost: they remain in the WAL and are replayed
// on the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.eng.Close()
}

// Table is the public handle for one open table.
type Table struct {
	db  *DB
	t   *engine.Table
	sch *schema.Schema
}

// Row is a payload row under construction, bound to its table's schema.
// Column indices are schema indices; the primary-key column is passed to
// Insert/Remove separately and must not be set on the Row.
type Row struct {
	o *rowacc.Owned
}

// NewRow returns an empty row for this table's schema.
func (t *Table) NewRow() *Row {
	return &Row{o: rowacc.NewOwned(t.sch)}
}

// Reset clears the row for reuse.
func (r *Row) Reset() *Row {
	r.o.Reset(r.o.Schema)
	return r
}

// SetInt64 sets a signed integer column.
func (r *Row) SetInt64(col int, v int64) *Row { r.o.SetIntSigned(col, v); return r }

// SetUint64 sets an unsigned integer column.
func (r *Row) SetUint64(col int, v uint64) *Row { r.o.SetInt(col, v); return r }

// SetFloat64 sets a float column.
func (r *Row) SetFloat64(col int, v float64) *Row { r.o.SetFloat(col, v); return r }

// SetU128 sets a u128 column from two 64-bit words.
func (r *Row) SetU128(col int, lo, hi uint64) *Row { r.o.SetU128(col, lo, hi); return r }

// SetString sets a string column.
func (r *Row) SetString(col int, s string) *Row { r.o.SetString(col, s); return r }

// SetNull marks a nullable column NULL.
func (r *Row) SetNull(col int) *Row { r.o.SetNull(col); return r }

// Insert writes row at pk with weight +1.
func (t *Table) Insert(pk uint64, row *Row) error {
	return t.Put(pk, 1, row)
}

// Remove writes row at pk with weight -1.
func (t *Table) Remove(pk uint64, row *Row) error {
	return t.Put(pk, -1, row)
}

// Put writes row at pk with an arbitrary signed weight.
func (t *Table) Put(pk uint64, weight int64, row *Row) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.t.Put(pk, 0, weight, row.o)
}

// PutU128 is Put for tables keyed by a u128 primary key.
func (t *Table) PutU128(pkLo, pkHi uint64, weight int64, row *Row) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.t.Put(pkLo, pkHi, weight, row.o)
}

// Weight returns the net weight of the exact (pk, payload) record: the
// algebraic sum of every contribution written for it, across the
// in-memory generation and every shard. Zero means absent.
func (t *Table) Weight(pk uint64, row *Row) int64 {
	return t.t.GetWeight(pk, 0, row.o)
}

// WeightU128 is Weight for tables keyed by a u128 primary key.
func (t *Table) WeightU128(pkLo, pkHi uint64, row *Row) int64 {
	return t.t.GetWeight(pkLo, pkHi, row.o)
}

// Flush forces the table's current in-memory generation to a shard.
func (t *Table) Flush() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.eng.Flush(t.t.ID)
}

// Compact merges every live shard of the table into one, dropping rows
// whose weights net to zero.
func (t *Table) Compact() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.eng.Compact(t.t.ID)
}

// CountPositive returns the number of distinct (pk, payload) records with
// positive net weight.
func (t *Table) CountPositive() int {
	n := 0
	t.t.IterPositive(func(_, _ uint64, _ int64, _ rowacc.RowAccessor) bool {
		n++
		return true
	})
	return n
}
