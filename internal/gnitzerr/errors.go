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

// Package gnitzerr defines the five error kinds GnitzDB surfaces. Every
// kind is a sentinel error checked with errors.Is; richer variants carry
// structured context and still unwrap to the sentinel.
package gnitzerr

import "errors"

// Sentinel error kinds.
var (
	// ErrLayout: construction-time violation of schema rules. Fatal to
	// the operation constructing the schema/row.
	ErrLayout = errors.New("gnitzdb: layout error")

	// ErrMemTableFull: the active MemTable arena cannot satisfy an
	// allocation. Recovered locally by the Engine (flush + rotate +
	// retry once); surfaces only if flushing itself fails.
	ErrMemTableFull = errors.New("gnitzdb: memtable full")

	// ErrCorruptShard: invalid magic, version, or checksum mismatch.
	// Fatal; the affected shard must not be added to the Spine.
	ErrCorruptShard = errors.New("gnitzdb: corrupt shard")

	// ErrStorage: generic I/O, lock-contention, or refcount invariant
	// violation. Fatal; surfaced to the caller.
	ErrStorage = errors.New("gnitzdb: storage error")

	// ErrProtocol: wire envelope bounds violation. Fatal to the request.
	ErrProtocol = errors.New("gnitzdb: protocol error")
)

// LayoutError carries schema-construction context.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string { return "gnitzdb: layout error: " + e.Reason }
func (e *LayoutError) Unwrap() error { return ErrLayout }

// CorruptShardError carries shard-validation context.
type CorruptShardError struct {
	Path   string
	Reason string
}

func (e *CorruptShardError) Error() string {
	return "gnitzdb: corrupt shard " + e.Path + ": " + e.Reason
}
func (e *CorruptShardError) Unwrap() error { return ErrCorruptShard }

// StorageError carries I/O/lock context.
type StorageError struct {
	Op     string
	Path   string
	Reason string
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return "gnitzdb: storage error: " + e.Op + " " + e.Path + ": " + e.Reason
	}
	return "gnitzdb: storage error: " + e.Op + ": " + e.Reason
}
func (e *StorageError) Unwrap() error { return ErrStorage }

// ProtocolError carries wire-envelope context.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "gnitzdb: protocol error: " + e.Reason }
func (e *ProtocolError) Unwrap() error { return ErrProtocol }
