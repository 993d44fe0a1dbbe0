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

import "github.com/gnitzdb/gnitzdb/internal/gnitzerr"

// Sentinel error kinds, for errors.Is checks against anything returned by
// this package. Each is wrapped with call-site context on the way out.
var (
	// ErrLayout: a schema violated construction rules (no columns,
	// non-integer primary key, more than 64 nullable columns).
	ErrLayout = gnitzerr.ErrLayout

	// ErrMemTableFull: the active in-memory arena could not allocate, and
	// the automatic flush-and-retry also failed.
	ErrMemTableFull = gnitzerr.ErrMemTableFull

	// ErrCorruptShard: a shard file failed magic, version, or checksum
	// validation.
	ErrCorruptShard = gnitzerr.ErrCorruptShard

	// ErrStorage: generic I/O, lock contention, or a refcount invariant
	// violation.
	ErrStorage = gnitzerr.ErrStorage

	// ErrProtocol: a wire envelope violated its declared bounds.
	ErrProtocol = gnitzerr.ErrProtocol
)
