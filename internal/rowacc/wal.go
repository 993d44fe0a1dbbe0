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

package rowacc

// WALAccessor is Packed under a name for binding it over a WAL record's
// fixed zone rather than a MemTable node or shard row. It is the same
// zero-copy binding. No code in the module refers to it by this name:
// walfmt.DecodeRecords binds a fresh Packed to each decoded record.
type WALAccessor = Packed
