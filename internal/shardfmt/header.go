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

// Package shardfmt implements the immutable, on-disk columnar shard file:
// a fixed header, per-column SoA regions, a blob heap, and a memory-mapped
// read-only View.
package shardfmt

// Magic is the 8-byte shard file magic, "GNITZSHD" read little-endian as a
// u64.
const Magic uint64 = 0x4448535A54494e47 // "GNITZSHD" little-endian

// FormatVersion is the current shard format version.
const FormatVersion uint32 = 1

// FlagBlobCompressed marks the blob region as S2-compressed; a plain
// shard never sets it.
const FlagBlobCompressed uint32 = 1 << 0

// regionAlign is the alignment every per-column/PK/weight/blob region is
// padded to.
const regionAlign = 64

// columnTripleSize is the width of one {offset:u64, size:u64,
// checksum:u64} triple, repeated per payload column (in schema order, PK
// skipped) plus once each for the PK, weight, and blob regions.
const columnTripleSize = 24

// fixedHeaderSize is everything before the payload-column triple array:
// magic(8) version(4) flags(4) rowCount(8) payloadColCount(4) pkTypeCode(1)
// + 3 pad.
const fixedHeaderSize = 32

// trailerFixedSize is pk/weight/blob triples (3*24) + min/max PK (u128 each,
// 16B) + min/max LSN (u64 each, 8B).
const trailerFixedSize = 3*columnTripleSize + 16 + 16 + 8 + 8

func headerSize(payloadColCount int) int {
	return fixedHeaderSize + payloadColCount*columnTripleSize + trailerFixedSize
}

func alignUp64(v int) int {
	return (v + regionAlign - 1) &^ (regionAlign - 1)
}
