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

// Package walfmt implements GnitzDB's write-ahead log: a sequence of
// checksummed, variable-length blocks, one per flush-eligible write batch,
// each block belonging to a single table.
package walfmt

import (
	"encoding/binary"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/gstring"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
	"github.com/zeebo/xxh3"
)

// Block header byte offsets.
const (
	offLSN           = 0
	offTableID       = 8
	offEntryCount    = 12
	offTotalSize     = 16
	offFormatVersion = 20
	offChecksum      = 24
	HeaderSize       = 32
)

// FormatVersionCurrent is the only record-body layout this package writes
// or understands.
const FormatVersionCurrent uint32 = 1

// Per-record fixed-zone byte offsets: pk(u128)@0, weight(i64)@16,
// null_word(u64)@24, payload(stride)@32, then this record's own trailing
// blob bytes.
const (
	recPKOffset     = 0
	recWeightOffset = 16
	recNullOffset   = 24
	recPayloadBase  = 32
	recFixedSize    = recPayloadBase // before + stride + trailing blobs
)

// Entry is one record: a primary key, a signed weight, and the row it
// carries. For an encoded entry, Row may be any RowAccessor (Owned,
// Packed, ...). For a decoded entry, Row is a *rowacc.Packed bound
// directly into the block's body bytes — valid only as long as the
// enclosing Block is retained.
type Entry struct {
	PKLo, PKHi uint64
	Weight     int64
	Row        rowacc.RowAccessor
}

// Block is one undecoded WAL block: header fields plus raw body bytes
// (already checksum-validated by Reader). Decoding record contents
// requires the schema for TableID, which the reader does not know —
// callers (the Engine, which tracks table_id -> schema) call DecodeRecords
// once they recognize the table.
type Block struct {
	LSN           uint64
	TableID       uint32
	EntryCount    uint32
	FormatVersion uint32
	Body          []byte
}

func blockChecksum(body []byte) uint64 { return xxh3.Hash(body) }

// EncodeBlock serializes entries (all belonging to table tableID, typed by
// sch) into one complete block, including its 32-byte header. Every
// string column's long content is placed in that record's own trailing
// blob area, with packed heap offsets relative to the start of that area,
// not shared across records.
func EncodeBlock(lsn uint64, tableID uint32, sch *schema.Schema, entries []Entry) []byte {
	stride := sch.Stride()
	recordZone := recFixedSize + stride

	offsets := make([]int, len(entries))
	blobSizes := make([]int, len(entries))
	bodySize := 0
	for i, e := range entries {
		offsets[i] = bodySize
		blobSizes[i] = rowacc.HeapSize(sch, e.Row)
		bodySize += recordZone + blobSizes[i]
	}

	total := HeaderSize + bodySize
	buf := make([]byte, total)

	for i, e := range entries {
		recOff := HeaderSize + offsets[i]
		binary.LittleEndian.PutUint64(buf[recOff+recPKOffset:], e.PKLo)
		binary.LittleEndian.PutUint64(buf[recOff+recPKOffset+8:], e.PKHi)
		binary.LittleEndian.PutUint64(buf[recOff+recWeightOffset:], uint64(e.Weight))

		blobBase := recOff + recFixedSize + stride
		alloc := &recordBlobAlloc{buf: buf, base: blobBase}
		rowacc.Serialize(sch, e.Row, buf[recOff+recNullOffset:recOff+recNullOffset+8+stride], alloc)
	}

	binary.LittleEndian.PutUint64(buf[offLSN:], lsn)
	binary.LittleEndian.PutUint32(buf[offTableID:], tableID)
	binary.LittleEndian.PutUint32(buf[offEntryCount:], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[offTotalSize:], uint32(total))
	binary.LittleEndian.PutUint32(buf[offFormatVersion:], FormatVersionCurrent)
	binary.LittleEndian.PutUint64(buf[offChecksum:], blockChecksum(buf[HeaderSize:]))

	return buf
}

// recordBlobAlloc places long-string content starting at base within the
// shared block buffer, handing back offsets relative to base (this
// record's own trailing blob area), per rowacc.BlobAllocator.
type recordBlobAlloc struct {
	buf  []byte
	base int
	next int
}

func (r *recordBlobAlloc) Allocate(content []byte) uint64 {
	off := r.next
	copy(r.buf[r.base+off:], content)
	r.next += len(content)
	return uint64(off)
}

// DecodeRecords parses block's body into EntryCount records typed by sch.
// Each decoded Entry's Row is a *rowacc.Packed bound to that record's own
// null-word+payload slice and its own trailing blob slice.
func DecodeRecords(sch *schema.Schema, block *Block) ([]Entry, error) {
	stride := sch.Stride()
	recordZone := recFixedSize + stride

	entries := make([]Entry, 0, block.EntryCount)
	off := 0
	for i := uint32(0); i < block.EntryCount; i++ {
		if off+recordZone > len(block.Body) {
			return nil, &gnitzerr.CorruptShardError{Path: "<wal>", Reason: "record extends past block body"}
		}
		rec := block.Body[off:]
		pkLo := binary.LittleEndian.Uint64(rec[recPKOffset:])
		pkHi := binary.LittleEndian.Uint64(rec[recPKOffset+8:])
		weight := int64(binary.LittleEndian.Uint64(rec[recWeightOffset:]))

		payload := rec[recNullOffset : recNullOffset+8+stride]
		p := rowacc.NewPacked(sch)
		p.Bind(payload, nil)
		heapLen := blobRegionLen(sch, p)

		blobStart := off + recordZone
		if blobStart+heapLen > len(block.Body) {
			return nil, &gnitzerr.CorruptShardError{Path: "<wal>", Reason: "record trailing blob extends past block body"}
		}
		p.Bind(payload, block.Body[blobStart:blobStart+heapLen])
		entries = append(entries, Entry{PKLo: pkLo, PKHi: pkHi, Weight: weight, Row: p})

		off = blobStart + heapLen
	}
	return entries, nil
}

// blobRegionLen sums the trailing-blob bytes a just-bound record actually
// consumed: the content length of every non-null long string column.
func blobRegionLen(sch *schema.Schema, p *rowacc.Packed) int {
	total := 0
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		if col.Type != types.String || p.IsNull(schemaIdx) {
			return
		}
		ss := p.GetStrStruct(schemaIdx)
		if ss.Length > gstring.ShortThreshold {
			total += ss.Length
		}
	})
	return total
}
