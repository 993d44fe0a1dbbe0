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

import (
	"encoding/binary"
	"math"

	"github.com/gnitzdb/gnitzdb/internal/gstring"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// BlobAllocator places long-string content into a destination blob heap and
// returns the offset it was written at. MemTable and ShardWriter each
// implement this over their own arena/buffer.
type BlobAllocator interface {
	Allocate(content []byte) uint64
}

// HeapSize returns the number of heap bytes row will need from a
// BlobAllocator when Serialize is called for it: the sum, over string
// columns whose content exceeds gstring.ShortThreshold, of their byte
// length (non-null columns only).
func HeapSize(sch *schema.Schema, row RowAccessor) int {
	total := 0
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		if col.Type != types.String || row.IsNull(schemaIdx) {
			return
		}
		ss := row.GetStrStruct(schemaIdx)
		if ss.Length > gstring.ShortThreshold {
			total += ss.Length
		}
	})
	return total
}

// Serialize packs row's payload columns into dst (a RowHeaderSize+stride
// byte buffer) per sch's layout, allocating long-string content through
// alloc. dst's null word is written from row.IsNull for every nullable
// column.
func Serialize(sch *schema.Schema, row RowAccessor, dst []byte, alloc BlobAllocator) {
	var nullWord uint64
	sch.ForEachPayload(func(schemaIdx, payloadIdx int, col schema.Column) {
		isNull := col.Nullable && row.IsNull(schemaIdx)
		if isNull {
			nullWord |= uint64(1) << uint(payloadIdx)
		}
		off := RowHeaderSize + col.Offset()
		if isNull {
			return // leave field bytes zeroed; value is meaningless when null
		}
		switch {
		case col.Type == types.String:
			ss := row.GetStrStruct(schemaIdx)
			content := strStructContent(ss)
			if len(content) > gstring.ShortThreshold {
				heapOff := alloc.Allocate(content)
				gstring.Pack(dst[off:off+16], string(content), heapOff)
			} else {
				gstring.Pack(dst[off:off+16], string(content), 0)
			}
		case col.Type == types.U128:
			lo, hi := row.GetU128(schemaIdx)
			binary.LittleEndian.PutUint64(dst[off:], lo)
			binary.LittleEndian.PutUint64(dst[off+8:], hi)
		case col.Type.IsFloat():
			v := row.GetFloat(schemaIdx)
			if col.Type == types.F32 {
				binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(float32(v)))
			} else {
				binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(v))
			}
		default:
			writeIntField(dst, off, col.Type.Size(), row.GetInt(schemaIdx))
		}
	})
	binary.LittleEndian.PutUint64(dst[0:8], nullWord)
}

// strStructContent returns the content bytes of a StrStruct, resolving
// through gstring when the value is struct-backed.
func strStructContent(ss StrStruct) []byte {
	if !ss.HasStruct {
		return []byte(ss.Owned)
	}
	return []byte(gstring.Resolve(ss.StructBytes, ss.Heap))
}

// StrStructContent is the exported form of strStructContent, for callers
// outside the package (shardfmt's columnar writer, walfmt's record codec)
// that need a string column's raw content bytes without committing to a
// particular backing representation.
func StrStructContent(ss StrStruct) []byte { return strStructContent(ss) }

func writeIntField(dst []byte, off, size int, v uint64) {
	switch size {
	case 1:
		dst[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(dst[off:], v)
	}
}

// Deserialize fully materializes a packed row into a fresh Owned, resolving
// any long-string content against heap. Used by the public facade's read
// path, where callers need an accessor independent of the underlying
// shard/memtable's lifetime.
func Deserialize(sch *schema.Schema, row []byte, heap []byte) *Owned {
	o := NewOwned(sch)
	p := NewPacked(sch)
	p.Bind(row, heap)
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		if p.IsNull(schemaIdx) {
			o.SetNull(schemaIdx)
			return
		}
		switch {
		case col.Type == types.String:
			o.SetString(schemaIdx, materialize(p.GetStrStruct(schemaIdx)))
		case col.Type == types.U128:
			lo, hi := p.GetU128(schemaIdx)
			o.SetU128(schemaIdx, lo, hi)
		case col.Type.IsFloat():
			o.SetFloat(schemaIdx, p.GetFloat(schemaIdx))
		default:
			o.SetInt(schemaIdx, p.GetInt(schemaIdx))
		}
	})
	return o
}
