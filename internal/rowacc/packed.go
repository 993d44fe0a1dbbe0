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

	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// Packed is a zero-copy RowAccessor bound directly to a raw row buffer: an
// 8-byte little-endian null bitset followed by Schema.Stride() payload
// bytes laid out per Column.Offset. This is the MemTable node payload, the
// WAL record payload, and a shard's per-row byte region all at once — the
// same layout the whole storage path shares.
//
// A Packed is also reused as the WAL-replay / reduce-argsort accessor: call
// Bind repeatedly to rebind it over successive rows without allocating.
type Packed struct {
	Schema *schema.Schema
	row    []byte // nullWord(8) + payload[stride]
	heap   []byte
}

// RowHeaderSize is the fixed null-bitset prefix of a packed row buffer.
const RowHeaderSize = 8

// NewPacked returns an unbound Packed accessor for sch; call Bind before use.
func NewPacked(sch *schema.Schema) *Packed {
	return &Packed{Schema: sch}
}

// Bind rebinds p to row (a RowHeaderSize+Schema.Stride()-byte buffer) and
// heap (the blob heap long string offsets are relative to).
func (p *Packed) Bind(row []byte, heap []byte) {
	p.row = row
	p.heap = heap
}

// Row returns the bound raw row buffer.
func (p *Packed) Row() []byte { return p.row }

func (p *Packed) nullWord() uint64 {
	return binary.LittleEndian.Uint64(p.row[0:8])
}

func (p *Packed) IsNull(col int) bool {
	if col == p.Schema.PKIndex {
		return false
	}
	c := p.Schema.Columns[col]
	if !c.Nullable {
		return false
	}
	return p.nullWord()&(uint64(1)<<uint(p.Schema.PayloadIndex(col))) != 0
}

func (p *Packed) fieldOff(col int) int {
	return RowHeaderSize + p.Schema.Columns[col].Offset()
}

func (p *Packed) GetInt(col int) uint64 {
	off := p.fieldOff(col)
	switch p.Schema.Columns[col].Type.Size() {
	case 1:
		return uint64(p.row[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p.row[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p.row[off:]))
	default:
		return binary.LittleEndian.Uint64(p.row[off:])
	}
}

func (p *Packed) GetIntSigned(col int) int64 {
	switch p.Schema.Columns[col].Type.Size() {
	case 1:
		return int64(int8(p.GetInt(col)))
	case 2:
		return int64(int16(p.GetInt(col)))
	case 4:
		return int64(int32(p.GetInt(col)))
	default:
		return int64(p.GetInt(col))
	}
}

func (p *Packed) GetFloat(col int) float64 {
	off := p.fieldOff(col)
	if p.Schema.Columns[col].Type == types.F32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p.row[off:])))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p.row[off:]))
}

func (p *Packed) GetU128(col int) (lo, hi uint64) {
	off := p.fieldOff(col)
	lo = binary.LittleEndian.Uint64(p.row[off:])
	hi = binary.LittleEndian.Uint64(p.row[off+8:])
	return
}

func (p *Packed) GetStrStruct(col int) StrStruct {
	off := p.fieldOff(col)
	sp := p.row[off : off+gstringWidth]
	return StrStruct{
		Length:      int(binary.LittleEndian.Uint32(sp[0:4])),
		Prefix:      binary.LittleEndian.Uint32(sp[4:8]),
		HasStruct:   true,
		StructBytes: sp,
		Heap:        p.heap,
	}
}

// SetInt writes an integer column's raw bit pattern and clears its null bit.
func (p *Packed) SetInt(col int, v uint64) {
	off := p.fieldOff(col)
	switch p.Schema.Columns[col].Type.Size() {
	case 1:
		p.row[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(p.row[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(p.row[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(p.row[off:], v)
	}
	p.clearNull(col)
}

// SetFloat writes a float column's value and clears its null bit.
func (p *Packed) SetFloat(col int, v float64) {
	off := p.fieldOff(col)
	if p.Schema.Columns[col].Type == types.F32 {
		binary.LittleEndian.PutUint32(p.row[off:], math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(p.row[off:], math.Float64bits(v))
	}
	p.clearNull(col)
}

// SetU128 writes a u128 column's value and clears its null bit.
func (p *Packed) SetU128(col int, lo, hi uint64) {
	off := p.fieldOff(col)
	binary.LittleEndian.PutUint64(p.row[off:], lo)
	binary.LittleEndian.PutUint64(p.row[off+8:], hi)
	p.clearNull(col)
}

// SetStrStruct writes a pre-packed 16-byte German string struct into the
// row's string-column slot and clears its null bit. The caller is
// responsible for having placed any long-string content on the heap this
// Packed is bound to.
func (p *Packed) SetStrStruct(col int, structBytes []byte) {
	off := p.fieldOff(col)
	copy(p.row[off:off+gstringWidth], structBytes)
	p.clearNull(col)
}

// SetNull sets col's null bit.
func (p *Packed) SetNull(col int) {
	nw := p.nullWord()
	nw |= uint64(1) << uint(p.Schema.PayloadIndex(col))
	binary.LittleEndian.PutUint64(p.row[0:8], nw)
}

func (p *Packed) clearNull(col int) {
	if !p.Schema.Columns[col].Nullable {
		return
	}
	nw := p.nullWord()
	nw &^= uint64(1) << uint(p.Schema.PayloadIndex(col))
	binary.LittleEndian.PutUint64(p.row[0:8], nw)
}

const gstringWidth = 16
