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

package shardfmt

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// region records one validated {offset, size} slice of the mapped file,
// with the checksum already verified at Open time.
type region struct {
	off  int
	size int
}

// View is a read-only, memory-mapped shard file. It owns no heap copy of
// the data beyond the mapping itself; callers obtain accessors bound
// directly into the mapping, valid for the View's lifetime.
type View struct {
	Schema *schema.Schema

	path string
	data []byte // mmap'd file contents

	rowCount     uint64
	payloadCount int
	pkTypeCode   types.Code
	flags        uint32

	colRegions []region
	pkRegion   region
	weightR    region
	blobR      region
	blob       []byte // resolved blob bytes: data[blobR] directly, or a decompressed copy

	minPKLo, minPKHi, maxPKLo, maxPKHi uint64
	minLSN, maxLSN                     uint64
}

// OpenView maps path read-only and validates its header: magic, version,
// and (if verifyChecksums is true) every region's XXH3-64 checksum.
// sch must match the schema the shard was written with; Open does not
// attempt to reconstruct a schema from the file.
func OpenView(path string, sch *schema.Schema, verifyChecksums bool) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "shardfmt.open", Path: path, Reason: err.Error()}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "shardfmt.stat", Path: path, Reason: err.Error()}
	}
	size := int(fi.Size())
	if size < fixedHeaderSize {
		return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "file shorter than fixed header"}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "shardfmt.mmap", Path: path, Reason: err.Error()}
	}

	v := &View{Schema: sch, path: path, data: data}
	if err := v.parseHeader(verifyChecksums); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return v, nil
}

func (v *View) parseHeader(verifyChecksums bool) error {
	data := v.data
	if binary.LittleEndian.Uint64(data[0:8]) != Magic {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "bad magic"}
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != FormatVersion {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "unsupported version"}
	}
	v.flags = binary.LittleEndian.Uint32(data[12:16])
	v.rowCount = binary.LittleEndian.Uint64(data[16:24])
	v.payloadCount = int(binary.LittleEndian.Uint32(data[24:28]))
	v.pkTypeCode = types.Code(data[28])

	if v.payloadCount != v.Schema.PayloadCount() {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "payload column count does not match schema"}
	}

	need := headerSize(v.payloadCount)
	if len(data) < need {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "file shorter than declared header"}
	}

	off := fixedHeaderSize
	readTriple := func() (region, uint64, error) {
		o := binary.LittleEndian.Uint64(data[off:])
		sz := binary.LittleEndian.Uint64(data[off+8:])
		cksum := binary.LittleEndian.Uint64(data[off+16:])
		off += columnTripleSize
		if int(o+sz) > len(data) {
			return region{}, 0, &gnitzerr.CorruptShardError{Path: v.path, Reason: "region out of bounds"}
		}
		r := region{off: int(o), size: int(sz)}
		if verifyChecksums {
			if xxh3.Hash(data[r.off:r.off+r.size]) != cksum {
				return region{}, 0, &gnitzerr.CorruptShardError{Path: v.path, Reason: "region checksum mismatch"}
			}
		}
		return r, cksum, nil
	}

	v.colRegions = make([]region, v.payloadCount)
	for i := 0; i < v.payloadCount; i++ {
		r, _, err := readTriple()
		if err != nil {
			return err
		}
		v.colRegions[i] = r
	}
	var err error
	if v.pkRegion, _, err = readTriple(); err != nil {
		return err
	}
	if v.weightR, _, err = readTriple(); err != nil {
		return err
	}
	if v.blobR, _, err = readTriple(); err != nil {
		return err
	}

	v.minPKLo = binary.LittleEndian.Uint64(data[off:])
	v.minPKHi = binary.LittleEndian.Uint64(data[off+8:])
	off += 16
	v.maxPKLo = binary.LittleEndian.Uint64(data[off:])
	v.maxPKHi = binary.LittleEndian.Uint64(data[off+8:])
	off += 16
	v.minLSN = binary.LittleEndian.Uint64(data[off:])
	off += 8
	v.maxLSN = binary.LittleEndian.Uint64(data[off:])
	off += 8

	expectedPKSize := v.pkTypeCode.Size()
	if v.pkRegion.size != int(v.rowCount)*expectedPKSize {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "pk region size mismatch"}
	}
	if v.weightR.size != int(v.rowCount)*8 {
		return &gnitzerr.CorruptShardError{Path: v.path, Reason: "weight region size mismatch"}
	}

	raw := data[v.blobR.off : v.blobR.off+v.blobR.size]
	if v.flags&FlagBlobCompressed != 0 {
		decoded, err := s2.Decode(nil, raw)
		if err != nil {
			return &gnitzerr.CorruptShardError{Path: v.path, Reason: "blob region decompression failed: " + err.Error()}
		}
		v.blob = decoded
	} else {
		v.blob = raw
	}
	return nil
}

// Close unmaps the file.
func (v *View) Close() error {
	if v.data == nil {
		return nil
	}
	err := unix.Munmap(v.data)
	v.data = nil
	return err
}

// Count returns the number of rows in the shard.
func (v *View) Count() int { return int(v.rowCount) }

// MinMaxPK returns the shard's PK bracket.
func (v *View) MinMaxPK() (minLo, minHi, maxLo, maxHi uint64) {
	return v.minPKLo, v.minPKHi, v.maxPKLo, v.maxPKHi
}

// MinMaxLSN returns the shard's LSN bracket.
func (v *View) MinMaxLSN() (min, max uint64) { return v.minLSN, v.maxLSN }

func (v *View) pkAt(i int) (lo, hi uint64) {
	size := v.pkTypeCode.Size()
	off := v.pkRegion.off + i*size
	lo = binary.LittleEndian.Uint64(v.data[off:])
	if size == 16 {
		hi = binary.LittleEndian.Uint64(v.data[off+8:])
	}
	return
}

// PK returns row i's primary key.
func (v *View) PK(i int) (lo, hi uint64) { return v.pkAt(i) }

// Weight returns row i's signed weight.
func (v *View) Weight(i int) int64 {
	off := v.weightR.off + i*8
	return int64(binary.LittleEndian.Uint64(v.data[off:]))
}

// rowAccessor is a zero-allocation RowAccessor over one row's columns,
// gathering each field from its own SoA region rather than a contiguous
// packed stride.
type rowAccessor struct {
	v *View
	i int
}

func (v *View) colSlot(payloadIdx, i int) (region, int) {
	col := v.Schema.Columns[v.Schema.SchemaIndex(payloadIdx)]
	slot := columnRegionSize(col)
	return v.colRegions[payloadIdx], i * slot
}

// Row returns a RowAccessor over row i's payload columns, reading directly
// out of the mapping (no copy).
func (v *View) Row(i int) rowacc.RowAccessor { return rowAccessor{v: v, i: i} }

func (a rowAccessor) col(schemaIdx int) (schema.Column, []byte) {
	payloadIdx := a.v.Schema.PayloadIndex(schemaIdx)
	col := a.v.Schema.Columns[schemaIdx]
	r, base := a.v.colSlot(payloadIdx, a.i)
	slot := columnRegionSize(col)
	return col, a.v.data[r.off+base : r.off+base+slot]
}

func (a rowAccessor) IsNull(schemaIdx int) bool {
	col, slot := a.col(schemaIdx)
	if !col.Nullable {
		return false
	}
	return slot[0] != 0
}

func (a rowAccessor) valueBytes(schemaIdx int) []byte {
	col, slot := a.col(schemaIdx)
	if col.Nullable {
		return slot[1:]
	}
	return slot
}

func (a rowAccessor) GetInt(schemaIdx int) uint64 {
	col, _ := a.col(schemaIdx)
	b := a.valueBytes(schemaIdx)
	switch col.Type.Size() {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (a rowAccessor) GetIntSigned(schemaIdx int) int64 {
	col, _ := a.col(schemaIdx)
	v := a.GetInt(schemaIdx)
	switch col.Type.Size() {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func (a rowAccessor) GetFloat(schemaIdx int) float64 {
	col, _ := a.col(schemaIdx)
	b := a.valueBytes(schemaIdx)
	if col.Type == types.F32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (a rowAccessor) GetU128(schemaIdx int) (lo, hi uint64) {
	b := a.valueBytes(schemaIdx)
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16])
}

func (a rowAccessor) GetStrStruct(schemaIdx int) rowacc.StrStruct {
	b := a.valueBytes(schemaIdx)
	length := int(binary.LittleEndian.Uint32(b[0:4]))
	prefix := binary.LittleEndian.Uint32(b[4:8])
	return rowacc.StrStruct{
		Length:      length,
		Prefix:      prefix,
		HasStruct:   true,
		StructBytes: b[0:16],
		Heap:        a.v.blob,
	}
}

// FindRowIndex returns the index of a row matching (pkLo, pkHi) via binary
// search over the PK region, or -1 if no row matches. When duplicate keys
// are present (never true within one consolidated shard, but tolerated
// defensively), the first matching index in ascending order is returned.
func (v *View) FindRowIndex(pkLo, pkHi uint64) int {
	n := int(v.rowCount)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		mLo, mHi := v.pkAt(mid)
		if less128(mLo, mHi, pkLo, pkHi) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n {
		mLo, mHi := v.pkAt(lo)
		if mLo == pkLo && mHi == pkHi {
			return lo
		}
	}
	return -1
}

// FindFirstGE returns the index of the first row whose PK is >= (pkLo,
// pkHi), or Count() if every row's PK is smaller.
func (v *View) FindFirstGE(pkLo, pkHi uint64) int {
	n := int(v.rowCount)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		mLo, mHi := v.pkAt(mid)
		if less128(mLo, mHi, pkLo, pkHi) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
