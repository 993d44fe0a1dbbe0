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

	"github.com/gnitzdb/gnitzdb/internal/arena"
	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/gstring"
	"github.com/gnitzdb/gnitzdb/internal/rowacc"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// blobCompressionThreshold is the minimum blob-heap size, in bytes, before
// Finalize bothers S2-compressing it. Small heaps aren't worth the
// region-checksum-over-compressed-bytes indirection on the read path.
const blobCompressionThreshold = 4096

// Writer accumulates rows column-by-column (true Structure-of-Arrays, one
// contiguous byte region per payload column) and a parallel PK array,
// weight array, and blob heap, then emits a single immutable shard file.
// Rows should be appended in ascending (pk, payload) order — the same
// order MemTable.Cursor and the Compactor's merge already produce — so
// min_pk/max_pk bracket the file without a second pass, but Writer itself
// does not require sortedness to compute correct bounds.
//
// A nullable payload column's region reserves one leading flag byte per
// row ahead of its natural-width value slot; a non-nullable column's
// region is exactly row_count * column_size bytes. This keeps every
// payload region self-describing without introducing a region the
// header's triple layout does not name.
type Writer struct {
	Schema *schema.Schema

	cols   [][]byte // per payload column, in schema order
	pk     []byte
	weight []byte
	blob   *arena.Arena

	rowCount     uint64
	pkSize       int
	haveAny      bool
	compressBlob bool

	minPKLo, minPKHi, maxPKLo, maxPKHi uint64
	minLSN, maxLSN                     uint64
}

// NewWriter creates an empty writer for sch.
func NewWriter(sch *schema.Schema) *Writer {
	return &Writer{
		Schema: sch,
		cols:   make([][]byte, sch.PayloadCount()),
		blob:   arena.New(1024),
		pkSize: sch.PK().Type.Size(),
	}
}

func less128(lo1, hi1, lo2, hi2 uint64) bool {
	if hi1 != hi2 {
		return hi1 < hi2
	}
	return lo1 < lo2
}

// EnableBlobCompression opts this writer into S2-compressing the blob
// heap region at Finalize time, when the uncompressed heap is at least
// blobCompressionThreshold bytes.
func (w *Writer) EnableBlobCompression() { w.compressBlob = true }

// Add appends one (pk, weight, row) record, with the LSN that last touched
// this key (used only to compute the shard's min_lsn/max_lsn bracket).
func (w *Writer) Add(pkLo, pkHi uint64, weight int64, lsn uint64, row rowacc.RowAccessor) {
	if !w.haveAny {
		w.minPKLo, w.minPKHi = pkLo, pkHi
		w.maxPKLo, w.maxPKHi = pkLo, pkHi
		w.minLSN, w.maxLSN = lsn, lsn
		w.haveAny = true
	} else {
		if less128(pkLo, pkHi, w.minPKLo, w.minPKHi) {
			w.minPKLo, w.minPKHi = pkLo, pkHi
		}
		if less128(w.maxPKLo, w.maxPKHi, pkLo, pkHi) {
			w.maxPKLo, w.maxPKHi = pkLo, pkHi
		}
		if lsn < w.minLSN {
			w.minLSN = lsn
		}
		if lsn > w.maxLSN {
			w.maxLSN = lsn
		}
	}

	var pkBuf [16]byte
	binary.LittleEndian.PutUint64(pkBuf[0:8], pkLo)
	binary.LittleEndian.PutUint64(pkBuf[8:16], pkHi)
	w.pk = append(w.pk, pkBuf[:w.pkSize]...)

	var wBuf [8]byte
	binary.LittleEndian.PutUint64(wBuf[:], uint64(weight))
	w.weight = append(w.weight, wBuf[:]...)

	w.Schema.ForEachPayload(func(schemaIdx, payloadIdx int, col schema.Column) {
		isNull := col.Nullable && row.IsNull(schemaIdx)
		if col.Nullable {
			flag := byte(0)
			if isNull {
				flag = 1
			}
			w.cols[payloadIdx] = append(w.cols[payloadIdx], flag)
		}
		size := col.Type.Size()
		if isNull {
			w.cols[payloadIdx] = append(w.cols[payloadIdx], make([]byte, size)...)
			return
		}
		var valBuf [16]byte
		switch {
		case col.Type == types.String:
			content := rowacc.StrStructContent(row.GetStrStruct(schemaIdx))
			if len(content) > gstring.ShortThreshold {
				heapOff := uint64(w.blob.Append(content))
				gstring.Pack(valBuf[:16], string(content), heapOff)
			} else {
				gstring.Pack(valBuf[:16], string(content), 0)
			}
		case col.Type == types.U128:
			lo, hi := row.GetU128(schemaIdx)
			binary.LittleEndian.PutUint64(valBuf[0:8], lo)
			binary.LittleEndian.PutUint64(valBuf[8:16], hi)
		case col.Type.IsFloat():
			if col.Type == types.F32 {
				binary.LittleEndian.PutUint32(valBuf[0:4], math.Float32bits(float32(row.GetFloat(schemaIdx))))
			} else {
				binary.LittleEndian.PutUint64(valBuf[0:8], math.Float64bits(row.GetFloat(schemaIdx)))
			}
		default:
			writeIntLE(valBuf[:8], size, row.GetInt(schemaIdx))
		}
		w.cols[payloadIdx] = append(w.cols[payloadIdx], valBuf[:size]...)
	})
	w.rowCount++
}

func writeIntLE(dst []byte, size int, v uint64) {
	switch size {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	default:
		binary.LittleEndian.PutUint64(dst, v)
	}
}

// columnRegionSize returns the byte width of one row's slot within col's
// region (the leading null-flag byte, if nullable, plus the natural size).
func columnRegionSize(col schema.Column) int {
	n := col.Type.Size()
	if col.Nullable {
		n++
	}
	return n
}

// Finalize writes the accumulated batch to path as a complete shard file:
// tmp file, fsync, rename over path, fsync the containing directory. If no
// rows were ever added, Finalize still produces a valid, empty, zero-row
// shard (callers that don't want an empty shard on disk should check
// RowCount first and skip the call, matching the Engine's flush_and_rotate
// empty-shard-unlink rule).
func (w *Writer) Finalize(path string) error {
	payloadCount := w.Schema.PayloadCount()
	hdrSize := headerSize(payloadCount)
	regionStart := alignUp64(hdrSize)

	type region struct {
		data   []byte
		offset int
	}
	regions := make([]region, 0, payloadCount+3)
	cursor := regionStart

	addRegion := func(data []byte) int {
		idx := len(regions)
		regions = append(regions, region{data: data, offset: cursor})
		cursor = alignUp64(cursor + len(data))
		return idx
	}

	blobBytes := w.blob.Bytes(0, w.blob.Len())
	var flags uint32
	if w.compressBlob && len(blobBytes) >= blobCompressionThreshold {
		blobBytes = s2.Encode(nil, blobBytes)
		flags |= FlagBlobCompressed
	}

	payloadRegionIdx := make([]int, payloadCount)
	w.Schema.ForEachPayload(func(_, payloadIdx int, _ schema.Column) {
		payloadRegionIdx[payloadIdx] = addRegion(w.cols[payloadIdx])
	})
	pkIdx := addRegion(w.pk)
	weightIdx := addRegion(w.weight)
	blobIdx := addRegion(blobBytes)

	total := cursor
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], Magic)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], FormatVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], w.rowCount)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(payloadCount))
	off += 4
	buf[off] = byte(w.Schema.PK().Type)
	off += 1 + 3 // + padding to keep the trailing triples 8-byte aligned

	writeTriple := func(r region) {
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.offset))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(len(r.data)))
		binary.LittleEndian.PutUint64(buf[off+16:], xxh3.Hash(r.data))
		off += columnTripleSize
	}

	w.Schema.ForEachPayload(func(_, payloadIdx int, _ schema.Column) {
		writeTriple(regions[payloadRegionIdx[payloadIdx]])
	})
	writeTriple(regions[pkIdx])
	writeTriple(regions[weightIdx])
	writeTriple(regions[blobIdx])

	binary.LittleEndian.PutUint64(buf[off:], w.minPKLo)
	binary.LittleEndian.PutUint64(buf[off+8:], w.minPKHi)
	off += 16
	binary.LittleEndian.PutUint64(buf[off:], w.maxPKLo)
	binary.LittleEndian.PutUint64(buf[off+8:], w.maxPKHi)
	off += 16
	binary.LittleEndian.PutUint64(buf[off:], w.minLSN)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], w.maxLSN)
	off += 8

	for _, r := range regions {
		copy(buf[r.offset:], r.data)
	}

	return atomicWriteFile(path, buf)
}

func atomicWriteFile(path string, buf []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &gnitzerr.StorageError{Op: "shardfmt.create", Path: tmp, Reason: err.Error()}
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return &gnitzerr.StorageError{Op: "shardfmt.write", Path: tmp, Reason: err.Error()}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &gnitzerr.StorageError{Op: "shardfmt.fsync", Path: tmp, Reason: err.Error()}
	}
	if err := f.Close(); err != nil {
		return &gnitzerr.StorageError{Op: "shardfmt.close", Path: tmp, Reason: err.Error()}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &gnitzerr.StorageError{Op: "shardfmt.rename", Path: path, Reason: err.Error()}
	}
	dir, err := os.Open(dirOf(path))
	if err != nil {
		return &gnitzerr.StorageError{Op: "shardfmt.opendir", Path: path, Reason: err.Error()}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &gnitzerr.StorageError{Op: "shardfmt.fsyncdir", Path: path, Reason: err.Error()}
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// RowCount reports how many rows have been added so far.
func (w *Writer) RowCount() uint64 { return w.rowCount }

// MinMaxPK returns the accumulated PK bracket. Only meaningful if
// RowCount() > 0.
func (w *Writer) MinMaxPK() (minLo, minHi, maxLo, maxHi uint64) {
	return w.minPKLo, w.minPKHi, w.maxPKLo, w.maxPKHi
}
