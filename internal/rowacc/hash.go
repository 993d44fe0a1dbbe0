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
	"github.com/zeebo/xxh3"
)

// StableHash computes a hash of row's payload columns (PK excluded) that is
// identical regardless of which RowAccessor implementation produced the
// values — Owned, Packed, or Composite must all hash an equal row to the
// same value, since DBSP's reduce and distinct key rows by this hash
// without caring which side of a join or which buffer backs them.
//
// The buffer is built in schema-payload order: a 1-byte null flag, a pad to
// the column's natural alignment, and then type-specific content bytes
// (strings as a 4-byte length prefix plus raw content bytes, independent of
// inline-vs-heap backing; u128 as two LE u64 words; floats via
// math.Float64bits; everything else as the column's native-width raw bit
// pattern), hashed with XXH3-64 once fully assembled.
func StableHash(sch *schema.Schema, row RowAccessor) uint64 {
	buf := make([]byte, 0, 64)
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		isNull := col.Nullable && row.IsNull(schemaIdx)
		if isNull {
			buf = append(buf, 1)
			return
		}
		buf = append(buf, 0)
		buf = padHash(buf, col.Type.Align())
		switch {
		case col.Type == types.String:
			ss := row.GetStrStruct(schemaIdx)
			var lenBytes [4]byte
			binary.LittleEndian.PutUint32(lenBytes[:], uint32(ss.Length))
			buf = append(buf, lenBytes[:]...)
			buf = append(buf, strStructContent(ss)...)
		case col.Type == types.U128:
			lo, hi := row.GetU128(schemaIdx)
			var w [16]byte
			binary.LittleEndian.PutUint64(w[0:8], lo)
			binary.LittleEndian.PutUint64(w[8:16], hi)
			buf = append(buf, w[:]...)
		case col.Type.IsFloat():
			var w [8]byte
			binary.LittleEndian.PutUint64(w[:], math.Float64bits(row.GetFloat(schemaIdx)))
			buf = append(buf, w[:]...)
		default:
			v := row.GetInt(schemaIdx)
			n := col.Type.Size()
			var w [8]byte
			binary.LittleEndian.PutUint64(w[:], v)
			buf = append(buf, w[:n]...)
		}
	})
	return xxh3.Hash(buf)
}

func padHash(buf []byte, align int) []byte {
	if align <= 1 {
		return buf
	}
	rem := len(buf) % align
	if rem == 0 {
		return buf
	}
	for i := 0; i < align-rem; i++ {
		buf = append(buf, 0)
	}
	return buf
}
