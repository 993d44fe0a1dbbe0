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
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gnitzdb/gnitzdb/internal/types"
)

// CloneInto copies src's payload columns into dst by value, detaching the
// row from whatever arena or mapping backs src. Cursors that consolidate
// records across several backing stores use this to hold a stable current
// row while the underlying sources advance.
func CloneInto(sch *schema.Schema, src RowAccessor, dst *Owned) {
	dst.Reset(sch)
	sch.ForEachPayload(func(schemaIdx, _ int, col schema.Column) {
		if col.Nullable && src.IsNull(schemaIdx) {
			dst.SetNull(schemaIdx)
			return
		}
		switch {
		case col.Type == types.String:
			dst.SetString(schemaIdx, materialize(src.GetStrStruct(schemaIdx)))
		case col.Type == types.U128:
			lo, hi := src.GetU128(schemaIdx)
			dst.SetU128(schemaIdx, lo, hi)
		case col.Type.IsFloat():
			dst.SetFloat(schemaIdx, src.GetFloat(schemaIdx))
		default:
			dst.SetInt(schemaIdx, src.GetInt(schemaIdx))
		}
	})
}

// Clone is CloneInto with a freshly allocated destination.
func Clone(sch *schema.Schema, src RowAccessor) *Owned {
	o := NewOwned(sch)
	CloneInto(sch, src, o)
	return o
}
