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

package dbsp

// Distinct turns a multiset delta into the corresponding set delta: for
// every (key, payload) pair touched by delta, it compares the presence
// indicator (sign_clip of the weight) before and after delta is applied
// and emits only the difference. history is the table distinct reads the
// pre-delta net weight from; the caller is responsible for folding delta
// into history afterward via Integrate, same as every other stateful
// operator in this package.
//
// delta is sorted and consolidated in place first so that multiple writes
// to the same (key, payload) within one tick are combined before
// sign_clip is applied — sign_clip(+1) then sign_clip(-1) on two separate
// rows would wrongly look like two distinct transitions instead of one
// net no-op.
func Distinct(delta Batch, history Trace, out Batch) {
	delta.Sort()
	delta.Consolidate()

	n := delta.Length()
	for i := 0; i < n; i++ {
		lo, hi := delta.PK(i)
		dw := delta.Weight(i)
		acc := delta.GetAccessor(i)

		oldW := history.GetWeight(lo, hi, acc)
		newW := oldW + dw

		transition := signClip(newW) - signClip(oldW)
		if transition != 0 {
			out.Append(lo, hi, transition, acc)
		}
	}
}
