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

// Integrate is the sole sink of the algebra: it folds a delta batch into a
// persistent Trace, running sum style. Every stateful operator (distinct,
// join, reduce) reads its history through a Trace and relies on its own
// caller to Integrate the deltas it produces back into one — Integrate is
// what ties a stream of deltas to the table that remembers them.
func Integrate(delta Batch, into Trace) error {
	return into.IngestBatch(delta)
}
