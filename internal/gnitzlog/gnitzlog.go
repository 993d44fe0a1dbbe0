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

// Package gnitzlog is a minimal structured-logging callback, the same
// shape as Sneller's GCConfig.Logf field: a format string plus args,
// defaulting to a silent no-op when unset.
package gnitzlog

// Func is the logging callback shape every component that wants to log
// accepts: a printf-style format string and its arguments.
type Func func(format string, args ...any)

// Logger wraps an optional Func, calling through to it when set and
// otherwise discarding the message. The zero value is a silent logger.
type Logger struct {
	Fn Func
}

// Logf logs through the wrapped Func, if any.
func (l Logger) Logf(format string, args ...any) {
	if l.Fn != nil {
		l.Fn(format, args...)
	}
}

// Nop is a Logger that discards everything.
var Nop = Logger{}
