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

// Package types describes the scalar column types GnitzDB rows can carry
// and their natural size/alignment, as laid out by a row's Schema.
package types

import "fmt"

// Code identifies a column's scalar type.
type Code uint8

const (
	I8 Code = iota
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	U128
	F32
	F64
	String
)

func (c Code) String() string {
	switch c {
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case U128:
		return "u128"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case String:
		return "string"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// StringWidth is the fixed on-the-wire width of a packed German string
// struct: 4-byte length, 4-byte prefix, 8-byte inline-suffix-or-heap-offset.
const StringWidth = 16

// Size returns the natural in-row size, in bytes, of a value of this type.
func (c Code) Size() int {
	switch c {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	case U128:
		return 16
	case String:
		return StringWidth
	default:
		panic(fmt.Sprintf("types: unknown code %d", uint8(c)))
	}
}

// Align returns the natural alignment, in bytes, required for a value of
// this type within a packed row. Strings align like an 8-byte field
// (their trailing 8 bytes may hold a pointer-width heap offset).
func (c Code) Align() int {
	switch c {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64, String:
		return 8
	case U128:
		return 16
	default:
		panic(fmt.Sprintf("types: unknown code %d", uint8(c)))
	}
}

// IsInteger reports whether c is one of the fixed-width integer types
// (signed, unsigned, or u128). A primary-key column must be IsInteger and
// not signed.
func (c Code) IsInteger() bool {
	switch c {
	case I8, I16, I32, I64, U8, U16, U32, U64, U128:
		return true
	default:
		return false
	}
}

// IsUnsignedInteger reports whether c is an unsigned integer type.
func (c Code) IsUnsignedInteger() bool {
	switch c {
	case U8, U16, U32, U64, U128:
		return true
	default:
		return false
	}
}

// IsFloat reports whether c is f32 or f64.
func (c Code) IsFloat() bool {
	return c == F32 || c == F64
}

// MaxAlignment is the largest alignment any column type can require; every
// row stride is padded up to a multiple of this value (and at least this
// value).
const MaxAlignment = 16
