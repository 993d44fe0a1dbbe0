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

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"ok with payload", OK([]byte("row bytes here"))},
		{"ok empty payload", OK(nil)},
		{"error", Error("table 7 is not open")},
		{"error with payload", Envelope{Status: StatusError, ErrorMsg: "partial", Payload: []byte{1, 2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Encode(tc.env))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Status != tc.env.Status || got.ErrorMsg != tc.env.ErrorMsg {
				t.Fatalf("round trip = %+v, want %+v", got, tc.env)
			}
			if !bytes.Equal(got.Payload, tc.env.Payload) {
				t.Fatalf("payload = %v, want %v", got.Payload, tc.env.Payload)
			}
		})
	}
}

func TestDecodeNilPayloadWhenEmpty(t *testing.T) {
	got, err := Decode(Encode(OK(nil)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Payload != nil {
		t.Fatalf("Payload = %v, want nil", got.Payload)
	}
}

func TestDecodeBoundsViolations(t *testing.T) {
	valid := Encode(Envelope{Status: StatusError, ErrorMsg: "boom", Payload: []byte("data")})

	overErrLen := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(overErrLen[1:], uint32(len(overErrLen)))

	overPayload := append([]byte(nil), valid...)
	// payload_size sits after status(1) + err_len(4) + "boom"(4).
	binary.LittleEndian.PutUint64(overPayload[9:], uint64(len(overPayload)))

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:3]},
		{"truncated before payload_size", valid[:7]},
		{"err_len past end", overErrLen},
		{"payload_size past end", overPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.buf)
			if !errors.Is(err, gnitzerr.ErrProtocol) {
				t.Fatalf("Decode: err = %v, want ErrProtocol", err)
			}
		})
	}
}
