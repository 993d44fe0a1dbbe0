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

// Package protocol implements GnitzDB's external RPC envelope: a single
// stateless encode/decode pair wrapping whatever payload bytes the core
// engine produces. No framing, transport, or connection handling lives
// here — the envelope is a boundary adapter only.
package protocol

import (
	"encoding/binary"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
)

// Status is the envelope's one-byte result code.
type Status uint8

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// headerFixedSize is status(1) + err_len(4) + payload_size(8), the fixed
// portion of the envelope around the variable-length error message.
const headerFixedSize = 1 + 4 + 8

// Envelope is the wire frame: status (u8), err_len (u32 LE), error_msg
// (err_len bytes), payload_size (u64 LE), payload (payload_size bytes).
type Envelope struct {
	Status   Status
	ErrorMsg string
	Payload  []byte
}

// Encode serializes e into a single contiguous buffer.
func Encode(e Envelope) []byte {
	errBytes := []byte(e.ErrorMsg)
	total := headerFixedSize + len(errBytes) + len(e.Payload)
	buf := make([]byte, total)

	off := 0
	buf[off] = byte(e.Status)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(errBytes)))
	off += 4
	copy(buf[off:], errBytes)
	off += len(errBytes)
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(e.Payload)))
	off += 8
	copy(buf[off:], e.Payload)

	return buf
}

// Decode parses buf into an Envelope, validating every length field
// against the buffer's actual size before trusting it. A payload_size of
// 0 yields a nil Payload rather than an empty-but-non-nil slice.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) < 1+4 {
		return Envelope{}, &gnitzerr.ProtocolError{Reason: "buffer shorter than status+err_len"}
	}

	off := 0
	status := Status(buf[off])
	off++
	errLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if uint64(off)+uint64(errLen)+8 > uint64(len(buf)) {
		return Envelope{}, &gnitzerr.ProtocolError{Reason: "err_len extends past buffer"}
	}
	errMsg := string(buf[off : off+int(errLen)])
	off += int(errLen)

	payloadSize := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	if uint64(off)+payloadSize > uint64(len(buf)) {
		return Envelope{}, &gnitzerr.ProtocolError{Reason: "payload_size extends past buffer"}
	}

	var payload []byte
	if payloadSize > 0 {
		payload = buf[off : off+int(payloadSize)]
	}

	return Envelope{Status: status, ErrorMsg: errMsg, Payload: payload}, nil
}

// OK builds a success envelope carrying payload.
func OK(payload []byte) Envelope {
	return Envelope{Status: StatusOK, Payload: payload}
}

// Error builds a failure envelope carrying msg and no payload.
func Error(msg string) Envelope {
	return Envelope{Status: StatusError, ErrorMsg: msg}
}
