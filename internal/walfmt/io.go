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

package walfmt

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
	"github.com/gnitzdb/gnitzdb/internal/schema"
	"github.com/gofrs/flock"
)

// Writer appends blocks to one WAL file, holding an exclusive advisory
// lock for as long as it is open so no second process can append
// concurrently.
type Writer struct {
	f      *os.File
	lock   *flock.Flock
	closed bool
}

// CreateWriter opens (creating if necessary) path for append, taking an
// exclusive advisory lock. Returns ErrStorage if the file is already
// locked by another writer.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "walfmt.open", Path: path, Reason: err.Error()}
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		f.Close()
		return nil, &gnitzerr.StorageError{Op: "walfmt.lock", Path: path, Reason: err.Error()}
	}
	if !ok {
		f.Close()
		return nil, &gnitzerr.StorageError{Op: "walfmt.lock", Path: path, Reason: "WAL file is locked by another process"}
	}
	return &Writer{f: f, lock: lock}, nil
}

// AppendBlock encodes entries as one block at lsn and writes it, fsyncing
// before returning so the block is durable once AppendBlock succeeds.
func (w *Writer) AppendBlock(lsn uint64, tableID uint32, sch *schema.Schema, entries []Entry) error {
	if w.closed {
		return &gnitzerr.StorageError{Op: "walfmt.append", Reason: "attempted to write to a closed WAL"}
	}
	buf := EncodeBlock(lsn, tableID, sch, entries)
	if _, err := w.f.Write(buf); err != nil {
		return &gnitzerr.StorageError{Op: "walfmt.write", Reason: err.Error()}
	}
	if err := w.f.Sync(); err != nil {
		return &gnitzerr.StorageError{Op: "walfmt.fsync", Reason: err.Error()}
	}
	return nil
}

// TruncateBeforeLSN discards the WAL's entire contents (whole-file
// truncation only; partial truncation at an intermediate LSN is not
// supported) after a checkpoint has made every block in the file
// recoverable from shards.
func (w *Writer) TruncateBeforeLSN(lsn uint64) error {
	if w.closed {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return &gnitzerr.StorageError{Op: "walfmt.fsync", Reason: err.Error()}
	}
	if err := w.f.Truncate(0); err != nil {
		return &gnitzerr.StorageError{Op: "walfmt.truncate", Reason: err.Error()}
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return &gnitzerr.StorageError{Op: "walfmt.seek", Reason: err.Error()}
	}
	return nil
}

// Close fsyncs, releases the advisory lock, and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	syncErr := w.f.Sync()
	unlockErr := w.lock.Unlock()
	closeErr := w.f.Close()
	if syncErr != nil {
		return &gnitzerr.StorageError{Op: "walfmt.fsync", Reason: syncErr.Error()}
	}
	if unlockErr != nil {
		return &gnitzerr.StorageError{Op: "walfmt.unlock", Reason: unlockErr.Error()}
	}
	if closeErr != nil {
		return &gnitzerr.StorageError{Op: "walfmt.close", Reason: closeErr.Error()}
	}
	return nil
}

// Reader scans a WAL file forward, one block at a time, tolerating the
// file being rotated (replaced by a new inode) underneath it.
type Reader struct {
	filename string
	f        *os.File
	lastIno  uint64
	closed   bool
}

// OpenReader opens path for reading. A missing file is not an error:
// OpenReader returns (nil, nil), matching the Engine's tolerance for a
// not-yet-created WAL on first startup.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &gnitzerr.StorageError{Op: "walfmt.open", Path: path, Reason: err.Error()}
	}
	r := &Reader{filename: path, f: f}
	if ino, err := inodeOf(f); err == nil {
		r.lastIno = ino
	}
	return r, nil
}

func (r *Reader) reopen() error {
	f, err := os.Open(r.filename)
	if err != nil {
		return err
	}
	r.f.Close()
	r.f = f
	if ino, err := inodeOf(f); err == nil {
		r.lastIno = ino
	}
	return nil
}

func (r *Reader) hasRotated() bool {
	fi, err := os.Stat(r.filename)
	if err != nil {
		return false // ENOENT (or any stat failure): treat as not rotated, next read will hit EOF
	}
	return inodeOfFileInfo(fi) != r.lastIno
}

// ReadNextBlock returns the next block, or (nil, nil) on a clean EOF — no
// partial header or body followed it. A short read after EOF that doesn't
// resolve via rotation is also treated as clean EOF (a torn final write,
// which the next append overwrites): only a checksum or declared-size
// mismatch on a block whose full bytes were read is fatal.
func (r *Reader) ReadNextBlock() (*Block, error) {
	if r.closed {
		return nil, nil
	}
	hdr := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.f, hdr)
	if n < HeaderSize {
		if r.hasRotated() {
			if err := r.reopen(); err != nil {
				return nil, &gnitzerr.StorageError{Op: "walfmt.reopen", Path: r.filename, Reason: err.Error()}
			}
			n, err = io.ReadFull(r.f, hdr)
			if n < HeaderSize {
				return nil, nil
			}
		} else {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &gnitzerr.StorageError{Op: "walfmt.read", Path: r.filename, Reason: err.Error()}
			}
			return nil, nil
		}
	}

	totalSize := binary.LittleEndian.Uint32(hdr[offTotalSize:])
	if totalSize < HeaderSize {
		return nil, &gnitzerr.CorruptShardError{Path: r.filename, Reason: "invalid WAL block size in header"}
	}

	bodySize := int(totalSize) - HeaderSize
	body := make([]byte, bodySize)
	if bodySize > 0 {
		if n, _ := io.ReadFull(r.f, body); n < bodySize {
			return nil, nil // torn trailing write; next open will overwrite this block anyway
		}
	}

	declaredChecksum := binary.LittleEndian.Uint64(hdr[offChecksum:])
	if blockChecksum(body) != declaredChecksum {
		return nil, &gnitzerr.CorruptShardError{Path: r.filename, Reason: "WAL block checksum mismatch"}
	}

	return &Block{
		LSN:           binary.LittleEndian.Uint64(hdr[offLSN:]),
		TableID:       binary.LittleEndian.Uint32(hdr[offTableID:]),
		EntryCount:    binary.LittleEndian.Uint32(hdr[offEntryCount:]),
		FormatVersion: binary.LittleEndian.Uint32(hdr[offFormatVersion:]),
		Body:          body,
	}, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
