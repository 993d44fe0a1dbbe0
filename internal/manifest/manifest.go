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

// Package manifest implements GnitzDB's manifest: the authoritative,
// atomically-published list of live shards for a table.
package manifest

import (
	"encoding/binary"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
)

// Magic is the manifest file's fixed magic number.
const Magic uint64 = 0x4D414E49464E5447

// Version is the manifest format version this package reads and writes.
const Version uint64 = 2

const (
	headerSize = 64
	entrySize  = 184

	offMagic         = 0
	offVersion       = 8
	offEntryCount    = 16
	offGlobalMaxLSN  = 24
	offFlags         = 32

	entryOffTableID  = 0
	entryOffMinKey   = 8
	entryOffMaxKey   = 24
	entryOffMinLSN   = 40
	entryOffMaxLSN   = 48
	entryOffFilename = 56
	filenameMaxLen   = 128

	// flagHasMAC marks that a 32-byte BLAKE2b-256 MAC of the header+entries
	// follows the fixed entry array.
	flagHasMAC uint64 = 1 << 0
	macSize           = 32
)

// Entry describes one live shard: which table it belongs to, its PK
// bracket, its LSN bracket, and its filename.
type Entry struct {
	TableID            uint32
	MinKeyLo, MinKeyHi uint64
	MaxKeyLo, MaxKeyHi uint64
	MinLSN, MaxLSN     uint64
	ShardFilename      string
}

func writeEntry(buf []byte, e Entry) {
	binary.LittleEndian.PutUint64(buf[entryOffTableID:], uint64(e.TableID))
	binary.LittleEndian.PutUint64(buf[entryOffMinKey:], e.MinKeyLo)
	binary.LittleEndian.PutUint64(buf[entryOffMinKey+8:], e.MinKeyHi)
	binary.LittleEndian.PutUint64(buf[entryOffMaxKey:], e.MaxKeyLo)
	binary.LittleEndian.PutUint64(buf[entryOffMaxKey+8:], e.MaxKeyHi)
	binary.LittleEndian.PutUint64(buf[entryOffMinLSN:], e.MinLSN)
	binary.LittleEndian.PutUint64(buf[entryOffMaxLSN:], e.MaxLSN)
	name := e.ShardFilename
	if len(name) > filenameMaxLen-1 {
		name = name[:filenameMaxLen-1]
	}
	copy(buf[entryOffFilename:entryOffFilename+filenameMaxLen], name)
}

func readEntry(buf []byte) Entry {
	var e Entry
	e.TableID = uint32(binary.LittleEndian.Uint64(buf[entryOffTableID:]))
	e.MinKeyLo = binary.LittleEndian.Uint64(buf[entryOffMinKey:])
	e.MinKeyHi = binary.LittleEndian.Uint64(buf[entryOffMinKey+8:])
	e.MaxKeyLo = binary.LittleEndian.Uint64(buf[entryOffMaxKey:])
	e.MaxKeyHi = binary.LittleEndian.Uint64(buf[entryOffMaxKey+8:])
	e.MinLSN = binary.LittleEndian.Uint64(buf[entryOffMinLSN:])
	e.MaxLSN = binary.LittleEndian.Uint64(buf[entryOffMaxLSN:])
	nameBytes := buf[entryOffFilename : entryOffFilename+filenameMaxLen]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	e.ShardFilename = string(nameBytes[:n])
	return e
}

// encode serializes header + entries (and, if useMAC, a trailing BLAKE2b
// MAC) into a single buffer.
func encode(entries []Entry, globalMaxLSN uint64, useMAC bool, macKey []byte) []byte {
	total := headerSize + len(entries)*entrySize
	if useMAC {
		total += macSize
	}
	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint64(buf[offVersion:], Version)
	binary.LittleEndian.PutUint64(buf[offEntryCount:], uint64(len(entries)))
	binary.LittleEndian.PutUint64(buf[offGlobalMaxLSN:], globalMaxLSN)
	if useMAC {
		binary.LittleEndian.PutUint64(buf[offFlags:], flagHasMAC)
	}

	for i, e := range entries {
		off := headerSize + i*entrySize
		writeEntry(buf[off:off+entrySize], e)
	}

	if useMAC {
		body := buf[:headerSize+len(entries)*entrySize]
		mac := computeMAC(body, macKey)
		copy(buf[len(buf)-macSize:], mac)
	}
	return buf
}

func computeMAC(body, key []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// A nil or empty key is valid for blake2b.New256; the only error it
		// returns is for a key longer than 64 bytes. Nothing upstream checks
		// the key length, so such a key reaches this panic.
		panic("manifest: invalid MAC key: " + err.Error())
	}
	h.Write(body)
	return h.Sum(nil)
}

// Writer accumulates entries for one manifest version and finalizes them
// to disk as a complete file (caller/Manager handles the tmp+rename dance).
type Writer struct {
	path         string
	entries      []Entry
	globalMaxLSN uint64
	useMAC       bool
	macKey       []byte
}

// NewWriter creates a writer that will produce path when Finalize is
// called.
func NewWriter(path string, globalMaxLSN uint64) *Writer {
	return &Writer{path: path, globalMaxLSN: globalMaxLSN}
}

// UseMAC enables the optional BLAKE2b-256 MAC with the given key (nil is
// a valid, unkeyed MAC).
func (w *Writer) UseMAC(key []byte) { w.useMAC = true; w.macKey = key }

// AddEntry appends one manifest entry.
func (w *Writer) AddEntry(e Entry) { w.entries = append(w.entries, e) }

// Finalize writes the accumulated entries to w.path (plain write; atomic
// publication is Manager.PublishNewVersion's job).
func (w *Writer) Finalize() error {
	buf := encode(w.entries, w.globalMaxLSN, w.useMAC, w.macKey)
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &gnitzerr.StorageError{Op: "manifest.create", Path: w.path, Reason: err.Error()}
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return &gnitzerr.StorageError{Op: "manifest.write", Path: w.path, Reason: err.Error()}
	}
	return nil
}

// Reader reads a published manifest file, caching the (inode, mtime) pair
// it was opened with so callers can poll HasChanged without re-parsing.
type Reader struct {
	path         string
	GlobalMaxLSN uint64
	entries      []Entry

	ino   uint64
	mtime int64
}

// Load opens and fully parses path, validating magic/version and (if the
// file declares a MAC) verifying it against macKey.
func Load(path string, macKey []byte) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "manifest.read", Path: path, Reason: err.Error()}
	}
	if len(data) < headerSize {
		return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "manifest shorter than header"}
	}
	if binary.LittleEndian.Uint64(data[offMagic:]) != Magic {
		return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "bad manifest magic"}
	}
	version := binary.LittleEndian.Uint64(data[offVersion:])
	if version != Version {
		return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "unsupported manifest version"}
	}
	entryCount := binary.LittleEndian.Uint64(data[offEntryCount:])
	globalMaxLSN := binary.LittleEndian.Uint64(data[offGlobalMaxLSN:])
	flags := binary.LittleEndian.Uint64(data[offFlags:])

	entriesEnd := headerSize + int(entryCount)*entrySize
	if len(data) < entriesEnd {
		return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "manifest shorter than declared entries"}
	}

	if flags&flagHasMAC != 0 {
		if len(data) < entriesEnd+macSize {
			return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "manifest missing declared MAC"}
		}
		want := data[entriesEnd : entriesEnd+macSize]
		got := computeMAC(data[:entriesEnd], macKey)
		if !slices.Equal(want, got) {
			return nil, &gnitzerr.CorruptShardError{Path: path, Reason: "manifest MAC mismatch"}
		}
	}

	entries := make([]Entry, entryCount)
	for i := range entries {
		off := headerSize + i*entrySize
		entries[i] = readEntry(data[off : off+entrySize])
	}

	ino, mtime, err := statIdentity(path)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, GlobalMaxLSN: globalMaxLSN, entries: entries, ino: ino, mtime: mtime}, nil
}

// Entries returns every entry in the manifest, in on-disk order.
func (r *Reader) Entries() []Entry { return append([]Entry(nil), r.entries...) }

// EntriesForTable filters Entries to those matching tableID.
func (r *Reader) EntriesForTable(tableID uint32) []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.TableID == tableID {
			out = append(out, e)
		}
	}
	return out
}

// HasChanged reports whether the file at r's path has a different inode
// or mtime than when it was last loaded — a cheap signal a writer has
// published a new version.
func (r *Reader) HasChanged() (bool, error) {
	ino, mtime, err := statIdentity(r.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return ino != r.ino || mtime != r.mtime, nil
}

// Manager is the per-table manifest publication/loading facade: write
// `.tmp`, fsync, rename over the live path, fsync the containing
// directory.
type Manager struct {
	path   string
	tmp    string
	useMAC bool
	macKey []byte
}

// NewManager returns a Manager for the manifest file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path, tmp: path + ".tmp"}
}

// UseMAC enables the optional MAC for every manifest this Manager
// publishes, and for verifying manifests it loads.
func (m *Manager) UseMAC(key []byte) { m.useMAC = true; m.macKey = key }

// Exists reports whether a manifest has ever been published at m's path.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// LoadCurrent reads and parses the currently published manifest.
func (m *Manager) LoadCurrent() (*Reader, error) {
	return Load(m.path, m.macKey)
}

// PublishNewVersion writes entries as a new manifest version and
// publishes it atomically: write to a temp file, fsync it, rename over
// the live path, then fsync the containing directory.
func (m *Manager) PublishNewVersion(entries []Entry, globalMaxLSN uint64) error {
	buf := encode(entries, globalMaxLSN, m.useMAC, m.macKey)

	f, err := os.OpenFile(m.tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &gnitzerr.StorageError{Op: "manifest.create", Path: m.tmp, Reason: err.Error()}
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(m.tmp)
		return &gnitzerr.StorageError{Op: "manifest.write", Path: m.tmp, Reason: err.Error()}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(m.tmp)
		return &gnitzerr.StorageError{Op: "manifest.fsync", Path: m.tmp, Reason: err.Error()}
	}
	if err := f.Close(); err != nil {
		return &gnitzerr.StorageError{Op: "manifest.close", Path: m.tmp, Reason: err.Error()}
	}
	if err := os.Rename(m.tmp, m.path); err != nil {
		return &gnitzerr.StorageError{Op: "manifest.rename", Path: m.path, Reason: err.Error()}
	}
	dir, err := os.Open(dirOf(m.path))
	if err != nil {
		return &gnitzerr.StorageError{Op: "manifest.opendir", Path: m.path, Reason: err.Error()}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &gnitzerr.StorageError{Op: "manifest.fsyncdir", Path: m.path, Reason: err.Error()}
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
