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

// Package refcount tracks how many live readers (Spine handles) hold a
// shard file open, so a compaction can defer deleting a superseded shard
// until the last reader releases it.
package refcount

import (
	"os"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/gnitzdb/gnitzdb/internal/gnitzerr"
)

type fileHandle struct {
	f        *os.File
	lock     *flock.Flock
	refCount int
}

// RefCounter tracks open-reader counts per filename and defers deleting
// files that are marked for deletion while still referenced.
type RefCounter struct {
	handles         map[string]*fileHandle
	pendingDeletion []string
}

// New returns an empty RefCounter.
func New() *RefCounter {
	return &RefCounter{handles: make(map[string]*fileHandle)}
}

// Acquire increments filename's reference count, opening and
// shared-locking it on the first acquisition. Returns a StorageError if
// the file has already been unlinked (nlink == 0) out from under us.
func (rc *RefCounter) Acquire(filename string) error {
	if h, ok := rc.handles[filename]; ok {
		h.refCount++
		return nil
	}

	f, err := os.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		return &gnitzerr.StorageError{Op: "refcount.acquire", Path: filename, Reason: err.Error()}
	}
	lock := flock.New(filename)
	if ok, err := lock.TryRLock(); err != nil || !ok {
		f.Close()
		reason := "could not acquire shared lock"
		if err != nil {
			reason = err.Error()
		}
		return &gnitzerr.StorageError{Op: "refcount.acquire", Path: filename, Reason: reason}
	}

	if st, err := f.Stat(); err == nil {
		if sys, ok := st.Sys().(*syscall.Stat_t); ok && sys.Nlink == 0 {
			lock.Unlock()
			f.Close()
			return &gnitzerr.StorageError{Op: "refcount.acquire", Path: filename, Reason: "file has already been unlinked"}
		}
	}

	rc.handles[filename] = &fileHandle{f: f, lock: lock, refCount: 1}
	return nil
}

// Release decrements filename's reference count, closing and unlocking
// it once the count reaches zero. Returns an error if filename has no
// outstanding handle.
func (rc *RefCounter) Release(filename string) error {
	h, ok := rc.handles[filename]
	if !ok {
		return &gnitzerr.StorageError{Op: "refcount.release", Path: filename, Reason: "no outstanding reference"}
	}
	h.refCount--
	if h.refCount <= 0 {
		h.lock.Unlock()
		h.f.Close()
		delete(rc.handles, filename)
	}
	return nil
}

// CanDelete reports whether filename currently has no outstanding
// references and so is safe to unlink.
func (rc *RefCounter) CanDelete(filename string) bool {
	_, referenced := rc.handles[filename]
	return !referenced
}

// MarkForDeletion queues filename for removal once it is unreferenced,
// deduplicating against anything already queued.
func (rc *RefCounter) MarkForDeletion(filename string) {
	for _, p := range rc.pendingDeletion {
		if p == filename {
			return
		}
	}
	rc.pendingDeletion = append(rc.pendingDeletion, filename)
}

// TryCleanup attempts to unlink every file queued by MarkForDeletion,
// skipping (and re-queuing) anything still referenced or still held open
// by another reader. It returns the filenames it actually removed.
func (rc *RefCounter) TryCleanup() []string {
	var removed []string
	var remaining []string

	for _, filename := range rc.pendingDeletion {
		if !rc.CanDelete(filename) {
			remaining = append(remaining, filename)
			continue
		}

		f, err := os.OpenFile(filename, os.O_RDONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				removed = append(removed, filename)
				continue
			}
			remaining = append(remaining, filename)
			continue
		}
		lock := flock.New(filename)
		ok, err := lock.TryLock()
		if err != nil || !ok {
			f.Close()
			remaining = append(remaining, filename)
			continue
		}

		if err := os.Remove(filename); err != nil {
			lock.Unlock()
			f.Close()
			remaining = append(remaining, filename)
			continue
		}
		lock.Unlock()
		f.Close()
		removed = append(removed, filename)
	}

	rc.pendingDeletion = remaining
	return removed
}
