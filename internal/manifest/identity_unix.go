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

package manifest

import (
	"os"
	"syscall"
)

// statIdentity returns a file's inode and modification time, used by
// Reader.HasChanged to detect a newly published manifest without
// re-parsing it.
func statIdentity(path string) (ino uint64, mtime int64, err error) {
	fi, statErr := os.Stat(path)
	if statErr != nil {
		return 0, 0, statErr
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fi.ModTime().UnixNano(), nil
	}
	return st.Ino, fi.ModTime().UnixNano(), nil
}
