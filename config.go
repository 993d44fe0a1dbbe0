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

package gnitzdb

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/gnitzdb/gnitzdb/internal/engine"
	"github.com/gnitzdb/gnitzdb/internal/gnitzlog"
)

// Config tunes an embedded database instance. The zero value (and a nil
// *Config) means defaults everywhere.
type Config struct {
	// MemTableArenaBytes bounds the skiplist node arena of each table's
	// active MemTable; once exceeded, the next write flushes the
	// generation to a shard and rotates.
	MemTableArenaBytes int `json:"memtableArenaBytes,omitempty"`

	// MemTableBlobBytes bounds the companion long-string arena.
	MemTableBlobBytes int `json:"memtableBlobBytes,omitempty"`

	// ValidateChecksums verifies every shard region's XXH3-64 checksum
	// when a shard is opened.
	ValidateChecksums bool `json:"validateChecksums,omitempty"`

	// ManifestMACKey, when non-empty, appends a BLAKE2b-256 MAC to every
	// published manifest and verifies it on load.
	ManifestMACKey []byte `json:"manifestMACKey,omitempty"`

	// Logf receives diagnostic messages from the engine, compactor, and
	// shard GC. Nil discards them. Not configurable from YAML.
	Logf func(format string, args ...any) `json:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) engineOptions(dir string) engine.Options {
	opts := engine.Options{Dir: dir}
	if c == nil {
		return opts
	}
	opts.MemTableArenaBytes = c.MemTableArenaBytes
	opts.MemTableBlobBytes = c.MemTableBlobBytes
	opts.ValidateChecksums = c.ValidateChecksums
	opts.ManifestMACKey = c.ManifestMACKey
	opts.Log = gnitzlog.Logger{Fn: c.Logf}
	return opts
}
