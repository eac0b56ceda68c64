// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"fmt"
	"sort"
)

// Snapshot is a versioned, ordered set of entries for one project
// root. Entries are sorted by ComparePaths. A snapshot is immutable
// once published — mutations produce a new snapshot with a strictly
// larger version.
type Snapshot struct {
	Version uint64  `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

// NewSnapshot builds a snapshot at the given version, sorting a copy
// of entries into canonical order.
func NewSnapshot(version uint64, entries []Entry) Snapshot {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return ComparePaths(sorted[i].Path, sorted[j].Path) < 0
	})
	return Snapshot{Version: version, Entries: sorted}
}

// Lookup finds the entry at path by binary search.
func (s Snapshot) Lookup(path string) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		return ComparePaths(s.Entries[i].Path, path) >= 0
	})
	if i < len(s.Entries) && s.Entries[i].Path == path {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Equal reports whether two snapshots hold identical entries,
// ignoring versions.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.Entries) != len(other.Entries) {
		return false
	}
	for i := range s.Entries {
		if s.Entries[i] != other.Entries[i] {
			return false
		}
	}
	return true
}

// validate checks the canonical ordering and path-uniqueness
// invariants. Used when accepting snapshots from the wire.
func (s Snapshot) validate() error {
	for i := 1; i < len(s.Entries); i++ {
		c := ComparePaths(s.Entries[i-1].Path, s.Entries[i].Path)
		if c == 0 {
			return fmt.Errorf("duplicate path %q in snapshot version %d", s.Entries[i].Path, s.Version)
		}
		if c > 0 {
			return fmt.Errorf("unordered entries %q > %q in snapshot version %d",
				s.Entries[i-1].Path, s.Entries[i].Path, s.Version)
		}
	}
	return nil
}
