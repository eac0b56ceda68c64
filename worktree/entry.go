// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"fmt"
	"strings"
)

// EntryKind identifies the filesystem node type. The values are wire
// constants.
type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindDirectory
	KindSymlink
)

// String returns the kind name used in logs and warnings.
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Entry is the canonical record for one filesystem node within a
// snapshot. Path is slash-separated and relative to the project
// root; it uniquely identifies the entry within one snapshot.
type Entry struct {
	Path string    `cbor:"path"`
	Kind EntryKind `cbor:"kind"`

	// Size in bytes. Zero for directories.
	Size int64 `cbor:"size,omitempty"`

	// ModTime is the modification fingerprint: the node's mtime in
	// Unix nanoseconds. Together with Size it decides whether two
	// entries at the same path represent the same content without
	// reading the file.
	ModTime int64 `cbor:"mtime,omitempty"`

	// Hash is the hex BLAKE3 digest of file content. Populated only
	// when the scanner runs with content hashing enabled, and only
	// for files.
	Hash string `cbor:"hash,omitempty"`

	// Target is the symlink target, verbatim. Symlinks are recorded,
	// never followed.
	Target string `cbor:"target,omitempty"`
}

// Same reports whether other represents the same node state: same
// kind and an unchanged fingerprint. When both sides carry content
// hashes, the hash verdict wins over the mtime fingerprint — a
// touched-but-identical file is not an update.
func (e Entry) Same(other Entry) bool {
	if e.Kind != other.Kind {
		return false
	}
	switch e.Kind {
	case KindSymlink:
		return e.Target == other.Target
	case KindDirectory:
		return true
	}
	if e.Hash != "" && other.Hash != "" {
		return e.Hash == other.Hash
	}
	return e.Size == other.Size && e.ModTime == other.ModTime
}

// ComparePaths orders two slash-separated relative paths
// lexicographically on path components, so a directory always sorts
// immediately before its children ("a" < "a/b" < "a.txt").
func ComparePaths(a, b string) int {
	for a != "" && b != "" {
		ac, aRest := cutComponent(a)
		bc, bRest := cutComponent(b)
		if ac != bc {
			if ac < bc {
				return -1
			}
			return 1
		}
		a, b = aRest, bRest
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

// cutComponent splits the first path component from the rest.
func cutComponent(path string) (component, rest string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
