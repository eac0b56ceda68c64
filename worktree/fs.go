// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"context"
	"time"
)

// FileInfo describes one directory member as reported by the
// filesystem collaborator.
type FileInfo struct {
	// Name is the bare component name, no separators.
	Name    string
	Kind    EntryKind
	Size    int64
	ModTime time.Time
	// Target is the symlink target; empty for other kinds.
	Target string
}

// ChangeEvent reports that something changed at or below a path. The
// synchronizer treats events as hints — the scanner re-establishes
// ground truth — so coalescing and spurious events are harmless.
type ChangeEvent struct {
	// Path is relative to the project root, slash-separated. Empty
	// means "somewhere in the tree".
	Path string
}

// FS is the filesystem collaborator consumed by the scanner and the
// synchronizer. All paths are slash-separated and relative to the
// project root. Implementations are fallible and possibly slow; the
// callers treat every operation as one that may suspend.
//
// The daemon uses OSFS; tests use MemFS.
type FS interface {
	// List returns the members of a directory, in no particular
	// order. Symlinks are reported with their own kind and target,
	// never followed.
	List(path string) ([]FileInfo, error)

	// Stat describes a single node.
	Stat(path string) (FileInfo, error)

	// Read returns a file's content.
	Read(path string) ([]byte, error)

	// WriteFile creates or replaces a file, creating missing parent
	// directories.
	WriteFile(path string, data []byte, modTime time.Time) error

	// Mkdir creates a directory (and missing parents).
	Mkdir(path string) error

	// Symlink creates or replaces a symlink pointing at target.
	Symlink(target, path string) error

	// Remove deletes a node; directories are removed with their
	// contents. Removing a missing node is not an error.
	Remove(path string) error

	// Watch streams change events for the whole tree until ctx is
	// done. The channel closes on cancellation or watcher failure.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}
