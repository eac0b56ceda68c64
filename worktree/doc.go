// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package worktree keeps a project directory tree and its remote
// mirror convergent.
//
// The package is organized around the synchronization data flow:
//
//   - entry.go: Entry, the canonical record for one filesystem node
//   - snapshot.go: Snapshot, a versioned ordered set of entries
//   - diff.go: Diff computation (merge walk) and application
//   - fs.go: the filesystem collaborator interface
//   - osfs.go: the real filesystem, with an fsnotify watcher
//   - memfs.go: in-memory filesystem for tests
//   - scanner.go: deterministic tree scanning with per-entry warnings
//   - sync.go: the per-project synchronizer state machine
//
// Snapshots are immutable once published; every committed mutation
// produces a new snapshot with a strictly larger version. Diffs
// transform version N into N+1 deterministically: operations on
// distinct paths commute, operations on the same path apply in
// emitted order.
package worktree
