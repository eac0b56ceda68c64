// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"errors"
	"fmt"
)

// OpKind identifies one diff operation. Wire constants.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpRemove
)

// String returns the operation name used in logs.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Operation is one step of a diff. Insert and Update carry the full
// entry; Remove carries only the path.
type Operation struct {
	Kind  OpKind `cbor:"kind"`
	Entry Entry  `cbor:"entry,omitempty"`
	Path  string `cbor:"path,omitempty"`
}

// TargetPath returns the path the operation applies to.
func (o Operation) TargetPath() string {
	if o.Kind == OpRemove {
		return o.Path
	}
	return o.Entry.Path
}

// Diff is the ordered operation sequence transforming snapshot
// version BaseVersion into TargetVersion. Operations are emitted in
// canonical path order; operations on distinct paths commute, while
// an applier must preserve emitted order per path.
type Diff struct {
	BaseVersion   uint64      `cbor:"base_version"`
	TargetVersion uint64      `cbor:"target_version"`
	Operations    []Operation `cbor:"operations,omitempty"`
}

// Empty reports whether the diff carries no operations.
func (d Diff) Empty() bool { return len(d.Operations) == 0 }

// ComputeDiff produces the minimal diff transforming old into new
// via a single ordered merge walk of the two sorted entry lists:
// O(n) in entry count, no hashing beyond the fingerprints already
// carried per entry.
func ComputeDiff(oldSnapshot, newSnapshot Snapshot) Diff {
	diff := Diff{
		BaseVersion:   oldSnapshot.Version,
		TargetVersion: newSnapshot.Version,
	}

	oldEntries, newEntries := oldSnapshot.Entries, newSnapshot.Entries
	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		switch c := ComparePaths(oldEntries[i].Path, newEntries[j].Path); {
		case c < 0:
			diff.Operations = append(diff.Operations, Operation{Kind: OpRemove, Path: oldEntries[i].Path})
			i++
		case c > 0:
			diff.Operations = append(diff.Operations, Operation{Kind: OpInsert, Entry: newEntries[j]})
			j++
		default:
			if !oldEntries[i].Same(newEntries[j]) {
				diff.Operations = append(diff.Operations, Operation{Kind: OpUpdate, Entry: newEntries[j]})
			}
			i++
			j++
		}
	}
	for ; i < len(oldEntries); i++ {
		diff.Operations = append(diff.Operations, Operation{Kind: OpRemove, Path: oldEntries[i].Path})
	}
	for ; j < len(newEntries); j++ {
		diff.Operations = append(diff.Operations, Operation{Kind: OpInsert, Entry: newEntries[j]})
	}
	return diff
}

// ErrVersionMismatch reports a diff whose base version does not
// match the snapshot it is being applied to.
var ErrVersionMismatch = errors.New("diff base version does not match snapshot")

// ApplyDiff applies diff to base and returns the resulting snapshot
// at diff.TargetVersion. The empty diff returns base unchanged
// (including its version). Application is deterministic: the result
// depends only on base and the diff's per-path final operations.
func ApplyDiff(base Snapshot, diff Diff) (Snapshot, error) {
	if diff.BaseVersion != base.Version {
		return Snapshot{}, fmt.Errorf("%w: diff %d→%d against snapshot %d",
			ErrVersionMismatch, diff.BaseVersion, diff.TargetVersion, base.Version)
	}
	if diff.Empty() && diff.TargetVersion == base.Version {
		return base, nil
	}

	entries := make(map[string]Entry, len(base.Entries))
	for _, entry := range base.Entries {
		entries[entry.Path] = entry
	}
	for _, op := range diff.Operations {
		switch op.Kind {
		case OpInsert, OpUpdate:
			entries[op.Entry.Path] = op.Entry
		case OpRemove:
			delete(entries, op.Path)
		default:
			return Snapshot{}, fmt.Errorf("diff %d→%d: unknown operation kind %d",
				diff.BaseVersion, diff.TargetVersion, op.Kind)
		}
	}

	flattened := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		flattened = append(flattened, entry)
	}
	return NewSnapshot(diff.TargetVersion, flattened), nil
}

// FullDiff represents snapshot as a catch-up diff from an empty
// base: inserts only, targeting the snapshot's version. Used when a
// reconnecting peer is beyond the retention window.
func FullDiff(snapshot Snapshot) Diff {
	operations := make([]Operation, 0, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		operations = append(operations, Operation{Kind: OpInsert, Entry: entry})
	}
	return Diff{BaseVersion: 0, TargetVersion: snapshot.Version, Operations: operations}
}
