// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import "github.com/tetherhq/tetherd/worktree"

// OpenRequest tracks a project root. A configured project id
// resolves its root server-side; an unconfigured id may supply an
// explicit root.
type OpenRequest struct {
	ProjectID string `cbor:"project_id"`
	Root      string `cbor:"root,omitempty"`
}

// OpenResponse carries the project's initial snapshot.
type OpenResponse struct {
	Version  uint64                   `cbor:"version"`
	Snapshot worktree.SnapshotPayload `cbor:"snapshot"`
	Warnings []worktree.ScanWarning   `cbor:"warnings,omitempty"`
}

// CloseRequest stops tracking a project.
type CloseRequest struct {
	ProjectID string `cbor:"project_id"`
}

// DiffMessage carries one incremental diff, in either direction.
type DiffMessage struct {
	ProjectID string        `cbor:"project_id"`
	Diff      worktree.Diff `cbor:"diff"`
}

// FullSnapshotMessage carries a compressed full catch-up after a
// resync decision.
type FullSnapshotMessage struct {
	ProjectID string                   `cbor:"project_id"`
	Snapshot  worktree.SnapshotPayload `cbor:"snapshot"`
	Warnings  []worktree.ScanWarning   `cbor:"warnings,omitempty"`
}

// AckMessage acknowledges that a diff or full snapshot was fully
// applied at a version.
type AckMessage struct {
	ProjectID string `cbor:"project_id"`
	Version   uint64 `cbor:"version"`
}
