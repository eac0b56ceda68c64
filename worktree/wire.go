// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"fmt"

	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/lib/compress"
)

// SnapshotPayload is the wire form of a full snapshot: the
// deterministic CBOR encoding wrapped in a tagged compression
// frame, plus the uncompressed size the decoder must reproduce
// exactly.
type SnapshotPayload struct {
	Size uint64 `cbor:"size"`
	Data []byte `cbor:"data"`
}

// MarshalSnapshot encodes a snapshot for the wire. Full-tree
// catch-ups are the largest payloads the daemon sends, so they ride
// zstd; the compression frame falls back to storing raw when
// compression does not pay.
func MarshalSnapshot(snapshot Snapshot, algorithm compress.Algorithm) (SnapshotPayload, error) {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return SnapshotPayload{}, fmt.Errorf("encoding snapshot version %d: %w", snapshot.Version, err)
	}
	compressed, err := compress.Encode(encoded, algorithm)
	if err != nil {
		return SnapshotPayload{}, fmt.Errorf("compressing snapshot version %d: %w", snapshot.Version, err)
	}
	return SnapshotPayload{Size: uint64(len(encoded)), Data: compressed}, nil
}

// UnmarshalSnapshot reverses MarshalSnapshot and validates the
// ordering and uniqueness invariants before accepting the result.
func UnmarshalSnapshot(payload SnapshotPayload) (Snapshot, error) {
	decompressed, err := compress.Decode(payload.Data, int(payload.Size))
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompressing snapshot payload: %w", err)
	}
	var snapshot Snapshot
	if err := codec.Unmarshal(decompressed, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot payload: %w", err)
	}
	if err := snapshot.validate(); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// ValidateDiff checks an inbound diff's structural invariants:
// known operation kinds, non-empty paths, and entries that carry
// the fields their kind requires.
func ValidateDiff(diff Diff) error {
	for i, op := range diff.Operations {
		switch op.Kind {
		case OpInsert, OpUpdate:
			if op.Entry.Path == "" {
				return fmt.Errorf("operation %d: %s without a path", i, op.Kind)
			}
			switch op.Entry.Kind {
			case KindFile, KindDirectory, KindSymlink:
			default:
				return fmt.Errorf("operation %d: entry %q has unknown kind %d",
					i, op.Entry.Path, op.Entry.Kind)
			}
		case OpRemove:
			if op.Path == "" {
				return fmt.Errorf("operation %d: remove without a path", i)
			}
		default:
			return fmt.Errorf("operation %d: unknown operation kind %d", i, op.Kind)
		}
	}
	return nil
}
