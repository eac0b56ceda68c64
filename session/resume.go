// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

// Stable wire method names. The client and daemon agree on these
// strings; adding a method is backward compatible, renaming is not.
const (
	// MethodHello is the first request on a fresh connection.
	MethodHello = "session-hello"

	// MethodResume is the first request on a reconnect. Carries the
	// peer's last-acknowledged snapshot versions per project.
	MethodResume = "session-resume"

	// MethodProjectOpen tracks a new project root.
	MethodProjectOpen = "project-open"

	// MethodProjectClose stops tracking a project.
	MethodProjectClose = "project-close"

	// MethodSnapshotDiff carries one incremental diff.
	MethodSnapshotDiff = "snapshot-diff"

	// MethodSnapshotFull carries a compressed full-snapshot catch-up.
	MethodSnapshotFull = "snapshot-full"

	// MethodDiffAck acknowledges application of a diff or full
	// snapshot at a version.
	MethodDiffAck = "diff-ack"

	// MethodProcessStart spawns a language-analysis subprocess and
	// opens its sub-channel as a streaming exchange.
	MethodProcessStart = "process-start"

	// MethodProcessStop terminates a subprocess and closes its
	// sub-channel.
	MethodProcessStop = "process-stop"

	// ProcessNamespace prefixes every sub-channel method. The full
	// form is "process/<service>/message".
	ProcessNamespace = "process/"
)

// HelloRequest opens a fresh logical session.
type HelloRequest struct {
	// PeerID identifies the client; stable across reconnects.
	PeerID string `cbor:"peer_id"`

	// ProtocolVersion guards against incompatible peers. The daemon
	// rejects a mismatch with an error envelope.
	ProtocolVersion int `cbor:"protocol_version"`
}

// HelloResponse reports the daemon's view of a fresh session.
type HelloResponse struct {
	// Projects lists project ids already tracked for this peer (a
	// previous session's projects quiesced by a protocol fault).
	Projects []string `cbor:"projects,omitempty"`
}

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// ResumeRequest negotiates catch-up after a transport drop.
type ResumeRequest struct {
	PeerID string `cbor:"peer_id"`

	// AckedVersions maps project id to the last snapshot version the
	// client fully applied. A project absent from the map means the
	// client holds no snapshot for it (fresh client state).
	AckedVersions map[string]uint64 `cbor:"acked_versions"`
}

// Per-project resume outcomes.
const (
	// ResumeUpToDate: versions matched; nothing was sent.
	ResumeUpToDate = "up-to-date"

	// ResumeReplayed: retained diffs were replayed in order.
	ResumeReplayed = "replayed"

	// ResumeRescan: the gap exceeded the retention window (or the
	// client was fresh); a full snapshot follows.
	ResumeRescan = "rescan"
)

// ResumeResponse reports, per project, how the daemon caught the
// client up.
type ResumeResponse struct {
	// Outcomes maps project id to one of the Resume* constants.
	Outcomes map[string]string `cbor:"outcomes"`
}
