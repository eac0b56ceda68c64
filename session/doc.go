// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the multiplexed request/response/stream
// protocol between a tetherd daemon and its client.
//
// One Session owns one logical connection. Outbound calls get
// monotonically increasing request ids and resolve exactly once —
// with a response, a stream end, a peer error, cancellation, or
// disconnection. Inbound requests dispatch to handlers registered per
// method name and run sequentially in arrival order; a method
// namespace (prefix registration) isolates one remote process's
// traffic from others on the same connection.
//
// The transport handle is replaceable: when the connection drops, all
// outstanding calls fail with ErrDisconnected, the session survives,
// and a later Attach resumes traffic on a fresh connection. Resume
// negotiation payloads live in resume.go; the catch-up decision
// itself belongs to each project's synchronizer.
package session
