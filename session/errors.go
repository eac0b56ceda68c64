// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Session operations.
var (
	// ErrDisconnected resolves an outstanding call whose transport
	// dropped before a terminal envelope arrived. The session itself
	// survives; a reattach lets the caller retry.
	ErrDisconnected = errors.New("session: transport disconnected")

	// ErrCancelled resolves an outstanding call whose caller gave up.
	// Cancellation unregisters local interest only — the request
	// already sent is not retracted, and a late terminal envelope for
	// it is discarded.
	ErrCancelled = errors.New("session: call cancelled")

	// ErrClosed is returned by operations on a session that has been
	// torn down (explicit Close or protocol fault).
	ErrClosed = errors.New("session: closed")

	// ErrMalformedEnvelope reports bytes that do not parse into a
	// known envelope variant.
	ErrMalformedEnvelope = errors.New("session: malformed envelope")

	// ErrIDExhausted reports request id wraparound. Treated as a
	// fatal protocol error; it is never expected within a session's
	// practical lifetime.
	ErrIDExhausted = errors.New("session: request id space exhausted")
)

// RemoteError is a peer-reported Error envelope resolving a call.
// Callers use errors.As to extract the structured information:
//
//	var remoteErr *session.RemoteError
//	if errors.As(err, &remoteErr) {
//	    if remoteErr.Kind == session.ErrorKindProcessUnavailable { ... }
//	}
type RemoteError struct {
	// Kind is the wire error kind (e.g., "unknown-method").
	Kind string
	// Message is the human-readable description from the peer.
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Kind, e.Message)
}

// IsRemoteError checks whether err is a *RemoteError with the given kind.
func IsRemoteError(err error, kind string) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind == kind
	}
	return false
}

// Fault is an error that carries a wire error kind. Handlers return a
// Fault when the failure should reach the peer with a specific kind
// rather than the generic "internal".
type Fault struct {
	Kind    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Faultf builds a Fault with a formatted message.
func Faultf(kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
