// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Conn is one message-oriented connection between a daemon and a
// client. Implementations frame messages over whatever byte stream
// they own; callers only ever see whole payloads.
//
// ReadFrame and WriteFrame may be called concurrently with each
// other, but each individually from only one goroutine at a time —
// the session layer owns a single reader and a single writer per
// connection.
type Conn interface {
	// ReadFrame blocks until the next message arrives. Returns io.EOF
	// on clean peer close, or a descriptive error on a malformed or
	// truncated stream. After any error the connection is dead.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one message. Returns an error when the
	// connection is closed or the payload exceeds MaxFramePayload.
	WriteFrame(payload []byte) error

	// Close tears down the connection. Pending ReadFrame and
	// WriteFrame calls unblock with errors. Safe to call twice.
	Close() error
}

// Listener accepts inbound connections from clients.
type Listener interface {
	// Serve accepts connections and calls handle for each in its own
	// goroutine. Blocks until ctx is cancelled or Close is called;
	// returns nil on clean shutdown.
	Serve(ctx context.Context, handle func(Conn)) error

	// Address returns the listen address in a transport-specific
	// format (e.g., "192.168.1.10:7420" for TCP).
	Address() string

	// Close shuts down the listener. Connections already handed to
	// the handler stay open.
	Close() error
}

// Dialer opens connections to a remote daemon. The address format
// matches what the daemon's Listener.Address() returns.
type Dialer interface {
	DialContext(ctx context.Context, address string) (Conn, error)
}
