// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport turns byte streams into message-oriented
// connections for the session layer.
//
// The package is organized around the connection data flow:
//
//   - frame.go: wire format (4-byte big-endian length prefix + payload)
//   - transport.go: Conn, Listener, and Dialer interfaces
//   - tcp.go: TCP listener and dialer
//   - memory.go: in-process connection pair for tests
//
// Transport security (TLS, SSH tunneling) is the responsibility of
// whatever establishes the underlying byte stream; this package
// treats the stream as already trusted.
package transport
