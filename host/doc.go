// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package host is the daemon's top level: the registry mapping peers
// to their sessions and projects, the wire method handlers, and the
// reconnection negotiation.
//
// The Host is the sole mutator of the registry. A transport drop
// leaves the session and its projects intact; the reconnecting
// client negotiates catch-up through session-resume. A protocol
// fault tears the session down and quiesces its projects, which a
// fresh session-hello from the same peer rebinds.
package host
