// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy forwards structured messages between a session's
// logical sub-channels and language-analysis subprocesses running on
// the daemon host.
//
// Each started service gets a dedicated sub-channel (a private method
// namespace on the session). Message order is preserved within a
// sub-channel; sub-channels are mutually independent, so a slow or
// crashed service never stalls another. A crashed subprocess is
// restarted once; a second failure makes the service permanently
// unavailable until the client starts it again.
package proxy
