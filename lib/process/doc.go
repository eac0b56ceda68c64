// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. It centralizes
// the raw stderr output that exists before the structured logger is
// initialized; everything after startup goes through slog.
package process
