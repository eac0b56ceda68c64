// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tetherd packages.
package testutil
