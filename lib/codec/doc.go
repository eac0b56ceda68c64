// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides tetherd's standard CBOR encoding and
// decoding configuration. All wire envelopes and payloads go through
// this package so that every component encodes deterministically and
// decodes with the same forward-compatibility rules.
package codec
