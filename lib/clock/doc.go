// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Every tetherd component with timeout behavior (resync
// acknowledgement deadlines, process restart backoff, rescan
// debouncing) accepts a Clock instead of calling the time package
// directly. Production wiring passes Real(); tests pass Fake() and
// advance it deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	controller := NewController(Options{Clock: c})
//	// ... start goroutines ...
//	c.WaitForTimers(1)          // goroutine registered its deadline
//	c.Advance(30 * time.Second) // fire it
//
// WaitForTimers removes the race between a goroutine registering a
// timer and the test advancing past its deadline.
package clock
