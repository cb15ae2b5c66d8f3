// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now or time.After directly. In production, Real()
// provides the standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that read time:
//
//	type Engine struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	e := &Engine{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	e := &Engine{clock: c}
//	c.Advance(5 * time.Minute) // deterministic staleness, backoff, sweeps
package clock
