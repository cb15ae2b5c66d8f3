// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size pool of SQLite connections
// with fleetwork-standard pragmas applied to every connection.
//
// The orchestration engine persists all state (workers, delegated
// work, fan-out groups, checkpoints, handoffs, audit entries) in a
// single SQLite database. SQLite's single-writer discipline is what
// serializes concurrent assignment transactions — the capacity
// invariant is enforced by transactional check-and-insert, not by
// in-process locks, so correctness depends on every write going
// through this pool.
package sqlitepool
