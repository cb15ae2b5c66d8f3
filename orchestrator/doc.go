// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements the fleetwork task orchestration
// engine: worker liveness tracking, task assignment under capacity
// limits, the delegated-work lifecycle with timeout enforcement,
// retry with exponential backoff, fan-out/join coordination,
// checkpoint gates, cross-worker handoffs, and per-group circuit
// breaking.
//
// The engine is request/response only. There is no resident scheduler
// goroutine: every coordination step (assignment, timeout sweep, retry
// creation, anomaly detection) runs inside a short-lived call invoked
// by an inbound worker or operator request, or by an externally-driven
// periodic trigger. Workers are out of process and are never blocked
// on; the protocol is pull-based, and a worker's poll for pending work
// doubles as its heartbeat.
//
// All state lives in SQLite. Capacity enforcement is a transactional
// check-and-insert — SQLite's single-writer discipline serializes
// concurrent claims against the same worker, which is what upholds the
// invariant that a worker's running delegated work never exceeds its
// declared capacity.
package orchestrator
