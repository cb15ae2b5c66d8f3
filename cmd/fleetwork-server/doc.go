// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetwork-server is the fleet orchestration HTTP server. It owns
// the SQLite store and exposes three request surfaces:
//
//   - Worker routes, authenticated by signed worker identity tokens
//     (Ed25519, audience "fleetwork"): polling for work, heartbeats,
//     outcome reporting, and checkpoint raising.
//
//   - Operator routes, authenticated by static bearer tokens from the
//     configuration file: direct assignment, fan-out, cancellation,
//     review, worker tuning, circuit control, handoffs, and
//     checkpoint review.
//
//   - Trigger routes, authenticated by an HMAC-SHA256 signature over
//     the request body: the periodic sweeps (timeouts, staleness,
//     failure-spike detection) and the scheduling pass. The bundled
//     fleetwork-trigger binary fires these on cron schedules; any
//     external scheduler that can sign a request body works too.
//
// The server holds no state outside the database. Every request is
// handled synchronously against the store, so horizontal restarts are
// safe at any point.
package main
