// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetwork-trigger fires the fleetwork server's periodic trigger
// endpoints on cron schedules. It reads the same configuration file
// as the server: the trigger section names the server URL and maps
// trigger names (sweep-timeouts, schedule, detect-anomalies) to
// 5-field cron expressions, and the server section supplies the
// shared HMAC secret used to sign request bodies.
//
// The runner is deliberately stateless: a missed window (process
// restart, server unreachable) is simply skipped, and the next
// matching wall-clock minute fires as usual. The sweeps are
// idempotent so duplicate firing is harmless.
package main
