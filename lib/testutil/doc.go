// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by fleetwork tests:
// channel operations with timeout safety valves so that a broken
// component fails a test instead of hanging it.
package testutil
