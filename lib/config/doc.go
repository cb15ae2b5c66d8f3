// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for fleetwork binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - FLEETWORK_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The same file serves both fleetwork-server and fleetwork-trigger;
// each binary reads the sections it needs.
package config
