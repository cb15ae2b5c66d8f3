// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for fleetwork.
type Config struct {
	// Server configures the orchestration HTTP server.
	Server ServerConfig `yaml:"server"`

	// Engine configures orchestration behavior.
	Engine EngineConfig `yaml:"engine"`

	// Trigger configures the cron-driven trigger runner.
	Trigger TriggerConfig `yaml:"trigger"`

	// Operators is the list of operator bearer tokens. Real session
	// management belongs to the external auth collaborator; these
	// static tokens gate the operator surface in the meantime.
	Operators []OperatorConfig `yaml:"operators"`
}

// ServerConfig configures the orchestration HTTP server.
type ServerConfig struct {
	// ListenAddress is the TCP listen address (e.g., ":8420").
	ListenAddress string `yaml:"listen_address"`

	// DatabasePath is the SQLite database file. The parent directory
	// must exist.
	DatabasePath string `yaml:"database_path"`

	// SigningPublicKey is the hex-encoded Ed25519 public key used to
	// verify worker identity tokens. The corresponding private key is
	// held by the token-minting collaborator.
	SigningPublicKey string `yaml:"signing_public_key"`

	// TriggerSecret is the shared secret for HMAC-signing periodic
	// trigger requests.
	TriggerSecret string `yaml:"trigger_secret"`
}

// EngineConfig configures orchestration behavior. Zero values select
// the documented defaults.
type EngineConfig struct {
	// StalenessMinutes is the heartbeat staleness window after which
	// a worker is forced offline. Default 5.
	StalenessMinutes int `yaml:"staleness_minutes"`

	// AnomalyFailureThreshold is the number of failures within the
	// anomaly window that trips a worker group's circuit. Default 5.
	AnomalyFailureThreshold int `yaml:"anomaly_failure_threshold"`

	// AnomalyWindowMinutes is the sliding window for failure-spike
	// detection. Default 10.
	AnomalyWindowMinutes int `yaml:"anomaly_window_minutes"`
}

// TriggerConfig configures the fleetwork-trigger runner.
type TriggerConfig struct {
	// ServerURL is the base URL of the fleetwork server (e.g.,
	// "http://127.0.0.1:8420").
	ServerURL string `yaml:"server_url"`

	// Schedules maps trigger names to 5-field cron expressions.
	// Recognized names: sweep-timeouts, schedule, detect-anomalies.
	Schedules map[string]string `yaml:"schedules"`
}

// OperatorConfig is one operator identity and its bearer token.
type OperatorConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// Load reads the configuration file. The path comes from flagPath (the
// --config flag) or, if that is empty, the FLEETWORK_CONFIG environment
// variable. A missing path or unreadable file is an error — there is
// no fallback configuration.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("FLEETWORK_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no path given: set --config or FLEETWORK_CONFIG")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero-valued engine settings with their
// documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Engine.StalenessMinutes <= 0 {
		cfg.Engine.StalenessMinutes = 5
	}
	if cfg.Engine.AnomalyFailureThreshold <= 0 {
		cfg.Engine.AnomalyFailureThreshold = 5
	}
	if cfg.Engine.AnomalyWindowMinutes <= 0 {
		cfg.Engine.AnomalyWindowMinutes = 10
	}
}

// validate rejects configurations that cannot possibly serve.
func (c *Config) validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("config: server.listen_address is required")
	}
	if c.Server.DatabasePath == "" {
		return fmt.Errorf("config: server.database_path is required")
	}
	for index, operator := range c.Operators {
		if operator.Token == "" {
			return fmt.Errorf("config: operators[%d] (%q) has an empty token", index, operator.Name)
		}
	}
	return nil
}
