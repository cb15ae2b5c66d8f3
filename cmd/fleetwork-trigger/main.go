// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to the configuration file (or set FLEETWORK_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Trigger.ServerURL == "" {
		return fmt.Errorf("config: trigger.server_url is required")
	}
	if len(cfg.Trigger.Schedules) == 0 {
		return fmt.Errorf("config: trigger.schedules is empty; nothing to do")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(runnerConfig{
		ServerURL: cfg.Trigger.ServerURL,
		Secret:    []byte(cfg.Server.TriggerSecret),
		Schedules: cfg.Trigger.Schedules,
		Client:    &http.Client{Timeout: 30 * time.Second},
		Clock:     clock.Real(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("fleetwork trigger starting",
		"server_url", cfg.Trigger.ServerURL,
		"schedules", len(cfg.Trigger.Schedules),
	)
	return runner.run(ctx)
}
