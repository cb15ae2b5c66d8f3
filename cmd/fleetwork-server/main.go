// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/config"
	"github.com/bureau-foundation/fleetwork/lib/httpserver"
	"github.com/bureau-foundation/fleetwork/lib/sqlitepool"
	"github.com/bureau-foundation/fleetwork/orchestrator"
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

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var signingKey ed25519.PublicKey
	if cfg.Server.SigningPublicKey != "" {
		keyBytes, err := hex.DecodeString(cfg.Server.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("decoding signing public key: %w", err)
		}
		if len(keyBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("signing public key has %d bytes, want %d", len(keyBytes), ed25519.PublicKeySize)
		}
		signingKey = ed25519.PublicKey(keyBytes)
	} else {
		logger.Warn("no signing public key configured; worker routes will reject all requests")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Server.DatabasePath,
		Logger:    logger,
		OnConnect: orchestrator.PrepareSchema,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	engine := orchestrator.New(orchestrator.Config{
		Pool:             pool,
		Clock:            clock.Real(),
		Logger:           logger,
		Audit:            orchestrator.NewSQLiteAudit(pool, logger),
		Staleness:        minutes(cfg.Engine.StalenessMinutes),
		AnomalyThreshold: cfg.Engine.AnomalyFailureThreshold,
		AnomalyWindow:    minutes(cfg.Engine.AnomalyWindowMinutes),
	})

	handler := newHandler(handlerConfig{
		Engine:        engine,
		Clock:         clock.Real(),
		Logger:        logger,
		SigningKey:    signingKey,
		Operators:     cfg.Operators,
		TriggerSecret: []byte(cfg.Server.TriggerSecret),
	})

	server := httpserver.New(httpserver.Config{
		Address: cfg.Server.ListenAddress,
		Handler: handler,
		Logger:  logger,
	})

	logger.Info("fleetwork server starting",
		"address", cfg.Server.ListenAddress,
		"database", cfg.Server.DatabasePath,
	)
	return server.Serve(ctx)
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
