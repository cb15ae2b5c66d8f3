// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/cron"
	"github.com/bureau-foundation/fleetwork/lib/httpserver"
)

// knownTriggers are the trigger endpoints the server exposes.
var knownTriggers = map[string]bool{
	"sweep-timeouts":   true,
	"schedule":         true,
	"detect-anomalies": true,
}

// trigger is one named endpoint and its firing schedule.
type trigger struct {
	name     string
	schedule cron.Schedule
}

// runnerConfig configures a runner.
type runnerConfig struct {
	// ServerURL is the fleetwork server base URL. Required.
	ServerURL string

	// Secret signs trigger request bodies. Required.
	Secret []byte

	// Schedules maps trigger names to cron expressions. Required,
	// non-empty; unknown names are a configuration error.
	Schedules map[string]string

	// Client is the HTTP client for trigger requests. Required.
	Client *http.Client

	// Clock abstracts time. Required.
	Clock clock.Clock

	// Logger receives firing diagnostics. Required.
	Logger *slog.Logger
}

// runner fires trigger endpoints when their cron schedules match.
type runner struct {
	serverURL string
	secret    []byte
	client    *http.Client
	clock     clock.Clock
	logger    *slog.Logger
	triggers  []trigger
}

// newRunner parses and validates the schedule map. Trigger names not
// exposed by the server and malformed cron expressions are rejected
// here, at startup, rather than discovered at first firing.
func newRunner(cfg runnerConfig) (*runner, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("trigger: server.trigger_secret is required to sign requests")
	}

	// Sort names so validation errors and firing order are stable.
	names := make([]string, 0, len(cfg.Schedules))
	for name := range cfg.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	var triggers []trigger
	for _, name := range names {
		if !knownTriggers[name] {
			return nil, fmt.Errorf("trigger: unknown trigger %q in schedules", name)
		}
		schedule, err := cron.Parse(cfg.Schedules[name])
		if err != nil {
			return nil, fmt.Errorf("trigger: schedule for %s: %w", name, err)
		}
		triggers = append(triggers, trigger{name: name, schedule: schedule})
	}

	return &runner{
		serverURL: cfg.ServerURL,
		secret:    cfg.Secret,
		client:    cfg.Client,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		triggers:  triggers,
	}, nil
}

// run fires triggers as their schedules match until ctx is cancelled.
// A firing failure is logged, not fatal; the schedule keeps running.
func (r *runner) run(ctx context.Context) error {
	for {
		now := r.clock.Now()
		wake, due, err := r.nextWake(now)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(wake.Sub(now)):
		}

		for _, name := range due {
			if err := r.fire(ctx, name); err != nil {
				r.logger.Error("trigger firing failed", "trigger", name, "error", err)
				continue
			}
			r.logger.Info("trigger fired", "trigger", name)
		}
	}
}

// nextWake computes the earliest next firing time after now across
// all schedules, and the names of the triggers due at that instant.
func (r *runner) nextWake(now time.Time) (time.Time, []string, error) {
	var wake time.Time
	var due []string
	for _, trig := range r.triggers {
		next, err := trig.schedule.Next(now)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("trigger: computing next firing for %s: %w", trig.name, err)
		}
		switch {
		case wake.IsZero() || next.Before(wake):
			wake = next
			due = []string{trig.name}
		case next.Equal(wake):
			due = append(due, trig.name)
		}
	}
	return wake, due, nil
}

// fire signs and posts one trigger request. Any non-2xx response is
// an error carrying the response body for diagnosis.
func (r *runner) fire(ctx context.Context, name string) error {
	body := []byte("{}")

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.serverURL+"/v1/triggers/"+name, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Fleetwork-Signature", httpserver.SignTriggerBody(r.secret, body))

	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("server returned %d: %s", response.StatusCode, detail)
	}
	return nil
}
