// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/sqlitepool"
)

// testStart is the fixed fake-clock origin for engine tests.
var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testEngine bundles an Engine with the fakes backing it.
type testEngine struct {
	*Engine
	clock *clock.FakeClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineConfig(t, Config{})
}

// newTestEngineConfig opens a temp-dir SQLite pool and builds an
// Engine around it, overriding Pool and Clock in the given config.
func newTestEngineConfig(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "fleetwork.db"),
		PoolSize:  2,
		OnConnect: PrepareSchema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	fake := clock.Fake(testStart)
	cfg.Pool = pool
	cfg.Clock = fake
	return &testEngine{Engine: New(cfg), clock: fake}
}

// addWorker registers a worker, defaulting to an idle fresh-heartbeat
// member of tenant "acme".
func addWorker(t *testing.T, te *testEngine, worker Worker) *Worker {
	t.Helper()
	if worker.TenantID == "" {
		worker.TenantID = "acme"
	}
	if worker.Status == "" {
		worker.Status = WorkerIdle
	}
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = te.clock.Now()
	}
	created, err := te.CreateWorker(context.Background(), worker)
	if err != nil {
		t.Fatalf("creating worker %q: %v", worker.ID, err)
	}
	return created
}

// addTask registers a task in tenant "acme".
func addTask(t *testing.T, te *testEngine, task Task, prereqs ...string) *Task {
	t.Helper()
	if task.TenantID == "" {
		task.TenantID = "acme"
	}
	created, err := te.CreateTask(context.Background(), task, prereqs...)
	if err != nil {
		t.Fatalf("creating task %q: %v", task.ID, err)
	}
	return created
}

// assign delegates a task directly and fails the test on error.
func assign(t *testing.T, te *testEngine, taskID, workerID string) *DelegatedWork {
	t.Helper()
	work, err := te.AssignWorker(context.Background(), "test-operator", taskID, workerID, AssignOptions{})
	if err != nil {
		t.Fatalf("assigning task %q to %q: %v", taskID, workerID, err)
	}
	return work
}

// claimOne polls for the worker and requires exactly one claimed
// record.
func claimOne(t *testing.T, te *testEngine, workerID string) *DelegatedWork {
	t.Helper()
	claimed, err := te.ClaimPending(context.Background(), workerID)
	if err != nil {
		t.Fatalf("claiming for %q: %v", workerID, err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d records for %q, want 1", len(claimed), workerID)
	}
	return claimed[0]
}

// wantCode requires err to be an *Error carrying the given code.
func wantCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want code %q", code)
	}
	if !IsCode(err, code) {
		t.Fatalf("got error %v, want code %q", err, code)
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("error %v does not unwrap to *Error", err)
	}
	return oerr
}
