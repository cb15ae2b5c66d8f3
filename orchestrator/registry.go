// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// effectiveStatus folds heartbeat staleness into a worker's stored
// status: a worker whose last heartbeat is older than the staleness
// window is offline regardless of what the row says. Transition
// legality is always checked against the effective status, so a stale
// "idle" worker reporting idle again takes the offline-to-idle edge.
func (e *Engine) effectiveStatus(worker *Worker, now time.Time) WorkerStatus {
	if worker.Status == WorkerOffline {
		return WorkerOffline
	}
	if worker.LastHeartbeat.IsZero() || now.Sub(worker.LastHeartbeat) > e.staleness {
		return WorkerOffline
	}
	return worker.Status
}

// Heartbeat records a worker's liveness report and requested status.
// The reported status passes through legacy normalization and the
// transition table; an illegal transition is a Conflict naming the
// legal targets. An empty reported status refreshes the heartbeat
// without moving the state machine.
func (e *Engine) Heartbeat(ctx context.Context, workerID string, reported string) (*Worker, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	worker, err := loadWorker(conn, workerID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	next := e.effectiveStatus(worker, now)
	if reported != "" {
		var requested WorkerStatus
		requested, err = NormalizeWorkerStatus(reported)
		if err != nil {
			return nil, err
		}
		if err = CheckWorkerTransition(next, requested); err != nil {
			return nil, err
		}
		next = requested
	} else if next == WorkerOffline {
		// A bare heartbeat from an offline or stale worker revives
		// it as idle.
		next = WorkerIdle
	}

	err = sqlitex.Execute(conn, `
		UPDATE workers SET status = :status, last_heartbeat_ms = :heartbeat_ms WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":status":       string(next),
				":heartbeat_ms": timeToMS(now),
				":id":           workerID,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: updating heartbeat for %s: %w", workerID, err)
	}

	worker.Status = next
	worker.LastHeartbeat = now
	return worker, nil
}

// GetWorker returns a worker with staleness folded into its status.
func (e *Engine) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	worker, err := loadWorker(conn, workerID)
	if err != nil {
		return nil, err
	}
	worker.Status = e.effectiveStatus(worker, e.clock.Now())
	return worker, nil
}

// SweepStaleWorkers forces workers whose heartbeat fell outside the
// staleness window to offline. The same rule applies lazily on every
// read; the sweep makes the stored rows agree with it. Returns the
// number of workers marked offline.
func (e *Engine) SweepStaleWorkers(ctx context.Context) (int, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer e.pool.Put(conn)

	cutoff := timeToMS(e.clock.Now().Add(-e.staleness))
	err = sqlitex.Execute(conn, `
		UPDATE workers SET status = :offline
		WHERE status != :offline AND last_heartbeat_ms < :cutoff`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":offline": string(WorkerOffline),
				":cutoff":  cutoff,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: sweeping stale workers: %w", err)
	}
	return conn.Changes(), nil
}

// WorkerSettings is the mutable subset of a worker exposed to
// operators. Nil fields are left unchanged.
type WorkerSettings struct {
	MaxConcurrent *int
	Capabilities  []string
	GroupID       *string
}

// UpdateWorkerSettings adjusts a worker's operator-tunable fields.
func (e *Engine) UpdateWorkerSettings(ctx context.Context, actor, workerID string, settings WorkerSettings) (*Worker, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	audits := &auditLog{}
	defer func() {
		if err == nil {
			e.flushAudits(ctx, audits)
		}
	}()
	defer e.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	worker, err := loadWorker(conn, workerID)
	if err != nil {
		return nil, err
	}

	if settings.MaxConcurrent != nil {
		if *settings.MaxConcurrent <= 0 {
			return nil, invalidf("max_concurrent must be positive, got %d", *settings.MaxConcurrent)
		}
		worker.MaxConcurrent = *settings.MaxConcurrent
	}
	if settings.Capabilities != nil {
		worker.Capabilities = settings.Capabilities
	}
	if settings.GroupID != nil {
		worker.GroupID = *settings.GroupID
	}

	if err = saveWorkerSettings(conn, worker); err != nil {
		return nil, err
	}

	audits.add(AuditEntry{
		At:      e.clock.Now(),
		Actor:   actor,
		Action:  "worker.updated",
		Subject: workerID,
		Detail: map[string]any{
			"max_concurrent": worker.MaxConcurrent,
			"group_id":       worker.GroupID,
		},
	})
	return worker, nil
}

func saveWorkerSettings(conn *sqlite.Conn, worker *Worker) error {
	capabilities, err := encodeCapabilities(worker.Capabilities)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		UPDATE workers SET max_concurrent = :max_concurrent, capabilities = :capabilities,
			group_id = :group_id
		WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":max_concurrent": worker.MaxConcurrent,
				":capabilities":   capabilities,
				":group_id":       worker.GroupID,
				":id":             worker.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: updating worker %s: %w", worker.ID, err)
	}
	return nil
}

// Capacity reports a worker's load against its concurrency ceiling.
// A worker is at capacity when its running work count has reached
// max_concurrent; pending work waits without consuming a slot.
func (e *Engine) Capacity(ctx context.Context, workerID string) (*CapacitySnapshot, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)
	return capacitySnapshot(conn, workerID)
}

func capacitySnapshot(conn *sqlite.Conn, workerID string) (*CapacitySnapshot, error) {
	worker, err := loadWorker(conn, workerID)
	if err != nil {
		return nil, err
	}
	running, err := countWork(conn, workerID, WorkRunning)
	if err != nil {
		return nil, err
	}
	pending, err := countWork(conn, workerID, WorkPending)
	if err != nil {
		return nil, err
	}
	return &CapacitySnapshot{
		WorkerID:   workerID,
		Pending:    pending,
		Running:    running,
		AtCapacity: running >= worker.MaxConcurrent,
	}, nil
}
