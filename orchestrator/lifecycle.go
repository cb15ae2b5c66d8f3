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

// ClaimPending is the worker poll: it claims the worker's oldest
// pending work up to the free capacity, transitions each claimed
// record to running, and refreshes the worker's heartbeat. Pending
// records whose retry delay has not yet elapsed are skipped. A worker
// in an open-circuit group claims nothing. Returns the claimed
// records, oldest first; an empty result is normal.
func (e *Engine) ClaimPending(ctx context.Context, workerID string) ([]*DelegatedWork, error) {
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

	now := e.clock.Now()

	open, err := circuitOpen(conn, worker.GroupID)
	if err != nil {
		return nil, err
	}

	var claimed []*DelegatedWork
	if !open {
		var running int
		running, err = countWork(conn, workerID, WorkRunning)
		if err != nil {
			return nil, err
		}
		if free := worker.MaxConcurrent - running; free > 0 {
			claimed, err = claimOldestPending(conn, workerID, free, now)
			if err != nil {
				return nil, err
			}
		}
	} else {
		e.logger.Debug("circuit open, withholding work",
			"worker_id", workerID, "group_id", worker.GroupID)
	}

	// Poll doubles as heartbeat: a stale or offline worker revives as
	// idle. A claim moves the worker to working only when the table
	// allows the edge; an error or recovering worker keeps its status
	// and must recover through an explicit heartbeat.
	status := e.effectiveStatus(worker, now)
	if status == WorkerOffline {
		status = WorkerIdle
	}
	if len(claimed) > 0 && CheckWorkerTransition(status, WorkerWorking) == nil {
		status = WorkerWorking
	}

	currentWorkID := worker.CurrentWorkID
	if len(claimed) > 0 {
		currentWorkID = claimed[0].ID
	}
	err = sqlitex.Execute(conn, `
		UPDATE workers SET status = :status, last_heartbeat_ms = :heartbeat_ms,
			current_work_id = :current_work_id
		WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":status":          string(status),
				":heartbeat_ms":    timeToMS(now),
				":current_work_id": currentWorkID,
				":id":              workerID,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: updating worker %s after poll: %w", workerID, err)
	}

	for _, work := range claimed {
		audits.add(AuditEntry{
			At:      now,
			Actor:   workerID,
			Action:  "work.claimed",
			Subject: work.ID,
			Detail:  map[string]any{"task_id": work.TaskID},
		})
	}
	return claimed, nil
}

// claimOldestPending moves up to limit pending records to running.
func claimOldestPending(conn *sqlite.Conn, workerID string, limit int, now time.Time) ([]*DelegatedWork, error) {
	var claimed []*DelegatedWork
	err := sqlitex.Execute(conn,
		`SELECT `+workColumns+` FROM delegated_work
		WHERE worker_id = :worker_id AND status = 'pending' AND retry_after_ms <= :now
		ORDER BY created_ms ASC, id ASC
		LIMIT :limit`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":worker_id": workerID,
				":now":       timeToMS(now),
				":limit":     limit,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				claimed = append(claimed, scanWork(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: selecting claimable work for %s: %w", workerID, err)
	}

	for _, work := range claimed {
		err := sqlitex.Execute(conn, `
			UPDATE delegated_work SET status = 'running', started_ms = :now WHERE id = :id`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":now": timeToMS(now), ":id": work.ID},
			})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: claiming work %s: %w", work.ID, err)
		}
		work.Status = WorkRunning
		work.StartedAt = now
	}
	return claimed, nil
}

// ReportOutcome records a worker's terminal report on a running work
// record. Outcome must be "completed" or "failed". Failure spawns a
// retry while the ceiling allows; completion of a fan-out member
// advances the group counter either way.
func (e *Engine) ReportOutcome(ctx context.Context, workerID, workID, outcome string) (*DelegatedWork, error) {
	var status WorkStatus
	switch outcome {
	case string(WorkCompleted):
		status = WorkCompleted
	case string(WorkFailed):
		status = WorkFailed
	default:
		return nil, invalidf("outcome must be %q or %q, got %q", WorkCompleted, WorkFailed, outcome)
	}

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

	work, err := loadWork(conn, workID)
	if err != nil {
		return nil, err
	}
	if work.WorkerID != workerID {
		return nil, forbiddenf("work %s is not delegated to worker %s", workID, workerID)
	}
	if work.Status.IsTerminal() {
		return nil, conflictf("work %s is already %s", workID, work.Status)
	}
	if work.Status != WorkRunning {
		return nil, conflictWithStates([]string{string(WorkRunning)},
			"work %s is %s, outcomes apply to running work", workID, work.Status)
	}

	now := e.clock.Now()
	if err = e.finishWork(conn, work, status, now, audits); err != nil {
		return nil, err
	}

	// The worker drops back to idle once nothing else is running.
	running, err := countWork(conn, workerID, WorkRunning)
	if err != nil {
		return nil, err
	}
	if running == 0 {
		err = sqlitex.Execute(conn,
			`UPDATE workers SET status = :status WHERE id = :id AND status = :working`,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":status":  string(WorkerIdle),
					":id":      workerID,
					":working": string(WorkerWorking),
				},
			})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: idling worker %s: %w", workerID, err)
		}
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   workerID,
		Action:  "work." + outcome,
		Subject: workID,
		Detail:  map[string]any{"task_id": work.TaskID},
	})
	return work, nil
}

// finishWork moves a non-terminal record to the given terminal
// status, clears the worker pointer, advances any fan-out group, and
// spawns the retry on failure. Runs inside the caller's transaction.
func (e *Engine) finishWork(conn *sqlite.Conn, work *DelegatedWork, status WorkStatus, now time.Time, audits *auditLog) error {
	err := sqlitex.Execute(conn, `
		UPDATE delegated_work SET status = :status, completed_ms = :now WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":status": string(status),
				":now":    timeToMS(now),
				":id":     work.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: finishing work %s: %w", work.ID, err)
	}
	work.Status = status
	work.CompletedAt = now

	if err := clearWorkerPointer(conn, work.WorkerID, work.ID); err != nil {
		return err
	}

	// A failure with retries left hands its fan-out slot to the
	// replacement record; the join counter only advances when a slot
	// is finally settled.
	retried := false
	if status == WorkFailed {
		retried, err = e.spawnRetry(conn, work, now, audits)
		if err != nil {
			return err
		}
	}
	if !retried {
		if err := e.advanceFanOut(conn, work, now); err != nil {
			return err
		}
	}
	return nil
}

// Cancel terminates a pending or running work record. The worker is
// not notified; it learns on its next poll or outcome report.
func (e *Engine) Cancel(ctx context.Context, workID, cancelledBy, reason string) (*DelegatedWork, error) {
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

	work, err := loadWork(conn, workID)
	if err != nil {
		return nil, err
	}
	if work.Status.IsTerminal() {
		return nil, conflictf("work %s is already %s", workID, work.Status)
	}

	now := e.clock.Now()
	err = sqlitex.Execute(conn, `
		UPDATE delegated_work SET status = 'cancelled', cancelled_ms = :now,
			cancelled_by = :by, cancel_reason = :reason
		WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":now":    timeToMS(now),
				":by":     cancelledBy,
				":reason": reason,
				":id":     workID,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cancelling work %s: %w", workID, err)
	}
	work.Status = WorkCancelled
	work.CancelledAt = now
	work.CancelledBy = cancelledBy
	work.CancelReason = reason

	if err = clearWorkerPointer(conn, work.WorkerID, work.ID); err != nil {
		return nil, err
	}
	if err = e.advanceFanOut(conn, work, now); err != nil {
		return nil, err
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   cancelledBy,
		Action:  "work.cancelled",
		Subject: workID,
		Detail:  map[string]any{"reason": reason},
	})
	return work, nil
}

// SweepTimeouts force-fails running work whose execution budget has
// elapsed. Failures go through the usual retry policy. Each record is
// handled independently; one bad record does not stop the sweep.
// Returns the number of records timed out.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	// Each record is settled in its own savepoint, so sweep audits
	// flush regardless of the aggregate error.
	audits := &auditLog{}
	defer e.flushAudits(ctx, audits)
	defer e.pool.Put(conn)

	now := e.clock.Now()

	var overdue []*DelegatedWork
	err = sqlitex.Execute(conn,
		`SELECT `+workColumns+` FROM delegated_work
		WHERE status = 'running' AND timeout_minutes > 0 AND started_ms > 0
		  AND started_ms + timeout_minutes * 60000 <= :now
		ORDER BY started_ms ASC`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":now": timeToMS(now)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				overdue = append(overdue, scanWork(stmt))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: selecting overdue work: %w", err)
	}

	swept := 0
	for _, work := range overdue {
		if err := e.timeoutOne(conn, work, now, audits); err != nil {
			e.logger.Error("timing out work", "work_id", work.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (e *Engine) timeoutOne(conn *sqlite.Conn, work *DelegatedWork, now time.Time, audits *auditLog) (err error) {
	defer sqlitex.Save(conn)(&err)

	// Sub-buffer: a rolled-back record must not leak audit entries
	// into the sweep's flush.
	sub := &auditLog{}
	if err = e.finishWork(conn, work, WorkFailed, now, sub); err != nil {
		return err
	}
	sub.add(AuditEntry{
		At:      now,
		Actor:   "sweeper",
		Action:  "work.timeout",
		Subject: work.ID,
		Detail: map[string]any{
			"timeout_minutes": work.TimeoutMinutes,
			"started_at":      work.StartedAt.UnixMilli(),
		},
	})
	audits.entries = append(audits.entries, sub.entries...)
	return nil
}

// Review annotates a terminal work record with an operator verdict.
// The annotation never reopens the lifecycle.
func (e *Engine) Review(ctx context.Context, actor, workID, verdict string) (*DelegatedWork, error) {
	parsed, err := ParseReviewVerdict(verdict)
	if err != nil {
		return nil, err
	}

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

	work, err := loadWork(conn, workID)
	if err != nil {
		return nil, err
	}
	if !work.Status.IsTerminal() {
		return nil, conflictf("work %s is %s, review applies to finished work", workID, work.Status)
	}

	err = sqlitex.Execute(conn,
		`UPDATE delegated_work SET review = :review WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":review": string(parsed), ":id": workID},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reviewing work %s: %w", workID, err)
	}
	work.Review = parsed

	audits.add(AuditEntry{
		At:      e.clock.Now(),
		Actor:   actor,
		Action:  "work.reviewed",
		Subject: workID,
		Detail:  map[string]any{"verdict": string(parsed)},
	})
	return work, nil
}
