// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// checkpointColumns is the canonical column order for scanCheckpoint.
const checkpointColumns = `id, work_id, name, data, status, reviewer, created_ms, reviewed_ms`

func scanCheckpoint(stmt *sqlite.Stmt) *Checkpoint {
	var data json.RawMessage
	if raw := stmt.ColumnText(3); raw != "" {
		data = json.RawMessage(raw)
	}
	return &Checkpoint{
		ID:         stmt.ColumnText(0),
		WorkID:     stmt.ColumnText(1),
		Name:       stmt.ColumnText(2),
		Data:       data,
		Status:     CheckpointStatus(stmt.ColumnText(4)),
		Reviewer:   stmt.ColumnText(5),
		CreatedAt:  msToTime(stmt.ColumnInt64(6)),
		ReviewedAt: msToTime(stmt.ColumnInt64(7)),
	}
}

// CreateCheckpoint raises an approval gate on a running work record.
// A work record holds at most one pending checkpoint; raising a
// second is a Conflict. The worker is expected to park in waiting and
// poll until a reviewer decides.
func (e *Engine) CreateCheckpoint(ctx context.Context, workerID, workID, name string, data []byte) (*Checkpoint, error) {
	if name == "" {
		return nil, invalidf("checkpoint name is required")
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
	if work.Status != WorkRunning {
		return nil, conflictf("work %s is %s, checkpoints apply to running work", workID, work.Status)
	}

	pending, err := pendingCheckpoint(conn, workID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, conflictf("work %s already has a pending checkpoint %s", workID, pending.ID)
	}

	now := e.clock.Now()
	checkpoint := &Checkpoint{
		ID:        newID(),
		WorkID:    workID,
		Name:      name,
		Data:      data,
		Status:    CheckpointPending,
		CreatedAt: now,
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO checkpoints (id, work_id, name, data, status, created_ms)
		VALUES (:id, :work_id, :name, :data, :status, :created_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":         checkpoint.ID,
				":work_id":    workID,
				":name":       name,
				":data":       string(data),
				":status":     string(CheckpointPending),
				":created_ms": timeToMS(now),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inserting checkpoint: %w", err)
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   workerID,
		Action:  "checkpoint.created",
		Subject: checkpoint.ID,
		Detail:  map[string]any{"work_id": workID, "name": name},
	})
	return checkpoint, nil
}

// ReviewCheckpoint settles the pending checkpoint on a work record.
// Approve is true for approval, false for rejection. NotFound when no
// checkpoint is pending.
func (e *Engine) ReviewCheckpoint(ctx context.Context, reviewer, workID string, approve bool) (*Checkpoint, error) {
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

	if _, err := loadWork(conn, workID); err != nil {
		return nil, err
	}
	checkpoint, err := pendingCheckpoint(conn, workID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, notFoundf("work %s has no pending checkpoint", workID)
	}

	status := CheckpointRejected
	if approve {
		status = CheckpointApproved
	}
	now := e.clock.Now()
	err = sqlitex.Execute(conn, `
		UPDATE checkpoints SET status = :status, reviewer = :reviewer, reviewed_ms = :now
		WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":status":   string(status),
				":reviewer": reviewer,
				":now":      timeToMS(now),
				":id":       checkpoint.ID,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reviewing checkpoint %s: %w", checkpoint.ID, err)
	}
	checkpoint.Status = status
	checkpoint.Reviewer = reviewer
	checkpoint.ReviewedAt = now

	audits.add(AuditEntry{
		At:      now,
		Actor:   reviewer,
		Action:  "checkpoint.reviewed",
		Subject: checkpoint.ID,
		Detail:  map[string]any{"work_id": workID, "status": string(status)},
	})
	return checkpoint, nil
}

// LatestCheckpoint returns the most recent checkpoint on a work
// record, pending or settled, for worker polling. NotFound when the
// work record has never raised one.
func (e *Engine) LatestCheckpoint(ctx context.Context, workID string) (*Checkpoint, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	if _, err := loadWork(conn, workID); err != nil {
		return nil, err
	}

	var checkpoint *Checkpoint
	err = sqlitex.Execute(conn,
		`SELECT `+checkpointColumns+` FROM checkpoints
		WHERE work_id = :work_id
		ORDER BY created_ms DESC, id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":work_id": workID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checkpoint = scanCheckpoint(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading checkpoint for work %s: %w", workID, err)
	}
	if checkpoint == nil {
		return nil, notFoundf("work %s has no checkpoint", workID)
	}
	return checkpoint, nil
}

// pendingCheckpoint returns the work record's pending checkpoint, or
// nil when none is pending.
func pendingCheckpoint(conn *sqlite.Conn, workID string) (*Checkpoint, error) {
	var checkpoint *Checkpoint
	err := sqlitex.Execute(conn,
		`SELECT `+checkpointColumns+` FROM checkpoints
		WHERE work_id = :work_id AND status = :pending LIMIT 1`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":work_id": workID,
				":pending": string(CheckpointPending),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checkpoint = scanCheckpoint(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: finding pending checkpoint for %s: %w", workID, err)
	}
	return checkpoint, nil
}
