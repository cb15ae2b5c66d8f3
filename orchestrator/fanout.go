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

// FanOut delegates one task to several workers at once and tracks
// them as a join group. Every named worker gets its own work record;
// the group completes when every slot reaches a settled terminal
// state, regardless of individual outcomes. Sibling failures never
// propagate to other members.
func (e *Engine) FanOut(ctx context.Context, actor, taskID string, workerIDs []string, opts AssignOptions) (*FanOutGroup, []*DelegatedWork, error) {
	if len(workerIDs) == 0 {
		return nil, nil, invalidf("fan-out requires at least one worker")
	}
	seen := make(map[string]bool, len(workerIDs))
	for _, workerID := range workerIDs {
		if seen[workerID] {
			return nil, nil, invalidf("duplicate worker %s in fan-out", workerID)
		}
		seen[workerID] = true
	}

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, nil, err
	}
	audits := &auditLog{}
	defer func() {
		if err == nil {
			e.flushAudits(ctx, audits)
		}
	}()
	defer e.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	task, err := loadTask(conn, taskID)
	if err != nil {
		return nil, nil, err
	}

	workers := make([]*Worker, 0, len(workerIDs))
	for _, workerID := range workerIDs {
		var worker *Worker
		worker, err = loadWorker(conn, workerID)
		if err != nil {
			return nil, nil, err
		}
		if err = e.checkCircuit(conn, worker.GroupID); err != nil {
			return nil, nil, err
		}
		workers = append(workers, worker)
	}

	now := e.clock.Now()
	group := &FanOutGroup{
		ID:            newID(),
		TaskID:        taskID,
		ExpectedCount: len(workers),
		Status:        FanOutPending,
		CreatedAt:     now,
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO fanout_groups (id, task_id, expected_count, status, created_ms)
		VALUES (:id, :task_id, :expected_count, :status, :created_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":             group.ID,
				":task_id":        taskID,
				":expected_count": group.ExpectedCount,
				":status":         group.Status,
				":created_ms":     timeToMS(now),
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: inserting fan-out group: %w", err)
	}

	members := make([]*DelegatedWork, 0, len(workers))
	for _, worker := range workers {
		var work *DelegatedWork
		work, err = e.delegate(conn, *task, worker, opts, now)
		if err != nil {
			return nil, nil, err
		}
		err = sqlitex.Execute(conn,
			`UPDATE delegated_work SET fanout_group_id = :group_id WHERE id = :id`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":group_id": group.ID, ":id": work.ID},
			})
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: tagging fan-out member %s: %w", work.ID, err)
		}
		work.FanOutGroupID = group.ID
		members = append(members, work)
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   actor,
		Action:  "fanout.created",
		Subject: group.ID,
		Detail: map[string]any{
			"task_id":        taskID,
			"expected_count": group.ExpectedCount,
		},
	})
	return group, members, nil
}

// GetFanOutGroup returns one join group.
func (e *Engine) GetFanOutGroup(ctx context.Context, groupID string) (*FanOutGroup, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)
	return loadFanOutGroup(conn, groupID)
}

func loadFanOutGroup(conn *sqlite.Conn, groupID string) (*FanOutGroup, error) {
	var group *FanOutGroup
	err := sqlitex.Execute(conn, `
		SELECT id, task_id, expected_count, completed_count, status, created_ms
		FROM fanout_groups WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": groupID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group = &FanOutGroup{
					ID:             stmt.ColumnText(0),
					TaskID:         stmt.ColumnText(1),
					ExpectedCount:  stmt.ColumnInt(2),
					CompletedCount: stmt.ColumnInt(3),
					Status:         stmt.ColumnText(4),
					CreatedAt:      msToTime(stmt.ColumnInt64(5)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading fan-out group %s: %w", groupID, err)
	}
	if group == nil {
		return nil, notFoundf("fan-out group %s not found", groupID)
	}
	return group, nil
}

// advanceFanOut bumps the join counter for a settled member and marks
// the group completed at full count. No-op for work outside a group.
// Runs inside the caller's transaction.
func (e *Engine) advanceFanOut(conn *sqlite.Conn, work *DelegatedWork, now time.Time) error {
	if work.FanOutGroupID == "" {
		return nil
	}
	err := sqlitex.Execute(conn, `
		UPDATE fanout_groups SET completed_count = completed_count + 1 WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": work.FanOutGroupID},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: advancing fan-out group %s: %w", work.FanOutGroupID, err)
	}
	err = sqlitex.Execute(conn, `
		UPDATE fanout_groups SET status = :completed
		WHERE id = :id AND completed_count >= expected_count AND status = :pending`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":completed": FanOutCompleted,
				":pending":   FanOutPending,
				":id":        work.FanOutGroupID,
			},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: completing fan-out group %s: %w", work.FanOutGroupID, err)
	}
	return nil
}
