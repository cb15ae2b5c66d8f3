// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// defaultMaxRetries is the retry ceiling applied when an assignment
// does not specify one.
const defaultMaxRetries = 3

// AssignOptions carries the optional knobs of a work assignment.
type AssignOptions struct {
	// Instructions is an opaque JSON payload handed to the worker.
	Instructions []byte

	// MaxRetries caps automatic retries. Defaults to 3. Negative
	// means no retries.
	MaxRetries *int

	// TimeoutMinutes is the execution budget once running. Zero
	// means no timeout.
	TimeoutMinutes int
}

// ScheduleReadyTasks finds the tenant's unscheduled ready tasks and
// delegates each to the most eligible worker. A task with no eligible
// worker is skipped with a diagnostic log; scheduling shortfall is
// never an error. Returns the work records created, oldest task
// first.
func (e *Engine) ScheduleReadyTasks(ctx context.Context, tenantID string) ([]*DelegatedWork, error) {
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

	tasks, err := unscheduledTasks(conn, tenantID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	var created []*DelegatedWork
	for _, task := range tasks {
		var ready bool
		ready, err = e.taskReady(ctx, conn, task)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		var worker *Worker
		worker, err = e.pickWorker(conn, task, now)
		if err != nil {
			return nil, err
		}
		if worker == nil {
			e.logger.Debug("no eligible worker for task",
				"task_id", task.ID, "capability", task.Capability)
			continue
		}
		var work *DelegatedWork
		work, err = e.delegate(conn, task, worker, AssignOptions{}, now)
		if err != nil {
			return nil, err
		}
		created = append(created, work)
	}

	for _, work := range created {
		audits.add(AuditEntry{
			At:      now,
			Actor:   "scheduler",
			Action:  "work.scheduled",
			Subject: work.ID,
			Detail:  map[string]any{"task_id": work.TaskID, "worker_id": work.WorkerID},
		})
	}
	return created, nil
}

// AssignWorker delegates a task directly to a named worker, bypassing
// the eligibility search. The group circuit must not be open. A
// worker at capacity still accepts the record; it waits pending until
// a slot frees.
func (e *Engine) AssignWorker(ctx context.Context, actor, taskID, workerID string, opts AssignOptions) (*DelegatedWork, error) {
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

	task, err := loadTask(conn, taskID)
	if err != nil {
		return nil, err
	}
	worker, err := loadWorker(conn, workerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkCircuit(conn, worker.GroupID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	work, err := e.delegate(conn, *task, worker, opts, now)
	if err != nil {
		return nil, err
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   actor,
		Action:  "work.assigned",
		Subject: work.ID,
		Detail:  map[string]any{"task_id": taskID, "worker_id": workerID},
	})
	return work, nil
}

// delegate creates the pending work record and stamps the worker's
// assignment time. Runs inside the caller's transaction.
func (e *Engine) delegate(conn *sqlite.Conn, task Task, worker *Worker, opts AssignOptions, now time.Time) (*DelegatedWork, error) {
	maxRetries := defaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
		if maxRetries < 0 {
			maxRetries = 0
		}
	}
	work := &DelegatedWork{
		ID:             newID(),
		TenantID:       task.TenantID,
		WorkerID:       worker.ID,
		TaskID:         task.ID,
		Status:         WorkPending,
		MaxRetries:     maxRetries,
		TimeoutMinutes: opts.TimeoutMinutes,
		CreatedAt:      now,
		GroupID:        worker.GroupID,
		Instructions:   opts.Instructions,
	}
	if err := insertWork(conn, work); err != nil {
		return nil, err
	}

	err := sqlitex.Execute(conn,
		`UPDATE workers SET last_assigned_ms = :now WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":now": timeToMS(now), ":id": worker.ID},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stamping assignment on %s: %w", worker.ID, err)
	}
	return work, nil
}

// unscheduledTasks returns the tenant's tasks with no delegated work,
// oldest first.
func unscheduledTasks(conn *sqlite.Conn, tenantID string) ([]Task, error) {
	var tasks []Task
	err := sqlitex.Execute(conn, `
		SELECT t.id, t.tenant_id, t.capability, t.created_ms FROM tasks t
		WHERE t.tenant_id = :tenant_id
		  AND NOT EXISTS (SELECT 1 FROM delegated_work w WHERE w.task_id = t.id)
		ORDER BY t.created_ms ASC, t.id ASC`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":tenant_id": tenantID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, Task{
					ID:         stmt.ColumnText(0),
					TenantID:   stmt.ColumnText(1),
					Capability: stmt.ColumnText(2),
					CreatedAt:  msToTime(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing unscheduled tasks: %w", err)
	}
	return tasks, nil
}

// taskReady applies the readiness predicate. The default treats a
// task as ready when every prerequisite task has at least one
// completed work record.
func (e *Engine) taskReady(ctx context.Context, conn *sqlite.Conn, task Task) (bool, error) {
	if e.ready != nil {
		return e.ready(ctx, task)
	}
	var blocked bool
	err := sqlitex.Execute(conn, `
		SELECT 1 FROM task_prereqs p
		WHERE p.task_id = :task_id
		  AND NOT EXISTS (
			SELECT 1 FROM delegated_work w
			WHERE w.task_id = p.prereq_task_id AND w.status = 'completed')
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":task_id": task.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blocked = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("orchestrator: checking readiness of task %s: %w", task.ID, err)
	}
	return !blocked, nil
}

// candidate pairs a worker with its load for selection.
type candidate struct {
	worker  *Worker
	running int
}

// pickWorker selects the most eligible worker for a task: capability
// match, not offline after staleness, under capacity, group circuit
// not open. Least running work wins; ties break to the least recently
// assigned, then worker id.
func (e *Engine) pickWorker(conn *sqlite.Conn, task Task, now time.Time) (*Worker, error) {
	var workers []*Worker
	var scanErr error
	err := sqlitex.Execute(conn,
		`SELECT `+workerColumns+` FROM workers WHERE tenant_id = :tenant_id ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":tenant_id": task.TenantID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				worker, err := scanWorker(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				workers = append(workers, worker)
				return nil
			},
		})
	if err != nil {
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, fmt.Errorf("orchestrator: listing workers for tenant %s: %w", task.TenantID, err)
	}

	var candidates []candidate
	for _, worker := range workers {
		if e.effectiveStatus(worker, now) == WorkerOffline {
			continue
		}
		if task.Capability != "" && !slices.Contains(worker.Capabilities, task.Capability) {
			continue
		}
		open, err := circuitOpen(conn, worker.GroupID)
		if err != nil {
			return nil, err
		}
		if open {
			continue
		}
		running, err := countWork(conn, worker.ID, WorkRunning)
		if err != nil {
			return nil, err
		}
		if running >= worker.MaxConcurrent {
			continue
		}
		candidates = append(candidates, candidate{worker: worker, running: running})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if a.running != b.running {
			return a.running - b.running
		}
		if !a.worker.LastAssigned.Equal(b.worker.LastAssigned) {
			if a.worker.LastAssigned.Before(b.worker.LastAssigned) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.worker.ID, b.worker.ID)
	})
	return candidates[0].worker, nil
}
