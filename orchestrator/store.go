// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/sqlitepool"
)

// schema is the orchestration engine's relational layout. Timestamps
// are milliseconds since epoch; optional references and timestamps use
// zero/empty sentinels rather than NULL so that scans stay positional
// and total. JSON-shaped fields (capabilities, instruction payloads,
// checkpoint data, handoff context) are serialized text, parsed at the
// boundary.
const schema = `
CREATE TABLE IF NOT EXISTS worker_groups (
	id              TEXT PRIMARY KEY,
	circuit         TEXT NOT NULL DEFAULT 'closed',
	last_tripped_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workers (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	capabilities     TEXT NOT NULL DEFAULT '[]',
	max_concurrent   INTEGER NOT NULL DEFAULT 1,
	current_work_id  TEXT NOT NULL DEFAULT '',
	last_heartbeat_ms INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'offline',
	group_id         TEXT NOT NULL DEFAULT '',
	last_assigned_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_tenant ON workers(tenant_id);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	capability TEXT NOT NULL DEFAULT '',
	created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id);

CREATE TABLE IF NOT EXISTS task_prereqs (
	task_id        TEXT NOT NULL REFERENCES tasks(id),
	prereq_task_id TEXT NOT NULL REFERENCES tasks(id),
	PRIMARY KEY (task_id, prereq_task_id)
);

CREATE TABLE IF NOT EXISTS delegated_work (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	worker_id       TEXT NOT NULL REFERENCES workers(id),
	task_id         TEXT NOT NULL REFERENCES tasks(id),
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	retry_after_ms  INTEGER NOT NULL DEFAULT 0,
	timeout_minutes INTEGER NOT NULL DEFAULT 0,
	created_ms      INTEGER NOT NULL,
	started_ms      INTEGER NOT NULL DEFAULT 0,
	completed_ms    INTEGER NOT NULL DEFAULT 0,
	cancelled_ms    INTEGER NOT NULL DEFAULT 0,
	cancelled_by    TEXT NOT NULL DEFAULT '',
	cancel_reason   TEXT NOT NULL DEFAULT '',
	fanout_group_id TEXT NOT NULL DEFAULT '',
	group_id        TEXT NOT NULL DEFAULT '',
	instructions    TEXT NOT NULL DEFAULT '',
	retried_from    TEXT NOT NULL DEFAULT '',
	review          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_work_worker_status ON delegated_work(worker_id, status);
CREATE INDEX IF NOT EXISTS idx_work_status ON delegated_work(status);
CREATE INDEX IF NOT EXISTS idx_work_task ON delegated_work(task_id);
CREATE INDEX IF NOT EXISTS idx_work_fanout ON delegated_work(fanout_group_id);

CREATE TABLE IF NOT EXISTS fanout_groups (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL REFERENCES tasks(id),
	expected_count  INTEGER NOT NULL,
	completed_count INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	created_ms      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	work_id     TEXT NOT NULL REFERENCES delegated_work(id),
	name        TEXT NOT NULL,
	data        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	reviewer    TEXT NOT NULL DEFAULT '',
	created_ms  INTEGER NOT NULL,
	reviewed_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_work ON checkpoints(work_id);

CREATE TABLE IF NOT EXISTS handoffs (
	id           TEXT PRIMARY KEY,
	from_work_id TEXT NOT NULL REFERENCES delegated_work(id),
	to_work_id   TEXT NOT NULL REFERENCES delegated_work(id),
	context      TEXT NOT NULL DEFAULT '',
	created_ms   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms   INTEGER NOT NULL,
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '{}'
);
`

// PrepareSchema creates the orchestration tables if they do not
// exist. Pass it as the sqlitepool OnConnect callback so every
// connection sees the schema.
func PrepareSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("orchestrator: creating schema: %w", err)
	}
	return nil
}

// ReadyFunc decides whether a task's prerequisites are satisfied.
// Inject a custom predicate when the planning application owns
// dependency semantics; when nil, the engine's default treats a task
// as ready when it has no unfinished prerequisite in task_prereqs.
type ReadyFunc func(ctx context.Context, task Task) (bool, error)

// Config configures an Engine. Pool is required; every other field
// has a sensible default.
type Config struct {
	// Pool is the SQLite connection pool. Required. Open it with
	// PrepareSchema as the OnConnect callback.
	Pool *sqlitepool.Pool

	// Clock abstracts time. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *slog.Logger

	// Audit receives append-only audit entries. Defaults to
	// DiscardAudit.
	Audit AuditSink

	// Ready overrides the default readiness predicate.
	Ready ReadyFunc

	// Staleness is the heartbeat window after which a worker is
	// forced offline. Defaults to 5 minutes.
	Staleness time.Duration

	// AnomalyThreshold is the failure count within AnomalyWindow
	// that trips a worker group's circuit. Defaults to 5.
	AnomalyThreshold int

	// AnomalyWindow is the sliding window for failure-spike
	// detection. Defaults to 10 minutes.
	AnomalyWindow time.Duration
}

// Engine is the orchestration engine. All methods are safe for
// concurrent use; each operation takes a pool connection for its
// duration and mutations run inside a transaction.
type Engine struct {
	pool             *sqlitepool.Pool
	clock            clock.Clock
	logger           *slog.Logger
	audit            AuditSink
	ready            ReadyFunc
	staleness        time.Duration
	anomalyThreshold int
	anomalyWindow    time.Duration
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Pool == nil {
		panic("orchestrator: Config.Pool is required")
	}
	engine := &Engine{
		pool:             cfg.Pool,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		audit:            cfg.Audit,
		ready:            cfg.Ready,
		staleness:        cfg.Staleness,
		anomalyThreshold: cfg.AnomalyThreshold,
		anomalyWindow:    cfg.AnomalyWindow,
	}
	if engine.clock == nil {
		engine.clock = clock.Real()
	}
	if engine.logger == nil {
		engine.logger = slog.New(slog.DiscardHandler)
	}
	if engine.audit == nil {
		engine.audit = DiscardAudit{}
	}
	if engine.staleness <= 0 {
		engine.staleness = 5 * time.Minute
	}
	if engine.anomalyThreshold <= 0 {
		engine.anomalyThreshold = 5
	}
	if engine.anomalyWindow <= 0 {
		engine.anomalyWindow = 10 * time.Minute
	}
	return engine
}

// newID returns a fresh entity identifier.
func newID() string { return uuid.NewString() }

// encodeCapabilities renders a capability list as stored JSON. A nil
// list stores as the empty array so scans stay total.
func encodeCapabilities(capabilities []string) (string, error) {
	if capabilities == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encoding capabilities: %w", err)
	}
	return string(raw), nil
}

// msToTime converts a stored millisecond timestamp to time.Time. The
// zero sentinel maps to the zero time.
func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// timeToMS converts a time.Time to its stored millisecond form. The
// zero time maps to the zero sentinel.
func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// workerColumns is the canonical column order for scanWorker.
const workerColumns = `id, tenant_id, capabilities, max_concurrent, current_work_id,
	last_heartbeat_ms, status, group_id, last_assigned_ms`

func scanWorker(stmt *sqlite.Stmt) (*Worker, error) {
	var capabilities []string
	if raw := stmt.ColumnText(2); raw != "" {
		if err := json.Unmarshal([]byte(raw), &capabilities); err != nil {
			return nil, fmt.Errorf("orchestrator: worker %s capabilities: %w", stmt.ColumnText(0), err)
		}
	}
	return &Worker{
		ID:            stmt.ColumnText(0),
		TenantID:      stmt.ColumnText(1),
		Capabilities:  capabilities,
		MaxConcurrent: stmt.ColumnInt(3),
		CurrentWorkID: stmt.ColumnText(4),
		LastHeartbeat: msToTime(stmt.ColumnInt64(5)),
		Status:        WorkerStatus(stmt.ColumnText(6)),
		GroupID:       stmt.ColumnText(7),
		LastAssigned:  msToTime(stmt.ColumnInt64(8)),
	}, nil
}

// workColumns is the canonical column order for scanWork.
const workColumns = `id, tenant_id, worker_id, task_id, status, retry_count, max_retries,
	retry_after_ms, timeout_minutes, created_ms, started_ms, completed_ms, cancelled_ms,
	cancelled_by, cancel_reason, fanout_group_id, group_id, instructions, retried_from, review`

func scanWork(stmt *sqlite.Stmt) *DelegatedWork {
	var instructions json.RawMessage
	if raw := stmt.ColumnText(17); raw != "" {
		instructions = json.RawMessage(raw)
	}
	return &DelegatedWork{
		ID:             stmt.ColumnText(0),
		TenantID:       stmt.ColumnText(1),
		WorkerID:       stmt.ColumnText(2),
		TaskID:         stmt.ColumnText(3),
		Status:         WorkStatus(stmt.ColumnText(4)),
		RetryCount:     stmt.ColumnInt(5),
		MaxRetries:     stmt.ColumnInt(6),
		RetryAfter:     msToTime(stmt.ColumnInt64(7)),
		TimeoutMinutes: stmt.ColumnInt(8),
		CreatedAt:      msToTime(stmt.ColumnInt64(9)),
		StartedAt:      msToTime(stmt.ColumnInt64(10)),
		CompletedAt:    msToTime(stmt.ColumnInt64(11)),
		CancelledAt:    msToTime(stmt.ColumnInt64(12)),
		CancelledBy:    stmt.ColumnText(13),
		CancelReason:   stmt.ColumnText(14),
		FanOutGroupID:  stmt.ColumnText(15),
		GroupID:        stmt.ColumnText(16),
		Instructions:   instructions,
		RetriedFrom:    stmt.ColumnText(18),
		Review:         ReviewVerdict(stmt.ColumnText(19)),
	}
}

// loadWorker fetches a worker row. Returns NotFound if absent.
func loadWorker(conn *sqlite.Conn, workerID string) (*Worker, error) {
	var worker *Worker
	var scanErr error
	err := sqlitex.Execute(conn,
		`SELECT `+workerColumns+` FROM workers WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": workerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				worker, scanErr = scanWorker(stmt)
				return scanErr
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading worker %s: %w", workerID, err)
	}
	if worker == nil {
		return nil, notFoundf("worker %s not found", workerID)
	}
	return worker, nil
}

// loadWork fetches a delegated-work row. Returns NotFound if absent.
func loadWork(conn *sqlite.Conn, workID string) (*DelegatedWork, error) {
	var work *DelegatedWork
	err := sqlitex.Execute(conn,
		`SELECT `+workColumns+` FROM delegated_work WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": workID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				work = scanWork(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading delegated work %s: %w", workID, err)
	}
	if work == nil {
		return nil, notFoundf("delegated work %s not found", workID)
	}
	return work, nil
}

// loadTask fetches a task row. Returns NotFound if absent.
func loadTask(conn *sqlite.Conn, taskID string) (*Task, error) {
	var task *Task
	err := sqlitex.Execute(conn,
		`SELECT id, tenant_id, capability, created_ms FROM tasks WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = &Task{
					ID:         stmt.ColumnText(0),
					TenantID:   stmt.ColumnText(1),
					Capability: stmt.ColumnText(2),
					CreatedAt:  msToTime(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading task %s: %w", taskID, err)
	}
	if task == nil {
		return nil, notFoundf("task %s not found", taskID)
	}
	return task, nil
}

// countWork counts a worker's delegated work in the given status.
func countWork(conn *sqlite.Conn, workerID string, status WorkStatus) (int, error) {
	var count int
	err := sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM delegated_work WHERE worker_id = :worker_id AND status = :status`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":worker_id": workerID, ":status": string(status)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: counting %s work for %s: %w", status, workerID, err)
	}
	return count, nil
}

// insertWork writes a new delegated-work row.
func insertWork(conn *sqlite.Conn, work *DelegatedWork) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO delegated_work (
			id, tenant_id, worker_id, task_id, status, retry_count, max_retries,
			retry_after_ms, timeout_minutes, created_ms, fanout_group_id, group_id,
			instructions, retried_from
		) VALUES (
			:id, :tenant_id, :worker_id, :task_id, :status, :retry_count, :max_retries,
			:retry_after_ms, :timeout_minutes, :created_ms, :fanout_group_id, :group_id,
			:instructions, :retried_from
		)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":              work.ID,
				":tenant_id":       work.TenantID,
				":worker_id":       work.WorkerID,
				":task_id":         work.TaskID,
				":status":          string(work.Status),
				":retry_count":     work.RetryCount,
				":max_retries":     work.MaxRetries,
				":retry_after_ms":  timeToMS(work.RetryAfter),
				":timeout_minutes": work.TimeoutMinutes,
				":created_ms":      timeToMS(work.CreatedAt),
				":fanout_group_id": work.FanOutGroupID,
				":group_id":        work.GroupID,
				":instructions":    string(work.Instructions),
				":retried_from":    work.RetriedFrom,
			},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: inserting delegated work %s: %w", work.ID, err)
	}
	return nil
}

// clearWorkerPointer empties a worker's current-work pointer if it
// references the given work record.
func clearWorkerPointer(conn *sqlite.Conn, workerID, workID string) error {
	err := sqlitex.Execute(conn, `
		UPDATE workers SET current_work_id = ''
		WHERE id = :worker_id AND current_work_id = :work_id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":worker_id": workerID, ":work_id": workID},
		})
	if err != nil {
		return fmt.Errorf("orchestrator: clearing current work pointer on %s: %w", workerID, err)
	}
	return nil
}

// CreateWorker registers a worker. Real fleets provision workers out
// of band; this surface exists for fixtures and the provisioning
// collaborator.
func (e *Engine) CreateWorker(ctx context.Context, worker Worker) (*Worker, error) {
	if worker.ID == "" {
		worker.ID = newID()
	}
	if worker.TenantID == "" {
		return nil, invalidf("worker tenant_id is required")
	}
	if worker.MaxConcurrent <= 0 {
		worker.MaxConcurrent = 1
	}
	if worker.Status == "" {
		worker.Status = WorkerOffline
	}
	if _, ok := workerTransitions[worker.Status]; !ok {
		return nil, invalidf("unknown worker status %q", string(worker.Status))
	}

	capabilities, err := encodeCapabilities(worker.Capabilities)
	if err != nil {
		return nil, err
	}

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO workers (id, tenant_id, capabilities, max_concurrent, status, group_id, last_heartbeat_ms)
		VALUES (:id, :tenant_id, :capabilities, :max_concurrent, :status, :group_id, :last_heartbeat_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":                worker.ID,
				":tenant_id":         worker.TenantID,
				":capabilities":      capabilities,
				":max_concurrent":    worker.MaxConcurrent,
				":status":            string(worker.Status),
				":group_id":          worker.GroupID,
				":last_heartbeat_ms": timeToMS(worker.LastHeartbeat),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inserting worker %s: %w", worker.ID, err)
	}
	return &worker, nil
}

// CreateTask registers a source task with optional prerequisites.
// Task content lives in the planning application; the engine stores
// only the scheduling surface.
func (e *Engine) CreateTask(ctx context.Context, task Task, prereqTaskIDs ...string) (*Task, error) {
	if task.ID == "" {
		task.ID = newID()
	}
	if task.TenantID == "" {
		return nil, invalidf("task tenant_id is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = e.clock.Now()
	}

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO tasks (id, tenant_id, capability, created_ms)
		VALUES (:id, :tenant_id, :capability, :created_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":         task.ID,
				":tenant_id":  task.TenantID,
				":capability": task.Capability,
				":created_ms": timeToMS(task.CreatedAt),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inserting task %s: %w", task.ID, err)
	}

	for _, prereqID := range prereqTaskIDs {
		err = sqlitex.Execute(conn, `
			INSERT INTO task_prereqs (task_id, prereq_task_id) VALUES (:task_id, :prereq_task_id)`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":task_id": task.ID, ":prereq_task_id": prereqID},
			})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: inserting prereq %s for task %s: %w", prereqID, task.ID, err)
		}
	}
	return &task, nil
}

// GetWork returns one delegated-work record.
func (e *Engine) GetWork(ctx context.Context, workID string) (*DelegatedWork, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)
	return loadWork(conn, workID)
}

// Tenants lists every tenant with at least one registered task,
// sorted. The scheduling trigger iterates this list when no tenant is
// named explicitly.
func (e *Engine) Tenants(ctx context.Context) ([]string, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	var tenants []string
	err = sqlitex.Execute(conn, `
		SELECT DISTINCT tenant_id FROM tasks ORDER BY tenant_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tenants = append(tenants, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing tenants: %w", err)
	}
	return tenants, nil
}
