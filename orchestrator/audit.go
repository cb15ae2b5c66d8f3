// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/fleetwork/lib/sqlitepool"
)

// AuditEntry is one append-only audit record. The audit trail is a
// write-only sink: the engine records retries, cancellations, timeout
// failures, checkpoint reviews, handoffs, and circuit trips, and never
// reads the entries back for its own decisions.
type AuditEntry struct {
	At      time.Time
	Actor   string
	Action  string
	Subject string
	Detail  map[string]any
}

// AuditSink receives audit entries. Implementations must be safe for
// concurrent use and must never fail the calling operation — auditing
// is best-effort by contract.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// auditLog accumulates entries during one engine operation. Entries
// are written through the sink only after the operation's transaction
// has released its connection; a sink writing to the same database
// would otherwise contend with the open write transaction.
type auditLog struct {
	entries []AuditEntry
}

func (l *auditLog) add(entry AuditEntry) {
	l.entries = append(l.entries, entry)
}

// flushAudits writes buffered entries through the sink. Call after
// the transaction commits; skip on error so failed operations leave
// no trace of actions that were rolled back.
func (e *Engine) flushAudits(ctx context.Context, log *auditLog) {
	for _, entry := range log.entries {
		e.audit.Record(ctx, entry)
	}
}

// DiscardAudit drops every entry. Used in tests and in deployments
// where an external sink consumes the audit stream elsewhere.
type DiscardAudit struct{}

func (DiscardAudit) Record(context.Context, AuditEntry) {}

// SQLiteAudit appends entries to the audit_log table. Write failures
// are logged and swallowed: an audit outage must not fail the
// operation being audited.
type SQLiteAudit struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// NewSQLiteAudit creates an audit sink writing to the given pool. The
// audit_log table is part of the engine schema (PrepareSchema).
func NewSQLiteAudit(pool *sqlitepool.Pool, logger *slog.Logger) *SQLiteAudit {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteAudit{pool: pool, logger: logger}
}

func (a *SQLiteAudit) Record(ctx context.Context, entry AuditEntry) {
	detail := []byte("{}")
	if entry.Detail != nil {
		encoded, err := json.Marshal(entry.Detail)
		if err != nil {
			a.logger.Error("audit detail encoding failed",
				"action", entry.Action,
				"subject", entry.Subject,
				"error", err,
			)
		} else {
			detail = encoded
		}
	}

	conn, err := a.pool.Take(ctx)
	if err != nil {
		a.logger.Error("audit write failed: no connection", "error", err)
		return
	}
	defer a.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO audit_log (at_ms, actor, action, subject, detail)
		VALUES (:at_ms, :actor, :action, :subject, :detail)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":at_ms":   entry.At.UnixMilli(),
				":actor":   entry.Actor,
				":action":  entry.Action,
				":subject": entry.Subject,
				":detail":  string(detail),
			},
		})
	if err != nil {
		a.logger.Error("audit write failed",
			"action", entry.Action,
			"subject", entry.Subject,
			"error", err,
		)
	}
}
