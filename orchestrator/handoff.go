// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateHandoff records a context transfer between two work records.
// Both endpoints must exist; the record is immutable and has no
// effect on either lifecycle.
func (e *Engine) CreateHandoff(ctx context.Context, actor, fromWorkID, toWorkID string, payload []byte) (*Handoff, error) {
	if fromWorkID == toWorkID {
		return nil, invalidf("handoff endpoints must differ")
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

	if _, err := loadWork(conn, fromWorkID); err != nil {
		return nil, err
	}
	if _, err := loadWork(conn, toWorkID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	handoff := &Handoff{
		ID:         newID(),
		FromWorkID: fromWorkID,
		ToWorkID:   toWorkID,
		Context:    payload,
		CreatedAt:  now,
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO handoffs (id, from_work_id, to_work_id, context, created_ms)
		VALUES (:id, :from_work_id, :to_work_id, :context, :created_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":           handoff.ID,
				":from_work_id": fromWorkID,
				":to_work_id":   toWorkID,
				":context":      string(payload),
				":created_ms":   timeToMS(now),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inserting handoff: %w", err)
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   actor,
		Action:  "handoff.created",
		Subject: handoff.ID,
		Detail:  map[string]any{"from": fromWorkID, "to": toWorkID},
	})
	return handoff, nil
}

// HandoffsFor lists the handoffs targeting a work record, oldest
// first. Workers call this to pick up inherited context.
func (e *Engine) HandoffsFor(ctx context.Context, toWorkID string) ([]*Handoff, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	if _, err := loadWork(conn, toWorkID); err != nil {
		return nil, err
	}

	var handoffs []*Handoff
	err = sqlitex.Execute(conn, `
		SELECT id, from_work_id, to_work_id, context, created_ms FROM handoffs
		WHERE to_work_id = :to_work_id
		ORDER BY created_ms ASC, id ASC`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":to_work_id": toWorkID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var payload []byte
				if raw := stmt.ColumnText(3); raw != "" {
					payload = []byte(raw)
				}
				handoffs = append(handoffs, &Handoff{
					ID:         stmt.ColumnText(0),
					FromWorkID: stmt.ColumnText(1),
					ToWorkID:   stmt.ColumnText(2),
					Context:    payload,
					CreatedAt:  msToTime(stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing handoffs for %s: %w", toWorkID, err)
	}
	return handoffs, nil
}
