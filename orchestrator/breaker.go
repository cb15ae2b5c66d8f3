// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateWorkerGroup registers a circuit-breaker cohort. New groups
// start closed.
func (e *Engine) CreateWorkerGroup(ctx context.Context, groupID string) (*WorkerGroup, error) {
	if groupID == "" {
		groupID = newID()
	}

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO worker_groups (id, circuit) VALUES (:id, :circuit)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": groupID, ":circuit": string(CircuitClosed)},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inserting worker group %s: %w", groupID, err)
	}
	return &WorkerGroup{ID: groupID, Circuit: CircuitClosed}, nil
}

// GetWorkerGroup returns one circuit-breaker cohort.
func (e *Engine) GetWorkerGroup(ctx context.Context, groupID string) (*WorkerGroup, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Put(conn)
	return loadWorkerGroup(conn, groupID)
}

func loadWorkerGroup(conn *sqlite.Conn, groupID string) (*WorkerGroup, error) {
	var group *WorkerGroup
	err := sqlitex.Execute(conn,
		`SELECT id, circuit, last_tripped_ms FROM worker_groups WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": groupID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group = &WorkerGroup{
					ID:            stmt.ColumnText(0),
					Circuit:       CircuitState(stmt.ColumnText(1)),
					LastTrippedAt: msToTime(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading worker group %s: %w", groupID, err)
	}
	if group == nil {
		return nil, notFoundf("worker group %s not found", groupID)
	}
	return group, nil
}

// SetCircuit flips a group's circuit state. Opening the circuit
// stamps the trip time.
func (e *Engine) SetCircuit(ctx context.Context, actor, groupID string, state string) (*WorkerGroup, error) {
	parsed, err := ParseCircuitState(state)
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

	group, err := loadWorkerGroup(conn, groupID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	trippedMS := timeToMS(group.LastTrippedAt)
	if parsed == CircuitOpen && group.Circuit != CircuitOpen {
		trippedMS = timeToMS(now)
		group.LastTrippedAt = now
	}
	err = sqlitex.Execute(conn,
		`UPDATE worker_groups SET circuit = :circuit, last_tripped_ms = :tripped_ms WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":circuit":    string(parsed),
				":tripped_ms": trippedMS,
				":id":         groupID,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: setting circuit on %s: %w", groupID, err)
	}
	group.Circuit = parsed

	audits.add(AuditEntry{
		At:      now,
		Actor:   actor,
		Action:  "circuit.set",
		Subject: groupID,
		Detail:  map[string]any{"state": string(parsed)},
	})
	return group, nil
}

// DetectFailureSpikes trips open every closed or half-open group
// whose recent failure count within the anomaly window crosses the
// configured threshold. Returns the group ids tripped. Groups are
// handled independently.
func (e *Engine) DetectFailureSpikes(ctx context.Context) ([]string, error) {
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

	now := e.clock.Now()
	windowStart := timeToMS(now.Add(-e.anomalyWindow))

	// Failure counts per group within the window, for groups whose
	// circuit is not already open.
	type spike struct {
		groupID  string
		failures int
	}
	var spikes []spike
	err = sqlitex.Execute(conn, `
		SELECT w.group_id, COUNT(*) FROM delegated_work w
		JOIN worker_groups g ON g.id = w.group_id
		WHERE w.status = 'failed' AND w.completed_ms >= :window_start
		  AND g.circuit != :open
		GROUP BY w.group_id
		HAVING COUNT(*) >= :threshold`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":window_start": windowStart,
				":open":         string(CircuitOpen),
				":threshold":    e.anomalyThreshold,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				spikes = append(spikes, spike{
					groupID:  stmt.ColumnText(0),
					failures: stmt.ColumnInt(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: detecting failure spikes: %w", err)
	}

	var tripped []string
	for _, s := range spikes {
		err = sqlitex.Execute(conn,
			`UPDATE worker_groups SET circuit = :open, last_tripped_ms = :now WHERE id = :id`,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":open": string(CircuitOpen),
					":now":  timeToMS(now),
					":id":   s.groupID,
				},
			})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: tripping circuit on %s: %w", s.groupID, err)
		}
		tripped = append(tripped, s.groupID)

		e.logger.Warn("failure spike tripped circuit",
			"group_id", s.groupID, "failures", s.failures,
			"window", e.anomalyWindow, "threshold", e.anomalyThreshold)
		audits.add(AuditEntry{
			At:      now,
			Actor:   "anomaly-detector",
			Action:  "circuit.tripped",
			Subject: s.groupID,
			Detail:  map[string]any{"failures": s.failures},
		})
	}
	return tripped, nil
}

// circuitOpen reports whether a worker's group circuit is open. A
// worker outside any group, or in an unregistered group, is never
// gated.
func circuitOpen(conn *sqlite.Conn, groupID string) (bool, error) {
	if groupID == "" {
		return false, nil
	}
	var open bool
	err := sqlitex.Execute(conn,
		`SELECT circuit FROM worker_groups WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": groupID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				open = CircuitState(stmt.ColumnText(0)) == CircuitOpen
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("orchestrator: checking circuit on group %s: %w", groupID, err)
	}
	return open, nil
}

// checkCircuit converts an open circuit into a Conflict.
func (e *Engine) checkCircuit(conn *sqlite.Conn, groupID string) error {
	open, err := circuitOpen(conn, groupID)
	if err != nil {
		return err
	}
	if open {
		return conflictf("worker group %s circuit is open", groupID)
	}
	return nil
}
