// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"time"
)

// Worker is one remote bot process registered with the fleet. Workers
// are entirely out of process; this record tracks reachability,
// operating status, and assignment capacity.
type Worker struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	// Capabilities is the set of task capabilities this worker can
	// execute. A task with an empty capability requirement matches
	// any worker.
	Capabilities []string `json:"capabilities"`

	// MaxConcurrent caps the number of delegated-work records this
	// worker may have running at once. The count of running records
	// never exceeds this value.
	MaxConcurrent int `json:"max_concurrent"`

	// CurrentWorkID points at the most recently claimed unit of
	// work, cleared when that unit reaches a terminal state. Empty
	// when nothing is claimed.
	CurrentWorkID string `json:"current_work_id,omitempty"`

	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Status        WorkerStatus `json:"status"`

	// GroupID is the worker's optional cohort for circuit breaking.
	GroupID string `json:"group_id,omitempty"`

	// LastAssigned is when the scheduler last created work for this
	// worker. Used as the tie-break among equally loaded workers.
	LastAssigned time.Time `json:"last_assigned,omitempty"`
}

// Task is a unit of source work awaiting delegation. The surrounding
// planning application owns task content; the engine needs only the
// scheduling surface.
type Task struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	// Capability a worker must declare to execute this task. Empty
	// matches any worker.
	Capability string `json:"capability,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DelegatedWork is one unit of work assigned to a specific worker.
// Status transitions are monotonic along the lifecycle state machine;
// a retried attempt is a new record carrying a RetriedFrom
// back-reference, never a resurrection of the failed one.
type DelegatedWork struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`

	Status WorkStatus `json:"status"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// RetryAfter is the earliest time a retry record becomes
	// claimable. Zero for first attempts.
	RetryAfter time.Time `json:"retry_after,omitempty"`

	// TimeoutMinutes is the optional execution budget. Zero means no
	// timeout; the sweep skips records without a budget.
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`

	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	// FanOutGroupID ties sibling records spawned by one fan-out call.
	FanOutGroupID string `json:"fanout_group_id,omitempty"`

	// GroupID is the owning worker's group at creation time, carried
	// on the record so failure-spike detection can attribute failures
	// to a cohort.
	GroupID string `json:"group_id,omitempty"`

	// Instructions is the optional structured instruction payload,
	// stored as serialized JSON and parsed at the boundary.
	Instructions json.RawMessage `json:"instructions,omitempty"`

	// RetriedFrom references the failed record this one retries.
	RetriedFrom string `json:"retried_from,omitempty"`

	// Review is the optional post-terminal annotation. It does not
	// re-open the lifecycle.
	Review ReviewVerdict `json:"review,omitempty"`
}

// FanOutGroup tracks N sibling DelegatedWork records spawned from one
// source task. CompletedCount counts members that reached any terminal
// state; the group completes when every member finished, regardless of
// individual outcomes.
type FanOutGroup struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	ExpectedCount  int       `json:"expected_count"`
	CompletedCount int       `json:"completed_count"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Fan-out group aggregate statuses.
const (
	FanOutPending   = "pending"
	FanOutCompleted = "completed"
)

// Checkpoint is a human-approval gate a worker raises mid-execution.
// At most one checkpoint per DelegatedWork may be pending at a time.
type Checkpoint struct {
	ID         string           `json:"id"`
	WorkID     string           `json:"work_id"`
	Name       string           `json:"name"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Status     CheckpointStatus `json:"status"`
	Reviewer   string           `json:"reviewer,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ReviewedAt time.Time        `json:"reviewed_at,omitempty"`
}

// Handoff is an immutable context transfer between two DelegatedWork
// records, typically across workers. It has no state-machine effect on
// either endpoint.
type Handoff struct {
	ID         string          `json:"id"`
	FromWorkID string          `json:"from_work_id"`
	ToWorkID   string          `json:"to_work_id"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkerGroup is a cohort of workers sharing a circuit breaker. While
// the circuit is open, the scheduler excludes member workers from new
// assignment.
type WorkerGroup struct {
	ID            string       `json:"id"`
	Circuit       CircuitState `json:"circuit"`
	LastTrippedAt time.Time    `json:"last_tripped_at,omitempty"`
}

// CapacitySnapshot reports a worker's load at a point in time.
type CapacitySnapshot struct {
	WorkerID   string `json:"worker_id"`
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	AtCapacity bool   `json:"at_capacity"`
}
