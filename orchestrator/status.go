// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

// WorkerStatus is a worker's operating status. Only the canonical
// values below are stored; the legacy "online"/"busy" vocabulary from
// older worker builds is normalized on the way in.
type WorkerStatus string

const (
	WorkerOffline    WorkerStatus = "offline"
	WorkerIdle       WorkerStatus = "idle"
	WorkerWorking    WorkerStatus = "working"
	WorkerWaiting    WorkerStatus = "waiting"
	WorkerError      WorkerStatus = "error"
	WorkerRecovering WorkerStatus = "recovering"
)

// workerTransitions is the operating-status state machine. A
// transition not present here is illegal and rejected with a Conflict
// that enumerates the legal targets.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerOffline:    {WorkerIdle},
	WorkerIdle:       {WorkerWorking, WorkerOffline, WorkerError},
	WorkerWorking:    {WorkerIdle, WorkerWaiting, WorkerError},
	WorkerWaiting:    {WorkerWorking, WorkerIdle, WorkerError},
	WorkerError:      {WorkerRecovering, WorkerOffline},
	WorkerRecovering: {WorkerIdle, WorkerError, WorkerOffline},
}

// legacyWorkerStatuses maps the older status vocabulary to the
// canonical set. Normalization happens before the transition check so
// old workers keep functioning during a fleet upgrade.
var legacyWorkerStatuses = map[string]WorkerStatus{
	"online": WorkerIdle,
	"busy":   WorkerWorking,
}

// NormalizeWorkerStatus maps a reported status string to a canonical
// WorkerStatus. Legacy values are translated; unknown values are an
// invalid-payload error.
func NormalizeWorkerStatus(reported string) (WorkerStatus, error) {
	if canonical, ok := legacyWorkerStatuses[reported]; ok {
		return canonical, nil
	}
	status := WorkerStatus(reported)
	if _, ok := workerTransitions[status]; !ok {
		return "", invalidf("unknown worker status %q", reported)
	}
	return status, nil
}

// CheckWorkerTransition validates a status transition against the
// state machine. Returns nil for a no-op transition (from == to) or a
// legal move; otherwise a Conflict error listing the legal targets.
func CheckWorkerTransition(from, to WorkerStatus) error {
	if from == to {
		return nil
	}
	legal := workerTransitions[from]
	for _, candidate := range legal {
		if candidate == to {
			return nil
		}
	}
	legalStrings := make([]string, len(legal))
	for index, candidate := range legal {
		legalStrings[index] = string(candidate)
	}
	return conflictWithStates(legalStrings, "illegal worker status transition %s -> %s", from, to)
}

// WorkStatus is the lifecycle status of one unit of delegated work.
type WorkStatus string

const (
	WorkPending   WorkStatus = "pending"
	WorkRunning   WorkStatus = "running"
	WorkCompleted WorkStatus = "completed"
	WorkFailed    WorkStatus = "failed"
	WorkCancelled WorkStatus = "cancelled"
)

// IsTerminal reports whether the status is final. No transition is
// legal out of a terminal status.
func (s WorkStatus) IsTerminal() bool {
	switch s {
	case WorkCompleted, WorkFailed, WorkCancelled:
		return true
	}
	return false
}

// CircuitState is a worker group's circuit breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ParseCircuitState validates an operator-supplied circuit state.
// Only closed, open, and half-open are valid; anything else is
// rejected at the API boundary.
func ParseCircuitState(value string) (CircuitState, error) {
	switch CircuitState(value) {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return CircuitState(value), nil
	}
	return "", invalidf("unknown circuit state %q (want closed, open, or half-open)", value)
}

// CheckpointStatus is a checkpoint's review position.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
)

// ReviewVerdict is the post-terminal review annotation on delegated
// work. It is orthogonal to the lifecycle state machine and never
// re-opens it.
type ReviewVerdict string

const (
	ReviewApproved         ReviewVerdict = "approved"
	ReviewChangesRequested ReviewVerdict = "changes_requested"
)

// ParseReviewVerdict validates an operator-supplied review verdict.
func ParseReviewVerdict(value string) (ReviewVerdict, error) {
	switch ReviewVerdict(value) {
	case ReviewApproved, ReviewChangesRequested:
		return ReviewVerdict(value), nil
	}
	return "", invalidf("unknown review verdict %q (want approved or changes_requested)", value)
}
