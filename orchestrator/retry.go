// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"time"

	"zombiezen.com/go/sqlite"
)

// retryBaseDelay is the first retry delay; each further attempt
// doubles it.
const retryBaseDelay = 30 * time.Second

// maxRetryShift caps the backoff doubling. A larger shift would
// overflow time.Duration into a negative, immediately-claimable
// delay; 30s << 20 is already about a year.
const maxRetryShift = 20

// spawnRetry creates the follow-up record for a failed one: same
// task, worker, group, payload, and budget, with the attempt counter
// bumped and an exponential claim delay. Fan-out membership moves to
// the replacement so the join counter sees each slot once. Exhausting
// the ceiling is terminal and leaves only an audit trace. Reports
// whether a replacement was created. Runs inside the caller's
// transaction.
func (e *Engine) spawnRetry(conn *sqlite.Conn, failed *DelegatedWork, now time.Time, audits *auditLog) (bool, error) {
	if failed.RetryCount >= failed.MaxRetries {
		audits.add(AuditEntry{
			At:      now,
			Actor:   "retry",
			Action:  "work.retries_exhausted",
			Subject: failed.ID,
			Detail: map[string]any{
				"task_id":     failed.TaskID,
				"retry_count": failed.RetryCount,
			},
		})
		return false, nil
	}

	shift := failed.RetryCount
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	delay := retryBaseDelay << shift
	retry := &DelegatedWork{
		ID:             newID(),
		TenantID:       failed.TenantID,
		WorkerID:       failed.WorkerID,
		TaskID:         failed.TaskID,
		Status:         WorkPending,
		RetryCount:     failed.RetryCount + 1,
		MaxRetries:     failed.MaxRetries,
		RetryAfter:     now.Add(delay),
		TimeoutMinutes: failed.TimeoutMinutes,
		CreatedAt:      now,
		FanOutGroupID:  failed.FanOutGroupID,
		GroupID:        failed.GroupID,
		Instructions:   failed.Instructions,
		RetriedFrom:    failed.ID,
	}
	if err := insertWork(conn, retry); err != nil {
		return false, err
	}

	audits.add(AuditEntry{
		At:      now,
		Actor:   "retry",
		Action:  "work.retry_scheduled",
		Subject: retry.ID,
		Detail: map[string]any{
			"retried_from": failed.ID,
			"retry_count":  retry.RetryCount,
			"delay_ms":     delay.Milliseconds(),
		},
	})
	return true, nil
}
