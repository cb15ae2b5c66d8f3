// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
)

// fanOutThree sets up one task fanned out across three workers and
// claims every member.
func fanOutThree(t *testing.T, te *testEngine) (*FanOutGroup, []*DelegatedWork) {
	t.Helper()
	for _, id := range []string{"w1", "w2", "w3"} {
		addWorker(t, te, Worker{ID: id})
	}
	addTask(t, te, Task{ID: "t1"})

	zero := 0
	group, members, err := te.FanOut(context.Background(), "op", "t1",
		[]string{"w1", "w2", "w3"}, AssignOptions{MaxRetries: &zero})
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	for i, member := range members {
		members[i] = claimOne(t, te, member.WorkerID)
	}
	return group, members
}

func TestFanOutCreatesOneRecordPerWorker(t *testing.T) {
	te := newTestEngine(t)
	group, members := fanOutThree(t, te)

	if group.ExpectedCount != 3 {
		t.Errorf("expected count = %d, want 3", group.ExpectedCount)
	}
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	seen := map[string]bool{}
	for _, member := range members {
		if member.FanOutGroupID != group.ID {
			t.Errorf("member %s group = %q, want %q", member.ID, member.FanOutGroupID, group.ID)
		}
		if member.TaskID != "t1" {
			t.Errorf("member %s task = %q, want t1", member.ID, member.TaskID)
		}
		seen[member.WorkerID] = true
	}
	if len(seen) != 3 {
		t.Errorf("distinct workers = %d, want 3", len(seen))
	}
}

func TestFanOutSiblingFailureDoesNotPropagate(t *testing.T) {
	te := newTestEngine(t)
	_, members := fanOutThree(t, te)

	ctx := context.Background()
	if _, err := te.ReportOutcome(ctx, members[0].WorkerID, members[0].ID, "failed"); err != nil {
		t.Fatalf("failing member: %v", err)
	}

	for _, member := range members[1:] {
		work, err := te.GetWork(ctx, member.ID)
		if err != nil {
			t.Fatalf("get member: %v", err)
		}
		if work.Status != WorkRunning {
			t.Errorf("sibling %s status = %q, want running", member.ID, work.Status)
		}
	}
}

func TestFanOutCompletesAtFullCountMixedOutcomes(t *testing.T) {
	te := newTestEngine(t)
	group, members := fanOutThree(t, te)
	ctx := context.Background()

	if _, err := te.ReportOutcome(ctx, members[0].WorkerID, members[0].ID, "completed"); err != nil {
		t.Fatalf("completing member: %v", err)
	}
	if _, err := te.ReportOutcome(ctx, members[1].WorkerID, members[1].ID, "failed"); err != nil {
		t.Fatalf("failing member: %v", err)
	}

	partial, err := te.GetFanOutGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if partial.CompletedCount != 2 || partial.Status != FanOutPending {
		t.Errorf("group = %d/%s, want 2/pending", partial.CompletedCount, partial.Status)
	}

	if _, err := te.Cancel(ctx, members[2].ID, "op", "abort"); err != nil {
		t.Fatalf("cancelling member: %v", err)
	}
	full, err := te.GetFanOutGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if full.CompletedCount != 3 || full.Status != FanOutCompleted {
		t.Errorf("group = %d/%s, want 3/completed", full.CompletedCount, full.Status)
	}
}

func TestFanOutRetryKeepsSlotOpen(t *testing.T) {
	// A member failure with retries left transfers its slot to the
	// replacement; the join only advances when the slot settles.
	te := newTestEngine(t)
	addWorker(t, te, Worker{ID: "w1"})
	addTask(t, te, Task{ID: "t1"})

	one := 1
	group, _, err := te.FanOut(context.Background(), "op", "t1",
		[]string{"w1"}, AssignOptions{MaxRetries: &one})
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}

	failed := failOnce(t, te, "w1")

	ctx := context.Background()
	pending, err := te.GetFanOutGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if pending.CompletedCount != 0 || pending.Status != FanOutPending {
		t.Errorf("group after retried failure = %d/%s, want 0/pending", pending.CompletedCount, pending.Status)
	}

	retry := findRetryOf(t, te, failed.ID)
	if retry.FanOutGroupID != group.ID {
		t.Fatalf("retry group = %q, want %q", retry.FanOutGroupID, group.ID)
	}

	te.clock.Advance(retryBaseDelay)
	work := claimOne(t, te, "w1")
	if _, err := te.ReportOutcome(ctx, "w1", work.ID, "completed"); err != nil {
		t.Fatalf("completing retry: %v", err)
	}

	settled, err := te.GetFanOutGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if settled.CompletedCount != 1 || settled.Status != FanOutCompleted {
		t.Errorf("group = %d/%s, want 1/completed", settled.CompletedCount, settled.Status)
	}
}

func TestFanOutRejectsDuplicateWorkers(t *testing.T) {
	te := newTestEngine(t)
	addWorker(t, te, Worker{ID: "w1"})
	addTask(t, te, Task{ID: "t1"})

	_, _, err := te.FanOut(context.Background(), "op", "t1", []string{"w1", "w1"}, AssignOptions{})
	wantCode(t, err, CodeInvalid)
}

func TestFanOutRejectsEmptyWorkerList(t *testing.T) {
	te := newTestEngine(t)
	addTask(t, te, Task{ID: "t1"})

	_, _, err := te.FanOut(context.Background(), "op", "t1", nil, AssignOptions{})
	wantCode(t, err, CodeInvalid)
}

func TestFanOutUnknownWorker(t *testing.T) {
	te := newTestEngine(t)
	addWorker(t, te, Worker{ID: "w1"})
	addTask(t, te, Task{ID: "t1"})

	_, _, err := te.FanOut(context.Background(), "op", "t1", []string{"w1", "ghost"}, AssignOptions{})
	wantCode(t, err, CodeNotFound)
}
