// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/config"
	"github.com/bureau-foundation/fleetwork/lib/httpserver"
	"github.com/bureau-foundation/fleetwork/lib/sqlitepool"
	"github.com/bureau-foundation/fleetwork/lib/workertoken"
	"github.com/bureau-foundation/fleetwork/orchestrator"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	testOperatorToken = "op-secret-token"
	testTriggerSecret = "trigger-secret"
)

type testServer struct {
	handler *handler
	clock   *clock.FakeClock
	private ed25519.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	public, private, err := workertoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "fleetwork.db"),
		PoolSize:  2,
		OnConnect: orchestrator.PrepareSchema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	fake := clock.Fake(testStart)
	logger := slog.New(slog.DiscardHandler)

	engine := orchestrator.New(orchestrator.Config{
		Pool:   pool,
		Clock:  fake,
		Logger: logger,
	})

	h := newHandler(handlerConfig{
		Engine:        engine,
		Clock:         fake,
		Logger:        logger,
		SigningKey:    public,
		Operators:     []config.OperatorConfig{{Name: "alice", Token: testOperatorToken}},
		TriggerSecret: []byte(testTriggerSecret),
	})

	return &testServer{handler: h, clock: fake, private: private}
}

// workerToken mints a signed identity token for the given worker,
// valid for one hour of fake time, and returns it in bearer form.
func (ts *testServer) workerToken(t *testing.T, workerID string) string {
	t.Helper()
	return ts.workerTokenForAudience(t, workerID, workertoken.AudienceFleetwork)
}

func (ts *testServer) workerTokenForAudience(t *testing.T, workerID, audience string) string {
	t.Helper()
	now := ts.clock.Now()
	raw, err := workertoken.Mint(ts.private, &workertoken.Token{
		WorkerID:  workerID,
		DeviceID:  "device-1",
		TenantID:  "acme",
		Audience:  audience,
		ID:        "tok-" + workerID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// do issues a request against the handler. The auth string is a raw
// bearer token; empty means no Authorization header.
func (ts *testServer) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
	}

	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if auth != "" {
		request.Header.Set("Authorization", "Bearer "+auth)
	}

	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

// trigger issues an HMAC-signed trigger request.
func (ts *testServer) trigger(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling trigger body: %v", err)
		}
	}

	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set(triggerSignatureHeader, httpserver.SignTriggerBody([]byte(testTriggerSecret), payload))

	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

// decodeBody unmarshals a response body, failing the test on error.
func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
	}
}

// wantStatus fails the test unless the recorder holds the expected
// status code.
func wantStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", recorder.Code, want, recorder.Body.String())
	}
}

// createWorker registers a worker over the operator surface.
func (ts *testServer) createWorker(t *testing.T, worker orchestrator.Worker) *orchestrator.Worker {
	t.Helper()
	if worker.TenantID == "" {
		worker.TenantID = "acme"
	}
	if worker.Status == "" {
		worker.Status = orchestrator.WorkerIdle
	}
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = ts.clock.Now()
	}

	recorder := ts.do(t, http.MethodPost, "/v1/workers", testOperatorToken, worker)
	wantStatus(t, recorder, http.StatusCreated)

	var created orchestrator.Worker
	decodeBody(t, recorder, &created)
	return &created
}

// createTask registers a task over the operator surface.
func (ts *testServer) createTask(t *testing.T, task orchestrator.Task) *orchestrator.Task {
	t.Helper()
	if task.TenantID == "" {
		task.TenantID = "acme"
	}

	recorder := ts.do(t, http.MethodPost, "/v1/tasks", testOperatorToken, task)
	wantStatus(t, recorder, http.StatusCreated)

	var created orchestrator.Task
	decodeBody(t, recorder, &created)
	return &created
}

// assign delegates a task to a worker over the operator surface and
// returns the created work record.
func (ts *testServer) assign(t *testing.T, taskID, workerID string) *orchestrator.DelegatedWork {
	t.Helper()

	recorder := ts.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/assign", testOperatorToken,
		assignRequest{WorkerID: workerID})
	wantStatus(t, recorder, http.StatusCreated)

	var work orchestrator.DelegatedWork
	decodeBody(t, recorder, &work)
	return &work
}

// poll claims pending work as the named worker.
func (ts *testServer) poll(t *testing.T, workerID string) []*orchestrator.DelegatedWork {
	t.Helper()

	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", ts.workerToken(t, workerID), nil)
	wantStatus(t, recorder, http.StatusOK)

	var response pollResponse
	decodeBody(t, recorder, &response)
	return response.Work
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodGet, "/v1/healthz", "", nil)
	wantStatus(t, recorder, http.StatusOK)
}

func TestWorkerRouteRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", "", nil)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestWorkerRouteRejectsMalformedToken(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", "not-base64!!!", nil)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestWorkerRouteRejectsWrongAudience(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	token := ts.workerTokenForAudience(t, "w1", "some-other-service")
	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", token, nil)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestWorkerRouteRejectsExpiredToken(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	token := ts.workerToken(t, "w1")
	ts.clock.Advance(2 * time.Hour)

	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", token, nil)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestWorkerRouteRejectsForgedSignature(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	_, otherKey, err := workertoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	forged := testServer{handler: ts.handler, clock: ts.clock, private: otherKey}

	recorder := ts.do(t, http.MethodPost, "/v1/worker/poll", forged.workerToken(t, "w1"), nil)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestOperatorRouteRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodPost, "/v1/workers", "wrong-token", orchestrator.Worker{ID: "w1", TenantID: "acme"})
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestTriggerRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	request := httptest.NewRequest(http.MethodPost, "/v1/triggers/sweep-timeouts", nil)
	request.Header.Set(triggerSignatureHeader, "sha256=deadbeef")
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	wantStatus(t, recorder, http.StatusUnauthorized)
}

func TestPollClaimsAssignedWork(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})
	assigned := ts.assign(t, task.ID, "w1")

	claimed := ts.poll(t, "w1")
	if len(claimed) != 1 {
		t.Fatalf("claimed %d records, want 1", len(claimed))
	}
	if claimed[0].ID != assigned.ID {
		t.Errorf("claimed work %s, want %s", claimed[0].ID, assigned.ID)
	}
	if claimed[0].Status != orchestrator.WorkRunning {
		t.Errorf("claimed status = %s, want %s", claimed[0].Status, orchestrator.WorkRunning)
	}

	// A second poll finds nothing but still succeeds.
	if again := ts.poll(t, "w1"); len(again) != 0 {
		t.Errorf("second poll claimed %d records, want 0", len(again))
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")

	recorder := ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/outcome",
		ts.workerToken(t, "w1"), outcomeRequest{Outcome: "completed"})
	wantStatus(t, recorder, http.StatusOK)

	var work orchestrator.DelegatedWork
	decodeBody(t, recorder, &work)
	if work.Status != orchestrator.WorkCompleted {
		t.Errorf("status = %s, want %s", work.Status, orchestrator.WorkCompleted)
	}

	// The operator read surface sees the terminal record.
	recorder = ts.do(t, http.MethodGet, "/v1/work/"+claimed[0].ID, testOperatorToken, nil)
	wantStatus(t, recorder, http.StatusOK)
}

func TestOutcomeForbiddenForAnotherWorker(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.createWorker(t, orchestrator.Worker{ID: "w2"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")

	recorder := ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/outcome",
		ts.workerToken(t, "w2"), outcomeRequest{Outcome: "completed"})
	wantStatus(t, recorder, http.StatusForbidden)
}

func TestUnknownOutcomeIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")

	recorder := ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/outcome",
		ts.workerToken(t, "w1"), outcomeRequest{Outcome: "exploded"})
	wantStatus(t, recorder, http.StatusBadRequest)
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	recorder := ts.do(t, http.MethodPost, "/v1/worker/heartbeat",
		ts.workerToken(t, "w1"), heartbeatRequest{Status: "working"})
	wantStatus(t, recorder, http.StatusOK)

	var worker orchestrator.Worker
	decodeBody(t, recorder, &worker)
	if worker.Status != orchestrator.WorkerWorking {
		t.Errorf("status = %s, want %s", worker.Status, orchestrator.WorkerWorking)
	}
}

func TestHeartbeatIllegalTransitionIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	recorder := ts.do(t, http.MethodPost, "/v1/worker/heartbeat",
		ts.workerToken(t, "w1"), heartbeatRequest{Status: "recovering"})
	wantStatus(t, recorder, http.StatusConflict)

	var response orchestrator.Error
	decodeBody(t, recorder, &response)
	if len(response.LegalStates) == 0 {
		t.Error("conflict response carries no legal states")
	}
}

func TestCheckpointOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")
	workID := claimed[0].ID

	recorder := ts.do(t, http.MethodPost, "/v1/work/"+workID+"/checkpoint",
		ts.workerToken(t, "w1"), createCheckpointRequest{
			Name: "plan-approval",
			Data: json.RawMessage(`{"steps":3}`),
		})
	wantStatus(t, recorder, http.StatusCreated)

	// The worker polls the gate and sees it pending.
	recorder = ts.do(t, http.MethodGet, "/v1/work/"+workID+"/checkpoint",
		ts.workerToken(t, "w1"), nil)
	wantStatus(t, recorder, http.StatusOK)

	var checkpoint orchestrator.Checkpoint
	decodeBody(t, recorder, &checkpoint)
	if checkpoint.Status != orchestrator.CheckpointPending {
		t.Fatalf("checkpoint status = %s, want %s", checkpoint.Status, orchestrator.CheckpointPending)
	}

	// The operator approves; the worker's next poll sees the verdict
	// and the reviewer identity.
	recorder = ts.do(t, http.MethodPost, "/v1/work/"+workID+"/checkpoint/review",
		testOperatorToken, reviewCheckpointRequest{Approve: true})
	wantStatus(t, recorder, http.StatusOK)

	recorder = ts.do(t, http.MethodGet, "/v1/work/"+workID+"/checkpoint",
		ts.workerToken(t, "w1"), nil)
	wantStatus(t, recorder, http.StatusOK)
	decodeBody(t, recorder, &checkpoint)
	if checkpoint.Status != orchestrator.CheckpointApproved {
		t.Errorf("checkpoint status = %s, want %s", checkpoint.Status, orchestrator.CheckpointApproved)
	}
	if checkpoint.Reviewer != "alice" {
		t.Errorf("reviewer = %q, want %q", checkpoint.Reviewer, "alice")
	}
}

func TestCheckpointReadForbiddenForAnotherWorker(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.createWorker(t, orchestrator.Worker{ID: "w2"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")

	recorder := ts.do(t, http.MethodGet, "/v1/work/"+claimed[0].ID+"/checkpoint",
		ts.workerToken(t, "w2"), nil)
	wantStatus(t, recorder, http.StatusForbidden)
}

func TestCancelTerminalWorkIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})
	ts.assign(t, task.ID, "w1")
	claimed := ts.poll(t, "w1")

	recorder := ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/outcome",
		ts.workerToken(t, "w1"), outcomeRequest{Outcome: "completed"})
	wantStatus(t, recorder, http.StatusOK)

	recorder = ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/cancel",
		testOperatorToken, cancelRequest{Reason: "too late"})
	wantStatus(t, recorder, http.StatusConflict)
}

func TestUpdateWorkerSettings(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	limit := 4
	recorder := ts.do(t, http.MethodPatch, "/v1/workers/w1", testOperatorToken,
		updateWorkerRequest{MaxConcurrent: &limit, Capabilities: []string{"translate"}})
	wantStatus(t, recorder, http.StatusOK)

	var worker orchestrator.Worker
	decodeBody(t, recorder, &worker)
	if worker.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d, want 4", worker.MaxConcurrent)
	}
	if len(worker.Capabilities) != 1 || worker.Capabilities[0] != "translate" {
		t.Errorf("capabilities = %v, want [translate]", worker.Capabilities)
	}
}

func TestFanOutOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.createWorker(t, orchestrator.Worker{ID: "w2"})
	task := ts.createTask(t, orchestrator.Task{})

	recorder := ts.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/fanout", testOperatorToken,
		fanOutRequest{WorkerIDs: []string{"w1", "w2"}})
	wantStatus(t, recorder, http.StatusCreated)

	var response fanOutResponse
	decodeBody(t, recorder, &response)
	if response.Group.ExpectedCount != 2 {
		t.Errorf("expected_count = %d, want 2", response.Group.ExpectedCount)
	}
	if len(response.Work) != 2 {
		t.Fatalf("created %d records, want 2", len(response.Work))
	}

	recorder = ts.do(t, http.MethodGet, "/v1/fanout-groups/"+response.Group.ID, testOperatorToken, nil)
	wantStatus(t, recorder, http.StatusOK)
}

func TestHandoffOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.createWorker(t, orchestrator.Worker{ID: "w2"})
	taskA := ts.createTask(t, orchestrator.Task{})
	taskB := ts.createTask(t, orchestrator.Task{})
	from := ts.assign(t, taskA.ID, "w1")
	to := ts.assign(t, taskB.ID, "w2")

	recorder := ts.do(t, http.MethodPost, "/v1/handoffs", testOperatorToken,
		createHandoffRequest{
			FromWorkID: from.ID,
			ToWorkID:   to.ID,
			Context:    json.RawMessage(`{"summary":"done half"}`),
		})
	wantStatus(t, recorder, http.StatusCreated)

	// The receiving worker lists inbound handoffs; the sender's token
	// may not.
	recorder = ts.do(t, http.MethodGet, "/v1/work/"+to.ID+"/handoffs",
		ts.workerToken(t, "w2"), nil)
	wantStatus(t, recorder, http.StatusOK)

	var response handoffListResponse
	decodeBody(t, recorder, &response)
	if len(response.Handoffs) != 1 {
		t.Fatalf("listed %d handoffs, want 1", len(response.Handoffs))
	}
	if string(response.Handoffs[0].Context) != `{"summary":"done half"}` {
		t.Errorf("context = %s", response.Handoffs[0].Context)
	}

	recorder = ts.do(t, http.MethodGet, "/v1/work/"+to.ID+"/handoffs",
		ts.workerToken(t, "w1"), nil)
	wantStatus(t, recorder, http.StatusForbidden)
}

func TestCircuitBlocksAssignment(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodPost, "/v1/groups", testOperatorToken, createGroupRequest{ID: "g1"})
	wantStatus(t, recorder, http.StatusCreated)

	group := "g1"
	ts.createWorker(t, orchestrator.Worker{ID: "w1", GroupID: group})
	task := ts.createTask(t, orchestrator.Task{})

	recorder = ts.do(t, http.MethodPatch, "/v1/groups/g1/circuit", testOperatorToken,
		setCircuitRequest{State: "open"})
	wantStatus(t, recorder, http.StatusOK)

	recorder = ts.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/assign", testOperatorToken,
		assignRequest{WorkerID: "w1"})
	wantStatus(t, recorder, http.StatusConflict)
}

func TestScheduleTrigger(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.createTask(t, orchestrator.Task{})

	recorder := ts.trigger(t, "/v1/triggers/schedule", nil)
	wantStatus(t, recorder, http.StatusOK)

	var response scheduleResponse
	decodeBody(t, recorder, &response)
	if len(response.Scheduled) != 1 {
		t.Fatalf("scheduled %d records, want 1", len(response.Scheduled))
	}
	if response.Scheduled[0].WorkerID != "w1" {
		t.Errorf("scheduled worker = %s, want w1", response.Scheduled[0].WorkerID)
	}
}

func TestScheduleTriggerSweepsStaleWorkers(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	ts.clock.Advance(10 * time.Minute)
	ts.createTask(t, orchestrator.Task{})

	recorder := ts.trigger(t, "/v1/triggers/schedule", scheduleRequest{TenantID: "acme"})
	wantStatus(t, recorder, http.StatusOK)

	var response scheduleResponse
	decodeBody(t, recorder, &response)
	if response.StaleWorkers != 1 {
		t.Errorf("stale_workers = %d, want 1", response.StaleWorkers)
	}
	if len(response.Scheduled) != 0 {
		t.Errorf("scheduled %d records with only a stale worker, want 0", len(response.Scheduled))
	}
}

func TestSweepTimeoutsTrigger(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})
	task := ts.createTask(t, orchestrator.Task{})

	recorder := ts.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/assign", testOperatorToken,
		assignRequest{WorkerID: "w1", TimeoutMinutes: 15})
	wantStatus(t, recorder, http.StatusCreated)
	ts.poll(t, "w1")

	ts.clock.Advance(16 * time.Minute)

	recorder = ts.trigger(t, "/v1/triggers/sweep-timeouts", nil)
	wantStatus(t, recorder, http.StatusOK)

	var response sweepTimeoutsResponse
	decodeBody(t, recorder, &response)
	if response.TimedOut != 1 {
		t.Errorf("timed_out = %d, want 1", response.TimedOut)
	}
}

func TestDetectAnomaliesTrigger(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodPost, "/v1/groups", testOperatorToken, createGroupRequest{ID: "g1"})
	wantStatus(t, recorder, http.StatusCreated)
	ts.createWorker(t, orchestrator.Worker{ID: "w1", GroupID: "g1", MaxConcurrent: 10})

	// Five zero-retry failures inside the window trip g1's circuit.
	zero := 0
	for i := 0; i < 5; i++ {
		task := ts.createTask(t, orchestrator.Task{})
		recorder = ts.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/assign", testOperatorToken,
			assignRequest{WorkerID: "w1", MaxRetries: &zero})
		wantStatus(t, recorder, http.StatusCreated)

		claimed := ts.poll(t, "w1")
		if len(claimed) != 1 {
			t.Fatalf("claimed %d records on round %d, want 1", len(claimed), i)
		}
		recorder = ts.do(t, http.MethodPost, "/v1/work/"+claimed[0].ID+"/outcome",
			ts.workerToken(t, "w1"), outcomeRequest{Outcome: "failed"})
		wantStatus(t, recorder, http.StatusOK)
		ts.clock.Advance(time.Second)
	}

	recorder = ts.trigger(t, "/v1/triggers/detect-anomalies", nil)
	wantStatus(t, recorder, http.StatusOK)

	var response detectAnomaliesResponse
	decodeBody(t, recorder, &response)
	if len(response.Tripped) != 1 || response.Tripped[0] != "g1" {
		t.Fatalf("tripped = %v, want [g1]", response.Tripped)
	}

	recorder = ts.do(t, http.MethodGet, "/v1/groups/g1", testOperatorToken, nil)
	wantStatus(t, recorder, http.StatusOK)

	var group orchestrator.WorkerGroup
	decodeBody(t, recorder, &group)
	if group.Circuit != orchestrator.CircuitOpen {
		t.Errorf("circuit = %s, want %s", group.Circuit, orchestrator.CircuitOpen)
	}
}

func TestUnknownWorkIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(t, http.MethodGet, "/v1/work/nope", testOperatorToken, nil)
	wantStatus(t, recorder, http.StatusNotFound)

	var response orchestrator.Error
	decodeBody(t, recorder, &response)
	if response.Code != orchestrator.CodeNotFound {
		t.Errorf("code = %s, want %s", response.Code, orchestrator.CodeNotFound)
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorker(t, orchestrator.Worker{ID: "w1"})

	request := httptest.NewRequest(http.MethodPost, "/v1/worker/heartbeat",
		bytes.NewReader([]byte("{not json")))
	request.Header.Set("Authorization", "Bearer "+ts.workerToken(t, "w1"))
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	wantStatus(t, recorder, http.StatusBadRequest)
}
