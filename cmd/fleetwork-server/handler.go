// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bureau-foundation/fleetwork/lib/clock"
	"github.com/bureau-foundation/fleetwork/lib/config"
	"github.com/bureau-foundation/fleetwork/lib/httpserver"
	"github.com/bureau-foundation/fleetwork/lib/workertoken"
	"github.com/bureau-foundation/fleetwork/orchestrator"
)

// maxBodySize bounds request bodies. Instruction payloads and
// checkpoint data are small structured documents; 1 MB is generous.
const maxBodySize = 1 << 20

// triggerSignatureHeader carries the HMAC signature on trigger
// requests.
const triggerSignatureHeader = "X-Fleetwork-Signature"

// handlerConfig configures the HTTP handler.
type handlerConfig struct {
	// Engine is the orchestration engine. Required.
	Engine *orchestrator.Engine

	// Clock abstracts time for token expiry checks. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives request diagnostics. Required.
	Logger *slog.Logger

	// SigningKey verifies worker identity tokens. May be nil, in
	// which case every worker route returns 401.
	SigningKey ed25519.PublicKey

	// Operators are the static operator identities. An empty list
	// means every operator route returns 401.
	Operators []config.OperatorConfig

	// TriggerSecret signs trigger request bodies. An empty secret
	// means every trigger route returns 401.
	TriggerSecret []byte
}

// handler routes and authenticates the three request surfaces:
// worker routes (signed identity tokens), operator routes (static
// bearer tokens), and trigger routes (HMAC-signed bodies).
type handler struct {
	engine        *orchestrator.Engine
	clock         clock.Clock
	logger        *slog.Logger
	signingKey    ed25519.PublicKey
	operators     []config.OperatorConfig
	triggerSecret []byte

	mux *http.ServeMux
}

func newHandler(cfg handlerConfig) *handler {
	if cfg.Engine == nil {
		panic("handler: Engine is required")
	}
	if cfg.Logger == nil {
		panic("handler: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	h := &handler{
		engine:        cfg.Engine,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		signingKey:    cfg.SigningKey,
		operators:     cfg.Operators,
		triggerSecret: cfg.TriggerSecret,
		mux:           http.NewServeMux(),
	}

	mux := h.mux

	// Unauthenticated health check.
	mux.HandleFunc("GET /v1/healthz", h.handleHealth)

	// Worker routes.
	mux.HandleFunc("POST /v1/worker/poll", h.asWorker(h.handlePoll))
	mux.HandleFunc("POST /v1/worker/heartbeat", h.asWorker(h.handleHeartbeat))
	mux.HandleFunc("POST /v1/work/{id}/outcome", h.asWorker(h.handleOutcome))
	mux.HandleFunc("POST /v1/work/{id}/checkpoint", h.asWorker(h.handleCreateCheckpoint))
	mux.HandleFunc("GET /v1/work/{id}/checkpoint", h.asWorker(h.handleGetCheckpoint))
	mux.HandleFunc("GET /v1/work/{id}/handoffs", h.asWorker(h.handleListHandoffs))

	// Operator routes.
	mux.HandleFunc("POST /v1/workers", h.asOperator(h.handleCreateWorker))
	mux.HandleFunc("GET /v1/workers/{id}", h.asOperator(h.handleGetWorker))
	mux.HandleFunc("GET /v1/workers/{id}/capacity", h.asOperator(h.handleCapacity))
	mux.HandleFunc("PATCH /v1/workers/{id}", h.asOperator(h.handleUpdateWorker))
	mux.HandleFunc("POST /v1/tasks", h.asOperator(h.handleCreateTask))
	mux.HandleFunc("POST /v1/tasks/{id}/assign", h.asOperator(h.handleAssign))
	mux.HandleFunc("POST /v1/tasks/{id}/fanout", h.asOperator(h.handleFanOut))
	mux.HandleFunc("GET /v1/fanout-groups/{id}", h.asOperator(h.handleGetFanOutGroup))
	mux.HandleFunc("GET /v1/work/{id}", h.asOperator(h.handleGetWork))
	mux.HandleFunc("POST /v1/work/{id}/cancel", h.asOperator(h.handleCancel))
	mux.HandleFunc("POST /v1/work/{id}/review", h.asOperator(h.handleReview))
	mux.HandleFunc("POST /v1/work/{id}/checkpoint/review", h.asOperator(h.handleReviewCheckpoint))
	mux.HandleFunc("POST /v1/handoffs", h.asOperator(h.handleCreateHandoff))
	mux.HandleFunc("POST /v1/groups", h.asOperator(h.handleCreateGroup))
	mux.HandleFunc("GET /v1/groups/{id}", h.asOperator(h.handleGetGroup))
	mux.HandleFunc("PATCH /v1/groups/{id}/circuit", h.asOperator(h.handleSetCircuit))

	// Trigger routes.
	mux.HandleFunc("POST /v1/triggers/sweep-timeouts", h.asTrigger(h.handleSweepTimeouts))
	mux.HandleFunc("POST /v1/triggers/schedule", h.asTrigger(h.handleSchedule))
	mux.HandleFunc("POST /v1/triggers/detect-anomalies", h.asTrigger(h.handleDetectAnomalies))

	return h
}

func (h *handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

// --- Authentication wrappers ---

// workerFunc is a handler acting on behalf of an authenticated worker.
type workerFunc func(writer http.ResponseWriter, request *http.Request, token *workertoken.Token)

// asWorker authenticates the request's bearer token as a worker
// identity token before delegating. The token's audience must be
// "fleetwork" and it must not be expired.
func (h *handler) asWorker(next workerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		raw := bearerToken(request)
		if raw == "" {
			h.writeError(writer, unauthorized("missing bearer token"))
			return
		}
		if len(h.signingKey) == 0 {
			h.writeError(writer, unauthorized("worker authentication is not configured"))
			return
		}

		tokenBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			h.writeError(writer, unauthorized("malformed bearer token"))
			return
		}

		token, err := workertoken.VerifyForAudienceAt(h.signingKey, tokenBytes, workertoken.AudienceFleetwork, h.clock.Now())
		if err != nil {
			h.logger.Warn("worker token rejected", "error", err, "remote_addr", request.RemoteAddr)
			h.writeError(writer, unauthorized("invalid worker token"))
			return
		}

		next(writer, request, token)
	}
}

// operatorFunc is a handler acting on behalf of a named operator.
type operatorFunc func(writer http.ResponseWriter, request *http.Request, operator string)

// asOperator matches the request's bearer token against the
// configured operator tokens and delegates with the operator's name
// as the acting identity.
func (h *handler) asOperator(next operatorFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		raw := bearerToken(request)
		if raw == "" {
			h.writeError(writer, unauthorized("missing bearer token"))
			return
		}

		for _, operator := range h.operators {
			if subtle.ConstantTimeCompare([]byte(raw), []byte(operator.Token)) == 1 {
				next(writer, request, operator.Name)
				return
			}
		}

		h.logger.Warn("operator token rejected", "remote_addr", request.RemoteAddr)
		h.writeError(writer, unauthorized("invalid operator token"))
	}
}

// triggerFunc is a handler for an HMAC-authenticated trigger request.
// The body has already been read for signature verification.
type triggerFunc func(writer http.ResponseWriter, request *http.Request, body []byte)

// asTrigger verifies the HMAC signature over the raw request body
// before delegating.
func (h *handler) asTrigger(next triggerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		body, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize))
		if err != nil {
			h.writeError(writer, fmt.Errorf("reading trigger body: %w", err))
			return
		}

		signature := request.Header.Get(triggerSignatureHeader)
		if err := httpserver.VerifyTriggerHMAC(h.triggerSecret, body, signature); err != nil {
			h.logger.Warn("trigger signature rejected", "error", err, "remote_addr", request.RemoteAddr)
			h.writeError(writer, unauthorized("invalid trigger signature"))
			return
		}

		next(writer, request, body)
	}
}

// bearerToken extracts the token from an Authorization header. Empty
// when the header is missing or not a Bearer scheme.
func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return token
}

func unauthorized(message string) *orchestrator.Error {
	return &orchestrator.Error{Code: orchestrator.CodeUnauthorized, Message: message}
}

// --- Health ---

func (h *handler) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	h.writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Worker handlers ---

// pollResponse is the wire format for a poll. Work lists the records
// claimed by this poll, oldest first. An empty list means nothing was
// claimable; the poll still counted as a heartbeat.
type pollResponse struct {
	Work []*orchestrator.DelegatedWork `json:"work"`
}

func (h *handler) handlePoll(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	claimed, err := h.engine.ClaimPending(request.Context(), token.WorkerID)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	if claimed == nil {
		claimed = []*orchestrator.DelegatedWork{}
	}
	h.writeJSON(writer, http.StatusOK, pollResponse{Work: claimed})
}

type heartbeatRequest struct {
	// Status is the worker's self-reported operating status. Empty
	// means a bare liveness ping.
	Status string `json:"status,omitempty"`
}

func (h *handler) handleHeartbeat(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	var body heartbeatRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	worker, err := h.engine.Heartbeat(request.Context(), token.WorkerID, body.Status)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, worker)
}

type outcomeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *handler) handleOutcome(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	var body outcomeRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	work, err := h.engine.ReportOutcome(request.Context(), token.WorkerID, request.PathValue("id"), body.Outcome)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, work)
}

type createCheckpointRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (h *handler) handleCreateCheckpoint(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	var body createCheckpointRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	checkpoint, err := h.engine.CreateCheckpoint(request.Context(), token.WorkerID, request.PathValue("id"), body.Name, body.Data)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, checkpoint)
}

func (h *handler) handleGetCheckpoint(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	workID := request.PathValue("id")
	if err := h.requireOwnWork(request, token, workID); err != nil {
		h.writeError(writer, err)
		return
	}

	checkpoint, err := h.engine.LatestCheckpoint(request.Context(), workID)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, checkpoint)
}

type handoffListResponse struct {
	Handoffs []*orchestrator.Handoff `json:"handoffs"`
}

func (h *handler) handleListHandoffs(writer http.ResponseWriter, request *http.Request, token *workertoken.Token) {
	workID := request.PathValue("id")
	if err := h.requireOwnWork(request, token, workID); err != nil {
		h.writeError(writer, err)
		return
	}

	handoffs, err := h.engine.HandoffsFor(request.Context(), workID)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	if handoffs == nil {
		handoffs = []*orchestrator.Handoff{}
	}
	h.writeJSON(writer, http.StatusOK, handoffListResponse{Handoffs: handoffs})
}

// requireOwnWork checks that the work record exists and belongs to
// the token's worker. Read routes need this check explicitly; write
// routes get it from the engine.
func (h *handler) requireOwnWork(request *http.Request, token *workertoken.Token, workID string) error {
	work, err := h.engine.GetWork(request.Context(), workID)
	if err != nil {
		return err
	}
	if work.WorkerID != token.WorkerID {
		return &orchestrator.Error{
			Code:    orchestrator.CodeForbidden,
			Message: fmt.Sprintf("work %s belongs to another worker", workID),
		}
	}
	return nil
}

// --- Operator handlers ---

func (h *handler) handleCreateWorker(writer http.ResponseWriter, request *http.Request, _ string) {
	var body orchestrator.Worker
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	worker, err := h.engine.CreateWorker(request.Context(), body)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, worker)
}

func (h *handler) handleGetWorker(writer http.ResponseWriter, request *http.Request, _ string) {
	worker, err := h.engine.GetWorker(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, worker)
}

func (h *handler) handleCapacity(writer http.ResponseWriter, request *http.Request, _ string) {
	snapshot, err := h.engine.Capacity(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, snapshot)
}

type updateWorkerRequest struct {
	MaxConcurrent *int     `json:"max_concurrent,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	GroupID       *string  `json:"group_id,omitempty"`
}

func (h *handler) handleUpdateWorker(writer http.ResponseWriter, request *http.Request, operator string) {
	var body updateWorkerRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	worker, err := h.engine.UpdateWorkerSettings(request.Context(), operator, request.PathValue("id"), orchestrator.WorkerSettings{
		MaxConcurrent: body.MaxConcurrent,
		Capabilities:  body.Capabilities,
		GroupID:       body.GroupID,
	})
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, worker)
}

type createTaskRequest struct {
	orchestrator.Task

	// PrereqTaskIDs are task IDs that must finish before this task
	// becomes schedulable.
	PrereqTaskIDs []string `json:"prereq_task_ids,omitempty"`
}

func (h *handler) handleCreateTask(writer http.ResponseWriter, request *http.Request, _ string) {
	var body createTaskRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	task, err := h.engine.CreateTask(request.Context(), body.Task, body.PrereqTaskIDs...)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, task)
}

type assignRequest struct {
	WorkerID       string          `json:"worker_id"`
	Instructions   json.RawMessage `json:"instructions,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	TimeoutMinutes int             `json:"timeout_minutes,omitempty"`
}

func (h *handler) handleAssign(writer http.ResponseWriter, request *http.Request, operator string) {
	var body assignRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	work, err := h.engine.AssignWorker(request.Context(), operator, request.PathValue("id"), body.WorkerID, orchestrator.AssignOptions{
		Instructions:   body.Instructions,
		MaxRetries:     body.MaxRetries,
		TimeoutMinutes: body.TimeoutMinutes,
	})
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, work)
}

type fanOutRequest struct {
	WorkerIDs      []string        `json:"worker_ids"`
	Instructions   json.RawMessage `json:"instructions,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	TimeoutMinutes int             `json:"timeout_minutes,omitempty"`
}

type fanOutResponse struct {
	Group *orchestrator.FanOutGroup     `json:"group"`
	Work  []*orchestrator.DelegatedWork `json:"work"`
}

func (h *handler) handleFanOut(writer http.ResponseWriter, request *http.Request, operator string) {
	var body fanOutRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	group, work, err := h.engine.FanOut(request.Context(), operator, request.PathValue("id"), body.WorkerIDs, orchestrator.AssignOptions{
		Instructions:   body.Instructions,
		MaxRetries:     body.MaxRetries,
		TimeoutMinutes: body.TimeoutMinutes,
	})
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, fanOutResponse{Group: group, Work: work})
}

func (h *handler) handleGetFanOutGroup(writer http.ResponseWriter, request *http.Request, _ string) {
	group, err := h.engine.GetFanOutGroup(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, group)
}

func (h *handler) handleGetWork(writer http.ResponseWriter, request *http.Request, _ string) {
	work, err := h.engine.GetWork(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, work)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *handler) handleCancel(writer http.ResponseWriter, request *http.Request, operator string) {
	var body cancelRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	work, err := h.engine.Cancel(request.Context(), request.PathValue("id"), operator, body.Reason)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, work)
}

type reviewRequest struct {
	Verdict string `json:"verdict"`
}

func (h *handler) handleReview(writer http.ResponseWriter, request *http.Request, operator string) {
	var body reviewRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	work, err := h.engine.Review(request.Context(), operator, request.PathValue("id"), body.Verdict)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, work)
}

type reviewCheckpointRequest struct {
	Approve bool `json:"approve"`
}

func (h *handler) handleReviewCheckpoint(writer http.ResponseWriter, request *http.Request, operator string) {
	var body reviewCheckpointRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	checkpoint, err := h.engine.ReviewCheckpoint(request.Context(), operator, request.PathValue("id"), body.Approve)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, checkpoint)
}

type createHandoffRequest struct {
	FromWorkID string          `json:"from_work_id"`
	ToWorkID   string          `json:"to_work_id"`
	Context    json.RawMessage `json:"context,omitempty"`
}

func (h *handler) handleCreateHandoff(writer http.ResponseWriter, request *http.Request, operator string) {
	var body createHandoffRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	handoff, err := h.engine.CreateHandoff(request.Context(), operator, body.FromWorkID, body.ToWorkID, body.Context)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, handoff)
}

type createGroupRequest struct {
	ID string `json:"id,omitempty"`
}

func (h *handler) handleCreateGroup(writer http.ResponseWriter, request *http.Request, _ string) {
	var body createGroupRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	group, err := h.engine.CreateWorkerGroup(request.Context(), body.ID)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusCreated, group)
}

func (h *handler) handleGetGroup(writer http.ResponseWriter, request *http.Request, _ string) {
	group, err := h.engine.GetWorkerGroup(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, group)
}

type setCircuitRequest struct {
	State string `json:"state"`
}

func (h *handler) handleSetCircuit(writer http.ResponseWriter, request *http.Request, operator string) {
	var body setCircuitRequest
	if err := h.decode(request, &body); err != nil {
		h.writeError(writer, err)
		return
	}

	group, err := h.engine.SetCircuit(request.Context(), operator, request.PathValue("id"), body.State)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, group)
}

// --- Trigger handlers ---

type sweepTimeoutsResponse struct {
	TimedOut int `json:"timed_out"`
}

func (h *handler) handleSweepTimeouts(writer http.ResponseWriter, request *http.Request, _ []byte) {
	count, err := h.engine.SweepTimeouts(request.Context())
	if err != nil {
		h.writeError(writer, err)
		return
	}
	h.writeJSON(writer, http.StatusOK, sweepTimeoutsResponse{TimedOut: count})
}

type scheduleRequest struct {
	// TenantID restricts the scheduling pass to one tenant. Empty
	// schedules every tenant with registered tasks.
	TenantID string `json:"tenant_id,omitempty"`
}

type scheduleResponse struct {
	StaleWorkers int                           `json:"stale_workers"`
	Scheduled    []*orchestrator.DelegatedWork `json:"scheduled"`
}

// handleSchedule runs one scheduling pass. Stale workers are swept
// offline first so the eligibility search never picks a worker whose
// heartbeats have lapsed.
func (h *handler) handleSchedule(writer http.ResponseWriter, request *http.Request, body []byte) {
	var params scheduleRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			h.writeError(writer, &orchestrator.Error{
				Code:    orchestrator.CodeInvalid,
				Message: fmt.Sprintf("parsing trigger body: %v", err),
			})
			return
		}
	}

	ctx := request.Context()
	stale, err := h.engine.SweepStaleWorkers(ctx)
	if err != nil {
		h.writeError(writer, err)
		return
	}

	tenants := []string{params.TenantID}
	if params.TenantID == "" {
		tenants, err = h.engine.Tenants(ctx)
		if err != nil {
			h.writeError(writer, err)
			return
		}
	}

	scheduled := []*orchestrator.DelegatedWork{}
	for _, tenant := range tenants {
		created, err := h.engine.ScheduleReadyTasks(ctx, tenant)
		if err != nil {
			h.writeError(writer, err)
			return
		}
		scheduled = append(scheduled, created...)
	}

	h.writeJSON(writer, http.StatusOK, scheduleResponse{StaleWorkers: stale, Scheduled: scheduled})
}

type detectAnomaliesResponse struct {
	Tripped []string `json:"tripped"`
}

func (h *handler) handleDetectAnomalies(writer http.ResponseWriter, request *http.Request, _ []byte) {
	tripped, err := h.engine.DetectFailureSpikes(request.Context())
	if err != nil {
		h.writeError(writer, err)
		return
	}
	if tripped == nil {
		tripped = []string{}
	}
	h.writeJSON(writer, http.StatusOK, detectAnomaliesResponse{Tripped: tripped})
}

// --- JSON plumbing ---

// decode reads a JSON request body into target. An empty body decodes
// as the zero value so optional-body routes need no special casing.
func (h *handler) decode(request *http.Request, target any) error {
	body, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &orchestrator.Error{
			Code:    orchestrator.CodeInvalid,
			Message: fmt.Sprintf("parsing request body: %v", err),
		}
	}
	return nil
}

func (h *handler) writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

// writeError maps orchestration errors onto their HTTP status and
// serializes the structured error as the body. Anything else is a 500
// with no detail disclosed.
func (h *handler) writeError(writer http.ResponseWriter, err error) {
	var oerr *orchestrator.Error
	if errors.As(err, &oerr) {
		h.writeJSON(writer, oerr.HTTPStatus(), oerr)
		return
	}

	h.logger.Error("request failed", "error", err)
	h.writeJSON(writer, http.StatusInternalServerError, &orchestrator.Error{
		Code:    "internal",
		Message: "internal error",
	})
}
