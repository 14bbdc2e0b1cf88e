package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"cropharvest-orchestrator/internal/benchmark"
	"cropharvest-orchestrator/internal/config"
	"cropharvest-orchestrator/internal/domain"
	"cropharvest-orchestrator/internal/pipeline"
	appTemporal "cropharvest-orchestrator/internal/temporal"
)

const (
	defaultRunPageSize = 20
	maxRunPageSize     = 100
)

// Store is the slice of the persistence layer the API reads from. Writes
// happen inside workflow activities; the API only starts, signals, and
// cancels workflows.
type Store interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]domain.RunRecord, error)
	CountRuns(ctx context.Context) (int64, error)
	ListSteps(ctx context.Context, runID string) ([]domain.StepRecord, error)
	ListPendingApprovals(ctx context.Context) ([]domain.ApprovalItem, error)
	GetDataset(ctx context.Context, name string) (domain.DatasetRecord, error)
	GetNormalization(ctx context.Context, dataset string) (domain.NormalizationStats, error)
	ListBenchmarkResults(ctx context.Context, dataset string) ([]domain.BenchmarkResultRecord, error)
}

// LogStore fetches captured step output from the artifact bucket.
type LogStore interface {
	GetStepLog(ctx context.Context, objectKey string) ([]byte, error)
}

// WorkflowClient is the part of the Temporal client the handlers use.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
	CancelWorkflow(ctx context.Context, workflowID, runID string) error
}

type Handler struct {
	cfg         config.Config
	store       Store
	logs        LogStore
	temporal    WorkflowClient
	definitions []*pipeline.Definition
	logger      *zap.Logger
}

func NewHandler(cfg config.Config, store Store, logs LogStore, temporalClient WorkflowClient, definitions []*pipeline.Definition, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, logs: logs, temporal: temporalClient, definitions: definitions, logger: logger}
}

type runStarted struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Pipeline   string `json:"pipeline"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type eventResponse struct {
	DeliveryID string       `json:"delivery_id"`
	Runs       []runStarted `json:"runs"`
}

type runResponse struct {
	Run   domain.RunRecord    `json:"run"`
	Steps []domain.StepRecord `json:"steps"`
}

type runListResponse struct {
	Runs   []domain.RunRecord `json:"runs"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type datasetResponse struct {
	Dataset       domain.DatasetRecord       `json:"dataset"`
	Normalization *domain.NormalizationStats `json:"normalization,omitempty"`
}

// PostEvent ingests a forge webhook. Every definition matched by the event
// starts one pipeline run; the run ID is derived from the definition hash
// and commit so redelivered webhooks collide on the workflow ID instead of
// running twice.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxEventBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}

	result := domain.ValidateEvent(ev)
	if !domain.ValidationPassed(result) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        "event failed validation",
			"failed_rules": result.FailedRules,
		})
		return
	}

	runs := make([]runStarted, 0)
	for _, def := range h.definitions {
		if !def.Matches(ev) {
			continue
		}
		defHash, err := def.DefinitionHash()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to hash definition"})
			return
		}
		runID := fmt.Sprintf("%s-%s-%s-%s", def.Name, defHash[:8], ev.Kind, ev.CommitSHA[:8])
		workflowID := appTemporal.PipelineRunWorkflowID(runID)

		input := appTemporal.PipelineRunInput{
			Run: domain.RunRecord{
				ID:             runID,
				Pipeline:       def.Name,
				DefinitionHash: defHash,
				Repo:           ev.Repo,
				Branch:         ev.Branch,
				CommitSHA:      ev.CommitSHA,
				EventKind:      ev.Kind,
				Status:         domain.RunStatusPending,
				StartedAt:      time.Now().UTC(),
			},
			Definition: *def,
			CloneURL:   ev.CloneURL,
		}
		_, err = h.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: h.cfg.TemporalTaskQueue,
		}, appTemporal.PipelineRunWorkflowName, input)
		if err != nil {
			var already *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &already) {
				h.logger.Info("run already started", zap.String("workflow_id", workflowID), zap.String("delivery_id", ev.DeliveryID))
				runs = append(runs, runStarted{RunID: runID, WorkflowID: workflowID, Pipeline: def.Name, Duplicate: true})
				continue
			}
			h.logger.Error("start pipeline run", zap.String("workflow_id", workflowID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to start run"})
			return
		}
		runs = append(runs, runStarted{RunID: runID, WorkflowID: workflowID, Pipeline: def.Name})
	}

	writeJSON(w, http.StatusAccepted, eventResponse{DeliveryID: ev.DeliveryID, Runs: runs})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request, runID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch run"})
		return
	}
	steps, err := h.store.ListSteps(ctx, runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch steps"})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: rec, Steps: steps})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := queryInt(r, "limit", defaultRunPageSize)
	if limit < 1 || limit > maxRunPageSize {
		limit = defaultRunPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	runs, err := h.store.ListRuns(ctx, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list runs"})
		return
	}
	total, err := h.store.CountRuns(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to count runs"})
		return
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: runs, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch run"})
		return
	}
	if rec.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "run already finished", "status": rec.Status})
		return
	}
	if err := h.temporal.CancelWorkflow(ctx, appTemporal.PipelineRunWorkflowID(runID), ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to cancel run"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": "cancel_requested"})
}

// GetStepLog streams the captured output of one step. Steps are addressed
// by job ID and per-job index, matching how the worker records them.
func (h *Handler) GetStepLog(w http.ResponseWriter, r *http.Request, runID, jobID, indexParam string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	index, err := strconv.Atoi(indexParam)
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid step index"})
		return
	}

	steps, err := h.store.ListSteps(ctx, runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch steps"})
		return
	}
	var objectKey string
	for _, step := range steps {
		if step.JobID == jobID && step.Index == index {
			objectKey = step.LogObjectKey
			break
		}
	}
	if objectKey == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "step log not found"})
		return
	}

	output, err := h.logs.GetStepLog(ctx, objectKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch step log"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

func (h *Handler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := h.store.ListPendingApprovals(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch pending approvals"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request, runID string) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	decision := domain.ApprovalDecisionType(req.Decision)
	switch decision {
	case domain.ApprovalApprove, domain.ApprovalReject:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid decision"})
		return
	}

	signal := appTemporal.ApprovalDecisionSignal{
		Decision: decision,
		Reviewer: req.Reviewer,
		Reason:   req.Reason,
	}
	if err := h.temporal.SignalWorkflow(r.Context(), appTemporal.PipelineRunWorkflowID(runID), "", appTemporal.ApprovalDecisionSignalName, signal); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to signal workflow"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": "decision_sent"})
}

// StartBenchmarks launches a grid evaluation. The workflow ID is the grid
// hash, so resubmitting the same grid attaches to the running evaluation.
func (h *Handler) StartBenchmarks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var grid benchmark.Grid
	if err := json.NewDecoder(r.Body).Decode(&grid); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	// A grid that names no models runs every registered baseline.
	if len(grid.Models) == 0 {
		grid.Models = benchmark.RegisteredModels()
	}
	if failed := grid.Validate(); len(failed) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        "grid failed validation",
			"failed_rules": failed,
		})
		return
	}

	hash, err := grid.Hash()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to hash grid"})
		return
	}
	workflowID := appTemporal.BenchmarkWorkflowID(hash)

	_, err = h.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: h.cfg.TemporalTaskQueue,
	}, appTemporal.BenchmarkGridWorkflowName, appTemporal.BenchmarkGridInput{Grid: grid})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "duplicate": true})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to start benchmarks"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "cells": len(grid.Cells())})
}

func (h *Handler) BenchmarkResults(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results, err := h.store.ListBenchmarkResults(ctx, r.URL.Query().Get("dataset"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch benchmark results"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request, name string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.store.GetDataset(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "dataset not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch dataset"})
		return
	}

	resp := datasetResponse{Dataset: rec}
	stats, err := h.store.GetNormalization(ctx, name)
	switch {
	case err == nil:
		resp.Normalization = &stats
	case errors.Is(err, sql.ErrNoRows):
		// dataset still building, no canonical stats yet
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch normalization"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) FinalizeDataset(w http.ResponseWriter, r *http.Request, name string) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	workflowID := appTemporal.FinalizeWorkflowID(name)
	_, err := h.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: h.cfg.TemporalTaskQueue,
	}, appTemporal.FinalizeDatasetWorkflowName, appTemporal.FinalizeDatasetWorkflowInput{Dataset: name})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "duplicate": true})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to start finalize"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "dataset": name})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
