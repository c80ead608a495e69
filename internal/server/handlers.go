// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noldarim/shipyard/internal/pipeline"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

//go:embed static/index.html
var staticFS embed.FS

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// RunService is the part of the orchestrator the API needs.
type RunService interface {
	Submit(ctx context.Context, ev pipeline.TriggerEvent) (*pipeline.RunHandle, error)
	Get(ctx context.Context, runID string) (pipeline.Run, error)
	ListFiltered(ctx context.Context, f pipeline.RunFilter) ([]pipeline.Run, error)
	Cancel(ctx context.Context, runID string) error
}

var _ RunService = (*pipeline.Orchestrator)(nil)

type Handlers struct {
	runs    RunService
	clients *ClientRegistry
}

func NewHandlers(runs RunService, clients *ClientRegistry) *Handlers {
	return &Handlers{runs: runs, clients: clients}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["context"] = err.Error()
	}
	writeJSON(w, status, body)
}

// runSummary is a run without stage logs.
type runSummary struct {
	ID          string                      `json:"id"`
	Pipeline    string                      `json:"pipeline"`
	Branch      string                      `json:"branch"`
	Commit      string                      `json:"commit"`
	Status      pipeline.RunStatus          `json:"status"`
	FailedStage string                      `json:"failed_stage,omitempty"`
	Artifact    *pipeline.ArtifactReference `json:"artifact,omitempty"`
	Error       string                      `json:"error,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	EndedAt     *time.Time                  `json:"ended_at,omitempty"`
}

func summarize(r pipeline.Run) runSummary {
	s := runSummary{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Branch:    r.Event.Branch,
		Commit:    r.Event.Commit,
		Status:    r.Status,
		Artifact:  r.Artifact,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		EndedAt:   r.EndedAt,
	}
	if failed, ok := r.FailedStage(); ok {
		s.FailedStage = failed.Name
	}
	return s
}

// --- handlers ---

// Index serves the embedded status page.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status page unavailable", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if h.clients != nil {
		clients = h.clients.Len()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ws_clients": clients})
}

// SubmitEvent handles POST /api/v1/events
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	ev.Branch = strings.TrimSpace(ev.Branch)
	ev.Commit = strings.TrimSpace(ev.Commit)

	handle, err := h.runs.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, pipeline.ErrInvalidEvent):
		requestLog(r).Info().Str("branch", ev.Branch).Msg("Trigger rejected")
		writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	case err != nil && handle != nil:
		requestLog(r).Error().Err(err).Str("run_id", handle.ID).Msg("Run created but not dispatched")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "run created but could not be started",
			"run_id": handle.ID,
		})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to submit event", err)
		return
	}
	requestLog(r).Info().Str("run_id", handle.ID).Str("branch", ev.Branch).Str("commit", ev.Commit).Msg("Run submitted")
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": handle.ID})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	filter := pipeline.RunFilter{Branch: r.URL.Query().Get("branch"), Limit: limit}
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := pipeline.ParseRunStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status filter", err)
			return
		}
		filter.Status = &parsed
	}

	runs, err := h.runs.ListFiltered(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": lo.Map(runs, func(run pipeline.Run, _ int) runSummary { return summarize(run) }),
	})
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		writeRunError(w, err, "Failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{runId}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		writeRunError(w, err, "Failed to cancel run")
		return
	}

	body := map[string]string{"run_id": runID, "status": "cancelling"}
	if run, err := h.runs.Get(r.Context(), runID); err == nil && run.Status.IsTerminal() {
		body["status"] = run.Status.String()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func writeRunError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found", nil)
	case errors.Is(err, pipeline.ErrRunTerminal):
		writeError(w, http.StatusConflict, "run already finished", nil)
	default:
		writeError(w, http.StatusInternalServerError, msg, err)
	}
}
