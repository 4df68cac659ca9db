package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nepenth/kb-pipeline/internal/orchestrator"
	"github.com/nepenth/kb-pipeline/internal/store"
	"github.com/nepenth/kb-pipeline/internal/validator"
)

// apiServer holds the dependencies the operator-facing HTTP handlers close
// over, mirroring cmd/api/main.go's handler-closure-over-deps shape.
type apiServer struct {
	orch  *orchestrator.Orchestrator
	val   *validator.Validator
	items *store.ItemStore
	runs  *runRegistry
	log   *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRunRequest is the run descriptor body of POST /api/runs (spec §6.3).
type createRunRequest struct {
	RunMode       string         `json:"run_mode"`
	EnabledPhases []string       `json:"enabled_phases"`
	Preferences   map[string]any `json:"preferences"`
}

func (a *apiServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeErr(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.RunMode == "" {
		req.RunMode = "full"
	}

	taskID := uuid.NewString()
	runID := uuid.NewString()
	runCtx, cancel := a.runs.start(taskID)

	go func() {
		defer cancel()
		result, err := a.orch.Run(runCtx, runID, taskID, orchestrator.RunDescriptor{
			RunMode:       req.RunMode,
			EnabledPhases: req.EnabledPhases,
			Preferences:   req.Preferences,
		})
		if err != nil {
			a.log.Warn("run failed", "task_id", taskID, "error", err)
		}
		a.runs.finish(taskID, result, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (a *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	st, ok := a.runs.get(taskID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown task_id")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *apiServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !a.runs.cancel(taskID) {
		writeErr(w, http.StatusNotFound, "no running task with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (a *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	autoFix := r.URL.Query().Get("autofix") == "true"
	report, err := a.val.Run(r.Context(), autoFix)
	if err != nil {
		a.log.Error("validation failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "validation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *apiServer) handleItemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.items.Stats(r.Context())
	if err != nil {
		a.log.Error("item stats failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to load item stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
