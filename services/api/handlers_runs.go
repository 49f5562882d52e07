package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"specd/services/orchestrator"
)

type submitRunRequest struct {
	Repository  string   `json:"repository"`
	BaseBranch  string   `json:"base_branch"`
	FeatureKey  string   `json:"feature_key"`
	Instruction string   `json:"instruction"`
	Priority    string   `json:"priority"`
	PlanSteps   []string `json:"plan_steps"`
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.store.CreateRun(r.Context(), orchestrator.NewRunParams{
		Repository:  strings.TrimSpace(req.Repository),
		BaseBranch:  strings.TrimSpace(req.BaseBranch),
		FeatureKey:  strings.TrimSpace(req.FeatureKey),
		Instruction: req.Instruction,
		Priority:    orchestrator.RunPriority(req.Priority),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if len(req.PlanSteps) > 0 {
		steps := make([]orchestrator.PlanStepName, 0, len(req.PlanSteps))
		for _, s := range req.PlanSteps {
			steps = append(steps, orchestrator.PlanStepName(s))
		}
		plan, err := a.store.AttachPlan(r.Context(), run.ID, orchestrator.PlanOriginOperator, steps, nil)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		run.ActionPlanID = &plan.ID
		run.ActionPlan = plan
	}

	if err := a.dispatch(r.Context(), run.ID); err != nil {
		a.logger.Printf("level=error msg=\"dispatch run\" run=%q error=%q", run.ID, err)
		respondError(w, http.StatusBadGateway, fmt.Errorf("run %s stored but not dispatched: %w", run.ID, err))
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"run": runView(run)})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run": runView(run)})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := orchestrator.RunStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = orchestrator.RunStatusRunning
	}
	if !knownRunStatus(status) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	limit := a.config.ListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	runs, err := a.store.ListRunsByStatus(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type approveRunRequest struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleApproveRun records an operator approval token on a paused run and
// re-enqueues it so a worker resumes from the paused phase.
func (a *API) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req approveRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if run.Status != orchestrator.RunStatusAwaitingApproval {
		respondError(w, http.StatusConflict, fmt.Errorf("run %s is %s, not awaiting approval", id, run.Status))
		return
	}

	updates := map[string]any{
		"approval_token": req.Token,
		"status":         orchestrator.RunStatusQueued,
	}
	if req.ExpiresAt != nil {
		updates["approval_expires_at"] = req.ExpiresAt
	}
	if err := a.store.UpdateRun(r.Context(), id, updates); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := a.dispatch(r.Context(), id); err != nil {
		a.logger.Printf("level=error msg=\"dispatch approved run\" run=%q error=%q", id, err)
		respondError(w, http.StatusBadGateway, fmt.Errorf("approval stored but run not dispatched: %w", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run_id": id, "status": orchestrator.RunStatusQueued})
}

// handleCancelRun marks a queued or paused run cancelled. Runs already picked
// up by a worker finish their current phase; the worker observes the terminal
// status on redelivery and stops.
func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if run.Status.Terminal() {
		respondError(w, http.StatusConflict, fmt.Errorf("run %s already %s", id, run.Status))
		return
	}

	if err := a.store.SetRunStatus(r.Context(), id, orchestrator.RunStatusCancelled); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run_id": id, "status": orchestrator.RunStatusCancelled})
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	artifacts, err := a.store.ListArtifacts(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func knownRunStatus(s orchestrator.RunStatus) bool {
	switch s {
	case orchestrator.RunStatusQueued,
		orchestrator.RunStatusRunning,
		orchestrator.RunStatusAwaitingApproval,
		orchestrator.RunStatusSucceeded,
		orchestrator.RunStatusFailed,
		orchestrator.RunStatusRolledBack,
		orchestrator.RunStatusNoChanges,
		orchestrator.RunStatusCancelled:
		return true
	default:
		return false
	}
}
