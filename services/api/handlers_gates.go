package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/datatypes"

	"specd/services/orchestrator"
)

type upsertGateRequest struct {
	Requirement     string   `json:"requirement"`
	ApproverRoles   []string `json:"approver_roles"`
	ValidForMinutes int      `json:"valid_for_minutes"`
}

func (a *API) handleUpsertGate(w http.ResponseWriter, r *http.Request) {
	serviceName := strings.TrimSpace(chi.URLParam(r, "serviceName"))

	var req upsertGateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	gate := &orchestrator.ApprovalGate{
		ServiceName:     serviceName,
		Requirement:     orchestrator.ApprovalRequirement(req.Requirement),
		ApproverRoles:   datatypes.NewJSONSlice(req.ApproverRoles),
		ValidForMinutes: req.ValidForMinutes,
	}
	if err := a.store.SaveApprovalGate(r.Context(), gate); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"gate": gate})
}

func (a *API) handleListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := a.store.ListApprovalGates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"gates": gates})
}
