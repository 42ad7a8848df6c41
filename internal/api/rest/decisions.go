package rest

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/repository"
)

// ListDecisions handles GET /decisions. ?active=true narrows to decisions
// whose expiry has not passed.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	activeOnly := r.URL.Query().Get("active") == "true"

	decisions, err := h.store.ListDecisions(r.Context(), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list decisions", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// createDecisionRequest is the body of a manual remediation.
type createDecisionRequest struct {
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Type     string `json:"type"`
	Duration string `json:"duration"`
	Scenario string `json:"scenario"`
}

// CreateDecision handles POST /decisions: pushes an operator-supplied
// decision to every configured LAPI server.
func (h *Handler) CreateDecision(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())

	var req createDecisionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", reqID)
		return
	}
	if req.Value == "" || req.Type == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "value and type are required", reqID)
		return
	}
	if req.Scope == "" {
		req.Scope = models.ScopeIP
	}
	if req.Duration == "" {
		req.Duration = "4h"
	}
	if req.Scenario == "" {
		req.Scenario = "manual"
	}

	pushed := h.scheduler.PushManualDecision(r.Context(), models.Decision{
		Origin:   "capigate",
		Type:     req.Type,
		Scope:    req.Scope,
		Value:    req.Value,
		Duration: req.Duration,
		Scenario: req.Scenario,
	})

	respondJSON(w, http.StatusCreated, map[string]any{
		"pushed": pushed,
	})
}

// DeleteDecision handles DELETE /decisions/{id}
func (h *Handler) DeleteDecision(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteDecision(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "decision not found", reqID)
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to delete decision", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Decision deleted"})
}
