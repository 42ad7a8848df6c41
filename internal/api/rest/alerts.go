package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/repository"
)

const defaultAlertLimit = 100

// ListAlerts handles GET /alerts with since/until/scenario/machine_id/limit
// query filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	q := r.URL.Query()

	filter := repository.ListAlertsFilter{
		Scenario:  q.Get("scenario"),
		MachineID: q.Get("machine_id"),
		Limit:     defaultAlertLimit,
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid since timestamp, want RFC3339", reqID)
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid until timestamp, want RFC3339", reqID)
			return
		}
		filter.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be between 1 and 1000", reqID)
			return
		}
		filter.Limit = n
	}

	alerts, err := h.store.ListAlerts(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list alerts", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	alert, err := h.store.GetAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "alert not found", reqID)
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load alert", reqID)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// DeleteAlert handles DELETE /alerts/{id}
func (h *Handler) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteAlert(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "alert not found", reqID)
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to delete alert", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted"})
}
