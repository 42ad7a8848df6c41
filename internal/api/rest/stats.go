package rest

import (
	"net/http"

	"github.com/capigate/capigate/internal/pkg/logger"
)

// GetStats handles GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	stats, err := h.store.AlertStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to compute stats", reqID)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetDistribution handles GET /stats/distribution
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	dist, err := h.store.AlertDistribution(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to compute distribution", reqID)
		return
	}
	respondJSON(w, http.StatusOK, dist)
}
