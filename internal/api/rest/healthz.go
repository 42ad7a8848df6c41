package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/capigate/capigate/internal/repository"
)

// HealthzHandler serves the liveness/readiness probes. Unauthenticated.
type HealthzHandler struct {
	store repository.Store
}

// NewHealthzHandler creates a new healthz handler.
func NewHealthzHandler(store repository.Store) *HealthzHandler {
	return &HealthzHandler{store: store}
}

// Health handles GET /health: alive plus database reachability.
func (h *HealthzHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": "database_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
