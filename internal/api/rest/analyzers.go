package rest

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/analyzer"
	"github.com/capigate/capigate/internal/pkg/logger"
)

// ListAnalyzers handles GET /analyzers
func (h *Handler) ListAnalyzers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"analyzers": h.scheduler.List(),
	})
}

// GetAnalyzer handles GET /analyzers/{id}
func (h *Handler) GetAnalyzer(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	status, err := h.scheduler.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "analyzer not found", reqID)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// GetAnalyzerRuns handles GET /analyzers/{id}/runs
func (h *Handler) GetAnalyzerRuns(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	runs, err := h.scheduler.History(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "analyzer not found", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// TriggerAnalyzer handles POST /analyzers/{id}/run. Returns 409 while the
// analyzer is already running.
func (h *Handler) TriggerAnalyzer(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	run, err := h.scheduler.Trigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, analyzer.ErrNotFound):
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "analyzer not found", reqID)
		case errors.Is(err, analyzer.ErrAlreadyRunning):
			respondError(w, http.StatusConflict, ErrCodeConflict, "analyzer is already running", reqID)
		default:
			respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "trigger failed", reqID)
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}
