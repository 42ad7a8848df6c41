// Package rest is the admin API consumed by the dashboard: alerts, stats,
// analyzers, decisions and GeoIP lookups over the data the interception
// path records. It never sits on the proxy hot path.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/analyzer"
	"github.com/capigate/capigate/internal/geoip"
	"github.com/capigate/capigate/internal/repository"
)

// Handler manages the admin HTTP endpoints.
type Handler struct {
	store     repository.Store
	scheduler *analyzer.Scheduler
	enricher  *geoip.Enricher
}

// NewHandler creates the admin API handler.
func NewHandler(store repository.Store, scheduler *analyzer.Scheduler, enricher *geoip.Enricher) *Handler {
	return &Handler{
		store:     store,
		scheduler: scheduler,
		enricher:  enricher,
	}
}

// SetupRoutes configures the /api/v1 routes.
func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/alerts", h.ListAlerts).Methods("GET")
	router.HandleFunc("/alerts/{id}", h.GetAlert).Methods("GET")
	router.HandleFunc("/alerts/{id}", h.DeleteAlert).Methods("DELETE")

	router.HandleFunc("/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/stats/distribution", h.GetDistribution).Methods("GET")

	router.HandleFunc("/analyzers", h.ListAnalyzers).Methods("GET")
	router.HandleFunc("/analyzers/{id}", h.GetAnalyzer).Methods("GET")
	router.HandleFunc("/analyzers/{id}/runs", h.GetAnalyzerRuns).Methods("GET")
	router.HandleFunc("/analyzers/{id}/run", h.TriggerAnalyzer).Methods("POST")

	router.HandleFunc("/decisions", h.ListDecisions).Methods("GET")
	router.HandleFunc("/decisions", h.CreateDecision).Methods("POST")
	router.HandleFunc("/decisions/{id}", h.DeleteDecision).Methods("DELETE")

	router.HandleFunc("/ipinfo/{ip}", h.GetIPInfo).Methods("GET")
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
