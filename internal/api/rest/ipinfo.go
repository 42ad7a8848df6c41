package rest

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/pkg/logger"
)

// GetIPInfo handles GET /ipinfo/{ip}: a direct GeoIP lookup for the
// dashboard's drill-down view.
func (h *Handler) GetIPInfo(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	ip := mux.Vars(r)["ip"]

	if net.ParseIP(ip) == nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid IP address", reqID)
		return
	}

	info := h.enricher.Lookup(ip)
	respondJSON(w, http.StatusOK, map[string]any{
		"ip":      ip,
		"enabled": h.enricher.Enabled(),
		"geo":     info,
	})
}
