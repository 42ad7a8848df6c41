// Package proxy implements the CAPI interception path: validate the agent,
// inspect signal batches, suppress filtered alerts, forward the rest byte
// for byte, and record every alert for observability.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/capigate/capigate/internal/filter"
	"github.com/capigate/capigate/internal/geoip"
	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/internal/pkg/metrics"
	"github.com/capigate/capigate/internal/repository"
	"github.com/capigate/capigate/internal/validation"
)

// forwardedHeaders is the allow-list of request headers passed upstream.
// Accept-Encoding is deliberately absent; the upstream client negotiates
// its own encoding so the response body arrives in plain bytes.
var forwardedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Content-Encoding",
	"User-Agent",
	"Accept",
}

// Forwarder proxies /v2/* and /v3/* to CAPI. Only POST /v2/signals is
// introspected; every other request's body is passed through untouched.
type Forwarder struct {
	capiURL   string
	client    *http.Client
	validator *validation.Validator
	engine    *filter.Engine
	enricher  *geoip.Enricher
	alerts    repository.AlertRepository
	log       *slog.Logger
}

// New creates a Forwarder targeting the given CAPI base URL. timeoutMs
// bounds every upstream call.
func New(capiURL string, timeoutMs int, validator *validation.Validator, engine *filter.Engine, enricher *geoip.Enricher, alerts repository.AlertRepository, log *slog.Logger) *Forwarder {
	return &Forwarder{
		capiURL: strings.TrimSuffix(capiURL, "/"),
		client: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
			Transport: &http.Transport{
				// CAPI responses are streamed back verbatim, so the client
				// must not transparently decompress them.
				DisableCompression: true,
			},
		},
		validator: validator,
		engine:    engine,
		enricher:  enricher,
		alerts:    alerts,
		log:       log,
	}
}

// Register mounts the interception routes on the router.
func (f *Forwarder) Register(r *mux.Router) {
	r.PathPrefix("/v2/").HandlerFunc(f.handle)
	r.PathPrefix("/v3/").HandlerFunc(f.handle)
}

func (f *Forwarder) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	res := f.validator.Validate(r.Context(), r.Header.Get("Authorization"))
	if !res.Valid {
		writeJSONError(w, http.StatusUnauthorized, "client validation failed: "+res.Reason)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	forwardBody := body
	var stored []*models.StoredAlert
	if r.Method == http.MethodPost && r.URL.Path == "/v2/signals" {
		forwardBody, stored = f.interceptSignals(body)
	}

	status := f.forward(w, r, forwardBody)

	if len(stored) > 0 {
		// Persistence happens after the agent got its response and survives
		// client disconnects. The forward already succeeded or failed; a
		// repository error only loses observability data.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
		defer cancel()
		if err := f.alerts.InsertAlerts(ctx, stored); err != nil {
			f.log.Error("failed to persist intercepted alerts", "error", err, "count", len(stored))
		}
	}

	f.log.Debug("proxied request",
		"method", r.Method, "path", r.URL.Path, "status", status,
		"validation", res.Reason, "duration_ms", time.Since(start).Milliseconds())
}

// interceptSignals parses the signal batch, runs the filter engine and
// rebuilds the forward body from the surviving alerts' original bytes. A
// body that does not parse as an alert array is forwarded untouched.
func (f *Forwarder) interceptSignals(body []byte) ([]byte, []*models.StoredAlert) {
	var rawAlerts []json.RawMessage
	if err := json.Unmarshal(body, &rawAlerts); err != nil {
		f.log.Warn("signals body is not an alert array, forwarding unmodified", "error", err)
		return body, nil
	}

	alerts := make([]*models.Alert, len(rawAlerts))
	for i, raw := range rawAlerts {
		var alert models.Alert
		if err := json.Unmarshal(raw, &alert); err != nil {
			f.log.Warn("signals alert does not parse, forwarding batch unmodified",
				"index", i, "error", err)
			return body, nil
		}
		alerts[i] = &alert
	}

	result := f.engine.Evaluate(alerts, "")
	metrics.SignalsReceivedTotal.Add(float64(result.Total))
	metrics.SignalsFilteredTotal.Add(float64(result.Suppressed))

	stored := make([]*models.StoredAlert, len(result.Outcomes))
	for i, outcome := range result.Outcomes {
		stored[i] = f.toStored(outcome, rawAlerts[i])
	}

	if result.Suppressed == 0 {
		return body, stored
	}

	f.log.Info("suppressed alerts before forwarding",
		"total", result.Total, "suppressed", result.Suppressed, "forwarded", result.Passed)

	// Rebuild the array from the survivors' raw elements so forwarded
	// alerts keep their exact original bytes.
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, idx := range result.Survivors {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rawAlerts[idx])
	}
	buf.WriteByte(']')
	return buf.Bytes(), stored
}

func (f *Forwarder) toStored(outcome filter.AlertOutcome, raw json.RawMessage) *models.StoredAlert {
	alert := outcome.Alert
	id := alert.UUID
	if id == "" {
		id = uuid.NewString()
	}
	stored := &models.StoredAlert{
		ID:              id,
		MachineID:       alert.MachineID,
		Scenario:        alert.Scenario,
		ScenarioHash:    alert.ScenarioHash,
		ScenarioVersion: alert.ScenarioVersion,
		Message:         alert.Message,
		EventsCount:     alert.EventsCount,
		SourceScope:     alert.Source.Scope,
		SourceValue:     alert.Source.Value,
		SourceIP:        alert.SourceIP(),
		StartAt:         alert.StartAt,
		StopAt:          alert.StopAt,
		Raw:             string(raw),
		Filtered:        outcome.Suppressed,
		FilterReasons:   outcome.MatchedFilters,
	}
	if stored.SourceIP != "" {
		stored.Geo = f.enricher.Lookup(stored.SourceIP)
	}
	return stored
}

// forward sends the (possibly rewritten) request upstream and streams the
// response back. Returns the status written to the agent.
func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, body []byte) int {
	req, err := http.NewRequestWithContext(r.Context(), r.Method,
		f.capiURL+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build upstream request")
		return http.StatusInternalServerError
	}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.UpstreamErrorsTotal.Inc()
		f.log.Error("upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream CAPI unreachable")
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		f.log.Warn("upstream returned error",
			"method", r.Method, "path", r.URL.Path,
			"status", resp.StatusCode, "body", string(respBody))
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		io.Copy(w, resp.Body)
		return resp.StatusCode
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.log.Debug("response stream interrupted", "path", r.URL.Path, "error", err)
	}
	return resp.StatusCode
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
