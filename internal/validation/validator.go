// Package validation authenticates inbound CrowdSec agents by probing their
// Authorization header against CAPI, with a two-tier cache (memory LRU in
// front of the durable store) keyed by the header's SHA-256 fingerprint.
package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/capigate/capigate/internal/cache"
	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/pkg/metrics"
	"github.com/capigate/capigate/internal/repository"
)

// Validation outcome reasons. "cached_sqlite" names the durable tier for
// compatibility with the original dashboard regardless of the backend driver.
const (
	ReasonDisabled           = "disabled"
	ReasonNoAuthHeader       = "no_auth_header"
	ReasonCachedMemory       = "cached_memory"
	ReasonCachedStore        = "cached_sqlite"
	ReasonValidated          = "validated"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonCAPIErrorFailClose = "capi_error_failclosed"
	ReasonCAPIErrorFailOpen  = "capi_error_failopen"
)

// Result is the outcome of a single validation.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// Fingerprint returns the SHA-256 hex digest of the full Authorization
// header value. This is the only form of the header that may be stored or
// logged.
func Fingerprint(authHeader string) string {
	sum := sha256.Sum256([]byte(authHeader))
	return hex.EncodeToString(sum[:])
}

// Validator orchestrates the memory -> store -> CAPI lookup chain.
type Validator struct {
	cfg     config.ValidationConfig
	capiURL string
	memory  *cache.ValidationCache
	store   repository.ValidationStore
	client  *http.Client
	log     *slog.Logger
}

// New creates a Validator probing the given CAPI base URL.
func New(cfg config.ValidationConfig, capiURL string, memory *cache.ValidationCache, store repository.ValidationStore, log *slog.Logger) *Validator {
	return &Validator{
		cfg:     cfg,
		capiURL: capiURL,
		memory:  memory,
		store:   store,
		client:  &http.Client{Timeout: time.Duration(cfg.ValidationTimeoutMs) * time.Millisecond},
		log:     log,
	}
}

// Validate decides whether the agent behind authHeader may use the proxy.
// The decision depends only on the header's presence, the cache state, the
// CAPI probe response and the fail-closed policy.
func (v *Validator) Validate(ctx context.Context, authHeader string) Result {
	res := v.validate(ctx, authHeader)
	metrics.ValidationResultsTotal.WithLabelValues(res.Reason).Inc()
	return res
}

func (v *Validator) validate(ctx context.Context, authHeader string) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true, Reason: ReasonDisabled}
	}
	if authHeader == "" {
		return Result{Valid: false, Reason: ReasonNoAuthHeader}
	}

	hash := Fingerprint(authHeader)

	if entry, ok := v.memory.Get(hash); ok && !entry.IsExpired() {
		return Result{Valid: true, Reason: ReasonCachedMemory}
	}

	entry, err := v.store.LookupClient(ctx, hash)
	if err != nil {
		v.log.Error("validation store lookup failed", "error", err, "fingerprint", logger.Fingerprint(hash))
	} else if entry != nil && !entry.IsExpired() {
		// The memory tier is a cache of the store: a store hit populates it.
		v.memory.Set(hash, entry)
		return Result{Valid: true, Reason: ReasonCachedStore}
	}

	return v.probeCAPI(ctx, authHeader, hash)
}

// probeCAPI performs a lightweight HEAD against the decisions stream, the
// cheapest CAPI endpoint that authenticates the bearer token.
func (v *Validator) probeCAPI(ctx context.Context, authHeader, hash string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		v.capiURL+"/v2/decisions/stream?startup=true", nil)
	if err != nil {
		return v.capiError(ctx, hash, fmt.Errorf("failed to build probe request: %w", err))
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := v.client.Do(req)
	if err != nil {
		return v.capiError(ctx, hash, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		v.cacheValidated(ctx, hash, time.Duration(v.cfg.CacheTTLSeconds)*time.Second)
		return Result{Valid: true, Reason: ReasonValidated}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		v.log.Debug("CAPI rejected credentials",
			"status", resp.StatusCode, "fingerprint", logger.Fingerprint(hash))
		return Result{Valid: false, Reason: ReasonInvalidCredentials}
	default:
		return v.capiError(ctx, hash, fmt.Errorf("CAPI probe returned status %d", resp.StatusCode))
	}
}

// capiError applies the fail-open/fail-closed policy. The fail-open cache
// entry uses the shorter error TTL so a CAPI outage does not stampede every
// inbound request into an upstream probe, while still re-probing soon.
func (v *Validator) capiError(ctx context.Context, hash string, err error) Result {
	if v.cfg.FailClosed {
		v.log.Warn("CAPI probe failed, rejecting (fail-closed)",
			"error", err, "fingerprint", logger.Fingerprint(hash))
		return Result{Valid: false, Reason: ReasonCAPIErrorFailClose}
	}
	v.log.Warn("CAPI probe failed, accepting (fail-open)",
		"error", err, "fingerprint", logger.Fingerprint(hash))
	v.cacheValidated(ctx, hash, time.Duration(v.cfg.CacheTTLErrorSeconds)*time.Second)
	return Result{Valid: true, Reason: ReasonCAPIErrorFailOpen}
}

func (v *Validator) cacheValidated(ctx context.Context, hash string, ttl time.Duration) {
	now := time.Now()
	v.memory.Set(hash, &models.ValidatedClient{
		TokenHash:      hash,
		ValidatedAt:    now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		AccessCount:    1,
	})
	if err := v.store.StoreClient(ctx, hash, ttl, ""); err != nil {
		v.log.Error("failed to persist validated client",
			"error", err, "fingerprint", logger.Fingerprint(hash))
	}
}
