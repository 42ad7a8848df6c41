package validation

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capigate/capigate/internal/cache"
	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/repository"
)

func testValidationConfig() config.ValidationConfig {
	return config.ValidationConfig{
		Enabled:              true,
		CacheTTLSeconds:      3600,
		CacheTTLErrorSeconds: 30,
		ValidationTimeoutMs:  2000,
		MaxMemoryEntries:     10,
	}
}

// capiStub counts probe requests and answers with a fixed status.
func capiStub(t *testing.T, status int, probes *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		require.Equal(t, "/v2/decisions/stream", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("startup"))
		probes.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestValidator(t *testing.T, cfg config.ValidationConfig, capiURL string) (*Validator, *cache.ValidationCache, repository.Store) {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "validation_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	memory, err := cache.New(cfg.MaxMemoryEntries)
	require.NoError(t, err)

	return New(cfg, capiURL, memory, store, logger.New("error")), memory, store
}

func TestValidator_NoAuthHeader(t *testing.T) {
	v, _, _ := newTestValidator(t, testValidationConfig(), "http://capi.invalid")

	res := v.Validate(context.Background(), "")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoAuthHeader, res.Reason)
}

func TestValidator_Disabled(t *testing.T) {
	cfg := testValidationConfig()
	cfg.Enabled = false
	v, _, _ := newTestValidator(t, cfg, "http://capi.invalid")

	res := v.Validate(context.Background(), "")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonDisabled, res.Reason)
}

func TestValidator_CacheMissThenHit(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusOK, &probes)
	v, memory, _ := newTestValidator(t, testValidationConfig(), capi.URL)
	ctx := context.Background()

	res := v.Validate(ctx, "Bearer X")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonValidated, res.Reason)
	assert.Equal(t, int64(1), probes.Load())
	assert.Equal(t, 1, memory.Len())

	// Second call within TTL is served from memory, no upstream call.
	res = v.Validate(ctx, "Bearer X")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonCachedMemory, res.Reason)
	assert.Equal(t, int64(1), probes.Load())
}

func TestValidator_StoreHitPromotesToMemory(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusOK, &probes)
	v, memory, store := newTestValidator(t, testValidationConfig(), capi.URL)
	ctx := context.Background()

	// Entry exists only in the durable tier.
	hash := Fingerprint("Bearer X")
	require.NoError(t, store.StoreClient(ctx, hash, time.Hour, ""))
	require.Equal(t, 0, memory.Len())

	res := v.Validate(ctx, "Bearer X")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonCachedStore, res.Reason)
	assert.Equal(t, int64(0), probes.Load())
	assert.Equal(t, 1, memory.Len(), "store hit must populate the memory tier")

	res = v.Validate(ctx, "Bearer X")
	assert.Equal(t, ReasonCachedMemory, res.Reason)
}

func TestValidator_InvalidCredentials(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusUnauthorized, &probes)
	v, memory, _ := newTestValidator(t, testValidationConfig(), capi.URL)

	res := v.Validate(context.Background(), "Bearer bogus")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidCredentials, res.Reason)
	assert.Equal(t, 0, memory.Len(), "rejections are not cached")

	// Every attempt with bad credentials re-probes.
	v.Validate(context.Background(), "Bearer bogus")
	assert.Equal(t, int64(2), probes.Load())
}

func TestValidator_FailOpenUnderOutage(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusServiceUnavailable, &probes)
	v, memory, _ := newTestValidator(t, testValidationConfig(), capi.URL)
	ctx := context.Background()

	res := v.Validate(ctx, "Bearer X")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonCAPIErrorFailOpen, res.Reason)

	// Cached under the error TTL: next call does not re-probe.
	entry, ok := memory.Get(Fingerprint("Bearer X"))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), entry.ExpiresAt, 5*time.Second)

	res = v.Validate(ctx, "Bearer X")
	assert.Equal(t, ReasonCachedMemory, res.Reason)
	assert.Equal(t, int64(1), probes.Load())
}

func TestValidator_FailClosedUnderOutage(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusServiceUnavailable, &probes)
	cfg := testValidationConfig()
	cfg.FailClosed = true
	v, memory, _ := newTestValidator(t, cfg, capi.URL)

	res := v.Validate(context.Background(), "Bearer X")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonCAPIErrorFailClose, res.Reason)
	assert.Equal(t, 0, memory.Len())
}

func TestValidator_NetworkErrorFollowsPolicy(t *testing.T) {
	// Unroutable CAPI: transport error instead of an HTTP status.
	cfg := testValidationConfig()
	cfg.ValidationTimeoutMs = 100
	v, _, _ := newTestValidator(t, cfg, "http://127.0.0.1:1")

	res := v.Validate(context.Background(), "Bearer X")
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonCAPIErrorFailOpen, res.Reason)

	cfg.FailClosed = true
	v2, _, _ := newTestValidator(t, cfg, "http://127.0.0.1:1")
	res = v2.Validate(context.Background(), "Bearer Y")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonCAPIErrorFailClose, res.Reason)
}

func TestValidator_ExpiredEntryTriggersReprobe(t *testing.T) {
	var probes atomic.Int64
	capi := capiStub(t, http.StatusOK, &probes)
	v, memory, store := newTestValidator(t, testValidationConfig(), capi.URL)
	ctx := context.Background()

	hash := Fingerprint("Bearer X")
	require.NoError(t, store.StoreClient(ctx, hash, -time.Second, ""))
	require.Equal(t, 0, memory.Len())

	res := v.Validate(ctx, "Bearer X")
	assert.Equal(t, ReasonValidated, res.Reason)
	assert.Equal(t, int64(1), probes.Load(), "expired store entry must not satisfy validation")
}

func TestValidator_LogsCarryFingerprintsNotCredentials(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "validation_log_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	memory, err := cache.New(16)
	require.NoError(t, err)

	var probes atomic.Int64
	ctx := context.Background()

	// Outage path: the fail-open warning must identify the client by
	// fingerprint only.
	outage := capiStub(t, http.StatusServiceUnavailable, &probes)
	v := New(testValidationConfig(), outage.URL, memory, store, log)
	const token = "Bearer plaintext-credential-do-not-log"
	res := v.Validate(ctx, token)
	require.Equal(t, ReasonCAPIErrorFailOpen, res.Reason)

	// Rejection path logs at debug, same rule.
	denied := capiStub(t, http.StatusUnauthorized, &probes)
	v2 := New(testValidationConfig(), denied.URL, memory, store, log)
	const badToken = "Bearer rejected-credential"
	res = v2.Validate(ctx, badToken)
	require.Equal(t, ReasonInvalidCredentials, res.Reason)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.NotContains(t, out, "plaintext-credential-do-not-log")
	assert.NotContains(t, out, "rejected-credential")
	assert.Contains(t, out, logger.Fingerprint(Fingerprint(token)))
}

func TestFingerprint_IsStableHex(t *testing.T) {
	fp := Fingerprint("Bearer X")
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("Bearer X"))
	assert.NotEqual(t, fp, Fingerprint("Bearer Y"))
	assert.NotContains(t, fp, "Bearer")
}
