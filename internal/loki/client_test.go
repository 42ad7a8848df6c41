package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/pkg/logger"
)

func grafanaStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func frameResponse(timestamps []int64, labels, lines []string) string {
	payload := map[string]any{
		"results": map[string]any{
			"A": map[string]any{
				"frames": []any{
					map[string]any{
						"data": map[string]any{
							"values": []any{timestamps, labels, lines},
						},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func testQuery() Query {
	return Query{
		Expr:     `{job="nginx"}`,
		MaxLines: 500,
		Lookback: "15m",
		Extraction: config.ExtractionConfig{
			Format: "json",
			Fields: map[string]string{
				"ip":     "request.remote_addr",
				"status": "response.status",
			},
		},
	}
}

func TestClient_FetchProjectsFields(t *testing.T) {
	var gotBody dsQueryRequest
	srv := grafanaStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/ds/query", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(frameResponse(
			[]int64{1700000000000000000, 1700000001000000000},
			[]string{"{}", "{}"},
			[]string{
				`{"request":{"remote_addr":"203.0.113.5"},"response":{"status":404}}`,
				`{"request":{"remote_addr":"203.0.113.6"}}`,
			},
		)))
	})

	c := NewClient(config.LogSourceConfig{GrafanaURL: srv.URL, Token: "tok", DatasourceUID: "loki-uid"}, time.Second, logger.New("error"))
	res := c.Fetch(context.Background(), testQuery())
	require.Empty(t, res.Err)
	require.Len(t, res.Entries, 2)

	require.Len(t, gotBody.Queries, 1)
	assert.Equal(t, "A", gotBody.Queries[0].RefID)
	assert.Equal(t, "now-15m", gotBody.From)
	assert.Equal(t, "now", gotBody.To)
	assert.Equal(t, "loki-uid", gotBody.Queries[0].Datasource.UID)

	assert.Equal(t, "203.0.113.5", res.Entries[0].Fields["ip"])
	assert.Equal(t, float64(404), res.Entries[0].Fields["status"])
	assert.Equal(t, time.Unix(0, 1700000000000000000).UTC(), res.Entries[0].Timestamp)

	// Missing nested path drops the field, not the entry.
	assert.Equal(t, "203.0.113.6", res.Entries[1].Fields["ip"])
	_, hasStatus := res.Entries[1].Fields["status"]
	assert.False(t, hasStatus)
}

func TestClient_FetchSkipsUnparseableLines(t *testing.T) {
	srv := grafanaStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(frameResponse(
			[]int64{1, 2, 3},
			[]string{"{}", "{}", "{}"},
			[]string{
				`not json at all`,
				`{"request":{"remote_addr":"1.2.3.4"}}`,
				`{"truncated":`,
			},
		)))
	})

	c := NewClient(config.LogSourceConfig{GrafanaURL: srv.URL}, time.Second, logger.New("error"))
	res := c.Fetch(context.Background(), testQuery())
	require.Empty(t, res.Err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "1.2.3.4", res.Entries[0].Fields["ip"])
}

func TestClient_FetchEmptyFrames(t *testing.T) {
	srv := grafanaStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"A":{"frames":[]}}}`))
	})

	c := NewClient(config.LogSourceConfig{GrafanaURL: srv.URL}, time.Second, logger.New("error"))
	res := c.Fetch(context.Background(), testQuery())
	assert.Empty(t, res.Err)
	assert.Empty(t, res.Entries)
}

func TestClient_FetchUpstreamError(t *testing.T) {
	srv := grafanaStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient(config.LogSourceConfig{GrafanaURL: srv.URL}, time.Second, logger.New("error"))
	res := c.Fetch(context.Background(), testQuery())
	assert.Empty(t, res.Entries)
	assert.Contains(t, res.Err, "status 500")
}

func TestClient_FetchTimeout(t *testing.T) {
	srv := grafanaStub(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	})

	c := NewClient(config.LogSourceConfig{GrafanaURL: srv.URL}, 50*time.Millisecond, logger.New("error"))
	res := c.Fetch(context.Background(), testQuery())
	assert.Empty(t, res.Entries)
	assert.Equal(t, "Request timeout", res.Err)
}

func TestLookupPath(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
		"n": nil,
	}

	v, ok := lookupPath(doc, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, "deep", v)

	_, ok = lookupPath(doc, "a.b.missing")
	assert.False(t, ok)

	_, ok = lookupPath(doc, "a.b.c.d")
	assert.False(t, ok, "cannot descend into a scalar")

	_, ok = lookupPath(doc, "n")
	assert.False(t, ok, "explicit null is treated as absent")
}
