package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/loki"
	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/repository"
)

func entry(ip string, ts time.Time) loki.Entry {
	return loki.Entry{
		Raw:       `{"ip":"` + ip + `"}`,
		Timestamp: ts,
		Fields:    map[string]any{"ip": ip},
	}
}

func detectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		GroupBy:          "ip",
		Threshold:        3,
		Scenario:         "capigate/loki-ssh-probe",
		DecisionType:     "ban",
		DecisionDuration: "4h",
		Scope:            "ip",
	}
}

func TestDetect_ThresholdGrouping(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	entries := []loki.Entry{
		entry("203.0.113.5", base),
		entry("203.0.113.5", base.Add(time.Minute)),
		entry("203.0.113.5", base.Add(2*time.Minute)),
		entry("198.51.100.7", base),
		entry("198.51.100.7", base.Add(time.Minute)),
	}
	// An entry without the group-by field is ignored.
	entries = append(entries, loki.Entry{Raw: "{}", Timestamp: base, Fields: map[string]any{}})

	detections := Detect(detectionConfig(), entries)
	require.Len(t, detections, 1, "only the IP at the threshold fires")

	d := detections[0]
	assert.Equal(t, "capigate/loki-ssh-probe", d.Alert.Scenario)
	assert.Equal(t, 3, d.Alert.EventsCount)
	assert.Equal(t, "203.0.113.5", d.Alert.Source.Value)
	assert.Equal(t, "203.0.113.5", d.Alert.Source.IP)
	assert.Equal(t, base.Format(time.RFC3339), d.Alert.StartAt)
	assert.Equal(t, base.Add(2*time.Minute).Format(time.RFC3339), d.Alert.StopAt)
	require.Len(t, d.Alert.Decisions, 1)

	assert.Equal(t, "ban", d.Decision.Type)
	assert.Equal(t, "4h", d.Decision.Duration)
	assert.Equal(t, "capigate", d.Decision.Origin)
	assert.NotEmpty(t, d.Alert.UUID)
}

func TestDetect_ZeroThresholdMeansEveryGroup(t *testing.T) {
	cfg := detectionConfig()
	cfg.Threshold = 0
	detections := Detect(cfg, []loki.Entry{entry("1.2.3.4", time.Now())})
	assert.Len(t, detections, 1)
}

// grafanaWithLines serves a fixed set of log lines through the ds/query shape.
func grafanaWithLines(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	timestamps := make([]int64, len(lines))
	labels := make([]string, len(lines))
	for i := range lines {
		timestamps[i] = time.Now().UnixNano()
		labels[i] = "{}"
	}
	payload := map[string]any{
		"results": map[string]any{
			"A": map[string]any{
				"frames": []any{
					map[string]any{"data": map[string]any{"values": []any{timestamps, labels, lines}}},
				},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func analyzerConfig(grafanaURL string) config.AnalyzerConfig {
	return config.AnalyzerConfig{
		ID:         "ssh-probe",
		Name:       "SSH probing from Loki",
		Enabled:    true,
		IntervalMs: 60000,
		Lookback:   "15m",
		Source:     config.LogSourceConfig{GrafanaURL: grafanaURL, DatasourceUID: "loki"},
		Query:      `{job="sshd"}`,
		MaxLines:   500,
		Extraction: config.ExtractionConfig{Format: "json", Fields: map[string]string{"ip": "ip"}},
		Detection:  detectionConfig(),
	}
}

func testScheduler(t *testing.T, cfg config.AnalyzerConfig, lapis []config.LAPIServerConfig) (*Scheduler, repository.Store) {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "analyzer_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	s := NewScheduler([]config.AnalyzerConfig{cfg}, lapis, store, 2*time.Second, logger.New("error"))
	return s, store
}

func TestScheduler_TriggerRunsDetectionAndPush(t *testing.T) {
	grafana := grafanaWithLines(t, []string{
		`{"ip":"203.0.113.5"}`, `{"ip":"203.0.113.5"}`, `{"ip":"203.0.113.5"}`,
		`{"ip":"198.51.100.7"}`,
	})

	var pushes atomic.Int64
	lapi := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/decisions", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var ds []models.Decision
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ds))
		require.Len(t, ds, 1)
		pushes.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(lapi.Close)

	s, store := testScheduler(t, analyzerConfig(grafana.URL),
		[]config.LAPIServerConfig{{URL: lapi.URL, Token: "secret"}})

	run, err := s.Trigger(context.Background(), "ssh-probe")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 4, run.LogsFetched)
	assert.Equal(t, 1, run.AlertsGenerated)
	assert.Equal(t, 1, run.DecisionsPushed)
	assert.Equal(t, int64(1), pushes.Load())
	assert.False(t, run.CompletedAt.Before(run.StartedAt))

	// The synthetic alert is persisted unfiltered.
	alerts, err := store.ListAlerts(context.Background(), repository.ListAlertsFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "capigate/loki-ssh-probe", alerts[0].Scenario)
	assert.False(t, alerts[0].Filtered)

	// The pushed decision is recorded with its expiry.
	decisions, err := store.ListDecisions(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "203.0.113.5", decisions[0].Value)
	require.NotNil(t, decisions[0].ExpiresAt)

	status, err := s.Get("ssh-probe")
	require.NoError(t, err)
	assert.Equal(t, models.AnalyzerStateIdle, status.State)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, run.ID, status.LastRun.ID)
	assert.Equal(t, run.StartedAt.Add(time.Minute), status.NextRun,
		"next due time counts from the run start")
}

func TestScheduler_FetchFailureEndsRunErrored(t *testing.T) {
	grafana := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(grafana.Close)

	s, store := testScheduler(t, analyzerConfig(grafana.URL), nil)

	run, err := s.Trigger(context.Background(), "ssh-probe")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "log fetch failed")
	assert.Equal(t, 0, run.DecisionsPushed)

	status, err := s.Get("ssh-probe")
	require.NoError(t, err)
	assert.Equal(t, models.AnalyzerStateErrored, status.State)

	alerts, err := store.ListAlerts(context.Background(), repository.ListAlertsFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestScheduler_PartialLAPIFailureStaysSuccess(t *testing.T) {
	grafana := grafanaWithLines(t, []string{
		`{"ip":"203.0.113.5"}`, `{"ip":"203.0.113.5"}`, `{"ip":"203.0.113.5"}`,
	})
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(good.Close)

	s, _ := testScheduler(t, analyzerConfig(grafana.URL), []config.LAPIServerConfig{
		{URL: good.URL},
		{URL: "http://127.0.0.1:1"},
	})

	run, err := s.Trigger(context.Background(), "ssh-probe")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.DecisionsPushed, "only the reachable server counts")
}

func TestScheduler_RejectsConcurrentTrigger(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	grafana := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(`{"results":{}}`))
	}))
	t.Cleanup(grafana.Close)

	s, _ := testScheduler(t, analyzerConfig(grafana.URL), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "ssh-probe")
		done <- err
	}()
	<-entered

	status, err := s.Get("ssh-probe")
	require.NoError(t, err)
	assert.Equal(t, models.AnalyzerStateRunning, status.State)

	_, err = s.Trigger(context.Background(), "ssh-probe")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)

	// Once the first run completes the analyzer accepts triggers again.
	_, err = s.Trigger(context.Background(), "ssh-probe")
	require.NoError(t, err)
}

func TestScheduler_TriggerUnknownAnalyzer(t *testing.T) {
	s, _ := testScheduler(t, analyzerConfig("http://127.0.0.1:1"), nil)
	_, err := s.Trigger(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduler_HistoryIsBoundedAndRecentFirst(t *testing.T) {
	grafana := grafanaWithLines(t, nil)
	s, _ := testScheduler(t, analyzerConfig(grafana.URL), nil)

	for i := 0; i < historyLimit+5; i++ {
		_, err := s.Trigger(context.Background(), "ssh-probe")
		require.NoError(t, err)
	}

	history, err := s.History("ssh-probe")
	require.NoError(t, err)
	assert.Len(t, history, historyLimit)
	assert.False(t, history[0].StartedAt.Before(history[len(history)-1].StartedAt),
		"most recent run comes first")
}
