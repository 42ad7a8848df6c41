// Package metrics provides Prometheus metrics for the proxy (RED + pipeline
// counters). Scrapeable at /metrics; dashboards and alerts rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "capigate"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// ValidationResultsTotal counts validator outcomes by reason.
	ValidationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_results_total",
			Help:      "Client validation outcomes by reason.",
		},
		[]string{"reason"},
	)

	// ValidationCleanupDeletedTotal counts expired cache entries removed.
	ValidationCleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_cleanup_deleted_total",
			Help:      "Expired validation cache entries removed, by tier.",
		},
		[]string{"tier"},
	)

	// SignalsReceivedTotal counts alerts seen on POST /v2/signals.
	SignalsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Total alerts received on the signals endpoint.",
		},
	)

	// SignalsFilteredTotal counts alerts suppressed by the filter engine.
	SignalsFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_filtered_total",
			Help:      "Total alerts suppressed before forwarding.",
		},
	)

	// UpstreamErrorsTotal counts failed CAPI forwards.
	UpstreamErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream CAPI transport failures.",
		},
	)

	// AnalyzerRunsTotal counts analyzer runs by terminal status.
	AnalyzerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_runs_total",
			Help:      "Analyzer runs by terminal status.",
		},
		[]string{"analyzer", "status"},
	)

	// DecisionsPushedTotal counts successful decision pushes to LAPI servers.
	DecisionsPushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_pushed_total",
			Help:      "Decisions successfully pushed to LAPI servers.",
		},
	)
)
