// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the bridge. All components are optional and nil-safe — when
// disabled, callers skip recording with a single nil check per operation.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the bridge.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Supervisor metrics.
	ProcessRestartsTotal *prometheus.CounterVec
	ProcessCrashesTotal  *prometheus.CounterVec
	ProcessUp            *prometheus.GaugeVec

	// AI proxy metrics.
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec
	ProxyStreamChunks    *prometheus.CounterVec
	ActiveStreams        prometheus.Gauge

	// Log store metrics.
	LogEntriesTotal   *prometheus.CounterVec
	LogEvictionsTotal prometheus.Counter

	// Tool executor metrics.
	ExecutorCallsTotal   *prometheus.CounterVec
	ExecutorCallDuration prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProcessRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Total automatic restarts scheduled after a crash.",
		}, []string{"server_id"}),

		ProcessCrashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Total unexpected process exits.",
		}, []string{"server_id"}),

		ProcessUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "supervisor",
			Name:      "process_up",
			Help:      "1 when the supervised process is running, 0 otherwise.",
		}, []string{"server_id"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total chat completion requests by provider.",
		}, []string{"provider", "model", "status"}),

		ProxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Chat completion request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ProxyStreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "proxy",
			Name:      "stream_chunks_total",
			Help:      "Total streamed chat completion chunks by provider.",
		}, []string{"provider"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "proxy",
			Name:      "active_streams",
			Help:      "Streaming chat completions currently open.",
		}),

		LogEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "logstore",
			Name:      "entries_total",
			Help:      "Total log entries added by level.",
		}, []string{"level"}),

		LogEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "logstore",
			Name:      "evictions_total",
			Help:      "Total log entries evicted by capacity policy.",
		}),

		ExecutorCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "executor",
			Name:      "calls_total",
			Help:      "Total outbound tool execution calls by status.",
		}, []string{"status"}),

		ExecutorCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "executor",
			Name:      "call_duration_seconds",
			Help:      "Outbound tool execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently in flight.",
		}),
	}

	reg.MustRegister(
		m.ProcessRestartsTotal,
		m.ProcessCrashesTotal,
		m.ProcessUp,
		m.ProxyRequestsTotal,
		m.ProxyRequestDuration,
		m.ProxyStreamChunks,
		m.ActiveStreams,
		m.LogEntriesTotal,
		m.LogEvictionsTotal,
		m.ExecutorCallsTotal,
		m.ExecutorCallDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
