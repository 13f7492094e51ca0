// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentops_events_appended_total",
		Help: "Events appended to run logs, by event type class",
	}, []string{"type"})

	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentops_events_pruned_total",
		Help: "Events deleted by per-run retention",
	})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentops_ingest_errors_total",
		Help: "Event appends that failed and were rolled back, by stage",
	}, []string{"stage"})

	SpanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentops_span_transitions_total",
		Help: "Span store changes caused by events, by transition",
	}, []string{"transition"})

	UsageReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentops_usage_reports_total",
		Help: "Usage reports received, by outcome (inserted, duplicate)",
	}, []string{"outcome"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentops_stream_subscribers",
		Help: "Live event stream listeners across all runs",
	})

	StreamReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentops_stream_read_errors_total",
		Help: "Streams ended because reading the event log failed",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentops_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status class",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "status"})
)

// TypeLabel bounds the cardinality of the event type label. Event types are
// free-form, so only the known ones keep their name.
func TypeLabel(eventType string) string {
	switch eventType {
	case "run.started", "run.completed", "run.error",
		"tool.called", "tool.result",
		"span.start", "span.end",
		"usage.report":
		return eventType
	}
	return "other"
}

// StatusClass maps an HTTP status code to "2xx", "4xx" and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
