// Package metrics exposes the engine's Prometheus collectors: stream
// lifecycle, token usage, tool executions, auto-retry activity, and the
// HTTP command surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector. One instance per process; the engine
// records into it from the chat event hook so instrumentation stays out of
// the stream path itself.
type Metrics struct {
	// StreamCounter counts provider streams by model and outcome.
	// Labels: model, outcome (completed|aborted|error)
	StreamCounter *prometheus.CounterVec

	// StreamDuration measures stream wall time in seconds.
	// Labels: model
	StreamDuration *prometheus.HistogramVec

	// ActiveStreams is the number of in-flight streams.
	ActiveStreams prometheus.Gauge

	// TokensUsed tracks token consumption.
	// Labels: model, type (input|output|cache_read|cache_create)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// RetryCounter counts auto-retry activity.
	// Labels: event (scheduled|starting|abandoned)
	RetryCounter *prometheus.CounterVec

	// ErrorCounter counts stream errors by kind.
	// Labels: error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures command-surface request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts command-surface requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_streams_total",
				Help: "Total number of provider streams by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mux_stream_duration_seconds",
				Help:    "Duration of provider streams in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mux_active_streams",
				Help: "Current number of in-flight provider streams",
			},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_auto_retries_total",
				Help: "Total auto-retry events by lifecycle stage",
			},
			[]string{"event"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_stream_errors_total",
				Help: "Total stream errors by classified kind",
			},
			[]string{"error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mux_http_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mux_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// StreamStarted marks a stream in flight.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamFinished records a stream outcome and its duration.
func (m *Metrics) StreamFinished(model, outcome string, durationSeconds float64) {
	m.ActiveStreams.Dec()
	m.StreamCounter.WithLabelValues(model, outcome).Inc()
	m.StreamDuration.WithLabelValues(model).Observe(durationSeconds)
}

// RecordTokens adds token usage for a model.
func (m *Metrics) RecordTokens(model string, input, output, cacheRead, cacheCreate int) {
	add := func(kind string, n int) {
		if n > 0 {
			m.TokensUsed.WithLabelValues(model, kind).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_read", cacheRead)
	add("cache_create", cacheCreate)
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
}

// RecordRetryEvent records an auto-retry lifecycle stage.
func (m *Metrics) RecordRetryEvent(event string) {
	m.RetryCounter.WithLabelValues(event).Inc()
}

// RecordStreamError records a classified stream failure.
func (m *Metrics) RecordStreamError(errorType string) {
	m.ErrorCounter.WithLabelValues(errorType).Inc()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
