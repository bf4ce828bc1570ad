package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func TestStreamLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.StreamStarted()
	m.StreamStarted()
	if got := testutil.ToFloat64(m.ActiveStreams); got != 2 {
		t.Errorf("active streams = %v, want 2", got)
	}

	m.StreamFinished("anthropic:claude-sonnet-4-5", "completed", 4.2)
	m.StreamFinished("anthropic:claude-sonnet-4-5", "aborted", 0.3)
	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Errorf("active streams after finish = %v, want 0", got)
	}

	expected := `
		# HELP mux_streams_total Total number of provider streams by model and outcome
		# TYPE mux_streams_total counter
		mux_streams_total{model="anthropic:claude-sonnet-4-5",outcome="aborted"} 1
		mux_streams_total{model="anthropic:claude-sonnet-4-5",outcome="completed"} 1
	`
	if err := testutil.CollectAndCompare(m.StreamCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected stream counter state: %v", err)
	}
	if count := testutil.CollectAndCount(m.StreamDuration); count != 1 {
		t.Errorf("stream duration series = %d, want 1", count)
	}
}

func TestRecordTokensSkipsZeroes(t *testing.T) {
	m := newTestMetrics()

	m.RecordTokens("fake:model", 120, 40, 0, 0)

	expected := `
		# HELP mux_tokens_total Total number of tokens used by model and type
		# TYPE mux_tokens_total counter
		mux_tokens_total{model="fake:model",type="input"} 120
		mux_tokens_total{model="fake:model",type="output"} 40
	`
	if err := testutil.CollectAndCompare(m.TokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token counter state: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("bash", false)
	m.RecordToolExecution("bash", false)
	m.RecordToolExecution("file_edit", true)

	expected := `
		# HELP mux_tool_executions_total Total number of tool executions by tool name and status
		# TYPE mux_tool_executions_total counter
		mux_tool_executions_total{status="error",tool_name="file_edit"} 1
		mux_tool_executions_total{status="success",tool_name="bash"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected tool counter state: %v", err)
	}
}

func TestRetryAndErrorCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordRetryEvent("scheduled")
	m.RecordRetryEvent("scheduled")
	m.RecordRetryEvent("abandoned")
	m.RecordStreamError("rate_limit")

	if got := testutil.ToFloat64(m.RetryCounter.WithLabelValues("scheduled")); got != 2 {
		t.Errorf("scheduled retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RetryCounter.WithLabelValues("abandoned")); got != 1 {
		t.Errorf("abandoned retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("rate_limit")); got != 1 {
		t.Errorf("rate_limit errors = %v, want 1", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordHTTPRequest("POST", "/api/command", "200", 0.012)
	m.RecordHTTPRequest("POST", "/api/command", "200", 0.034)
	m.RecordHTTPRequest("GET", "/api/workspaces", "401", 0.001)

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/api/command", "200")); got != 2 {
		t.Errorf("POST /api/command 200 count = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.HTTPRequestDuration); count != 2 {
		t.Errorf("request duration series = %d, want 2", count)
	}
}
