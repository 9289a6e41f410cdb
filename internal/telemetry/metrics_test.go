package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.RecordDecision("before_tool", "deny", 0.01)
	m.RecordDecision("before_tool", "deny", 0.02)
	m.RecordDecision("before_tool", "allow", 0.01)
	m.RecordAction("bash", "ok", 0.5)
	m.RecordAction("nope", "unknown", 0)
	m.RecordPipeline("deploy", "waiting_approval")
	m.RecordPipelineStep("exec", "skipped")
	m.RecordApproval("pipeline", "approved")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("before_tool", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("before_tool", "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("nope", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelines.WithLabelValues("deploy", "waiting_approval")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineSteps.WithLabelValues("exec", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("pipeline", "approved")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.decisionLatency))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("stop", "allow", 0)
		m.RecordAction("x", "ok", 0)
		m.RecordPipeline("p", "completed")
		m.RecordPipelineStep("exec", "ok")
		m.RecordApproval("step", "rejected")
	})
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.RecordDecision("stop", "allow", 0.001)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `hookflow_decisions_total{decision="allow",event_type="stop"} 1`))

	health, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, 200, health.StatusCode)
}
