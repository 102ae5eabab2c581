package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordStage("building", 2*time.Second, nil)
	c.RecordStage("building", 4*time.Second, errors.New("boom"))
	c.RecordProvider("exa", 100*time.Millisecond, nil)
	c.RecordLLMUsage(time.Second, 120, 40, nil)

	snap := c.Snapshot()
	build := snap.Operations[StageOp("building")]
	require.NotNil(t, build)
	assert.Equal(t, int64(2), build.Count)
	assert.Equal(t, int64(1), build.Failures)
	assert.Equal(t, int64(2000), build.MinTimeMs)
	assert.Equal(t, int64(4000), build.MaxTimeMs)
	assert.Equal(t, 3000.0, build.AvgTimeMs)

	llm := snap.Operations[OpLLMGenerate]
	require.NotNil(t, llm)
	require.NotNil(t, llm.TotalInputTokens)
	assert.Equal(t, int64(120), *llm.TotalInputTokens)

	assert.Equal(t, []string{OpLLMGenerate, ProviderOp("exa"), StageOp("building")}, snap.Names())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStage("building", time.Second, nil)
		c.RecordProvider("exa", time.Second, nil)
		c.RecordLLMUsage(time.Second, 1, 1, nil)
		c.RecordTransition("pending", "failed")
	})
}

func TestPrometheusMirror(t *testing.T) {
	reg := prom.NewRegistry()
	c := NewCollector().WithPrometheus(NewPrometheusRecorder(reg))

	c.RecordProvider("tavily", time.Second, errors.New("timeout"))
	c.RecordTransition("pending", "generating_artifacts")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.prom.providerResults.WithLabelValues("tavily", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.prom.transitions.WithLabelValues("pending", "generating_artifacts")))

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "minutegraph_job_transitions_total")
}
