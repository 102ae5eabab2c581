package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "minutegraph"

// PrometheusRecorder exports pipeline metrics. A nil recorder ignores calls.
type PrometheusRecorder struct {
	stageDuration    *prom.HistogramVec
	stageResults     *prom.CounterVec
	providerDuration *prom.HistogramVec
	providerResults  *prom.CounterVec
	transitions      *prom.CounterVec
	tokens           *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the metrics on reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by outcome",
		}, []string{"stage", "result"}),
		providerDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "research_provider_duration_seconds",
			Help:      "Duration of research provider calls including retries",
			Buckets:   prom.DefBuckets,
		}, []string{"provider"}),
		providerResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "research_provider_results_total",
			Help:      "Research provider calls by outcome",
		}, []string{"provider", "result"}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions",
		}, []string{"from", "to"}),
		tokens: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Generation tokens by direction",
		}, []string{"direction"}),
	}
	reg.MustRegister(pr.stageDuration, pr.stageResults, pr.providerDuration, pr.providerResults, pr.transitions, pr.tokens)
	return pr
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (p *PrometheusRecorder) ObserveStage(stage string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	p.stageResults.WithLabelValues(stage, result(err)).Inc()
}

func (p *PrometheusRecorder) ObserveProvider(provider string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
	p.providerResults.WithLabelValues(provider, result(err)).Inc()
}

func (p *PrometheusRecorder) IncTransition(from, to string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) AddTokens(in, out int64) {
	if p == nil {
		return
	}
	p.tokens.WithLabelValues("input").Add(float64(in))
	p.tokens.WithLabelValues("output").Add(float64(out))
}

// HTTPHandler serves the metrics gathered by reg.
func HTTPHandler(reg prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
