// Package metrics provides in-memory runtime statistics collection with an
// optional Prometheus mirror.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	TotalInputTokens  *int64 `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64 `json:"total_output_tokens,omitempty"`
}

// Snapshot represents the full process statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
}

// Operation names for the collector. Stages and providers are recorded as
// "stage:<status>" and "research:<provider>".
const (
	OpLLMGenerate = "llm_generate"
	OpDBQuery     = "db_query"
	OpDeploy      = "deploy_object"
)

// StageOp is the operation name for a pipeline stage.
func StageOp(stage string) string { return "stage:" + stage }

// ProviderOp is the operation name for a research provider call.
func ProviderOp(provider string) string { return "research:" + provider }

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and safe on a nil receiver.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	prom      *PrometheusRecorder
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// WithPrometheus mirrors every recording into rec.
func (c *Collector) WithPrometheus(rec *PrometheusRecorder) *Collector {
	c.prom = rec
	return c
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (c *Collector) record(op string, duration time.Duration, failed bool) *OperationMetrics {
	m := c.getOrCreate(op)
	m.Count++
	if failed {
		m.Failures++
	}
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(op, duration, false)
}

// RecordLLMUsage records timing and token usage for a generation call.
func (c *Collector) RecordLLMUsage(duration time.Duration, inputTokens, outputTokens int64, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	m := c.record(OpLLMGenerate, duration, err != nil)
	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
	c.mu.Unlock()

	c.prom.AddTokens(inputTokens, outputTokens)
}

// RecordStage records how long a pipeline stage ran and whether it failed.
func (c *Collector) RecordStage(stage string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.record(StageOp(stage), duration, err != nil)
	c.mu.Unlock()

	c.prom.ObserveStage(stage, duration, err)
}

// RecordProvider records one research provider call.
func (c *Collector) RecordProvider(provider string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.record(ProviderOp(provider), duration, err != nil)
	c.mu.Unlock()

	c.prom.ObserveProvider(provider, duration, err)
}

// RecordTransition counts a job status change.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.prom.IncTransition(from, to)
}

func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
		in, out := m.TotalInputTokens, m.TotalOutputTokens
		snap.TotalInputTokens = &in
		snap.TotalOutputTokens = &out
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if snap := snapshotOp(m); snap != nil {
			ops[name] = snap
		}
	}
	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    ops,
	}
}

// Names returns the recorded operation names, sorted.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
