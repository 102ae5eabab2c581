package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
	"github.com/raphaelgruber/minutegraph/internal/research"
	"github.com/raphaelgruber/minutegraph/internal/retry"
)

// ProviderResult is the settled outcome of one research provider.
type ProviderResult struct {
	Provider string
	Findings string
	Err      error
	Duration time.Duration
}

// Failed reports whether the provider produced nothing.
func (r ProviderResult) Failed() bool { return r.Err != nil }

// ResearchOutcome is what a fan-out produced. Narrative is empty when every
// provider failed.
type ResearchOutcome struct {
	Query     research.Query
	Results   []ProviderResult
	Narrative string
}

// Succeeded counts providers that returned findings.
func (o *ResearchOutcome) Succeeded() int {
	n := 0
	for _, r := range o.Results {
		if !r.Failed() {
			n++
		}
	}
	return n
}

// ResearchOrchestrator queries every provider concurrently and synthesises
// whatever came back into one narrative.
type ResearchOrchestrator struct {
	providers []research.Provider
	gen       Generator
	policy    retry.Policy
	timeout   time.Duration
	metrics   *metrics.Collector
}

// NewResearchOrchestrator creates an orchestrator. timeout bounds each
// provider call independently; zero means no per-call bound.
func NewResearchOrchestrator(providers []research.Provider, gen Generator, policy retry.Policy, timeout time.Duration, m *metrics.Collector) *ResearchOrchestrator {
	return &ResearchOrchestrator{
		providers: providers,
		gen:       gen,
		policy:    policy,
		timeout:   timeout,
		metrics:   m,
	}
}

// Providers returns the configured provider names in fan-out order.
func (o *ResearchOrchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// Gather runs every provider to completion. A provider failure is recorded
// in its result and never cancels the others.
func (o *ResearchOrchestrator) Gather(ctx context.Context, q research.Query) []ProviderResult {
	results := make([]ProviderResult, len(o.providers))

	// errgroup.Group without WithContext: no sibling cancellation.
	var g errgroup.Group
	for i, p := range o.providers {
		g.Go(func() error {
			results[i] = o.query(ctx, p, q)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *ResearchOrchestrator) query(ctx context.Context, p research.Provider, q research.Query) ProviderResult {
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	call := retry.Call{Kind: failure.KindProviderError, Provider: p.Name(), Name: "research"}
	findings, err := retry.Value(callCtx, o.policy, call, func(ctx context.Context) (string, error) {
		return p.Research(ctx, q)
	})
	if err == nil && findings == "" {
		err = failure.Newf(failure.KindInvalidResponse, "%s returned no findings", p.Name())
	}
	if _, kinded := failure.KindOf(err); err != nil && !kinded {
		err = failure.Provider(p.Name(), err)
	}
	res := ProviderResult{Provider: p.Name(), Findings: findings, Err: err, Duration: time.Since(start)}
	o.metrics.RecordProvider(p.Name(), res.Duration, err)
	return res
}

// Run gathers findings and synthesises a narrative. If no provider succeeds
// the outcome has no narrative and no error: research is optional. Only a
// failed synthesis returns an error.
func (o *ResearchOrchestrator) Run(ctx context.Context, q research.Query) (*ResearchOutcome, error) {
	q = q.Normalize()
	out := &ResearchOutcome{Query: q, Results: o.Gather(ctx, q)}

	for _, r := range out.Results {
		if r.Failed() {
			slog.Warn("research provider failed", "provider", r.Provider, "error", r.Err)
		}
	}
	if out.Succeeded() == 0 {
		slog.Warn("all research providers failed, skipping research", "topic", q.Topic)
		return out, nil
	}

	sources := make([]llm.SourceFindings, len(out.Results))
	for i, r := range out.Results {
		sources[i] = llm.SourceFindings{Provider: r.Provider, Text: r.Findings, Failed: r.Failed()}
	}
	prompt := llm.ResearchSynthesisPrompt(q.Topic, q.Entities, q.Context, sources)
	narrative, err := retry.Value(ctx, o.policy, retry.Generation, func(ctx context.Context) (string, error) {
		return o.gen.Generate(ctx, prompt)
	})
	if err != nil {
		return out, err
	}
	out.Narrative = narrative

	slog.Info("research synthesised", "topic", q.Topic, "providers_ok", out.Succeeded(), "providers", len(out.Results))
	return out, nil
}
