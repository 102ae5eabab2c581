package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/research"
)

func orchestrator(gen Generator, timeout time.Duration, providers ...*fakeProvider) *ResearchOrchestrator {
	ps := make([]research.Provider, len(providers))
	for i, p := range providers {
		ps[i] = p
	}
	return NewResearchOrchestrator(ps, gen, testPolicy, timeout, nil)
}

func TestResearchPartialFailureStillSynthesises(t *testing.T) {
	gen := &fakeGen{}
	o := orchestrator(gen, time.Second,
		&fakeProvider{name: failure.ProviderPerplexity, text: "p"},
		&fakeProvider{name: failure.ProviderExa, err: errBoom},
		&fakeProvider{name: failure.ProviderTavily, text: "t"},
	)

	out, err := o.Run(context.Background(), research.Query{Topic: "Acme", Entities: []string{"Acme"}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Succeeded())
	assert.NotEmpty(t, out.Narrative)

	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[1].Failed())
	assert.True(t, failure.Is(out.Results[1].Err, failure.KindProviderError))

	calls := gen.Calls()
	require.Len(t, calls, 1)
	user := calls[0].User
	assert.Contains(t, user, "### Source: exa\n"+llm.DataUnavailable)
	assert.Contains(t, user, "perplexity: p")
	assert.Contains(t, user, "tavily: t")
}

func TestResearchAllFailedSkips(t *testing.T) {
	gen := &fakeGen{}
	o := orchestrator(gen, time.Second,
		&fakeProvider{name: failure.ProviderPerplexity, err: errBoom},
		&fakeProvider{name: failure.ProviderExa, err: errBoom},
		&fakeProvider{name: failure.ProviderTavily, err: errBoom},
	)

	out, err := o.Run(context.Background(), research.Query{Topic: "Acme"})
	require.NoError(t, err, "research is optional")
	assert.Empty(t, out.Narrative)
	assert.Equal(t, 0, out.Succeeded())
	assert.Empty(t, gen.Calls(), "no synthesis without findings")
}

func TestResearchFailureDoesNotCancelSiblings(t *testing.T) {
	slow := &fakeProvider{name: failure.ProviderTavily, text: "slow but fine", delay: 50 * time.Millisecond}
	o := orchestrator(&fakeGen{}, time.Second,
		&fakeProvider{name: failure.ProviderPerplexity, err: failure.Invalid("query", "rejected")},
		&fakeProvider{name: failure.ProviderExa, err: errBoom},
		slow,
	)

	results := o.Gather(context.Background(), research.Query{Topic: "Acme"})
	require.Len(t, results, 3)
	assert.True(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.False(t, results[2].Failed())
	assert.Equal(t, "tavily: slow but fine (0 entities)", results[2].Findings)
}

func TestResearchRetriesTransientErrorsPerProvider(t *testing.T) {
	flaky := &fakeProvider{name: failure.ProviderExa, err: errBoom}
	permanent := &fakeProvider{name: failure.ProviderTavily, err: failure.Invalid("key", "bad")}
	o := orchestrator(&fakeGen{}, time.Second, flaky, permanent)

	o.Gather(context.Background(), research.Query{Topic: "Acme"})
	assert.Equal(t, testPolicy.MaxAttempts, flaky.calls)
	assert.Equal(t, 1, permanent.calls, "permanent errors are not retried")
}

func TestResearchPerProviderTimeout(t *testing.T) {
	stuck := &fakeProvider{name: failure.ProviderPerplexity, delay: time.Minute}
	fast := &fakeProvider{name: failure.ProviderExa, text: "ok"}
	o := orchestrator(&fakeGen{}, 20*time.Millisecond, stuck, fast)

	start := time.Now()
	results := o.Gather(context.Background(), research.Query{Topic: "Acme"})
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, results[0].Failed())
	assert.False(t, results[1].Failed())
}

func TestResearchCapsEntities(t *testing.T) {
	gen := &fakeGen{}
	p := &fakeProvider{name: failure.ProviderExa, text: "x"}
	o := orchestrator(gen, time.Second, p)

	out, err := o.Run(context.Background(), research.Query{
		Topic:    "Acme",
		Entities: strings.Split("a,b,c,d,e,f,g", ","),
	})
	require.NoError(t, err)
	assert.Len(t, out.Query.Entities, research.MaxEntities)
	assert.Equal(t, "exa: x (5 entities)", out.Results[0].Findings)
}
