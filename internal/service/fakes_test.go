package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/memstore"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/research"
	"github.com/raphaelgruber/minutegraph/internal/retry"
)

var testPolicy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}

const extractionReplyJSON = `{"entities":[
 {"canonical_name":"Acme Robotics","aliases":["Acme"],"type":"company","description":"Warehouse robots","opportunities":["Pilot"],"mentions":[{"excerpt":"Acme Robotics wants a pilot.","section":"summary","sentiment":"positive"}]},
 {"canonical_name":"Globex","type":"company","mentions":[{"excerpt":"Globex joined the call."}]},
 {"canonical_name":"acme robotics","aliases":["ACME"],"type":"company","url":"https://acme.test","mentions":[{"excerpt":"ACME again."}]}
]}`

// fakeGen answers by prompt kind unless reply is set.
type fakeGen struct {
	mu    sync.Mutex
	calls []llm.Prompt
	reply func(p llm.Prompt) (string, error)
}

func (g *fakeGen) Generate(_ context.Context, p llm.Prompt) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, p)
	reply := g.reply
	g.mu.Unlock()

	if reply != nil {
		return reply(p)
	}
	return defaultReply(p), nil
}

func (g *fakeGen) GenerateJSON(ctx context.Context, p llm.Prompt, out any) error {
	p.JSON = true
	text, err := g.Generate(ctx, p)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(text, out)
}

func (g *fakeGen) Calls() []llm.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Prompt(nil), g.calls...)
}

func defaultReply(p llm.Prompt) string {
	switch {
	case p.JSON:
		return extractionReplyJSON
	case strings.Contains(p.System, "clean up raw meeting transcripts"):
		return "## Opening\n\nAcme Robotics and Globex met.\n"
	case strings.Contains(p.System, "executive meeting briefs"):
		return "## Summary\n\nAcme Robotics wants a pilot.\n\n## Decisions\n\nStart in May.\n"
	case strings.Contains(p.System, "strategy advisor"):
		return "## Pricing\n\nWhat does the pilot cost?\n"
	case strings.Contains(p.System, "research analyst"):
		return "## Market\n\nRobots are growing.\n"
	default:
		return "Rewritten."
	}
}

type fakeProvider struct {
	name  string
	delay time.Duration
	err   error
	text  string
	calls int
	mu    sync.Mutex
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Research(ctx context.Context, q research.Query) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("%s: %s (%d entities)", p.name, p.text, len(q.Entities)), nil
}

type fakeTranscripts map[string]string

func (f fakeTranscripts) ReadTranscript(_ context.Context, p string) (string, error) {
	if s, ok := f[p]; ok {
		return s, nil
	}
	return "", failure.Newf(failure.KindTranscriptNotFound, "transcript %s not found", p)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	err     error
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: make(map[string][]byte)} }

func (o *fakeObjects) Put(_ context.Context, key string, data []byte, _ string, overwrite bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts++
	if o.err != nil {
		return false, o.err
	}
	if _, ok := o.objects[key]; ok && !overwrite {
		return false, nil
	}
	o.objects[key] = data
	return true, nil
}

func (o *fakeObjects) Keys(prefix string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for k := range o.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, path.Base(k))
		}
	}
	return keys
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) JobChanged(_ context.Context, job models.Job, from models.JobStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf("%s>%s", from, job.Status))
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// staleOnce fails the first n UpdateJob calls with a stale write after
// letting another writer bump the version.
type staleOnce struct {
	*memstore.Store
	n int
}

func (s *staleOnce) UpdateJob(ctx context.Context, job *models.Job) error {
	if s.n > 0 {
		s.n--
		cur, err := s.Store.GetJob(ctx, job.Mode, job.ID)
		if err != nil {
			return err
		}
		if err := s.Store.UpdateJob(ctx, cur); err != nil {
			return err
		}
		return failure.ErrStaleWrite
	}
	return s.Store.UpdateJob(ctx, job)
}

// flakyReads fails the first call of each read with a transient error.
type flakyReads struct {
	*memstore.Store
	mu     sync.Mutex
	failed map[string]bool
}

func (s *flakyReads) flake(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed[call] {
		return nil
	}
	s.failed[call] = true
	return fmt.Errorf("%s: %w", call, errBoom)
}

func (s *flakyReads) ListArtifacts(ctx context.Context, mode, jobID string) ([]models.Artifact, error) {
	if err := s.flake("list artifacts"); err != nil {
		return nil, err
	}
	return s.Store.ListArtifacts(ctx, mode, jobID)
}

func (s *flakyReads) GetArtifact(ctx context.Context, mode, id string) (*models.Artifact, error) {
	if err := s.flake("get artifact"); err != nil {
		return nil, err
	}
	return s.Store.GetArtifact(ctx, mode, id)
}

func (s *flakyReads) GetEntity(ctx context.Context, mode, id string) (*models.Entity, error) {
	if err := s.flake("get entity"); err != nil {
		return nil, err
	}
	return s.Store.GetEntity(ctx, mode, id)
}

func (s *flakyReads) ListEntities(ctx context.Context, mode string, filter models.EntityFilter) ([]models.Entity, error) {
	if err := s.flake("list entities"); err != nil {
		return nil, err
	}
	return s.Store.ListEntities(ctx, mode, filter)
}

func (s *flakyReads) ListAllAppearances(ctx context.Context, mode string) ([]models.EntityAppearance, error) {
	if err := s.flake("list appearances"); err != nil {
		return nil, err
	}
	return s.Store.ListAllAppearances(ctx, mode)
}

func (s *flakyReads) ListBacklinks(ctx context.Context, mode, artifactID string) ([]models.Backlink, error) {
	if err := s.flake("list backlinks"); err != nil {
		return nil, err
	}
	return s.Store.ListBacklinks(ctx, mode, artifactID)
}

func (s *flakyReads) DocumentEntities(ctx context.Context, mode, artifactID string) ([]string, error) {
	if err := s.flake("document entities"); err != nil {
		return nil, err
	}
	return s.Store.DocumentEntities(ctx, mode, artifactID)
}

var errBoom = errors.New("boom")

type harness struct {
	store     *memstore.Store
	gen       *fakeGen
	providers []*fakeProvider
	objects   *fakeObjects
	notifier  *recordingNotifier
	jobs      *JobManager
	registry  *EntityRegistry
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith builds a harness whose services see wrap(store) instead of
// the memstore itself.
func newHarnessWith(t *testing.T, wrap func(*memstore.Store) Store) *harness {
	t.Helper()
	h := &harness{
		store:   memstore.New(),
		gen:     &fakeGen{},
		objects: newFakeObjects(),
		providers: []*fakeProvider{
			{name: failure.ProviderPerplexity, text: "perplexity findings"},
			{name: failure.ProviderExa, text: "exa findings"},
			{name: failure.ProviderTavily, text: "tavily findings"},
		},
		notifier: &recordingNotifier{},
	}
	providers := make([]research.Provider, len(h.providers))
	for i, p := range h.providers {
		providers[i] = p
	}
	var store Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.jobs = NewJobManager(store, h.notifier, nil)
	h.registry = NewEntityRegistry(store, h.gen, testPolicy)
	h.pipeline = NewPipeline(PipelineDeps{
		Jobs:        h.jobs,
		Store:       store,
		Generator:   h.gen,
		Research:    NewResearchOrchestrator(providers, h.gen, testPolicy, time.Second, nil),
		Registry:    h.registry,
		Transcripts: fakeTranscripts{"calls/acme.md": "---\ntitle: Acme Kickoff\nentities: [Acme Robotics]\n---\nraw words"},
		Objects:     h.objects,
		Policy:      testPolicy,
		SitePrefix:  "sites",
	})
	return h
}

func (h *harness) create(t *testing.T, workflow string, skipReview bool) *models.Job {
	t.Helper()
	job, err := h.jobs.Create(context.Background(), CreateJobInput{
		Mode:           "work",
		Workflow:       workflow,
		TranscriptPath: "calls/acme.md",
		Config:         models.JobConfig{SkipEntityReview: skipReview},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func setStatus(t *testing.T, s Store, job *models.Job, status models.JobStatus) *models.Job {
	t.Helper()
	cur, err := s.GetJob(context.Background(), job.Mode, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	cur.Status = status
	if err := s.UpdateJob(context.Background(), cur); err != nil {
		t.Fatalf("update job: %v", err)
	}
	return cur
}
