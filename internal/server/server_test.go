package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/app"
	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/research"
)

const extractionJSON = `{"entities":[
 {"canonical_name":"Acme Robotics","type":"company","opportunities":["pilot"],"mentions":[{"excerpt":"Acme Robotics met Globex."}]},
 {"canonical_name":"Globex","type":"company","mentions":[{"excerpt":"Acme Robotics met Globex."}]}
]}`

// stubGen answers every prompt with a fixed document, JSON prompts with an
// extraction and section rewrites with a fixed body.
type stubGen struct{}

func (stubGen) Generate(_ context.Context, p llm.Prompt) (string, error) {
	switch {
	case p.JSON:
		return extractionJSON, nil
	case strings.Contains(p.System, "rewrite a single section"):
		return "Rewritten body.", nil
	default:
		return "## Summary\n\nAcme Robotics met Globex.\n", nil
	}
}

func (g stubGen) GenerateJSON(ctx context.Context, p llm.Prompt, out any) error {
	p.JSON = true
	text, err := g.Generate(ctx, p)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(text, out)
}

type testEnv struct {
	app *app.App
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	transcripts := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(transcripts, "call.md"),
		[]byte("---\ntitle: Pilot call\n---\nAcme Robotics met Globex about a pilot.\n"), 0o644))

	cfg := config.Config{
		TranscriptDir:    transcripts,
		SiteDir:          t.TempDir(),
		SitePrefix:       "sites",
		RetryMaxAttempts: 1,
		WorkerPoll:       time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, app.Options{
		Memory:    true,
		Generator: stubGen{},
		Providers: []research.Provider{},
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	s := New(a, logger)
	s.watchInterval = 10 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{app: a, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) createJob(t *testing.T, skipReview bool) models.Job {
	t.Helper()
	var job models.Job
	status := e.do(t, http.MethodPost, "/api/work/jobs", map[string]any{
		"workflow":        "interview",
		"transcript_path": "call.md",
		"config":          map[string]any{"skip_entity_review": skipReview},
	}, &job)
	require.Equal(t, http.StatusCreated, status)
	return job
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, true)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, "work", job.Mode)

	var got models.Job
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/jobs/"+job.ID, nil, &got))
	assert.Equal(t, job.ID, got.ID)

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/investing/jobs/"+job.ID, nil, &errResp),
		"jobs are scoped by mode")

	var list []models.Job
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/jobs?status=pending,failed&limit=5", nil, &list))
	assert.Len(t, list, 1)

	var cancelled models.Job
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/cancel", nil, &cancelled))
	assert.Equal(t, models.JobFailed, cancelled.Status)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/cancel", nil, &errResp))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/resume", nil, &errResp))

	var retried models.Job
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/retry", nil, &retried))
	assert.Equal(t, models.JobPending, retried.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/explode", nil, nil))
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		path     string
		body     any
		wantKind string
	}{
		{"unknown workflow", "/api/work/jobs", map[string]any{"workflow": "podcast", "transcript_path": "x.md"}, "invalid_workflow"},
		{"missing transcript", "/api/work/jobs", map[string]any{"workflow": "meeting"}, ""},
		{"unknown mode", "/api/hobby/jobs", map[string]any{"workflow": "meeting", "transcript_path": "x.md"}, ""},
		{"unknown field", "/api/work/jobs", map[string]any{"workflow": "meeting", "transcript": "x.md"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, tt.path, tt.body, &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}
}

func TestPipelineThroughAPI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, false)

	require.NoError(t, env.app.Pipeline.Run(ctx, "work", job.ID))

	var paused models.Job
	env.do(t, http.MethodGet, "/api/work/jobs/"+job.ID, nil, &paused)
	require.Equal(t, models.JobAwaitingEntityReview, paused.Status)

	var pending []models.Entity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/entities?review_status=pending", nil, &pending))
	require.Len(t, pending, 2)
	ids := map[string]string{}
	for _, e := range pending {
		ids[e.CanonicalName] = e.ID
	}

	var approved approveResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/entities/"+ids["Acme Robotics"]+"/approve", nil, &approved))
	assert.Equal(t, models.ReviewApproved, approved.Entity.ReviewStatus)
	assert.NotNil(t, approved.Suggestions)

	var related []models.RelatedEntity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/entities/"+ids["Acme Robotics"]+"/related?k=3", nil, &related))
	require.Len(t, related, 1)
	assert.Equal(t, "Globex", related[0].Entity.CanonicalName)

	var byTag []models.Entity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/opportunities/PILOT", nil, &byTag))
	require.Len(t, byTag, 1)
	assert.Equal(t, ids["Acme Robotics"], byTag[0].ID)

	var resumed models.Job
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/jobs/"+job.ID+"/resume", nil, &resumed))
	assert.Equal(t, models.JobGeneratingSiteConfig, resumed.Status)
	require.NoError(t, env.app.Pipeline.Run(ctx, "work", job.ID))

	var done models.Job
	env.do(t, http.MethodGet, "/api/work/jobs/"+job.ID, nil, &done)
	assert.Equal(t, models.JobCompleted, done.Status)

	var artifacts []models.Artifact
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/jobs/"+job.ID+"/artifacts", nil, &artifacts))
	assert.NotEmpty(t, artifacts)

	var bad errorResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/work/entities/"+ids["Globex"]+"/related?k=-1", nil, &bad))
}

func TestEntityMergeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	source, err := env.app.Store.UpsertEntity(ctx, "work", models.EntityUpsert{Slug: "acme-robotic", CanonicalName: "Acme Robotic", Type: "company"})
	require.NoError(t, err)
	target, err := env.app.Store.UpsertEntity(ctx, "work", models.EntityUpsert{Slug: "acme-robotics", CanonicalName: "Acme Robotics", Type: "company"})
	require.NoError(t, err)
	require.NoError(t, env.app.Store.ReplaceAppearances(ctx, "work", "doc1", []models.EntityAppearance{
		{EntityID: source.ID, Excerpt: "Acme Robotic called"},
		{EntityID: target.ID, Excerpt: "Acme Robotics replied"},
		{EntityID: target.ID, Excerpt: "Acme Robotics signed"},
	}))

	var suggestions []map[string]any
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/entities/"+source.ID+"/suggestions", nil, &suggestions))
	require.Len(t, suggestions, 1)

	var merged models.Entity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/entities/"+source.ID+"/merge",
		map[string]any{"target_id": target.ID, "rename": "Acme Robotics Inc"}, &merged))
	assert.Equal(t, "Acme Robotics Inc", merged.CanonicalName)
	assert.Equal(t, 3, merged.AppearanceCount)

	var again models.Entity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/entities/"+source.ID+"/merge",
		map[string]any{"target_id": target.ID}, &again), "merge is idempotent")

	var errResp errorResponse
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/work/entities/"+source.ID+"/approve", nil, &errResp))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/work/entities/missing", nil, &errResp))
}

func TestSectionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := &models.Artifact{
		Mode:    "work",
		JobID:   "j1",
		Type:    models.ArtifactBrief,
		Title:   "Pilot call",
		Content: "## Summary\n\nFirst draft.\n\n## Risks\n\nBudget.\n",
	}
	require.NoError(t, env.app.Store.SaveArtifact(ctx, doc))

	var sections []models.Section
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/work/artifacts/"+doc.ID+"/sections", nil, &sections))
	require.Len(t, sections, 2)
	assert.Equal(t, "summary", sections[0].ID)

	var edited models.Artifact
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/work/artifacts/"+doc.ID+"/sections/risks",
		map[string]any{"content": "Budget and timing."}, &edited))
	assert.Contains(t, edited.Content, "Budget and timing.")
	require.NotNil(t, edited.OriginalContent)

	var regenerated models.Artifact
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/work/artifacts/"+doc.ID+"/sections/summary/regenerate",
		map[string]any{"instructions": "shorter"}, &regenerated))
	assert.Contains(t, regenerated.Content, "## Summary\n\nRewritten body.")
	assert.Contains(t, regenerated.Content, "Budget and timing.")

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/work/artifacts/"+doc.ID+"/sections/nope/regenerate", nil, &errResp))
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, true)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/work/jobs/" + job.ID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first events.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.JobPending, first.To)

	_, err = env.app.Jobs.Cancel(context.Background(), "work", job.ID)
	require.NoError(t, err)

	var second events.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.JobPending, second.From)
	assert.Equal(t, models.JobFailed, second.To)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStatusFor(t *testing.T) {
	env := newTestEnv(t)
	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/work/jobs/nope/watch", nil, &errResp))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/work/entities?limit=x", nil, &errResp))
}
