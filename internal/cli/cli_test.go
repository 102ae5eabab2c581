package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/client"
	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, opts)

	opts, err = parseOptions([]string{"tone=terse", " audience = board", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tone": "terse", "audience": " board", "note": "a=b"}, opts)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseOptions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestStageLabel(t *testing.T) {
	tests := []struct {
		job  models.Job
		want string
	}{
		{models.Job{Status: models.JobPending}, "-"},
		{models.Job{Status: models.JobCompleted, CurrentStage: 5}, "-"},
		{models.Job{Status: models.JobGeneratingArtifacts, CurrentStage: 0}, "1/6"},
		{models.Job{Status: models.JobAwaitingEntityReview, CurrentStage: 2}, "3/6"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stageLabel(tt.job), string(tt.job.Status))
	}
}

func TestOverallProgress(t *testing.T) {
	assert.Equal(t, 0.0, overallProgress(models.JobPending, 0, 0))
	assert.Equal(t, 1.0, overallProgress(models.JobCompleted, 5, 100))
	assert.InDelta(t, 0.5/6, overallProgress(models.JobGeneratingArtifacts, 0, 50), 1e-9)
	assert.InDelta(t, 1.0, overallProgress(models.JobDeploying, 5, 100), 1e-9)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "Acme Ro...", truncate("Acme Robotics", 10))
	assert.Equal(t, "Zü", truncate("Zürich", 2))
}

func TestReadContent(t *testing.T) {
	got, err := readContent("", strings.NewReader("New body.\n"))
	require.NoError(t, err)
	assert.Equal(t, "New body.\n", got)

	_, err = readContent("", strings.NewReader("  \n"))
	assert.Error(t, err)

	_, err = readContent(t.TempDir()+"/missing.md", nil)
	assert.Error(t, err)
}

func TestProgressModelStopsForReview(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.JobPending}
	m := newProgressModel(job, nil)

	next, cmd := m.Update(jobEventMsg(events.Event{JobID: "j1", To: models.JobExtractingEntities, CurrentStage: 1, StageProgress: 40}))
	m = next.(progressModel)
	assert.False(t, m.done)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.renderContent(), "stage 2/6")

	next, _ = m.Update(jobEventMsg(events.Event{JobID: "j1", To: models.JobAwaitingEntityReview, CurrentStage: 2}))
	m = next.(progressModel)
	assert.True(t, m.done)
	assert.NoError(t, m.err)
	assert.Contains(t, m.renderContent(), "jobs resume j1")
}

func TestProgressModelFailure(t *testing.T) {
	m := newProgressModel(&models.Job{ID: "j1", Status: models.JobGeneratingArtifacts}, nil)

	next, _ := m.Update(jobEventMsg(events.Event{JobID: "j1", To: models.JobFailed, ErrorKind: "provider_error", ErrorMessage: "model unavailable"}))
	m = next.(progressModel)
	assert.True(t, m.done)
	require.Error(t, m.err)
	assert.Equal(t, "model unavailable (provider_error)", m.err.Error())
}

func TestJobError(t *testing.T) {
	assert.EqualError(t, jobError("", ""), "job failed with unknown error")
	assert.EqualError(t, jobError("", "boom"), "boom")
	assert.EqualError(t, jobError("timeout", "slow"), "slow (timeout)")
}

// watchServer streams statuses for any job, then closes normally.
func watchServer(t *testing.T, statuses ...events.Event) *client.Client {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/work/jobs/{id}/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range statuses {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return client.New(srv.URL, "work")
}

func TestFollowPlain(t *testing.T) {
	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.Local)

	c := watchServer(t,
		events.Event{JobID: "j1", To: models.JobGeneratingArtifacts, StageProgress: 50, Time: at},
		events.Event{JobID: "j1", To: models.JobCompleted, StageProgress: 100, Time: at},
	)
	var out bytes.Buffer
	require.NoError(t, followPlain(context.Background(), c, "j1", &out))
	assert.Equal(t, "10:00:00 generating_artifacts 50%\n10:00:00 completed 100%\n", out.String())

	c = watchServer(t,
		events.Event{JobID: "j2", To: models.JobAwaitingEntityReview, Time: at},
		events.Event{JobID: "j2", To: models.JobFailed, Time: at},
	)
	out.Reset()
	require.NoError(t, followPlain(context.Background(), c, "j2", &out), "stops at review")
	assert.NotContains(t, out.String(), "failed")

	c = watchServer(t, events.Event{JobID: "j3", To: models.JobFailed, ErrorKind: "storage_error", ErrorMessage: "bucket gone", Time: at})
	out.Reset()
	assert.EqualError(t, followPlain(context.Background(), c, "j3", &out), "bucket gone (storage_error)")
}
