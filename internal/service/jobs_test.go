package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/memstore"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

func TestCreateValidates(t *testing.T) {
	m := NewJobManager(memstore.New(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateJobInput
		kind failure.Kind
	}{
		{name: "missing mode", in: CreateJobInput{Workflow: models.WorkflowMeeting, TranscriptPath: "a.md"}},
		{name: "missing transcript", in: CreateJobInput{Mode: "work", Workflow: models.WorkflowMeeting}},
		{name: "unknown workflow", in: CreateJobInput{Mode: "work", Workflow: "podcast", TranscriptPath: "a.md"}, kind: failure.KindInvalidWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrValidation)
			assert.True(t, failure.Permanent(err))
			if tt.kind != "" {
				assert.True(t, failure.Is(err, tt.kind))
			}
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := h.create(t, models.WorkflowMeeting, false)
	setStatus(t, h.store, job, models.JobBuilding)

	got, err := h.jobs.Cancel(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, CancelledMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	_, err = h.jobs.Cancel(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrConflict)
}

func TestCancelCompletedConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, models.WorkflowMeeting, false)
	setStatus(t, h.store, job, models.JobCompleted)

	_, err := h.jobs.Cancel(ctx, "work", job.ID)
	require.Error(t, err)
	var conflict *failure.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "completed", conflict.Status)

	cur, err := h.store.GetJob(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, cur.Status, "state untouched")
}

func TestRetryResetsAndDropsArtifacts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, models.WorkflowMeeting, false)

	require.NoError(t, h.store.SaveArtifact(ctx, &models.Artifact{Mode: "work", JobID: job.ID, Type: models.ArtifactBrief, Content: "old"}))
	failed := setStatus(t, h.store, job, models.JobFailed)
	now := time.Now()
	failed.CurrentStage = 3
	failed.StageProgress = 40
	failed.StartedAt = &now
	failed.ErrorKind = string(failure.KindProviderError)
	failed.ErrorMessage = "provider_error:generation: down"
	require.NoError(t, h.store.UpdateJob(ctx, failed))

	got, err := h.jobs.Retry(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 0, got.CurrentStage)
	assert.Equal(t, 0, got.StageProgress)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorKind)
	assert.Empty(t, got.ErrorMessage)

	arts, err := h.store.ListArtifacts(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Empty(t, arts)

	_, err = h.jobs.Retry(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrConflict, "retry needs failed")
}

func TestRegenerateRecordsEditedArtifacts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, models.WorkflowMeeting, false)
	setStatus(t, h.store, job, models.JobCompleted)

	_, err := h.jobs.Regenerate(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrConflict, "no artifacts yet")

	edited := time.Now()
	brief := &models.Artifact{Mode: "work", JobID: job.ID, Type: models.ArtifactBrief, Content: "b", LastEditedAt: &edited}
	require.NoError(t, h.store.SaveArtifact(ctx, brief))
	require.NoError(t, h.store.SaveArtifact(ctx, &models.Artifact{Mode: "work", JobID: job.ID, Type: models.ArtifactCleanedTranscript, Content: "c"}))

	got, err := h.jobs.Regenerate(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPendingRegeneration, got.Status)
	require.NotNil(t, got.Config.Regeneration)
	assert.Equal(t, []string{brief.ID}, got.Config.Regeneration.EditedArtifactIDs)
	assert.Equal(t, []models.ArtifactType{models.ArtifactBrief}, got.Config.Regeneration.EditedArtifactTypes)

	_, err = h.jobs.Regenerate(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrConflict)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, models.WorkflowMeeting, false)

	_, err := h.jobs.Resume(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrConflict)

	setStatus(t, h.store, job, models.JobAwaitingEntityReview)
	got, err := h.jobs.Resume(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobGeneratingSiteConfig, got.Status)
	assert.Equal(t, models.StageIndex(models.JobGeneratingSiteConfig), got.CurrentStage)
}

func TestMutateRereadsOnStaleWrite(t *testing.T) {
	ctx := context.Background()
	store := &staleOnce{Store: memstore.New(), n: 2}
	notifier := &recordingNotifier{}
	m := NewJobManager(store, notifier, nil)

	job, err := m.Create(ctx, CreateJobInput{Mode: "work", Workflow: models.WorkflowInterview, TranscriptPath: "a.md"})
	require.NoError(t, err)

	got, err := m.Cancel(ctx, "work", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 4, got.Version, "two concurrent bumps plus our write")
	assert.Equal(t, []string{">pending", "pending>failed"}, notifier.Events())
}

func TestMutateGivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	store := &staleOnce{Store: memstore.New(), n: maxWriteAttempts}
	m := NewJobManager(store, nil, nil)

	job, err := m.Create(ctx, CreateJobInput{Mode: "work", Workflow: models.WorkflowInterview, TranscriptPath: "a.md"})
	require.NoError(t, err)

	_, err = m.Cancel(ctx, "work", job.ID)
	assert.ErrorIs(t, err, failure.ErrStaleWrite)
}
