package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// maxWriteAttempts bounds the read-modify-write loop on version conflicts.
const maxWriteAttempts = 5

// ErrJobCancelled is returned to a pipeline run whose job left the status it
// was working in, which only cancel does.
var ErrJobCancelled = errors.New("job cancelled")

// JobManager owns every status change of a job. Writes go through mutate,
// which re-reads the job, checks the guard and writes back with the version
// the read returned.
type JobManager struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewJobManager creates a job manager. A nil notifier disables events.
func NewJobManager(store Store, notifier Notifier, m *metrics.Collector) *JobManager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &JobManager{store: store, notifier: notifier, metrics: m, now: time.Now}
}

// CreateJobInput is a new submission.
type CreateJobInput struct {
	Mode           string
	Workflow       string
	TranscriptPath string
	Config         models.JobConfig
}

// Create validates the input and stores a pending job.
func (m *JobManager) Create(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	if strings.TrimSpace(in.Mode) == "" {
		return nil, failure.Invalid("mode", "required")
	}
	if strings.TrimSpace(in.TranscriptPath) == "" {
		return nil, failure.Invalid("transcript_path", "required")
	}
	if _, ok := models.WorkflowArtifacts(in.Workflow); !ok {
		return nil, failure.New(failure.KindInvalidWorkflow,
			failure.Invalid("workflow", fmt.Sprintf("unknown workflow %q", in.Workflow)))
	}

	now := m.now()
	job := &models.Job{
		ID:             models.NewID(),
		Mode:           in.Mode,
		Workflow:       in.Workflow,
		Status:         models.JobPending,
		TranscriptPath: in.TranscriptPath,
		Config:         in.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job created", "job_id", job.ID, "mode", job.Mode, "workflow", job.Workflow)
	m.notifier.JobChanged(ctx, *job, "")
	return job, nil
}

// Get returns one job.
func (m *JobManager) Get(ctx context.Context, mode, id string) (*models.Job, error) {
	return m.store.GetJob(ctx, mode, id)
}

// List returns jobs in creation order.
func (m *JobManager) List(ctx context.Context, mode string, filter models.JobFilter) ([]models.Job, error) {
	return m.store.ListJobs(ctx, mode, filter)
}

// Cancel fails a job that has not finished yet. An in-flight stage is not
// interrupted; its results are dropped when it finds the job cancelled.
func (m *JobManager) Cancel(ctx context.Context, mode, id string) (*models.Job, error) {
	return m.mutate(ctx, mode, id, func(job *models.Job) error {
		if err := CanCancel(job.Status).Err(); err != nil {
			return err
		}
		now := m.now()
		job.Status = models.JobFailed
		job.ErrorKind = ""
		job.ErrorMessage = CancelledMessage
		job.CompletedAt = &now
		return nil
	})
}

// Retry puts a failed job back to pending and drops the artifacts of the
// failed attempt. Artifact cleanup is best effort; leftovers are overwritten
// by the next run since artifacts are unique per (job, type).
func (m *JobManager) Retry(ctx context.Context, mode, id string) (*models.Job, error) {
	return m.mutate(ctx, mode, id, func(job *models.Job) error {
		if err := CanRetry(job.Status).Err(); err != nil {
			return err
		}
		if n, err := m.store.DeleteArtifacts(ctx, mode, id); err != nil {
			slog.Warn("failed to delete artifacts for retry", "job_id", id, "mode", mode, "error", err)
		} else {
			slog.Debug("deleted artifacts for retry", "job_id", id, "count", n)
		}
		job.Status = models.JobPending
		job.CurrentStage = 0
		job.StageProgress = 0
		job.ErrorKind = ""
		job.ErrorMessage = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Config.Regeneration = nil
		return nil
	})
}

// Regenerate queues the later stages of a completed job again, treating
// hand-edited artifacts as ground truth.
func (m *JobManager) Regenerate(ctx context.Context, mode, id string) (*models.Job, error) {
	return m.mutate(ctx, mode, id, func(job *models.Job) error {
		if err := CanRegenerate(job.Status).Err(); err != nil {
			return err
		}
		artifacts, err := m.store.ListArtifacts(ctx, mode, id)
		if err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		if len(artifacts) == 0 {
			return fmt.Errorf("%w: job %s has no artifacts to regenerate", failure.ErrConflict, id)
		}

		req := &models.RegenerationRequest{RequestedAt: m.now()}
		for _, a := range artifacts {
			if a.Edited() {
				req.EditedArtifactIDs = append(req.EditedArtifactIDs, a.ID)
				req.EditedArtifactTypes = append(req.EditedArtifactTypes, a.Type)
			}
		}
		job.Config.Regeneration = req
		job.Status = models.JobPendingRegeneration
		job.StageProgress = 0
		job.ErrorKind = ""
		job.ErrorMessage = ""
		job.CompletedAt = nil
		return nil
	})
}

// Resume releases a job paused for entity review into site generation.
func (m *JobManager) Resume(ctx context.Context, mode, id string) (*models.Job, error) {
	return m.mutate(ctx, mode, id, func(job *models.Job) error {
		if err := CanResume(job.Status).Err(); err != nil {
			return err
		}
		job.Status = models.JobGeneratingSiteConfig
		job.CurrentStage = models.StageIndex(models.JobGeneratingSiteConfig)
		job.StageProgress = 0
		return nil
	})
}

// advance moves a job the pipeline is working on into the next status. The
// job must still be in expect; anything else means it was cancelled.
func (m *JobManager) advance(ctx context.Context, job *models.Job, expect, to models.JobStatus) (*models.Job, error) {
	return m.mutate(ctx, job.Mode, job.ID, func(cur *models.Job) error {
		if cur.Status != expect {
			return ErrJobCancelled
		}
		if err := CanAdvance(cur.Status, to).Err(); err != nil {
			return err
		}
		now := m.now()
		cur.Status = to
		if idx := models.StageIndex(to); idx >= 0 {
			cur.CurrentStage = idx
		}
		cur.StageProgress = 0
		if cur.StartedAt == nil {
			cur.StartedAt = &now
		}
		if to == models.JobCompleted {
			cur.StageProgress = 100
			cur.CompletedAt = &now
			if cur.Config.Regeneration != nil {
				cur.Config.Regeneration.CompletedAt = &now
			}
		}
		return nil
	})
}

// progress records stage progress. Failures are logged; progress is advisory.
func (m *JobManager) progress(ctx context.Context, job *models.Job, pct int) {
	_, err := m.mutate(ctx, job.Mode, job.ID, func(cur *models.Job) error {
		if cur.Status != job.Status {
			return ErrJobCancelled
		}
		cur.StageProgress = min(max(pct, 0), 100)
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobCancelled) {
		slog.Warn("failed to persist stage progress", "job_id", job.ID, "stage", job.Status, "error", err)
	}
}

// fail records a stage failure. A job that is already terminal keeps its
// status and message.
func (m *JobManager) fail(ctx context.Context, job *models.Job, cause error) error {
	kind, ok := failure.KindOf(cause)
	if !ok {
		kind = failure.KindStorageError
	}
	_, err := m.mutate(ctx, job.Mode, job.ID, func(cur *models.Job) error {
		if cur.Status.IsTerminal() {
			return ErrJobCancelled
		}
		now := m.now()
		cur.Status = models.JobFailed
		cur.ErrorKind = string(kind)
		cur.ErrorMessage = cause.Error()
		cur.CompletedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobCancelled) {
		return fmt.Errorf("record failure %q: %w", cause, err)
	}
	slog.Error("job failed", "job_id", job.ID, "mode", job.Mode, "stage", job.Status, "error_kind", kind, "error", cause)
	return nil
}

// stillIn reports whether the job is still in status, re-reading it.
func (m *JobManager) stillIn(ctx context.Context, job *models.Job, status models.JobStatus) error {
	cur, err := m.store.GetJob(ctx, job.Mode, job.ID)
	if err != nil {
		return err
	}
	if cur.Status != status {
		return ErrJobCancelled
	}
	return nil
}

func (m *JobManager) mutate(ctx context.Context, mode, id string, fn func(job *models.Job) error) (*models.Job, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		job, err := m.store.GetJob(ctx, mode, id)
		if err != nil {
			return nil, err
		}
		from := job.Status
		if err := fn(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = m.now()

		err = m.store.UpdateJob(ctx, job)
		if errors.Is(err, failure.ErrStaleWrite) {
			slog.Debug("job changed concurrently, re-reading", "job_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}

		if job.Status != from {
			m.metrics.RecordTransition(string(from), string(job.Status))
			slog.Info("job status changed", "job_id", id, "mode", mode, "from", from, "to", job.Status)
			m.notifier.JobChanged(ctx, *job, from)
		}
		return job, nil
	}
	return nil, fmt.Errorf("update job %s: %w", id, failure.ErrStaleWrite)
}
