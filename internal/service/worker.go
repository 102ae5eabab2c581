package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Worker runs runnable jobs one at a time, oldest first, across modes. It
// polls on an interval and can be woken early with Trigger.
type Worker struct {
	pipeline *Pipeline
	store    Store
	modes    []string
	poll     time.Duration
	wake     chan struct{}
}

// NewWorker creates a worker for the given modes.
func NewWorker(p *Pipeline, store Store, modes []string, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		pipeline: p,
		store:    store,
		modes:    modes,
		poll:     poll,
		wake:     make(chan struct{}, 1),
	}
}

// Trigger wakes the worker without waiting for the next poll.
func (w *Worker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "modes", w.modes, "poll", w.poll)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain runs runnable jobs until none are left. Each job is attempted at
// most once per drain so a job whose status cannot be written is not
// retried in a tight loop.
func (w *Worker) drain(ctx context.Context) {
	seen := make(map[string]bool)
	for ctx.Err() == nil {
		job, ok := w.next(ctx, seen)
		if !ok {
			return
		}
		seen[job.Mode+"/"+job.ID] = true
		if err := w.pipeline.Run(ctx, job.Mode, job.ID); err != nil {
			slog.Warn("pipeline run ended with error", "job_id", job.ID, "mode", job.Mode, "error", err)
		}
	}
}

func (w *Worker) next(ctx context.Context, seen map[string]bool) (models.Job, bool) {
	var candidates []models.Job
	for _, mode := range w.modes {
		jobs, err := w.store.ListJobs(ctx, mode, models.JobFilter{Statuses: models.Runnable})
		if err != nil {
			slog.Warn("failed to list runnable jobs", "mode", mode, "error", err)
			continue
		}
		for _, j := range jobs {
			if !seen[j.Mode+"/"+j.ID] {
				candidates = append(candidates, j)
			}
		}
	}
	if len(candidates) == 0 {
		return models.Job{}, false
	}
	return slices.MinFunc(candidates, func(a, b models.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	}), true
}
