// Package service holds the pipeline business logic: jobs and their stages,
// research fan-out, the entity registry and section editing.
package service

import (
	"context"

	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Generator is the LLM contract. *llm.Model satisfies it.
type Generator interface {
	Generate(ctx context.Context, p llm.Prompt) (string, error)
	GenerateJSON(ctx context.Context, p llm.Prompt, out any) error
}

// TranscriptSource reads raw transcripts by opaque path. A missing
// transcript is reported with kind transcript_not_found.
type TranscriptSource interface {
	ReadTranscript(ctx context.Context, path string) (string, error)
}

// ObjectStore receives a built site. Put reports false when the key already
// existed and overwrite was not requested.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, overwrite bool) (bool, error)
}

// Notifier is told about every job status change. Implementations must not
// block the pipeline; errors are theirs to log.
type Notifier interface {
	JobChanged(ctx context.Context, job models.Job, from models.JobStatus)
}

type nopNotifier struct{}

func (nopNotifier) JobChanged(context.Context, models.Job, models.JobStatus) {}
