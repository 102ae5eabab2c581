package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

var allStatuses = []models.JobStatus{
	models.JobPending,
	models.JobGeneratingArtifacts,
	models.JobExtractingEntities,
	models.JobAwaitingEntityReview,
	models.JobGeneratingSiteConfig,
	models.JobBuilding,
	models.JobDeploying,
	models.JobCompleted,
	models.JobFailed,
	models.JobPendingRegeneration,
}

func TestCanCancel(t *testing.T) {
	cancellable := map[models.JobStatus]bool{
		models.JobPending:              true,
		models.JobGeneratingArtifacts:  true,
		models.JobExtractingEntities:   true,
		models.JobAwaitingEntityReview: true,
		models.JobGeneratingSiteConfig: true,
		models.JobBuilding:             true,
		models.JobDeploying:            true,
	}
	for _, status := range allStatuses {
		t.Run(string(status), func(t *testing.T) {
			res := CanCancel(status)
			assert.Equal(t, cancellable[status], res.Allowed)
			if !res.Allowed {
				err := res.Err()
				assert.ErrorIs(t, err, failure.ErrConflict)
				assert.Contains(t, err.Error(), string(status))
			}
		})
	}
}

func TestGuards(t *testing.T) {
	tests := []struct {
		name  string
		guard func(models.JobStatus) GuardResult
		only  models.JobStatus
	}{
		{name: "retry", guard: CanRetry, only: models.JobFailed},
		{name: "regenerate", guard: CanRegenerate, only: models.JobCompleted},
		{name: "resume", guard: CanResume, only: models.JobAwaitingEntityReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, status := range allStatuses {
				assert.Equal(t, status == tt.only, tt.guard(status).Allowed, "status %s", status)
			}
		})
	}
}

func TestTransitionGraph(t *testing.T) {
	// failed is reachable from every non-terminal status
	for _, status := range allStatuses {
		if status.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(status, models.JobFailed), "%s → failed", status)
	}

	// pending_regeneration only from completed
	for _, status := range allStatuses {
		assert.Equal(t, status == models.JobCompleted, CanTransition(status, models.JobPendingRegeneration), "%s → pending_regeneration", status)
	}

	assert.False(t, CanTransition(models.JobCompleted, models.JobFailed))
	assert.False(t, CanTransition(models.JobPending, models.JobBuilding))
	assert.True(t, CanTransition(models.JobExtractingEntities, models.JobGeneratingSiteConfig), "skip review")
}
