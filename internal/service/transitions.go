package service

import (
	"slices"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// CancelledMessage is the error message a cancelled job carries.
const CancelledMessage = "cancelled by user"

// transitions is the legal status graph. Failed is reachable from every
// non-terminal status; pending_regeneration only from completed.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:              {models.JobGeneratingArtifacts, models.JobFailed},
	models.JobGeneratingArtifacts:  {models.JobExtractingEntities, models.JobFailed},
	models.JobExtractingEntities:   {models.JobAwaitingEntityReview, models.JobGeneratingSiteConfig, models.JobFailed},
	models.JobAwaitingEntityReview: {models.JobGeneratingSiteConfig, models.JobFailed},
	models.JobGeneratingSiteConfig: {models.JobBuilding, models.JobFailed},
	models.JobBuilding:             {models.JobDeploying, models.JobFailed},
	models.JobDeploying:            {models.JobCompleted, models.JobFailed},
	models.JobCompleted:            {models.JobPendingRegeneration},
	models.JobFailed:               {models.JobPending},
	models.JobPendingRegeneration:  {models.JobExtractingEntities, models.JobGeneratingSiteConfig, models.JobFailed},
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to models.JobStatus) bool {
	return slices.Contains(transitions[from], to)
}

// GuardResult is the outcome of a precondition check on a job.
type GuardResult struct {
	Allowed bool
	Op      string
	Status  models.JobStatus
}

// Err converts a refused guard into a *failure.ConflictError.
func (r GuardResult) Err() error {
	if r.Allowed {
		return nil
	}
	return failure.Conflict(r.Op, "job", string(r.Status))
}

// CanCancel allows pending through deploying.
func CanCancel(status models.JobStatus) GuardResult {
	allowed := status == models.JobPending || models.StageIndex(status) >= 0
	return GuardResult{Allowed: allowed, Op: "cancel", Status: status}
}

// CanRetry allows failed only.
func CanRetry(status models.JobStatus) GuardResult {
	return GuardResult{Allowed: status == models.JobFailed, Op: "retry", Status: status}
}

// CanRegenerate allows completed only.
func CanRegenerate(status models.JobStatus) GuardResult {
	return GuardResult{Allowed: status == models.JobCompleted, Op: "regenerate", Status: status}
}

// CanResume allows awaiting_entity_review only.
func CanResume(status models.JobStatus) GuardResult {
	return GuardResult{Allowed: status == models.JobAwaitingEntityReview, Op: "resume", Status: status}
}

// CanAdvance checks a pipeline-driven status change.
func CanAdvance(from, to models.JobStatus) GuardResult {
	return GuardResult{Allowed: CanTransition(from, to), Op: "move to " + string(to), Status: from}
}
