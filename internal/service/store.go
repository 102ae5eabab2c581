package service

import (
	"context"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Store is the persistence contract the services need. Every call takes the
// mode explicitly; nothing is shared across modes.
//
// Lookups of missing records return failure.NotFound. UpdateJob is a
// compare-and-swap on Job.Version and returns failure.ErrStaleWrite when the
// stored version moved on.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, mode, id string) (*models.Job, error)
	ListJobs(ctx context.Context, mode string, filter models.JobFilter) ([]models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error

	// SaveArtifact upserts on (mode, job, type) and fills in ID.
	SaveArtifact(ctx context.Context, a *models.Artifact) error
	UpdateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, mode, id string) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, mode, jobID string) ([]models.Artifact, error)
	DeleteArtifacts(ctx context.Context, mode, jobID string) (int, error)

	UpsertEntity(ctx context.Context, mode string, u models.EntityUpsert) (*models.Entity, error)
	GetEntity(ctx context.Context, mode, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, mode string, filter models.EntityFilter) ([]models.Entity, error)
	// SetReviewStatus fails with failure.ErrConflict once the entity is merged.
	SetReviewStatus(ctx context.Context, mode, id string, status models.ReviewStatus) (*models.Entity, error)

	// ReplaceAppearances drops the artifact's earlier appearances, writes apps
	// and moves each entity's appearance count by the difference.
	ReplaceAppearances(ctx context.Context, mode, artifactID string, apps []models.EntityAppearance) error
	ListAppearances(ctx context.Context, mode, entityID string) ([]models.EntityAppearance, error)
	ListAllAppearances(ctx context.Context, mode string) ([]models.EntityAppearance, error)

	// DocumentEntities returns the entity ids last recorded for an artifact.
	DocumentEntities(ctx context.Context, mode, artifactID string) ([]string, error)
	// ReplaceDocumentEntities swaps the recorded set and applies the pair
	// deltas to both half-edges in one step, dropping edges that reach zero.
	// It returns failure.ErrStaleWrite when the recorded set is not
	// u.Previous and otherwise the touched half-edges.
	ReplaceDocumentEntities(ctx context.Context, mode string, u models.DocumentEntities) ([]models.EntityRelation, error)
	// ListRelations returns outgoing half-edges by count desc, then creation order.
	ListRelations(ctx context.Context, mode, entityID string) ([]models.EntityRelation, error)

	// MergeEntities folds source into target atomically. Repeating a merge
	// that already happened returns the target unchanged.
	MergeEntities(ctx context.Context, mode string, req models.MergeRequest) (*models.Entity, error)

	ReplaceOpportunityIndex(ctx context.Context, mode string, index map[string][]string) error
	EntitiesForOpportunity(ctx context.Context, mode, tag string) ([]string, error)

	ReplaceBacklinks(ctx context.Context, mode string, links []models.Backlink) error
	ListBacklinks(ctx context.Context, mode, artifactID string) ([]models.Backlink, error)
}
