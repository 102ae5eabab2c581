package db

import (
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Rows mirror the stored records. Record ids come back as RecordIDs and are
// converted to the plain string ids the rest of the module uses.

type jobRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	Mode           string                 `json:"mode"`
	Workflow       string                 `json:"workflow"`
	Status         string                 `json:"status"`
	CurrentStage   int                    `json:"current_stage"`
	StageProgress  int                    `json:"stage_progress"`
	TranscriptPath string                 `json:"transcript_path"`
	Config         models.JobConfig       `json:"config"`
	ErrorKind      string                 `json:"error_kind"`
	ErrorMessage   string                 `json:"error_message"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Version        int                    `json:"version"`
}

func (r jobRow) model() (models.Job, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Job{}, err
	}
	return models.Job{
		ID:             id,
		Mode:           r.Mode,
		Workflow:       r.Workflow,
		Status:         models.JobStatus(r.Status),
		CurrentStage:   r.CurrentStage,
		StageProgress:  r.StageProgress,
		TranscriptPath: r.TranscriptPath,
		Config:         r.Config,
		ErrorKind:      r.ErrorKind,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		UpdatedAt:      r.UpdatedAt,
		Version:        r.Version,
	}, nil
}

type artifactRow struct {
	ID              surrealmodels.RecordID `json:"id"`
	Mode            string                 `json:"mode"`
	JobID           string                 `json:"job_id"`
	Type            string                 `json:"type"`
	Title           string                 `json:"title"`
	Content         string                 `json:"content"`
	Sections        []models.Section       `json:"sections"`
	OriginalContent *string                `json:"original_content"`
	LastEditedAt    *time.Time             `json:"last_edited_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (r artifactRow) model() (models.Artifact, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Artifact{}, err
	}
	return models.Artifact{
		ID:              id,
		Mode:            r.Mode,
		JobID:           r.JobID,
		Type:            models.ArtifactType(r.Type),
		Title:           r.Title,
		Content:         r.Content,
		Sections:        r.Sections,
		OriginalContent: r.OriginalContent,
		LastEditedAt:    r.LastEditedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

type entityRow struct {
	ID              surrealmodels.RecordID `json:"id"`
	Mode            string                 `json:"mode"`
	Slug            string                 `json:"slug"`
	CanonicalName   string                 `json:"canonical_name"`
	Aliases         []string               `json:"aliases"`
	Type            string                 `json:"type"`
	Metadata        models.EntityMetadata  `json:"metadata"`
	ReviewStatus    string                 `json:"review_status"`
	MergedIntoID    *string                `json:"merged_into_id"`
	AppearanceCount int                    `json:"appearance_count"`
	ExtractionJobID string                 `json:"extraction_job_id"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (r entityRow) model() (models.Entity, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Entity{}, err
	}
	return models.Entity{
		ID:              id,
		Mode:            r.Mode,
		Slug:            r.Slug,
		CanonicalName:   r.CanonicalName,
		Aliases:         r.Aliases,
		Type:            r.Type,
		Metadata:        r.Metadata,
		ReviewStatus:    models.ReviewStatus(r.ReviewStatus),
		MergedIntoID:    r.MergedIntoID,
		AppearanceCount: r.AppearanceCount,
		ExtractionJobID: r.ExtractionJobID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

type appearanceRow struct {
	ID         surrealmodels.RecordID `json:"id"`
	Mode       string                 `json:"mode"`
	EntityID   string                 `json:"entity_id"`
	ArtifactID string                 `json:"artifact_id"`
	JobID      string                 `json:"job_id"`
	SectionID  string                 `json:"section_id"`
	Excerpt    string                 `json:"excerpt"`
	Sentiment  string                 `json:"sentiment"`
	CreatedAt  time.Time              `json:"created_at"`

	// Artifact is a subquery result: an array of rows, a single row or NONE.
	Artifact any `json:"artifact"`
}

// artifactRef is the part of an artifact joined onto an appearance.
type artifactRef struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

func (r appearanceRow) model() (models.EntityAppearance, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.EntityAppearance{}, err
	}
	joined, err := models.NormalizeJoin[artifactRef](r.Artifact)
	if err != nil {
		return models.EntityAppearance{}, fmt.Errorf("appearance %s: %w", id, err)
	}
	ref, _ := joined.First()
	return models.EntityAppearance{
		ID:         id,
		Mode:       r.Mode,
		EntityID:   r.EntityID,
		ArtifactID: r.ArtifactID,
		JobID:      r.JobID,
		SectionID:  r.SectionID,
		Excerpt:    r.Excerpt,
		Sentiment:  r.Sentiment,
		CreatedAt:  r.CreatedAt,

		ArtifactType:  models.ArtifactType(ref.Type),
		ArtifactTitle: ref.Title,
	}, nil
}

// relationRow has an array record id ([mode, from, to]), which is not needed.
type relationRow struct {
	Mode      string    `json:"mode"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

func (r relationRow) model() (models.EntityRelation, error) {
	return models.EntityRelation{
		Mode:      r.Mode,
		FromID:    r.FromID,
		ToID:      r.ToID,
		Count:     r.Count,
		CreatedAt: r.CreatedAt,
	}, nil
}

type backlinkRow struct {
	Mode              string `json:"mode"`
	ArtifactID        string `json:"artifact_id"`
	RelatedArtifactID string `json:"related_artifact_id"`
	SharedEntities    int    `json:"shared_entities"`
}

func (r backlinkRow) model() (models.Backlink, error) {
	return models.Backlink(r), nil
}

// convert maps rows to models, failing on the first bad row.
func convert[R interface{ model() (M, error) }, M any](rows []R) ([]M, error) {
	out := make([]M, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// lastResult returns the rows of the last statement. Multi-statement queries
// put the value the caller wants last.
func lastResult[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[len(*results)-1].Result
}

// one returns the single model of a lookup, or ok=false when nothing matched.
func one[R interface{ model() (M, error) }, M any](results *[]surrealdb.QueryResult[[]R]) (M, bool, error) {
	var zero M
	rows := lastResult(results)
	if len(rows) == 0 {
		return zero, false, nil
	}
	m, err := rows[0].model()
	if err != nil {
		return zero, false, fmt.Errorf("decode row: %w", err)
	}
	return m, true, nil
}

// optional encodes a nil pointer as NONE so option<T> fields are cleared
// rather than set to NULL.
func optional[T any](v *T) any {
	if v == nil {
		return surrealmodels.None
	}
	return *v
}
