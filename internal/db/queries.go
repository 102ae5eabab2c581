package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// =============================================================================
// JOBS
// =============================================================================

// CreateJob stores a new job at version 1.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = models.NewID()
	}
	content := map[string]any{
		"mode":            job.Mode,
		"workflow":        job.Workflow,
		"status":          string(job.Status),
		"current_stage":   job.CurrentStage,
		"stage_progress":  job.StageProgress,
		"transcript_path": job.TranscriptPath,
		"config":          job.Config,
		"error_kind":      job.ErrorKind,
		"error_message":   job.ErrorMessage,
		"version":         1,
	}
	if !job.CreatedAt.IsZero() {
		content["created_at"] = job.CreatedAt
	}

	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		CREATE type::record("job", $id) CONTENT $content RETURN AFTER
	`, map[string]any{"id": job.ID, "content": content})
	if err != nil {
		return fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	created, ok, err := one[jobRow, models.Job](results)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("create job: no result returned")
	}
	*job = created
	return nil
}

// GetJob returns a job by id within mode.
func (c *Client) GetJob(ctx context.Context, mode, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT * FROM type::record("job", $id) WHERE mode = $mode
	`, map[string]any{"id": id, "mode": mode})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", wrapQueryError(err))
	}
	job, ok, err := one[jobRow, models.Job](results)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.NotFound("job", id)
	}
	return &job, nil
}

// ListJobs returns jobs in creation order, optionally narrowed to statuses.
func (c *Client) ListJobs(ctx context.Context, mode string, filter models.JobFilter) ([]models.Job, error) {
	where := []string{"mode = $mode"}
	vars := map[string]any{"mode": mode}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status IN $statuses")
		vars["statuses"] = statuses
	}
	limitClause := ""
	if filter.Limit > 0 {
		limitClause = "LIMIT $limit"
		vars["limit"] = filter.Limit
	}

	sql := fmt.Sprintf(`
		SELECT * FROM job WHERE %s ORDER BY created_at ASC %s
	`, strings.Join(where, " AND "), limitClause)

	results, err := surrealdb.Query[[]jobRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapQueryError(err))
	}
	return convert[jobRow, models.Job](lastResult(results))
}

// UpdateJob writes job if the stored version still equals job.Version, then
// bumps the version. A lost race returns failure.ErrStaleWrite.
func (c *Client) UpdateJob(ctx context.Context, job *models.Job) error {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			workflow = $workflow,
			status = $status,
			current_stage = $current_stage,
			stage_progress = $stage_progress,
			transcript_path = $transcript_path,
			config = $config,
			error_kind = $error_kind,
			error_message = $error_message,
			started_at = $started_at,
			completed_at = $completed_at,
			updated_at = time::now(),
			version = version + 1
		WHERE mode = $mode AND version = $version
		RETURN AFTER
	`, map[string]any{
		"id":              job.ID,
		"mode":            job.Mode,
		"version":         job.Version,
		"workflow":        job.Workflow,
		"status":          string(job.Status),
		"current_stage":   job.CurrentStage,
		"stage_progress":  job.StageProgress,
		"transcript_path": job.TranscriptPath,
		"config":          job.Config,
		"error_kind":      job.ErrorKind,
		"error_message":   job.ErrorMessage,
		"started_at":      optional(job.StartedAt),
		"completed_at":    optional(job.CompletedAt),
	})
	if err != nil {
		return fmt.Errorf("update job: %w", wrapQueryError(err))
	}

	updated, ok, err := one[jobRow, models.Job](results)
	if err != nil {
		return err
	}
	if !ok {
		// Either the job is gone or another writer got there first.
		if _, err := c.GetJob(ctx, job.Mode, job.ID); err != nil {
			return err
		}
		return failure.ErrStaleWrite
	}
	job.Version = updated.Version
	job.UpdatedAt = updated.UpdatedAt
	return nil
}

// =============================================================================
// ARTIFACTS
// =============================================================================

func artifactVars(a *models.Artifact) map[string]any {
	sections := a.Sections
	if sections == nil {
		sections = []models.Section{}
	}
	return map[string]any{
		"mode":             a.Mode,
		"job_id":           a.JobID,
		"type":             string(a.Type),
		"title":            a.Title,
		"content":          a.Content,
		"sections":         sections,
		"original_content": optional(a.OriginalContent),
		"last_edited_at":   optional(a.LastEditedAt),
	}
}

// SaveArtifact upserts on (mode, job, type): a second save of the same type
// replaces the first and keeps its id.
func (c *Client) SaveArtifact(ctx context.Context, a *models.Artifact) error {
	vars := artifactVars(a)
	vars["new_id"] = models.NewID()
	if a.ID != "" {
		vars["new_id"] = a.ID
	}

	results, err := surrealdb.Query[[]artifactRow](ctx, c.db, `
		LET $existing = (SELECT VALUE id FROM artifact WHERE mode = $mode AND job_id = $job_id AND type = $type LIMIT 1)[0];
		LET $rid = $existing ?? type::record("artifact", $new_id);
		UPSERT $rid SET
			mode = $mode,
			job_id = $job_id,
			type = $type,
			title = $title,
			content = $content,
			sections = $sections,
			original_content = $original_content,
			last_edited_at = $last_edited_at,
			created_at = created_at ?? time::now(),
			updated_at = time::now()
		RETURN AFTER;
	`, vars)
	if err != nil {
		return fmt.Errorf("save artifact: %w", wrapQueryError(err))
	}
	saved, ok, err := one[artifactRow, models.Artifact](results)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("save artifact: no result returned")
	}
	*a = saved
	return nil
}

// UpdateArtifact rewrites the content of an existing artifact.
func (c *Client) UpdateArtifact(ctx context.Context, a *models.Artifact) error {
	vars := artifactVars(a)
	vars["id"] = a.ID

	results, err := surrealdb.Query[[]artifactRow](ctx, c.db, `
		UPDATE type::record("artifact", $id) SET
			title = $title,
			content = $content,
			sections = $sections,
			original_content = $original_content,
			last_edited_at = $last_edited_at,
			updated_at = time::now()
		WHERE mode = $mode
		RETURN AFTER
	`, vars)
	if err != nil {
		return fmt.Errorf("update artifact: %w", wrapQueryError(err))
	}
	updated, ok, err := one[artifactRow, models.Artifact](results)
	if err != nil {
		return err
	}
	if !ok {
		return failure.NotFound("artifact", a.ID)
	}
	a.UpdatedAt = updated.UpdatedAt
	return nil
}

// GetArtifact returns an artifact by id within mode.
func (c *Client) GetArtifact(ctx context.Context, mode, id string) (*models.Artifact, error) {
	results, err := surrealdb.Query[[]artifactRow](ctx, c.db, `
		SELECT * FROM type::record("artifact", $id) WHERE mode = $mode
	`, map[string]any{"id": id, "mode": mode})
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", wrapQueryError(err))
	}
	a, ok, err := one[artifactRow, models.Artifact](results)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.NotFound("artifact", id)
	}
	return &a, nil
}

// ListArtifacts returns a job's artifacts in creation order.
func (c *Client) ListArtifacts(ctx context.Context, mode, jobID string) ([]models.Artifact, error) {
	results, err := surrealdb.Query[[]artifactRow](ctx, c.db, `
		SELECT * FROM artifact WHERE mode = $mode AND job_id = $job_id ORDER BY created_at ASC
	`, map[string]any{"mode": mode, "job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", wrapQueryError(err))
	}
	return convert[artifactRow, models.Artifact](lastResult(results))
}

// DeleteArtifacts removes every artifact of a job and returns how many went.
func (c *Client) DeleteArtifacts(ctx context.Context, mode, jobID string) (int, error) {
	// RETURN BEFORE hands back the deleted records so they can be counted
	results, err := surrealdb.Query[[]artifactRow](ctx, c.db, `
		DELETE artifact WHERE mode = $mode AND job_id = $job_id RETURN BEFORE
	`, map[string]any{"mode": mode, "job_id": jobID})
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", wrapQueryError(err))
	}
	return len(lastResult(results)), nil
}
