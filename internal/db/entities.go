package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// maxMergeAttempts bounds re-reads when a merge races another writer.
const maxMergeAttempts = 3

// =============================================================================
// ENTITIES
// =============================================================================

// UpsertEntity creates the entity for (mode, slug) or folds u into it.
// Aliases and metadata are merged from the current record, so repeating the
// call is harmless. The appearance count is left to ReplaceAppearances.
func (c *Client) UpsertEntity(ctx context.Context, mode string, u models.EntityUpsert) (*models.Entity, error) {
	id := models.EntityID(mode, u.Slug)

	aliases := models.UnionNames(u.CanonicalName, nil, u.Aliases...)
	metadata := u.Metadata
	existing, err := c.GetEntity(ctx, mode, id)
	switch {
	case err == nil:
		merged := models.ApplyUpsert(*existing, u)
		aliases, metadata = merged.Aliases, merged.Metadata
	case !errors.Is(err, failure.ErrNotFound):
		return nil, err
	}
	if aliases == nil {
		aliases = []string{}
	}

	results, err := surrealdb.Query[[]entityRow](ctx, c.db, `
		UPSERT type::record("entity", $id) SET
			mode = $mode,
			slug = $slug,
			canonical_name = canonical_name ?? $canonical_name,
			aliases = $aliases,
			type = type ?? $type,
			metadata = $metadata,
			appearance_count = appearance_count ?? 0,
			extraction_job_id = extraction_job_id ?? $job_id,
			created_at = created_at ?? time::now(),
			updated_at = time::now()
		RETURN AFTER
	`, map[string]any{
		"id":             id,
		"mode":           mode,
		"slug":           u.Slug,
		"canonical_name": u.CanonicalName,
		"aliases":        aliases,
		"type":           u.Type,
		"metadata":       metadata,
		"job_id":         u.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", wrapQueryError(err))
	}
	e, ok, err := one[entityRow, models.Entity](results)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("upsert entity: no result returned")
	}
	return &e, nil
}

// GetEntity returns an entity by id within mode.
func (c *Client) GetEntity(ctx context.Context, mode, id string) (*models.Entity, error) {
	results, err := surrealdb.Query[[]entityRow](ctx, c.db, `
		SELECT * FROM type::record("entity", $id) WHERE mode = $mode
	`, map[string]any{"id": id, "mode": mode})
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", wrapQueryError(err))
	}
	e, ok, err := one[entityRow, models.Entity](results)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.NotFound("entity", id)
	}
	return &e, nil
}

// ListEntities returns entities in creation order.
func (c *Client) ListEntities(ctx context.Context, mode string, filter models.EntityFilter) ([]models.Entity, error) {
	where := []string{"mode = $mode"}
	vars := map[string]any{"mode": mode}
	if filter.Type != "" {
		where = append(where, "type = $type")
		vars["type"] = filter.Type
	}
	if filter.ReviewStatus != "" {
		where = append(where, "review_status = $review_status")
		vars["review_status"] = string(filter.ReviewStatus)
	}
	limitClause := ""
	if filter.Limit > 0 {
		limitClause = "LIMIT $limit"
		vars["limit"] = filter.Limit
	}

	sql := fmt.Sprintf(`
		SELECT * FROM entity WHERE %s ORDER BY created_at ASC, slug ASC %s
	`, strings.Join(where, " AND "), limitClause)

	results, err := surrealdb.Query[[]entityRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", wrapQueryError(err))
	}
	return convert[entityRow, models.Entity](lastResult(results))
}

// SetReviewStatus changes the review status in a single conditional update
// so a merge landing between a read and this write is never undone.
func (c *Client) SetReviewStatus(ctx context.Context, mode, id string, status models.ReviewStatus) (*models.Entity, error) {
	results, err := surrealdb.Query[[]entityRow](ctx, c.db, `
		UPDATE type::record("entity", $id) SET
			review_status = $status,
			updated_at = time::now()
		WHERE mode = $mode AND review_status != "merged"
		RETURN AFTER
	`, map[string]any{"id": id, "mode": mode, "status": string(status)})
	if err != nil {
		return nil, fmt.Errorf("set review status: %w", wrapQueryError(err))
	}
	e, ok, err := one[entityRow, models.Entity](results)
	if err != nil {
		return nil, err
	}
	if ok {
		return &e, nil
	}
	existing, err := c.GetEntity(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	return nil, failure.Conflict("review", "entity", string(existing.ReviewStatus))
}

// =============================================================================
// APPEARANCES
// =============================================================================

// ReplaceAppearances swaps the appearances of one artifact in a single
// transaction and recounts every entity that gained or lost one.
func (c *Client) ReplaceAppearances(ctx context.Context, mode, artifactID string, apps []models.EntityAppearance) error {
	rows := make([]map[string]any, len(apps))
	for i, a := range apps {
		id := a.ID
		if id == "" {
			id = models.NewID()
		}
		rows[i] = map[string]any{
			"id":          id,
			"mode":        mode,
			"entity_id":   a.EntityID,
			"artifact_id": artifactID,
			"job_id":      a.JobID,
			"section_id":  a.SectionID,
			"excerpt":     a.Excerpt,
			"sentiment":   a.Sentiment,
		}
	}
	insert := ""
	if len(rows) > 0 {
		insert = "INSERT INTO appearance $rows RETURN NONE;"
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		LET $old = (SELECT VALUE entity_id FROM appearance WHERE mode = $mode AND artifact_id = $artifact_id);
		DELETE appearance WHERE mode = $mode AND artifact_id = $artifact_id RETURN NONE;
		%s
		FOR $eid IN array::union($old, $rows.entity_id) {
			UPDATE type::record("entity", $eid) SET
				appearance_count = count((SELECT VALUE id FROM appearance WHERE mode = $mode AND entity_id = $eid)),
				updated_at = time::now()
			WHERE mode = $mode
			RETURN NONE;
		};
		COMMIT TRANSACTION;
	`, insert)

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"mode":        mode,
		"artifact_id": artifactID,
		"rows":        rows,
	})
	if err != nil {
		return fmt.Errorf("replace appearances: %w", wrapQueryError(err))
	}
	return nil
}

// ListAppearances returns the appearances of one entity.
func (c *Client) ListAppearances(ctx context.Context, mode, entityID string) ([]models.EntityAppearance, error) {
	results, err := surrealdb.Query[[]appearanceRow](ctx, c.db, `
		SELECT *, (SELECT type, title FROM artifact WHERE id = type::record("artifact", $parent.artifact_id)) AS artifact
		FROM appearance WHERE mode = $mode AND entity_id = $entity_id ORDER BY created_at ASC
	`, map[string]any{"mode": mode, "entity_id": entityID})
	if err != nil {
		return nil, fmt.Errorf("list appearances: %w", wrapQueryError(err))
	}
	return convert[appearanceRow, models.EntityAppearance](lastResult(results))
}

// ListAllAppearances returns every appearance in mode.
func (c *Client) ListAllAppearances(ctx context.Context, mode string) ([]models.EntityAppearance, error) {
	results, err := surrealdb.Query[[]appearanceRow](ctx, c.db, `
		SELECT *, type::record("artifact", artifact_id).{type, title} AS artifact
		FROM appearance WHERE mode = $mode ORDER BY created_at ASC
	`, map[string]any{"mode": mode})
	if err != nil {
		return nil, fmt.Errorf("list appearances: %w", wrapQueryError(err))
	}
	return convert[appearanceRow, models.EntityAppearance](lastResult(results))
}

// =============================================================================
// CO-OCCURRENCE
// =============================================================================

// DocumentEntities returns the entity ids last recorded for an artifact.
func (c *Client) DocumentEntities(ctx context.Context, mode, artifactID string) ([]string, error) {
	results, err := surrealdb.Query[[][]string](ctx, c.db, `
		SELECT VALUE entity_ids FROM type::record("doc_entities", [$mode, $artifact_id])
	`, map[string]any{"mode": mode, "artifact_id": artifactID})
	if err != nil {
		return nil, fmt.Errorf("document entities: %w", wrapQueryError(err))
	}
	rows := lastResult(results)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ReplaceDocumentEntities applies the pair deltas to both half-edges and
// records the new entity set in one transaction. The transaction aborts
// when the recorded set is no longer u.Previous.
func (c *Client) ReplaceDocumentEntities(ctx context.Context, mode string, u models.DocumentEntities) ([]models.EntityRelation, error) {
	pairs := make([]map[string]any, len(u.Pairs))
	ids := make([]string, 0, 2*len(u.Pairs))
	for i, p := range u.Pairs {
		if p.A == p.B {
			return nil, failure.Invalid("entity", "an entity cannot co-occur with itself")
		}
		pairs[i] = map[string]any{"a": p.A, "b": p.B, "delta": p.Delta}
		ids = append(ids, p.A, p.B)
	}
	previous, entities := u.Previous, u.Entities
	if previous == nil {
		previous = []string{}
	}
	if entities == nil {
		entities = []string{}
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		IF ((SELECT VALUE entity_ids FROM type::record("doc_entities", [$mode, $artifact_id]))[0] ?? []) != $previous {
			THROW "%s";
		};
		FOR $p IN $pairs {
			UPSERT type::record("co_occurs", [$mode, $p.a, $p.b]) SET
				mode = $mode, from_id = $p.a, to_id = $p.b,
				count = (count ?? 0) + $p.delta,
				created_at = created_at ?? time::now()
			RETURN NONE;
			UPSERT type::record("co_occurs", [$mode, $p.b, $p.a]) SET
				mode = $mode, from_id = $p.b, to_id = $p.a,
				count = (count ?? 0) + $p.delta,
				created_at = created_at ?? time::now()
			RETURN NONE;
		};
		DELETE co_occurs WHERE mode = $mode AND count <= 0 RETURN NONE;
		UPSERT type::record("doc_entities", [$mode, $artifact_id]) SET
			mode = $mode, artifact_id = $artifact_id, entity_ids = $entities
		RETURN NONE;
		SELECT * FROM co_occurs WHERE mode = $mode AND from_id IN $ids AND to_id IN $ids;
		COMMIT TRANSACTION;
	`, throwDocChanged)

	results, err := surrealdb.Query[[]relationRow](ctx, c.db, sql, map[string]any{
		"mode":        mode,
		"artifact_id": u.ArtifactID,
		"previous":    previous,
		"entities":    entities,
		"pairs":       pairs,
		"ids":         ids,
	})
	if err != nil {
		return nil, fmt.Errorf("replace document entities: %w", wrapQueryError(err))
	}
	return convert[relationRow, models.EntityRelation](lastNonEmpty(results))
}

// lastNonEmpty skips trailing empty results left by statements such as COMMIT.
func lastNonEmpty[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil {
		return nil
	}
	for i := len(*results) - 1; i >= 0; i-- {
		if len((*results)[i].Result) > 0 {
			return (*results)[i].Result
		}
	}
	return nil
}

// ListRelations returns outgoing half-edges, most frequent first. Ties keep
// the order the edges were created in.
func (c *Client) ListRelations(ctx context.Context, mode, entityID string) ([]models.EntityRelation, error) {
	results, err := surrealdb.Query[[]relationRow](ctx, c.db, `
		SELECT * FROM co_occurs WHERE mode = $mode AND from_id = $from ORDER BY count DESC, created_at ASC
	`, map[string]any{"mode": mode, "from": entityID})
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", wrapQueryError(err))
	}
	return convert[relationRow, models.EntityRelation](lastResult(results))
}

// =============================================================================
// MERGE
// =============================================================================

// MergeEntities folds source into target in one transaction: appearances
// move, co-occurrence edges are added onto the target's edges (dropping the
// edge between the two), the target takes the merged names and counts and
// the source becomes a tombstone. The transaction re-checks both records
// and aborts if either changed since they were read.
func (c *Client) MergeEntities(ctx context.Context, mode string, req models.MergeRequest) (*models.Entity, error) {
	for attempt := 1; ; attempt++ {
		target, err := c.mergeOnce(ctx, mode, req)
		if errors.Is(err, failure.ErrStaleWrite) && attempt < maxMergeAttempts {
			c.logger.Info("merge raced another writer, retrying", "source_id", req.SourceID, "target_id", req.TargetID, "attempt", attempt)
			continue
		}
		return target, err
	}
}

func (c *Client) mergeOnce(ctx context.Context, mode string, req models.MergeRequest) (*models.Entity, error) {
	source, err := c.GetEntity(ctx, mode, req.SourceID)
	if err != nil {
		return nil, err
	}
	target, err := c.GetEntity(ctx, mode, req.TargetID)
	if err != nil {
		return nil, err
	}
	if source.ReviewStatus == models.ReviewMerged {
		if source.MergedIntoID != nil && *source.MergedIntoID == target.ID {
			return target, nil
		}
		return nil, failure.Conflict("merge", "entity", string(source.ReviewStatus))
	}
	if target.ReviewStatus == models.ReviewMerged {
		return nil, failure.Conflict("merge into", "entity", string(target.ReviewStatus))
	}

	merged := models.MergedTarget(*target, *source, req.Rename)
	aliases := merged.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		IF (SELECT VALUE review_status FROM type::record("entity", $source))[0] = "merged" {
			THROW "%s";
		};
		IF (SELECT VALUE updated_at FROM type::record("entity", $target))[0] != $target_updated {
			THROW "%s";
		};
		UPDATE appearance SET entity_id = $target WHERE mode = $mode AND entity_id = $source RETURN NONE;
		FOR $edge IN (SELECT * FROM co_occurs WHERE mode = $mode AND from_id = $source AND to_id != $target) {
			UPSERT type::record("co_occurs", [$mode, $target, $edge.to_id]) SET
				mode = $mode, from_id = $target, to_id = $edge.to_id,
				count = (count ?? 0) + $edge.count,
				created_at = created_at ?? time::now()
			RETURN NONE;
			UPSERT type::record("co_occurs", [$mode, $edge.to_id, $target]) SET
				mode = $mode, from_id = $edge.to_id, to_id = $target,
				count = (count ?? 0) + $edge.count,
				created_at = created_at ?? time::now()
			RETURN NONE;
		};
		DELETE co_occurs WHERE mode = $mode AND (from_id = $source OR to_id = $source) RETURN NONE;
		UPDATE type::record("entity", $target) SET
			canonical_name = $canonical_name,
			aliases = $aliases,
			metadata = $metadata,
			appearance_count = count((SELECT VALUE id FROM appearance WHERE mode = $mode AND entity_id = $target)),
			updated_at = time::now()
		RETURN NONE;
		UPDATE type::record("entity", $source) SET
			review_status = "merged",
			merged_into_id = $target,
			updated_at = time::now()
		RETURN NONE;
		COMMIT TRANSACTION;
	`, throwSourceMerged, throwTargetStale)

	_, err = surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"mode":             mode,
		"source":           source.ID,
		"target":           target.ID,
		"target_updated":   target.UpdatedAt,
		"canonical_name":   merged.CanonicalName,
		"aliases":          aliases,
		"metadata":         merged.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("merge entities: %w", wrapQueryError(err))
	}
	return c.GetEntity(ctx, mode, target.ID)
}

// =============================================================================
// DERIVED INDEXES
// =============================================================================

// ReplaceOpportunityIndex swaps the opportunity index of mode in one
// transaction.
func (c *Client) ReplaceOpportunityIndex(ctx context.Context, mode string, index map[string][]string) error {
	rows := make([]map[string]any, 0, len(index))
	for tag, ids := range index {
		rows = append(rows, map[string]any{"tag": strings.ToLower(tag), "entity_ids": ids})
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE opportunity WHERE mode = $mode RETURN NONE;
		FOR $row IN $rows {
			UPSERT type::record("opportunity", [$mode, $row.tag]) SET
				mode = $mode,
				tag = $row.tag,
				entity_ids = array::union(entity_ids ?? [], $row.entity_ids)
			RETURN NONE;
		};
		COMMIT TRANSACTION;
	`, map[string]any{"mode": mode, "rows": rows})
	if err != nil {
		return fmt.Errorf("replace opportunity index: %w", wrapQueryError(err))
	}
	return nil
}

// EntitiesForOpportunity returns the entity ids filed under tag.
func (c *Client) EntitiesForOpportunity(ctx context.Context, mode, tag string) ([]string, error) {
	results, err := surrealdb.Query[[][]string](ctx, c.db, `
		SELECT VALUE entity_ids FROM opportunity WHERE mode = $mode AND tag = $tag
	`, map[string]any{"mode": mode, "tag": strings.ToLower(tag)})
	if err != nil {
		return nil, fmt.Errorf("entities for opportunity: %w", wrapQueryError(err))
	}
	rows := lastResult(results)
	if len(rows) == 0 {
		return []string{}, nil
	}
	return rows[0], nil
}

// ReplaceBacklinks swaps the backlinks of mode in one transaction.
func (c *Client) ReplaceBacklinks(ctx context.Context, mode string, links []models.Backlink) error {
	rows := make([]map[string]any, len(links))
	for i, l := range links {
		rows[i] = map[string]any{
			"mode":                mode,
			"artifact_id":         l.ArtifactID,
			"related_artifact_id": l.RelatedArtifactID,
			"shared_entities":     l.SharedEntities,
		}
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE backlink WHERE mode = $mode RETURN NONE;
		FOR $row IN $rows {
			CREATE backlink CONTENT $row RETURN NONE;
		};
		COMMIT TRANSACTION;
	`, map[string]any{"mode": mode, "rows": rows})
	if err != nil {
		return fmt.Errorf("replace backlinks: %w", wrapQueryError(err))
	}
	return nil
}

// ListBacklinks returns the documents sharing entities with artifactID.
func (c *Client) ListBacklinks(ctx context.Context, mode, artifactID string) ([]models.Backlink, error) {
	results, err := surrealdb.Query[[]backlinkRow](ctx, c.db, `
		SELECT * FROM backlink WHERE mode = $mode AND artifact_id = $artifact_id ORDER BY shared_entities DESC
	`, map[string]any{"mode": mode, "artifact_id": artifactID})
	if err != nil {
		return nil, fmt.Errorf("list backlinks: %w", wrapQueryError(err))
	}
	return convert[backlinkRow, models.Backlink](lastResult(results))
}
