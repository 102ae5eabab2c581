package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/samber/lo"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/parser"
	"github.com/raphaelgruber/minutegraph/internal/retry"
)

// Duplicate suggestion bounds.
const (
	SuggestionThreshold = 0.4
	MaxSuggestions      = 3
)

// maxRedirects bounds how far a chain of merge tombstones is followed.
const maxRedirects = 8

// EntityRegistry manages entities across jobs: extraction and ingest,
// review, merges and the derived indexes.
type EntityRegistry struct {
	store   Store
	gen     Generator
	policy  retry.Policy
	windows parser.WindowConfig
}

// NewEntityRegistry creates a registry.
func NewEntityRegistry(store Store, gen Generator, policy retry.Policy) *EntityRegistry {
	return &EntityRegistry{
		store:   store,
		gen:     gen,
		policy:  policy,
		windows: parser.DefaultWindowConfig(),
	}
}

// Get returns an entity by id.
func (r *EntityRegistry) Get(ctx context.Context, mode, id string) (*models.Entity, error) {
	return r.store.GetEntity(ctx, mode, id)
}

// GetBySlug returns the entity stored under slug.
func (r *EntityRegistry) GetBySlug(ctx context.Context, mode, slug string) (*models.Entity, error) {
	return r.store.GetEntity(ctx, mode, models.EntityID(mode, slug))
}

// List returns entities matching filter.
func (r *EntityRegistry) List(ctx context.Context, mode string, filter models.EntityFilter) ([]models.Entity, error) {
	return r.store.ListEntities(ctx, mode, filter)
}

// Appearances returns the mentions recorded for an entity.
func (r *EntityRegistry) Appearances(ctx context.Context, mode, id string) ([]models.EntityAppearance, error) {
	return r.store.ListAppearances(ctx, mode, id)
}

// resolve follows merge tombstones to the live entity.
func (r *EntityRegistry) resolve(ctx context.Context, mode string, e *models.Entity) (*models.Entity, error) {
	for range maxRedirects {
		if e.ReviewStatus != models.ReviewMerged || e.MergedIntoID == nil {
			return e, nil
		}
		next, err := r.store.GetEntity(ctx, mode, *e.MergedIntoID)
		if err != nil {
			return nil, fmt.Errorf("follow merge of %s: %w", e.ID, err)
		}
		e = next
	}
	return nil, fmt.Errorf("entity %s: merge chain longer than %d", e.ID, maxRedirects)
}

// Suggestion is a possible duplicate of an entity.
type Suggestion struct {
	Entity     models.Entity `json:"entity"`
	Similarity float64       `json:"similarity"`
}

// SuggestDuplicates returns up to MaxSuggestions entities of the same type
// whose names are similar above SuggestionThreshold. Merged tombstones and
// rejected entities are never suggested. Nothing is merged automatically.
func (r *EntityRegistry) SuggestDuplicates(ctx context.Context, mode, id string) ([]Suggestion, error) {
	e, err := r.store.GetEntity(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	if e.ReviewStatus == models.ReviewMerged {
		return nil, nil
	}
	peers, err := r.store.ListEntities(ctx, mode, models.EntityFilter{Type: e.Type})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	var out []Suggestion
	for _, p := range peers {
		if p.ID == e.ID || p.ReviewStatus == models.ReviewMerged || p.ReviewStatus == models.ReviewRejected {
			continue
		}
		if score := nameSimilarity(e.Names(), p.Names()); score > SuggestionThreshold {
			out = append(out, Suggestion{Entity: p, Similarity: score})
		}
	}
	slices.SortStableFunc(out, func(a, b Suggestion) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out, nil
}

// nameSimilarity is the best normalised Levenshtein similarity between any
// two names, case-insensitive, on a 0..1 scale.
func nameSimilarity(a, b []string) float64 {
	best := 0.0
	for _, x := range a {
		x = strings.ToLower(strings.TrimSpace(x))
		for _, y := range b {
			y = strings.ToLower(strings.TrimSpace(y))
			longest := max(utf8.RuneCountInString(x), utf8.RuneCountInString(y))
			if longest == 0 {
				continue
			}
			score := 1 - float64(levenshtein.ComputeDistance(x, y))/float64(longest)
			best = max(best, score)
		}
	}
	return best
}

// Approve marks an entity approved and returns duplicate suggestions for it.
func (r *EntityRegistry) Approve(ctx context.Context, mode, id string) (*models.Entity, []Suggestion, error) {
	e, err := r.review(ctx, mode, id, "approve", models.ReviewApproved)
	if err != nil {
		return nil, nil, err
	}
	suggestions, err := r.SuggestDuplicates(ctx, mode, id)
	if err != nil {
		slog.Warn("duplicate suggestion failed", "entity_id", id, "mode", mode, "error", err)
	}
	return e, suggestions, nil
}

// Reject marks an entity rejected.
func (r *EntityRegistry) Reject(ctx context.Context, mode, id string) (*models.Entity, error) {
	return r.review(ctx, mode, id, "reject", models.ReviewRejected)
}

// review sets the status with a single conditional write; a merge that
// lands first turns it into a conflict.
func (r *EntityRegistry) review(ctx context.Context, mode, id, op string, status models.ReviewStatus) (*models.Entity, error) {
	e, err := r.store.SetReviewStatus(ctx, mode, id, status)
	if errors.Is(err, failure.ErrConflict) {
		return nil, failure.Conflict(op, "entity", string(models.ReviewMerged))
	}
	if err != nil {
		return nil, fmt.Errorf("set review status: %w", err)
	}
	slog.Info("entity reviewed", "entity_id", id, "mode", mode, "status", status)
	return e, nil
}

// Merge folds source into target in one store transaction and refreshes
// the opportunity index. Merging the same pair again is a no-op.
func (r *EntityRegistry) Merge(ctx context.Context, mode string, req models.MergeRequest) (*models.Entity, error) {
	if req.SourceID == "" || req.TargetID == "" {
		return nil, failure.Invalid("merge", "source and target are required")
	}
	if req.SourceID == req.TargetID {
		return nil, failure.Invalid("merge", "cannot merge an entity into itself")
	}
	if req.Rename != nil {
		name := strings.TrimSpace(*req.Rename)
		if name == "" {
			return nil, failure.Invalid("rename", "must not be blank")
		}
		req.Rename = &name
	}

	target, err := r.store.MergeEntities(ctx, mode, req)
	if err != nil {
		return nil, err
	}
	slog.Info("entities merged", "mode", mode, "source_id", req.SourceID, "target_id", req.TargetID, "aliases", len(target.Aliases))

	if _, err := r.RebuildOpportunityIndex(ctx, mode); err != nil {
		slog.Warn("opportunity index rebuild after merge failed", "mode", mode, "error", err)
	}
	return target, nil
}

// Related returns the top k entities by co-occurrence with id. Ties keep the
// order the edges were created in. A merged id answers for its target.
func (r *EntityRegistry) Related(ctx context.Context, mode, id string, k int) ([]models.RelatedEntity, error) {
	e, err := r.store.GetEntity(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	if e, err = r.resolve(ctx, mode, e); err != nil {
		return nil, err
	}
	rels, err := r.store.ListRelations(ctx, mode, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	if k > 0 && len(rels) > k {
		rels = rels[:k]
	}

	out := make([]models.RelatedEntity, 0, len(rels))
	for _, rel := range rels {
		other, err := r.store.GetEntity(ctx, mode, rel.ToID)
		if errors.Is(err, failure.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, models.RelatedEntity{Entity: *other, Count: rel.Count})
	}
	return out, nil
}

// RebuildOpportunityIndex replaces the tag → entity index from entity
// metadata. Running it twice gives the same index.
func (r *EntityRegistry) RebuildOpportunityIndex(ctx context.Context, mode string) (int, error) {
	entities, err := r.store.ListEntities(ctx, mode, models.EntityFilter{})
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}

	index := make(map[string][]string)
	for _, e := range entities {
		if e.ReviewStatus == models.ReviewMerged || e.ReviewStatus == models.ReviewRejected {
			continue
		}
		for _, tag := range e.Metadata.Opportunities {
			tag = normalizeTag(tag)
			if tag == "" || slices.Contains(index[tag], e.ID) {
				continue
			}
			index[tag] = append(index[tag], e.ID)
		}
	}
	if err := r.store.ReplaceOpportunityIndex(ctx, mode, index); err != nil {
		return 0, fmt.Errorf("replace opportunity index: %w", err)
	}
	return len(index), nil
}

// EntitiesForOpportunity looks tag up in the reverse index.
func (r *EntityRegistry) EntitiesForOpportunity(ctx context.Context, mode, tag string) ([]models.Entity, error) {
	ids, err := r.store.EntitiesForOpportunity(ctx, mode, normalizeTag(tag))
	if err != nil {
		return nil, err
	}
	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := r.store.GetEntity(ctx, mode, id)
		if errors.Is(err, failure.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// RecalculateBacklinks recomputes document ↔ document shared-entity counts
// from every appearance in mode and replaces the stored backlinks. It
// returns the number of directed links written.
func (r *EntityRegistry) RecalculateBacklinks(ctx context.Context, mode string) (int, error) {
	apps, err := r.store.ListAllAppearances(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("list appearances: %w", err)
	}

	docs := make(map[string]map[string]struct{})
	for _, a := range apps {
		if docs[a.ArtifactID] == nil {
			docs[a.ArtifactID] = make(map[string]struct{})
		}
		docs[a.ArtifactID][a.EntityID] = struct{}{}
	}
	ids := lo.Keys(docs)
	sort.Strings(ids)

	var links []models.Backlink
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			shared := 0
			for e := range docs[a] {
				if _, ok := docs[b][e]; ok {
					shared++
				}
			}
			if shared == 0 {
				continue
			}
			links = append(links,
				models.Backlink{Mode: mode, ArtifactID: a, RelatedArtifactID: b, SharedEntities: shared},
				models.Backlink{Mode: mode, ArtifactID: b, RelatedArtifactID: a, SharedEntities: shared},
			)
		}
	}
	if err := r.store.ReplaceBacklinks(ctx, mode, links); err != nil {
		return 0, fmt.Errorf("replace backlinks: %w", err)
	}
	slog.Debug("backlinks recalculated", "mode", mode, "documents", len(ids), "links", len(links))
	return len(links), nil
}

// RelatedDocuments returns the top k documents sharing entities with
// artifactID, most shared first.
func (r *EntityRegistry) RelatedDocuments(ctx context.Context, mode, artifactID string, k int) ([]models.Backlink, error) {
	links, err := r.store.ListBacklinks(ctx, mode, artifactID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(links, func(a, b models.Backlink) int {
		if c := cmp.Compare(b.SharedEntities, a.SharedEntities); c != 0 {
			return c
		}
		return cmp.Compare(a.RelatedArtifactID, b.RelatedArtifactID)
	})
	if k > 0 && len(links) > k {
		links = links[:k]
	}
	return links, nil
}
