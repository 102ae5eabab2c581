package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/parser"
	"github.com/raphaelgruber/minutegraph/internal/retry"
)

// ErrRelationInvariant means the two half-edges of a co-occurrence pair
// disagree after an update.
var ErrRelationInvariant = errors.New("co-occurrence half-edges diverged")

var (
	lookupEntityCall     = retry.Call{Kind: failure.KindStorageError, Name: "lookup entity"}
	upsertEntityCall     = retry.Call{Kind: failure.KindStorageError, Name: "upsert entity"}
	appearancesCall      = retry.Call{Kind: failure.KindStorageError, Name: "replace appearances"}
	documentEntitiesCall = retry.Call{Kind: failure.KindStorageError, Name: "replace document entities"}
)

// DocumentCandidates pairs a source document with what was extracted from it.
type DocumentCandidates struct {
	Artifact   models.Artifact
	Candidates []models.CandidateEntity
}

// IngestResult summarises one extraction batch.
type IngestResult struct {
	Documents   int                      `json:"documents"`
	Candidates  []models.CandidateEntity `json:"candidates"`
	EntityIDs   []string                 `json:"entity_ids"`
	Appearances int                      `json:"appearances"`
	Pairs       int                      `json:"pairs"`
}

type extractionReply struct {
	Entities []models.CandidateEntity `json:"entities"`
}

// Extract asks the generator for entity candidates in doc, window by
// window. Malformed replies fail as invalid_response; anything else that
// survives retries fails as extraction_failed.
func (r *EntityRegistry) Extract(ctx context.Context, mode string, doc models.Artifact) ([]models.CandidateEntity, error) {
	types := models.EntityTypes(mode)

	var out []models.CandidateEntity
	for _, w := range parser.SplitForExtraction(doc.Content, r.windows) {
		prompt := llm.EntityExtractionPrompt(types, w.Content)
		reply, err := retry.Value(ctx, r.policy, retry.Generation, func(ctx context.Context) (extractionReply, error) {
			var reply extractionReply
			err := r.gen.GenerateJSON(ctx, prompt, &reply)
			return reply, err
		})
		if err != nil {
			if failure.Is(err, failure.KindInvalidResponse) || ctx.Err() != nil {
				return nil, err
			}
			return nil, failure.Newf(failure.KindExtractionFailed, "extract entities from %s: %w", doc.Type, err)
		}
		for _, c := range reply.Entities {
			if c, ok := normalizeCandidate(mode, c, doc.ID, w.SectionID); ok {
				out = append(out, c)
			}
		}
	}

	slog.Debug("entities extracted", "artifact_id", doc.ID, "type", doc.Type, "candidates", len(out))
	return out, nil
}

func normalizeCandidate(mode string, c models.CandidateEntity, artifactID, sectionID string) (models.CandidateEntity, bool) {
	c.CanonicalName = strings.TrimSpace(c.CanonicalName)
	if c.CanonicalName == "" || models.Slugify(c.CanonicalName) == "" {
		return c, false
	}
	c.Type = models.NormalizeEntityType(mode, strings.ToLower(strings.TrimSpace(c.Type)))
	c.Aliases = models.UnionNames(c.CanonicalName, nil, c.Aliases...)
	c.Opportunities = lo.Uniq(lo.FilterMap(c.Opportunities, func(tag string, _ int) (string, bool) {
		tag = normalizeTag(tag)
		return tag, tag != ""
	}))

	mentions := make([]models.Mention, 0, min(len(c.Mentions), models.MaxMentions))
	for _, m := range c.Mentions {
		if len(mentions) == models.MaxMentions {
			break
		}
		m.Excerpt = strings.TrimSpace(m.Excerpt)
		if m.Excerpt == "" {
			continue
		}
		m.ArtifactID = artifactID
		if m.SectionID == "" {
			m.SectionID = sectionID
		}
		mentions = append(mentions, m)
	}
	c.Mentions = mentions
	return c, true
}

// DedupeCandidates merges candidates whose canonical names are equal
// ignoring case. Aliases are unioned, mentions concatenated up to
// models.MaxMentions, url and twitter keep the first non-empty value and
// the longer description wins. First-seen order is kept.
func DedupeCandidates(cands []models.CandidateEntity) []models.CandidateEntity {
	var out []models.CandidateEntity
	index := make(map[string]int)

	for _, c := range cands {
		key := strings.ToLower(strings.TrimSpace(c.CanonicalName))
		if key == "" {
			continue
		}
		i, seen := index[key]
		if !seen {
			c.Aliases = models.UnionNames(c.CanonicalName, nil, c.Aliases...)
			c.Mentions = capMentions(slices.Clone(c.Mentions))
			c.Opportunities = slices.Clone(c.Opportunities)
			index[key] = len(out)
			out = append(out, c)
			continue
		}

		m := &out[i]
		m.Aliases = models.UnionNames(m.CanonicalName, m.Aliases, append([]string{c.CanonicalName}, c.Aliases...)...)
		m.Mentions = capMentions(append(m.Mentions, c.Mentions...))
		m.URL = models.FirstNonEmpty(m.URL, c.URL)
		m.Twitter = models.FirstNonEmpty(m.Twitter, c.Twitter)
		m.Description = models.LongerString(m.Description, c.Description)
		m.Opportunities = lo.Uniq(append(m.Opportunities, c.Opportunities...))
		if m.Type == models.DefaultEntityType && c.Type != "" {
			m.Type = c.Type
		}
	}
	return out
}

func capMentions(m []models.Mention) []models.Mention {
	if len(m) > models.MaxMentions {
		return m[:models.MaxMentions]
	}
	return m
}

// Ingest dedupes a batch, upserts the entities and records, per source
// document, its appearances and its co-occurring entity set. Each document
// replaces what it recorded on an earlier ingest, so running a document
// through again only moves the counts by what changed. Candidates whose slug
// belongs to a merged entity land on the merge target.
//
// Every store write is idempotent and retried.
func (r *EntityRegistry) Ingest(ctx context.Context, mode, jobID string, batch []DocumentCandidates) (*IngestResult, error) {
	var all []models.CandidateEntity
	for _, d := range batch {
		all = append(all, d.Candidates...)
	}
	deduped := DedupeCandidates(all)
	res := &IngestResult{Documents: len(batch), Candidates: deduped}

	docs := lo.Map(batch, func(d DocumentCandidates, _ int) string { return d.Artifact.ID })
	ids := make(map[string]string, len(deduped))
	apps := make(map[string][]models.EntityAppearance, len(batch))
	for _, c := range deduped {
		e, err := r.upsertCandidate(ctx, mode, jobID, c)
		if err != nil {
			return nil, err
		}
		ids[strings.ToLower(c.CanonicalName)] = e.ID
		res.EntityIDs = append(res.EntityIDs, e.ID)

		for _, m := range c.Mentions {
			if _, ok := apps[m.ArtifactID]; !ok && !slices.Contains(docs, m.ArtifactID) {
				docs = append(docs, m.ArtifactID)
			}
			apps[m.ArtifactID] = append(apps[m.ArtifactID], models.EntityAppearance{
				EntityID:   e.ID,
				ArtifactID: m.ArtifactID,
				JobID:      jobID,
				SectionID:  m.SectionID,
				Excerpt:    m.Excerpt,
				Sentiment:  m.Sentiment,
			})
			res.Appearances++
		}
	}
	res.EntityIDs = lo.Uniq(res.EntityIDs)

	for _, artifactID := range docs {
		err := retry.Do(ctx, r.policy, appearancesCall, func(ctx context.Context) error {
			return r.store.ReplaceAppearances(ctx, mode, artifactID, apps[artifactID])
		})
		if err != nil {
			return nil, fmt.Errorf("appearances for %s: %w", artifactID, err)
		}
	}

	for _, d := range batch {
		docIDs := lo.Uniq(lo.FilterMap(d.Candidates, func(c models.CandidateEntity, _ int) (string, bool) {
			id, ok := ids[strings.ToLower(strings.TrimSpace(c.CanonicalName))]
			return id, ok
		}))
		n, err := r.recordDocument(ctx, mode, d.Artifact.ID, docIDs)
		if err != nil {
			return nil, fmt.Errorf("co-occurrence for %s: %w", d.Artifact.ID, err)
		}
		res.Pairs += n
	}

	slog.Info("entities ingested",
		"mode", mode,
		"job_id", jobID,
		"documents", res.Documents,
		"entities", len(res.EntityIDs),
		"appearances", res.Appearances,
		"pairs", res.Pairs)
	return res, nil
}

func (r *EntityRegistry) upsertCandidate(ctx context.Context, mode, jobID string, c models.CandidateEntity) (*models.Entity, error) {
	slug := models.Slugify(c.CanonicalName)

	existing, err := retry.Value(ctx, r.policy, lookupEntityCall, func(ctx context.Context) (*models.Entity, error) {
		return r.store.GetEntity(ctx, mode, models.EntityID(mode, slug))
	})
	switch {
	case err == nil && existing.ReviewStatus == models.ReviewMerged:
		target, err := r.resolve(ctx, mode, existing)
		if err != nil {
			return nil, err
		}
		slog.Debug("redirecting candidate to merge target", "name", c.CanonicalName, "target_id", target.ID)
		slug = target.Slug
	case err != nil && !errors.Is(err, failure.ErrNotFound):
		return nil, fmt.Errorf("lookup entity %q: %w", slug, err)
	}

	upsert := models.EntityUpsert{
		Slug:          slug,
		CanonicalName: c.CanonicalName,
		Aliases:       c.Aliases,
		Type:          models.NormalizeEntityType(mode, c.Type),
		Metadata: models.EntityMetadata{
			Description:   c.Description,
			URL:           c.URL,
			Twitter:       c.Twitter,
			Opportunities: c.Opportunities,
		},
		JobID: jobID,
	}
	e, err := retry.Value(ctx, r.policy, upsertEntityCall, func(ctx context.Context) (*models.Entity, error) {
		return r.store.UpsertEntity(ctx, mode, upsert)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert entity %q: %w", slug, err)
	}
	return e, nil
}

// recordDocument stores the entity set of one artifact and moves the
// co-occurrence counts by the difference from the set it recorded before.
// The read and the write are retried together: a write that landed before a
// lost reply is seen by the next read and yields no further change.
func (r *EntityRegistry) recordDocument(ctx context.Context, mode, artifactID string, next []string) (int, error) {
	edges, err := retry.Value(ctx, r.policy, documentEntitiesCall, func(ctx context.Context) ([]models.EntityRelation, error) {
		prev, err := r.store.DocumentEntities(ctx, mode, artifactID)
		if err != nil {
			return nil, err
		}
		resolved, err := r.resolveIDs(ctx, mode, prev)
		if err != nil {
			return nil, err
		}
		return r.store.ReplaceDocumentEntities(ctx, mode, models.DocumentEntities{
			ArtifactID: artifactID,
			Previous:   prev,
			Entities:   next,
			Pairs:      PairDeltas(resolved, next),
		})
	})
	if err != nil {
		return 0, err
	}
	if err := checkHalfEdges(edges); err != nil {
		return 0, err
	}
	return len(next) * (len(next) - 1) / 2, nil
}

// resolveIDs maps ids onto their merge targets. A merge since the last
// ingest folded the old edges into the target, so that is where they are
// taken back from.
func (r *EntityRegistry) resolveIDs(ctx context.Context, mode string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		e, err := r.store.GetEntity(ctx, mode, id)
		if errors.Is(err, failure.ErrNotFound) {
			out = append(out, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if e, err = r.resolve(ctx, mode, e); err != nil {
			return nil, err
		}
		out = append(out, e.ID)
	}
	return lo.Uniq(out), nil
}

// PairDeltas is the co-occurrence change from prev to next: +1 for every
// unordered pair only in next, -1 for every pair only in prev. Pairs come
// out in the order of next, then prev.
func PairDeltas(prev, next []string) []models.PairDelta {
	type pair struct{ a, b string }
	pairsOf := func(ids []string) []pair {
		ids = lo.Uniq(ids)
		var out []pair
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				out = append(out, pair{a, b})
			}
		}
		return out
	}
	key := func(p pair) pair {
		if p.a > p.b {
			return pair{p.b, p.a}
		}
		return p
	}

	before, after := pairsOf(prev), pairsOf(next)
	had := lo.SliceToMap(before, func(p pair) (pair, bool) { return key(p), true })
	has := lo.SliceToMap(after, func(p pair) (pair, bool) { return key(p), true })

	var out []models.PairDelta
	for _, p := range after {
		if !had[key(p)] {
			out = append(out, models.PairDelta{A: p.a, B: p.b, Delta: 1})
		}
	}
	for _, p := range before {
		if !has[key(p)] {
			out = append(out, models.PairDelta{A: p.a, B: p.b, Delta: -1})
		}
	}
	return out
}

// checkHalfEdges verifies that every returned half-edge has a twin with the
// same count.
func checkHalfEdges(edges []models.EntityRelation) error {
	counts := make(map[[2]string]int, len(edges))
	for _, e := range edges {
		counts[[2]string{e.FromID, e.ToID}] = e.Count
	}
	for k, ab := range counts {
		if ba := counts[[2]string{k[1], k[0]}]; ab != ba {
			return fmt.Errorf("%w: %s→%s=%d, %s→%s=%d", ErrRelationInvariant, k[0], k[1], ab, k[1], k[0], ba)
		}
	}
	return nil
}
