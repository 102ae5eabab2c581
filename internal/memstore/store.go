// Package memstore is an in-memory implementation of the pipeline store.
// It backs the unit tests and the --memory development mode. All records are
// copied on the way in and out, so callers never share state with the store.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

type key struct{ mode, id string }

type edgeKey struct{ mode, from, to string }

// Store keeps every record behind one mutex. Multi-record operations such as
// MergeEntities run under a single lock and are therefore atomic.
type Store struct {
	mu            sync.RWMutex
	jobs          map[key]models.Job
	artifacts     map[key]models.Artifact
	entities      map[key]models.Entity
	appearances   []models.EntityAppearance
	edges         map[edgeKey]models.EntityRelation
	edgeSeq       int64
	docs          map[key][]string
	opportunities map[string]map[string][]string
	backlinks     map[string][]models.Backlink
	now           func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:          map[key]models.Job{},
		artifacts:     map[key]models.Artifact{},
		entities:      map[key]models.Entity{},
		edges:         map[edgeKey]models.EntityRelation{},
		docs:          map[key][]string{},
		opportunities: map[string]map[string][]string{},
		backlinks:     map[string][]models.Backlink{},
		now:           time.Now,
	}
}

// Jobs

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = models.NewID()
	}
	k := key{job.Mode, job.ID}
	if _, ok := s.jobs[k]; ok {
		return failure.Conflict("create", "job", "exists")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	s.jobs[k] = cloneJob(*job)
	return nil
}

func (s *Store) GetJob(_ context.Context, mode, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[key{mode, id}]
	if !ok {
		return nil, failure.NotFound("job", id)
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *Store) ListJobs(_ context.Context, mode string, filter models.JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for k, job := range s.jobs {
		if k.mode != mode {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{job.Mode, job.ID}
	stored, ok := s.jobs[k]
	if !ok {
		return failure.NotFound("job", job.ID)
	}
	if stored.Version != job.Version {
		return failure.ErrStaleWrite
	}
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[k] = cloneJob(*job)
	return nil
}

// Artifacts

func (s *Store) SaveArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, existing := range s.artifacts {
		if k.mode == a.Mode && existing.JobID == a.JobID && existing.Type == a.Type {
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			a.UpdatedAt = now
			s.artifacts[k] = cloneArtifact(*a)
			return nil
		}
	}
	if a.ID == "" {
		a.ID = models.NewID()
	}
	a.CreatedAt, a.UpdatedAt = now, now
	s.artifacts[key{a.Mode, a.ID}] = cloneArtifact(*a)
	return nil
}

func (s *Store) UpdateArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{a.Mode, a.ID}
	if _, ok := s.artifacts[k]; !ok {
		return failure.NotFound("artifact", a.ID)
	}
	a.UpdatedAt = s.now()
	s.artifacts[k] = cloneArtifact(*a)
	return nil
}

func (s *Store) GetArtifact(_ context.Context, mode, id string) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[key{mode, id}]
	if !ok {
		return nil, failure.NotFound("artifact", id)
	}
	out := cloneArtifact(a)
	return &out, nil
}

func (s *Store) ListArtifacts(_ context.Context, mode, jobID string) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Artifact
	for k, a := range s.artifacts {
		if k.mode == mode && a.JobID == jobID {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteArtifacts(_ context.Context, mode, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, a := range s.artifacts {
		if k.mode == mode && a.JobID == jobID {
			delete(s.artifacts, k)
			n++
		}
	}
	return n, nil
}

// Entities

func (s *Store) UpsertEntity(_ context.Context, mode string, u models.EntityUpsert) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := key{mode, models.EntityID(mode, u.Slug)}
	e, ok := s.entities[k]
	if !ok {
		e = models.Entity{
			ID:              k.id,
			Mode:            mode,
			Slug:            u.Slug,
			CanonicalName:   u.CanonicalName,
			Aliases:         models.UnionNames(u.CanonicalName, nil, u.Aliases...),
			Type:            u.Type,
			Metadata:        u.Metadata,
			ReviewStatus:    models.ReviewPending,
			ExtractionJobID: u.JobID,
			CreatedAt:       now,
		}
	} else {
		e = models.ApplyUpsert(e, u)
	}
	e.UpdatedAt = now
	s.entities[k] = cloneEntity(e)
	out := cloneEntity(e)
	return &out, nil
}

func (s *Store) GetEntity(_ context.Context, mode, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[key{mode, id}]
	if !ok {
		return nil, failure.NotFound("entity", id)
	}
	out := cloneEntity(e)
	return &out, nil
}

func (s *Store) ListEntities(_ context.Context, mode string, filter models.EntityFilter) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Entity
	for k, e := range s.entities {
		if k.mode != mode {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.ReviewStatus != "" && e.ReviewStatus != filter.ReviewStatus {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Slug < out[j].Slug
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetReviewStatus changes the review status unless the entity has been
// merged, which is final.
func (s *Store) SetReviewStatus(_ context.Context, mode, id string, status models.ReviewStatus) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{mode, id}
	e, ok := s.entities[k]
	if !ok {
		return nil, failure.NotFound("entity", id)
	}
	if e.ReviewStatus == models.ReviewMerged {
		return nil, failure.Conflict("review", "entity", string(e.ReviewStatus))
	}
	e.ReviewStatus = status
	e.UpdatedAt = s.now()
	s.entities[k] = e
	out := cloneEntity(e)
	return &out, nil
}

// Appearances and relations

// ReplaceAppearances swaps the appearances recorded for one artifact and
// moves each entity's appearance count by the difference.
func (s *Store) ReplaceAppearances(_ context.Context, mode, artifactID string, apps []models.EntityAppearance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := make(map[string]int)
	kept := make([]models.EntityAppearance, 0, len(s.appearances)+len(apps))
	for _, a := range s.appearances {
		if a.Mode == mode && a.ArtifactID == artifactID {
			delta[a.EntityID]--
			continue
		}
		kept = append(kept, a)
	}

	now := s.now()
	for _, a := range apps {
		if a.ID == "" {
			a.ID = models.NewID()
		}
		a.Mode = mode
		a.ArtifactID = artifactID
		a.CreatedAt = now
		a.ArtifactType, a.ArtifactTitle = "", ""
		kept = append(kept, a)
		delta[a.EntityID]++
	}
	s.appearances = kept

	for id, d := range delta {
		k := key{mode, id}
		e, ok := s.entities[k]
		if !ok || d == 0 {
			continue
		}
		e.AppearanceCount = max(e.AppearanceCount+d, 0)
		e.UpdatedAt = now
		s.entities[k] = e
	}
	return nil
}

func (s *Store) ListAppearances(_ context.Context, mode, entityID string) ([]models.EntityAppearance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EntityAppearance
	for _, a := range s.appearances {
		if a.Mode == mode && a.EntityID == entityID {
			out = append(out, s.joinArtifact(a))
		}
	}
	return out, nil
}

func (s *Store) ListAllAppearances(_ context.Context, mode string) ([]models.EntityAppearance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EntityAppearance
	for _, a := range s.appearances {
		if a.Mode == mode {
			out = append(out, s.joinArtifact(a))
		}
	}
	return out, nil
}

// joinArtifact fills the artifact fields of a, if the artifact still exists.
// Caller holds the lock.
func (s *Store) joinArtifact(a models.EntityAppearance) models.EntityAppearance {
	if art, ok := s.artifacts[key{a.Mode, a.ArtifactID}]; ok {
		a.ArtifactType, a.ArtifactTitle = art.Type, art.Title
	}
	return a
}

// bumpEdge adds delta to from→to, creating the half-edge first. A half-edge
// that drops to zero is removed. Caller holds the lock.
func (s *Store) bumpEdge(mode, from, to string, delta int) int {
	k := edgeKey{mode, from, to}
	e, ok := s.edges[k]
	if !ok {
		s.edgeSeq++
		e = models.EntityRelation{Mode: mode, FromID: from, ToID: to, Seq: s.edgeSeq, CreatedAt: s.now()}
	}
	e.Count += delta
	if e.Count <= 0 {
		delete(s.edges, k)
		return 0
	}
	s.edges[k] = e
	return e.Count
}

func (s *Store) DocumentEntities(_ context.Context, mode, artifactID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.docs[key{mode, artifactID}]), nil
}

// ReplaceDocumentEntities records u.Entities for the artifact and applies
// the pair deltas to both half-edges. It fails with failure.ErrStaleWrite
// when the recorded set is no longer u.Previous, so a repeated call cannot
// count twice.
func (s *Store) ReplaceDocumentEntities(_ context.Context, mode string, u models.DocumentEntities) ([]models.EntityRelation, error) {
	for _, p := range u.Pairs {
		if p.A == p.B {
			return nil, failure.Invalid("entity", "an entity cannot co-occur with itself")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{mode, u.ArtifactID}
	if !slices.Equal(s.docs[k], u.Previous) {
		return nil, failure.ErrStaleWrite
	}
	for _, p := range u.Pairs {
		s.bumpEdge(mode, p.A, p.B, p.Delta)
		s.bumpEdge(mode, p.B, p.A, p.Delta)
	}
	s.docs[k] = slices.Clone(u.Entities)

	var out []models.EntityRelation
	for _, p := range u.Pairs {
		for _, ek := range []edgeKey{{mode, p.A, p.B}, {mode, p.B, p.A}} {
			if e, ok := s.edges[ek]; ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *Store) ListRelations(_ context.Context, mode, entityID string) ([]models.EntityRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EntityRelation
	for k, e := range s.edges {
		if k.mode == mode && k.from == entityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) MergeEntities(_ context.Context, mode string, req models.MergeRequest) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.entities[key{mode, req.SourceID}]
	if !ok {
		return nil, failure.NotFound("entity", req.SourceID)
	}
	target, ok := s.entities[key{mode, req.TargetID}]
	if !ok {
		return nil, failure.NotFound("entity", req.TargetID)
	}
	if source.ReviewStatus == models.ReviewMerged {
		if source.MergedIntoID != nil && *source.MergedIntoID == target.ID {
			out := cloneEntity(target)
			return &out, nil
		}
		return nil, failure.Conflict("merge", "entity", string(source.ReviewStatus))
	}
	if target.ReviewStatus == models.ReviewMerged {
		return nil, failure.Conflict("merge into", "entity", string(target.ReviewStatus))
	}

	for i := range s.appearances {
		a := &s.appearances[i]
		if a.Mode == mode && a.EntityID == source.ID {
			a.EntityID = target.ID
		}
	}

	for k, e := range s.edges {
		if k.mode != mode || k.from != source.ID {
			continue
		}
		if k.to != target.ID {
			s.bumpEdge(mode, target.ID, k.to, e.Count)
			s.bumpEdge(mode, k.to, target.ID, e.Count)
		}
		delete(s.edges, k)
		delete(s.edges, edgeKey{mode, k.to, source.ID})
	}

	now := s.now()
	merged := models.MergedTarget(target, source, req.Rename)
	merged.UpdatedAt = now
	s.entities[key{mode, target.ID}] = cloneEntity(merged)

	targetID := target.ID
	source.ReviewStatus = models.ReviewMerged
	source.MergedIntoID = &targetID
	source.UpdatedAt = now
	s.entities[key{mode, source.ID}] = source

	out := cloneEntity(merged)
	return &out, nil
}

// Derived indexes

func (s *Store) ReplaceOpportunityIndex(_ context.Context, mode string, index map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string][]string, len(index))
	for tag, ids := range index {
		copied[strings.ToLower(tag)] = slices.Clone(ids)
	}
	s.opportunities[mode] = copied
	return nil
}

func (s *Store) EntitiesForOpportunity(_ context.Context, mode, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.opportunities[mode][strings.ToLower(tag)]), nil
}

func (s *Store) ReplaceBacklinks(_ context.Context, mode string, links []models.Backlink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backlinks[mode] = slices.Clone(links)
	return nil
}

func (s *Store) ListBacklinks(_ context.Context, mode, artifactID string) ([]models.Backlink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Backlink
	for _, l := range s.backlinks[mode] {
		if l.ArtifactID == artifactID {
			out = append(out, l)
		}
	}
	return out, nil
}

func cloneJob(j models.Job) models.Job {
	j.Config.Options = cloneMap(j.Config.Options)
	j.Config.ResearchEntities = slices.Clone(j.Config.ResearchEntities)
	if j.Config.Regeneration != nil {
		r := *j.Config.Regeneration
		r.EditedArtifactIDs = slices.Clone(r.EditedArtifactIDs)
		r.EditedArtifactTypes = slices.Clone(r.EditedArtifactTypes)
		j.Config.Regeneration = &r
	}
	return j
}

func cloneArtifact(a models.Artifact) models.Artifact {
	a.Sections = slices.Clone(a.Sections)
	return a
}

func cloneEntity(e models.Entity) models.Entity {
	e.Aliases = slices.Clone(e.Aliases)
	e.Metadata.Opportunities = slices.Clone(e.Metadata.Opportunities)
	return e
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
