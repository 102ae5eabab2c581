package models

import (
	"slices"
	"time"
)

// ReviewStatus is the human-review state of an entity.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewMerged   ReviewStatus = "merged"
)

// MaxMentions caps the excerpts kept per extracted candidate.
const MaxMentions = 5

// Entity is a named thing discovered across documents.
type Entity struct {
	ID              string         `json:"id"`
	Mode            string         `json:"mode"`
	Slug            string         `json:"slug"`
	CanonicalName   string         `json:"canonical_name"`
	Aliases         []string       `json:"aliases"`
	Type            string         `json:"type"`
	Metadata        EntityMetadata `json:"metadata"`
	ReviewStatus    ReviewStatus   `json:"review_status"`
	MergedIntoID    *string        `json:"merged_into_id,omitempty"`
	AppearanceCount int            `json:"appearance_count"`
	ExtractionJobID string         `json:"extraction_job_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EntityMetadata holds the free-form attributes of an entity.
type EntityMetadata struct {
	Description   string   `json:"description,omitempty"`
	URL           string   `json:"url,omitempty"`
	Twitter       string   `json:"twitter,omitempty"`
	Status        string   `json:"status,omitempty"`
	Owner         string   `json:"owner,omitempty"`
	Opportunities []string `json:"opportunities,omitempty"`
}

// Names returns the canonical name followed by the aliases.
func (e *Entity) Names() []string {
	return append([]string{e.CanonicalName}, e.Aliases...)
}

// Mention is one excerpt supporting an extracted candidate.
type Mention struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	SectionID  string `json:"section,omitempty"`
	Excerpt    string `json:"excerpt"`
	Sentiment  string `json:"sentiment,omitempty"`
}

// CandidateEntity is an extraction result before it is persisted.
type CandidateEntity struct {
	CanonicalName string    `json:"canonical_name"`
	Aliases       []string  `json:"aliases"`
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	URL           string    `json:"url"`
	Twitter       string    `json:"twitter"`
	Opportunities []string  `json:"opportunities"`
	Mentions      []Mention `json:"mentions"`
}

// EntityAppearance links an entity to a document that mentions it.
type EntityAppearance struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	EntityID   string    `json:"entity_id"`
	ArtifactID string    `json:"artifact_id"`
	JobID      string    `json:"job_id"`
	SectionID  string    `json:"section_id,omitempty"`
	Excerpt    string    `json:"excerpt"`
	Sentiment  string    `json:"sentiment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Filled on read from the joined artifact; empty once it is deleted.
	ArtifactType  ArtifactType `json:"artifact_type,omitempty"`
	ArtifactTitle string       `json:"artifact_title,omitempty"`
}

// EntityFilter narrows ListEntities. Zero values match all.
type EntityFilter struct {
	Type         string
	ReviewStatus ReviewStatus
	Limit        int
}

// EntityUpsert is what ingestion writes for one deduplicated candidate.
// Existing entities get aliases unioned, the longer description kept and
// empty url/twitter filled. Writing the same upsert twice changes nothing;
// appearance counts are maintained by the appearance records.
type EntityUpsert struct {
	Slug          string
	CanonicalName string
	Aliases       []string
	Type          string
	Metadata      EntityMetadata
	JobID         string
}

// MergeRequest folds Source into Target. Rename, when set, replaces the
// target's canonical name.
type MergeRequest struct {
	SourceID string
	TargetID string
	Rename   *string
}

// entityTypes is the closed type vocabulary per mode.
var entityTypes = map[string][]string{
	"work":      {"company", "person", "product", "project", "technology", "concept"},
	"investing": {"company", "person", "fund", "market", "technology", "concept"},
}

// Modes returns the known data partitions, sorted.
func Modes() []string {
	modes := make([]string, 0, len(entityTypes))
	for m := range entityTypes {
		modes = append(modes, m)
	}
	slices.Sort(modes)
	return modes
}

// DefaultEntityType is used for anything outside a mode's vocabulary.
const DefaultEntityType = "concept"

// EntityTypes returns the allowed types for mode; unknown modes use "work".
func EntityTypes(mode string) []string {
	if types, ok := entityTypes[mode]; ok {
		return types
	}
	return entityTypes["work"]
}

// NormalizeEntityType maps t into mode's vocabulary.
func NormalizeEntityType(mode, t string) string {
	if slices.Contains(EntityTypes(mode), t) {
		return t
	}
	return DefaultEntityType
}
