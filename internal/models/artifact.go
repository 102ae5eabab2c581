package models

import "time"

// ArtifactType names a generated document kind. A job holds at most one
// artifact per type.
type ArtifactType string

const (
	ArtifactCleanedTranscript  ArtifactType = "cleaned_transcript"
	ArtifactBrief              ArtifactType = "brief"
	ArtifactStrategicQuestions ArtifactType = "strategic_questions"
	ArtifactNarrativeResearch  ArtifactType = "narrative_research"
	ArtifactEntitySet          ArtifactType = "entity_set"
	ArtifactSiteConfig         ArtifactType = "site_config"
)

// IsDocument reports whether the artifact is a markdown document that gets
// published as a page and scanned for entities.
func (t ArtifactType) IsDocument() bool {
	switch t {
	case ArtifactCleanedTranscript, ArtifactBrief, ArtifactStrategicQuestions, ArtifactNarrativeResearch:
		return true
	}
	return false
}

// Artifact is a document produced by a job.
type Artifact struct {
	ID              string       `json:"id"`
	Mode            string       `json:"mode"`
	JobID           string       `json:"job_id"`
	Type            ArtifactType `json:"type"`
	Title           string       `json:"title,omitempty"`
	Content         string       `json:"content"`
	Sections        []Section    `json:"sections,omitempty"`
	OriginalContent *string      `json:"original_content,omitempty"`
	LastEditedAt    *time.Time   `json:"last_edited_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Edited reports whether a human or a section regeneration changed the artifact.
func (a *Artifact) Edited() bool {
	return a.LastEditedAt != nil
}

// Section is a header-delimited slice of an artifact. Level 0 is the intro
// block before the first header.
type Section struct {
	ID              string     `json:"id"`
	Header          string     `json:"header"`
	Level           int        `json:"level"`
	Content         string     `json:"content"`
	StartLine       int        `json:"start_line"`
	EndLine         int        `json:"end_line"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	OriginalContent *string    `json:"original_content,omitempty"`
}
