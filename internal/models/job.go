package models

import "time"

// JobStatus is the pipeline state of a job.
type JobStatus string

const (
	JobPending              JobStatus = "pending"
	JobGeneratingArtifacts  JobStatus = "generating_artifacts"
	JobExtractingEntities   JobStatus = "extracting_entities"
	JobAwaitingEntityReview JobStatus = "awaiting_entity_review"
	JobGeneratingSiteConfig JobStatus = "generating_site_config"
	JobBuilding             JobStatus = "building"
	JobDeploying            JobStatus = "deploying"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
	JobPendingRegeneration  JobStatus = "pending_regeneration"
)

// Stages lists the working states in pipeline order. A job's CurrentStage is
// an index into this slice.
var Stages = []JobStatus{
	JobGeneratingArtifacts,
	JobExtractingEntities,
	JobAwaitingEntityReview,
	JobGeneratingSiteConfig,
	JobBuilding,
	JobDeploying,
}

// Runnable lists the statuses a worker picks jobs up in: new jobs, queued
// regenerations and jobs released from entity review.
var Runnable = []JobStatus{
	JobPending,
	JobPendingRegeneration,
	JobGeneratingSiteConfig,
}

// StageIndex returns the position of status in Stages, or -1.
func StageIndex(status JobStatus) int {
	for i, s := range Stages {
		if s == status {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether no pipeline work happens in this status.
// Completed jobs can still move to pending_regeneration.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Workflow kinds and the artifacts each one generates before research.
const (
	WorkflowMeeting   = "meeting"
	WorkflowInterview = "interview"
)

var workflowArtifacts = map[string][]ArtifactType{
	WorkflowMeeting:   {ArtifactCleanedTranscript, ArtifactBrief, ArtifactStrategicQuestions},
	WorkflowInterview: {ArtifactCleanedTranscript, ArtifactBrief},
}

// WorkflowArtifacts returns the generated artifact types for a workflow.
func WorkflowArtifacts(workflow string) ([]ArtifactType, bool) {
	types, ok := workflowArtifacts[workflow]
	return types, ok
}

// Job is one run of the pipeline over one transcript.
type Job struct {
	ID             string     `json:"id"`
	Mode           string     `json:"mode"`
	Workflow       string     `json:"workflow"`
	Status         JobStatus  `json:"status"`
	CurrentStage   int        `json:"current_stage"`
	StageProgress  int        `json:"stage_progress"`
	TranscriptPath string     `json:"transcript_path"`
	Config         JobConfig  `json:"config"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Version increments on every write; stores reject stale writes.
	Version int `json:"version"`
}

// JobConfig is the mutable per-job settings blob.
type JobConfig struct {
	Title            string               `json:"title,omitempty"`
	Options          map[string]any       `json:"options,omitempty"`
	SkipEntityReview bool                 `json:"skip_entity_review,omitempty"`
	ResearchEntities []string             `json:"research_entities,omitempty"`
	Regeneration     *RegenerationRequest `json:"regeneration,omitempty"`
}

// RegenerationRequest records which artifacts were hand-edited when a
// regeneration was requested.
type RegenerationRequest struct {
	RequestedAt         time.Time      `json:"requested_at"`
	EditedArtifactIDs   []string       `json:"edited_artifact_ids"`
	EditedArtifactTypes []ArtifactType `json:"edited_artifact_types"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// JobFilter narrows ListJobs. Empty Statuses matches all.
type JobFilter struct {
	Statuses []JobStatus
	Limit    int
}
