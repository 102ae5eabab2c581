package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "minutegraph.jobs.work.awaiting_entity_review",
		Subject("minutegraph.jobs", "work", models.JobAwaitingEntityReview))
	assert.Equal(t, "p.*.pending", Subject("p", "*", models.JobPending))
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := models.Job{
		ID:           "j1",
		Mode:         "work",
		Workflow:     models.WorkflowMeeting,
		Status:       models.JobFailed,
		ErrorKind:    "provider_error",
		ErrorMessage: "boom",
		Version:      4,
		UpdatedAt:    at,
	}
	ev := NewEvent(job, models.JobBuilding)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "building", got["from"])
	assert.Equal(t, "failed", got["to"])
	assert.Equal(t, "provider_error", got["error_kind"])
	assert.EqualValues(t, 4, got["version"])
}
