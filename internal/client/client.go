// Package client is the HTTP client for the minutegraph API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Client talks to one server, scoped to one mode.
type Client struct {
	baseURL    string
	mode       string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, uses MINUTEGRAPH_SERVER_URL or
// defaults to localhost:8080. Timeout can be configured via
// MINUTEGRAPH_CLIENT_TIMEOUT (default 5m for section regeneration).
func New(baseURL, mode string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("MINUTEGRAPH_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	timeout := 5 * time.Minute
	if t := os.Getenv("MINUTEGRAPH_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		mode:       mode,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Mode returns the mode every call is scoped to.
func (c *Client) Mode() string { return c.mode }

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) path(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return "/api/" + url.PathEscape(c.mode) + fmt.Sprintf(format, escaped...)
}

// do sends body as JSON and decodes the reply into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message, apiErr.Kind = payload.Error, payload.Kind
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// JOBS
// =============================================================================

// CreateJobInput is a new submission.
type CreateJobInput struct {
	Workflow       string           `json:"workflow"`
	TranscriptPath string           `json:"transcript_path"`
	Config         models.JobConfig `json:"config"`
}

// CreateJob submits a transcript.
func (c *Client) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, c.path("/jobs"), in, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, c.path("/jobs/%s", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs, optionally narrowed to statuses.
func (c *Client) ListJobs(ctx context.Context, statuses []string, limit int) ([]models.Job, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, withQuery(c.path("/jobs"), q), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// JobAction runs cancel, retry, regenerate or resume.
func (c *Client) JobAction(ctx context.Context, id, action string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, c.path("/jobs/%s/%s", id, action), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListArtifacts lists a job's artifacts.
func (c *Client) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	if err := c.do(ctx, http.MethodGet, c.path("/jobs/%s/artifacts", jobID), nil, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// WatchJob streams job events until the job completes or fails, ctx is
// done or onEvent returns an error.
func (c *Client) WatchJob(ctx context.Context, id string, onEvent func(events.Event) error) error {
	wsURL := c.baseURL + c.path("/jobs/%s/watch", id)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("job %q not found", id)}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}

// =============================================================================
// ENTITIES
// =============================================================================

// ListEntitiesOptions filters ListEntities.
type ListEntitiesOptions struct {
	Type         string
	ReviewStatus string
	Limit        int
}

// ListEntities lists entities in creation order.
func (c *Client) ListEntities(ctx context.Context, opts ListEntitiesOptions) ([]models.Entity, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.ReviewStatus != "" {
		q.Set("review_status", opts.ReviewStatus)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var entities []models.Entity
	if err := c.do(ctx, http.MethodGet, withQuery(c.path("/entities"), q), nil, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// GetEntity fetches one entity.
func (c *Client) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	var e models.Entity
	if err := c.do(ctx, http.MethodGet, c.path("/entities/%s", id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Suggestion is a possible duplicate returned by the server.
type Suggestion struct {
	Entity     models.Entity `json:"entity"`
	Similarity float64       `json:"similarity"`
}

// Approve approves an entity and returns its likely duplicates.
func (c *Client) Approve(ctx context.Context, id string) (*models.Entity, []Suggestion, error) {
	var resp struct {
		Entity      *models.Entity `json:"entity"`
		Suggestions []Suggestion   `json:"suggestions"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("/entities/%s/approve", id), nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Entity, resp.Suggestions, nil
}

// Reject rejects an entity.
func (c *Client) Reject(ctx context.Context, id string) (*models.Entity, error) {
	var e models.Entity
	if err := c.do(ctx, http.MethodPost, c.path("/entities/%s/reject", id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Merge folds source into target, optionally renaming the target.
func (c *Client) Merge(ctx context.Context, sourceID, targetID string, rename *string) (*models.Entity, error) {
	body := map[string]any{"target_id": targetID}
	if rename != nil {
		body["rename"] = *rename
	}
	var e models.Entity
	if err := c.do(ctx, http.MethodPost, c.path("/entities/%s/merge", sourceID), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Related returns the top k co-occurring entities.
func (c *Client) Related(ctx context.Context, id string, k int) ([]models.RelatedEntity, error) {
	var related []models.RelatedEntity
	path := withQuery(c.path("/entities/%s/related", id), url.Values{"k": {strconv.Itoa(k)}})
	if err := c.do(ctx, http.MethodGet, path, nil, &related); err != nil {
		return nil, err
	}
	return related, nil
}

// Suggestions returns likely duplicates of id.
func (c *Client) Suggestions(ctx context.Context, id string) ([]Suggestion, error) {
	var out []Suggestion
	if err := c.do(ctx, http.MethodGet, c.path("/entities/%s/suggestions", id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Opportunity returns the entities filed under tag.
func (c *Client) Opportunity(ctx context.Context, tag string) ([]models.Entity, error) {
	var out []models.Entity
	if err := c.do(ctx, http.MethodGet, c.path("/opportunities/%s", tag), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rebuild recomputes a derived index: "opportunities" or "backlinks".
func (c *Client) Rebuild(ctx context.Context, index string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("/%s/rebuild", index), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// =============================================================================
// ARTIFACTS AND SECTIONS
// =============================================================================

// GetArtifact fetches one artifact.
func (c *Client) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	var a models.Artifact
	if err := c.do(ctx, http.MethodGet, c.path("/artifacts/%s", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// RelatedDocuments returns the top k documents sharing entities with id.
func (c *Client) RelatedDocuments(ctx context.Context, id string, k int) ([]models.Backlink, error) {
	var links []models.Backlink
	path := withQuery(c.path("/artifacts/%s/related", id), url.Values{"k": {strconv.Itoa(k)}})
	if err := c.do(ctx, http.MethodGet, path, nil, &links); err != nil {
		return nil, err
	}
	return links, nil
}

// ListSections returns the sections of an artifact.
func (c *Client) ListSections(ctx context.Context, artifactID string) ([]models.Section, error) {
	var sections []models.Section
	if err := c.do(ctx, http.MethodGet, c.path("/artifacts/%s/sections", artifactID), nil, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

// EditSection replaces a section body by hand.
func (c *Client) EditSection(ctx context.Context, artifactID, sectionID, content string) (*models.Artifact, error) {
	var a models.Artifact
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, c.path("/artifacts/%s/sections/%s", artifactID, sectionID), body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// RegenerateSection rewrites a section with the generation provider.
func (c *Client) RegenerateSection(ctx context.Context, artifactID, sectionID, instructions string) (*models.Artifact, error) {
	var a models.Artifact
	body := map[string]string{"instructions": instructions}
	if err := c.do(ctx, http.MethodPost, c.path("/artifacts/%s/sections/%s/regenerate", artifactID, sectionID), body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
