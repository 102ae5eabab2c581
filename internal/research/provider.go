// Package research holds the external research provider adapters.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxEntities caps the entity names sent to providers.
const MaxEntities = 5

// Query is what every provider is asked.
type Query struct {
	Topic    string
	Entities []string
	Context  string // prior brief
}

// Normalize trims the query and caps Entities at MaxEntities.
func (q Query) Normalize() Query {
	q.Topic = strings.TrimSpace(q.Topic)
	var entities []string
	for _, e := range q.Entities {
		if e = strings.TrimSpace(e); e != "" {
			entities = append(entities, e)
		}
		if len(entities) == MaxEntities {
			break
		}
	}
	q.Entities = entities
	return q
}

// SearchText is the single-line query used by search-style providers.
func (q Query) SearchText() string {
	if len(q.Entities) == 0 {
		return q.Topic
	}
	return q.Topic + " " + strings.Join(q.Entities, " ")
}

// Provider is one external research source.
type Provider interface {
	Name() string
	Research(ctx context.Context, q Query) (string, error)
}

// statusError is a non-2xx response. Client errors other than 408/429 are
// permanent.
type statusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *statusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &statusError{Provider: provider, Status: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
