package research

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// ExaEndpoint is the Exa search API.
const ExaEndpoint = "https://api.exa.ai/search"

// ExaClient runs neural web search through Exa.
type ExaClient struct {
	apiKey     string
	endpoint   string
	numResults int
	client     *http.Client
}

var _ Provider = (*ExaClient)(nil)

// NewExaClient creates an Exa client. An empty endpoint uses ExaEndpoint.
func NewExaClient(apiKey, endpoint string) (*ExaClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key required for Exa")
	}
	if endpoint == "" {
		endpoint = ExaEndpoint
	}
	return &ExaClient{apiKey: apiKey, endpoint: endpoint, numResults: 8, client: newHTTPClient()}, nil
}

func (c *ExaClient) Name() string { return failure.ProviderExa }

type exaRequest struct {
	Query      string      `json:"query"`
	NumResults int         `json:"numResults"`
	Type       string      `json:"type"`
	Contents   exaContents `json:"contents"`
}

type exaContents struct {
	Text struct {
		MaxCharacters int `json:"maxCharacters"`
	} `json:"text"`
}

type exaResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		PublishedDate string `json:"publishedDate"`
		Text          string `json:"text"`
	} `json:"results"`
}

// Research searches Exa and renders the hits as Markdown.
func (c *ExaClient) Research(ctx context.Context, q Query) (string, error) {
	req := exaRequest{Query: q.SearchText(), NumResults: c.numResults, Type: "auto"}
	req.Contents.Text.MaxCharacters = 1500

	var resp exaResponse
	if err := postJSON(ctx, c.client, c.Name(), c.endpoint, map[string]string{"x-api-key": c.apiKey}, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("exa: no results for %q", req.Query)
	}

	var b strings.Builder
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- [%s](%s)", r.Title, r.URL)
		if r.PublishedDate != "" {
			fmt.Fprintf(&b, " (%s)", r.PublishedDate)
		}
		b.WriteString("\n")
		if text := strings.TrimSpace(r.Text); text != "" {
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(text, "\n", " "))
		}
	}
	return b.String(), nil
}
