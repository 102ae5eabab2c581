package research

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// TavilyEndpoint is the Tavily search API.
const TavilyEndpoint = "https://api.tavily.com/search"

// TavilyClient runs web search with an answer summary through Tavily.
type TavilyClient struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ Provider = (*TavilyClient)(nil)

// NewTavilyClient creates a Tavily client. An empty endpoint uses TavilyEndpoint.
func NewTavilyClient(apiKey, endpoint string) (*TavilyClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key required for Tavily")
	}
	if endpoint == "" {
		endpoint = TavilyEndpoint
	}
	return &TavilyClient{apiKey: apiKey, endpoint: endpoint, client: newHTTPClient()}, nil
}

func (c *TavilyClient) Name() string { return failure.ProviderTavily }

type tavilyRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Research queries Tavily and returns its answer followed by the sources.
func (c *TavilyClient) Research(ctx context.Context, q Query) (string, error) {
	req := tavilyRequest{Query: q.SearchText(), SearchDepth: "advanced", MaxResults: 8, IncludeAnswer: true}

	var resp tavilyResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := postJSON(ctx, c.client, c.Name(), c.endpoint, headers, req, &resp); err != nil {
		return "", err
	}
	if resp.Answer == "" && len(resp.Results) == 0 {
		return "", fmt.Errorf("tavily: empty response for %q", req.Query)
	}

	var b strings.Builder
	if resp.Answer != "" {
		b.WriteString(resp.Answer + "\n\n")
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- [%s](%s): %s\n", r.Title, r.URL, strings.ReplaceAll(strings.TrimSpace(r.Content), "\n", " "))
	}
	return b.String(), nil
}
