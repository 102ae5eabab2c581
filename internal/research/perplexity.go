package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// PerplexityBaseURL is Perplexity's OpenAI-compatible API.
const PerplexityBaseURL = "https://api.perplexity.ai"

// PerplexityClient asks Perplexity's online models for a cited answer.
type PerplexityClient struct {
	llm llms.Model
}

var _ Provider = (*PerplexityClient)(nil)

// NewPerplexityClient creates a client over the OpenAI-compatible endpoint.
// An empty baseURL uses PerplexityBaseURL.
func NewPerplexityClient(apiKey, model, baseURL string) (*PerplexityClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key required for Perplexity")
	}
	if baseURL == "" {
		baseURL = PerplexityBaseURL
	}
	m, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithBaseURL(baseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create perplexity client: %w", err)
	}
	return &PerplexityClient{llm: m}, nil
}

func (c *PerplexityClient) Name() string { return failure.ProviderPerplexity }

// Research asks for a sourced overview of the topic and entities.
func (c *PerplexityClient) Research(ctx context.Context, q Query) (string, error) {
	system := `You are a research assistant with web access. Report recent, verifiable facts with source links.
Cover funding, products, leadership, market position and recent news where relevant.`

	var user strings.Builder
	fmt.Fprintf(&user, "Research topic: %s\n", q.Topic)
	if len(q.Entities) > 0 {
		fmt.Fprintf(&user, "Focus entities: %s\n", strings.Join(q.Entities, ", "))
	}
	if q.Context != "" {
		fmt.Fprintf(&user, "\nMeeting context:\n%s\n", q.Context)
	}

	resp, err := c.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user.String()),
	})
	if err != nil {
		return "", fmt.Errorf("perplexity: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", fmt.Errorf("perplexity: empty response")
	}
	return resp.Choices[0].Content, nil
}
