// Package llm wraps langchaingo models for the pipeline's generation calls.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
)

// Model wraps a langchaingo model for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	metrics   *metrics.Collector
}

// NewModel creates a model for the configured provider.
func NewModel(ctx context.Context, cfg config.Config, m *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewWithModel(model, cfg.LLMModel, m), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, name string, m *metrics.Collector) *Model {
	return &Model{llm: model, modelName: name, metrics: m}
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// Generate runs one system+user prompt and returns the text of the first choice.
func (m *Model) Generate(ctx context.Context, p Prompt) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, p.System),
		llms.TextParts(llms.ChatMessageTypeHuman, p.User),
	}
	opts := []llms.CallOption{llms.WithMaxTokens(p.maxTokens())}
	if p.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		m.metrics.RecordLLMUsage(time.Since(start), 0, 0, err)
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		m.metrics.RecordLLMUsage(time.Since(start), 0, 0, errNoChoices)
		return "", failure.New(failure.KindInvalidResponse, errNoChoices)
	}

	choice := response.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	m.metrics.RecordLLMUsage(time.Since(start), in, out, nil)

	return choice.Content, nil
}

var errNoChoices = fmt.Errorf("no response choices")

// GenerateJSON runs a JSON prompt and decodes the reply into out. Replies
// that are not valid JSON come back as invalid_response.
func (m *Model) GenerateJSON(ctx context.Context, p Prompt, out any) error {
	p.JSON = true
	text, err := m.Generate(ctx, p)
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

// DecodeJSON extracts the outermost JSON object from text, tolerating code
// fences and prose around it.
func DecodeJSON(text string, out any) error {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.IndexAny(raw, "{[")
	end := strings.LastIndexAny(raw, "}]")
	if start < 0 || end < start {
		return failure.Newf(failure.KindInvalidResponse, "no JSON in response: %q", preview(text))
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), out); err != nil {
		return failure.Newf(failure.KindInvalidResponse, "decode JSON response: %v", err)
	}
	return nil
}

// tokenUsage reads token counts from provider-specific generation info.
func tokenUsage(info map[string]any) (int64, int64) {
	return firstInt(info, "InputTokens", "PromptTokens", "input_tokens"),
		firstInt(info, "OutputTokens", "CompletionTokens", "output_tokens")
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}

func preview(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
