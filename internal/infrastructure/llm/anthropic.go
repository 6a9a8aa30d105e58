package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

// AnthropicProvider implements ports.LLMProvider using the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	name   string
	model  string
	scale  float64
}

var _ ports.LLMProvider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates a provider; a configured endpoint overrides the API base URL.
func NewAnthropicProvider(cfg config.ProviderConfig, timeout time.Duration, scale float64) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		client: &client,
		name:   cfg.Name,
		model:  cfg.Model,
		scale:  scale,
	}
}

// Name identifies the provider in logs, metrics and stored analyses.
func (c *AnthropicProvider) Name() string {
	return c.name
}

// Analyze sends the paper to Claude and parses the JSON reply.
func (c *AnthropicProvider) Analyze(ctx context.Context, title, abstract string) (ports.AnalysisResult, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(title, abstract, c.scale))),
		},
	})
	if err != nil {
		return ports.AnalysisResult{}, &domain.ProviderError{Provider: c.name, Kind: anthropicKind(ctx, err), Err: err}
	}

	var responseText string
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}
	if responseText == "" {
		return ports.AnalysisResult{}, malformed(c.name, errors.New("empty response"))
	}

	return ParseAnalysis(c.name, responseText, c.scale)
}

func anthropicKind(ctx context.Context, err error) domain.ErrorKind {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusKind(apiErr.StatusCode)
	}
	return transportKind(ctx, err)
}
