package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

const systemPrompt = "You are a careful research assistant that answers with strict JSON."

// OpenAIProvider implements ports.LLMProvider against OpenAI-compatible chat completion APIs
// (DeepSeek, Kimi, Seed, GLM and OpenAI itself).
type OpenAIProvider struct {
	name       string
	endpoint   string
	model      string
	apiKey     string
	scale      float64
	httpClient *http.Client
}

var _ ports.LLMProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a provider from configuration.
func NewOpenAIProvider(cfg config.ProviderConfig, timeout time.Duration, scale float64) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		scale:      scale,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs, metrics and stored analyses.
func (c *OpenAIProvider) Name() string {
	return c.name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze posts the paper as a user message and parses the JSON reply.
func (c *OpenAIProvider) Analyze(ctx context.Context, title, abstract string) (ports.AnalysisResult, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return ports.AnalysisResult{}, &domain.ProviderError{Provider: c.name, Kind: domain.KindConfiguration, Err: errors.New("provider misconfigured")}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(title, abstract, c.scale)},
		},
	})
	if err != nil {
		return ports.AnalysisResult{}, fmt.Errorf("marshal %s payload: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.AnalysisResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.AnalysisResult{}, &domain.ProviderError{Provider: c.name, Kind: transportKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ports.AnalysisResult{}, &domain.ProviderError{
			Provider: c.name,
			Kind:     statusKind(resp.StatusCode),
			Err:      fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ports.AnalysisResult{}, malformed(c.name, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return ports.AnalysisResult{}, malformed(c.name, errors.New("empty completion"))
	}

	return ParseAnalysis(c.name, decoded.Choices[0].Message.Content, c.scale)
}

func statusKind(status int) domain.ErrorKind {
	if status == http.StatusTooManyRequests {
		return domain.KindRateLimited
	}
	return domain.KindUnavailable
}

func transportKind(ctx context.Context, err error) domain.ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindTimeout
	}
	return domain.KindUnavailable
}
