package ml

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

// Client talks to an OpenAI-compatible embeddings endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	http       *http.Client
}

var _ ports.Embedder = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey, model string, dimensions int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		http:       &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	if err := c.post(ctx, embedRequest{Input: texts, Model: c.model, Dimensions: c.dimensions}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, &domain.TransientError{Source: "embedder", Kind: domain.KindMalformed, Err: fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))}
	}

	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float64, len(texts))
	for i, d := range resp.Data {
		if len(d.Embedding) == 0 || (i > 0 && len(d.Embedding) != len(vectors[0])) {
			return nil, &domain.TransientError{Source: "embedder", Kind: domain.KindMalformed, Err: fmt.Errorf("embedding %d has %d dimensions", i, len(d.Embedding))}
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (c *Client) post(ctx context.Context, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransientError{Source: "embedder", Kind: domain.KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := domain.KindUnavailable
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = domain.KindRateLimited
		}
		return &domain.TransientError{Source: "embedder", Kind: kind, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &domain.TransientError{Source: "embedder", Kind: domain.KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
