package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

func TestParseAnalysis(t *testing.T) {
	t.Parallel()

	raw := "Sure! Here you go:\n```json\n{\"summary\": \" Sparse MoE. \", \"relevance\": 0.8, \"novelty\": 0.6, \"keywords\": [\"moe\", \" \"]}\n```"
	res, err := ParseAnalysis("deepseek", raw, 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Summary != "Sparse MoE." || res.Relevance != 0.8 || res.Novelty != 0.6 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Keywords) != 1 || res.Keywords[0] != "moe" || res.Raw != raw {
		t.Fatalf("unexpected keywords/raw: %+v", res)
	}

	res, err = ParseAnalysis("kimi", `{"summary":"x","relevance_score":7,"novelty_score":12}`, 10)
	if err != nil {
		t.Fatalf("parse scaled: %v", err)
	}
	if res.Relevance != 0.7 || res.Novelty != 1.2 {
		t.Fatalf("expected scaled and unclamped values, got %+v", res)
	}

	for _, bad := range []string{"no json here", `{"summary":"x","relevance":0.5}`, `{"relevance": "high"`} {
		_, err := ParseAnalysis("glm", bad, 1)
		if domain.KindOf(err) != domain.KindMalformed {
			t.Fatalf("expected malformed for %q, got %v", bad, err)
		}
	}
}

func TestOpenAIProviderAnalyze(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"model":"deepseek-chat"`) || !strings.Contains(string(body), "Attention sinks") {
			t.Errorf("unexpected request body: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\",\"relevance\":0.9,\"novelty\":0.4,\"keywords\":[\"attention\"]}"}}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(config.ProviderConfig{Name: "deepseek", Endpoint: server.URL, Model: "deepseek-chat", APIKey: "secret"}, time.Second, 1)
	res, err := p.Analyze(context.Background(), "Attention sinks", "We study sinks.")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Relevance != 0.9 || res.Novelty != 0.4 || res.Summary != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestOpenAIProviderClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		body    string
		want    domain.ErrorKind
		timeout bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: domain.KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, want: domain.KindUnavailable},
		{name: "garbage", status: http.StatusOK, body: "not json", want: domain.KindMalformed},
		{name: "empty choices", status: http.StatusOK, body: `{"choices":[]}`, want: domain.KindMalformed},
		{name: "slow", status: http.StatusOK, body: `{}`, want: domain.KindTimeout, timeout: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.timeout {
					select {
					case <-r.Context().Done():
					case <-time.After(2 * time.Second):
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			p := NewOpenAIProvider(config.ProviderConfig{Name: "kimi", Endpoint: server.URL, Model: "m", APIKey: "k"}, 5*time.Second, 1)
			ctx := context.Background()
			if tc.timeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
				defer cancel()
			}
			_, err := p.Analyze(ctx, "t", "a")
			var perr *domain.ProviderError
			if !errors.As(err, &perr) || perr.Kind != tc.want || perr.Provider != "kimi" {
				t.Fatalf("expected %s provider error, got %v", tc.want, err)
			}
		})
	}

	p := NewOpenAIProvider(config.ProviderConfig{Name: "seed", Endpoint: "http://example.invalid", Model: "m"}, time.Second, 1)
	if _, err := p.Analyze(context.Background(), "t", "a"); domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("expected configuration kind without api key, got %v", err)
	}
}

func TestAnthropicProviderAnalyze(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "{\"summary\":\"claude\",\"relevance\":0.5,\"novelty\":0.7}"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 10, "output_tokens": 20}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{Name: "anthropic", Endpoint: server.URL + "/", Model: "claude-3-5-haiku-latest", APIKey: "secret"}, time.Second, 1)
	res, err := p.Analyze(context.Background(), "Title", "Abstract")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Summary != "claude" || res.Relevance != 0.5 || res.Novelty != 0.7 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAnthropicProviderRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{Name: "anthropic", Endpoint: server.URL + "/", Model: "m", APIKey: "k"}, time.Second, 1)
	if _, err := p.Analyze(context.Background(), "t", "a"); domain.KindOf(err) != domain.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

type stubProvider struct {
	name  string
	calls atomic.Int32
	err   error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Analyze(context.Context, string, string) (ports.AnalysisResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return ports.AnalysisResult{}, s.err
	}
	return ports.AnalysisResult{Relevance: 0.5, Novelty: 0.5}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	stub := &stubProvider{name: "glm-breaker-test", err: &domain.ProviderError{Provider: "glm", Kind: domain.KindUnavailable, Err: errors.New("503")}}
	b := NewBreaker(stub, config.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		if _, err := b.Analyze(context.Background(), "t", "a"); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}

	_, err := b.Analyze(context.Background(), "t", "a")
	if !errors.Is(err, gobreaker.ErrOpenState) || domain.KindOf(err) != domain.KindUnavailable {
		t.Fatalf("expected open-state unavailable error, got %v", err)
	}
	if stub.calls.Load() != 2 {
		t.Fatalf("open breaker must not call the provider, calls=%d", stub.calls.Load())
	}
}

func TestNewProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Analysis
	if _, err := NewProviders(cfg, nil); !domain.IsConfiguration(err) {
		t.Fatalf("expected configuration error without keys, got %v", err)
	}

	cfg.Providers = []config.ProviderConfig{
		{Name: "deepseek", Kind: "openai", Endpoint: "https://api.deepseek.com", Model: "deepseek-chat", APIKey: "k1"},
		{Name: "kimi", Kind: "openai", Endpoint: "https://api.moonshot.cn", Model: "moonshot-v1-8k"},
		{Name: "anthropic", Kind: "anthropic", Model: "claude-3-5-haiku-latest", APIKey: "k2"},
	}
	providers, err := NewProviders(cfg, nil)
	if err != nil {
		t.Fatalf("new providers: %v", err)
	}
	if len(providers) != 2 || providers[0].Name() != "deepseek" || providers[1].Name() != "anthropic" {
		t.Fatalf("unexpected providers: %v", providers)
	}

	cfg.Providers = []config.ProviderConfig{{Name: "x", Kind: "bard", APIKey: "k"}}
	if _, err := NewProviders(cfg, nil); !domain.IsConfiguration(err) {
		t.Fatalf("expected configuration error for unknown kind, got %v", err)
	}
}
