package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/infrastructure/storage"
	"papertrail/internal/ports"
)

// monday is a Monday morning.
var monday = time.Date(2026, time.October, 19, 6, 0, 0, 0, time.UTC)

func paper(id, title string, published time.Time, tags ...string) domain.Paper {
	return domain.Paper{
		ID:          id,
		Title:       title,
		Abstract:    "Abstract of " + title,
		Tags:        tags,
		URL:         "https://arxiv.org/abs/" + id,
		Source:      "fake",
		PublishedAt: published,
	}
}

type fakeSource struct {
	mu     sync.Mutex
	papers map[string][]domain.Paper
	fail   map[string][]error
	calls  int
}

func newFakeSource(papers map[string][]domain.Paper) *fakeSource {
	return &fakeSource{papers: papers, fail: map[string][]error{}}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Search(_ context.Context, q ports.Query, since time.Time, _ string) ([]domain.Paper, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if errs := f.fail[q.Topic]; len(errs) > 0 {
		f.fail[q.Topic] = errs[1:]
		if errs[0] != nil {
			return nil, "", errs[0]
		}
	}
	var out []domain.Paper
	for _, p := range f.papers[q.Topic] {
		if !p.PublishedAt.Before(since) {
			p.Tags = append([]string(nil), p.Tags...)
			out = append(out, p)
		}
	}
	return out, "", nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProvider struct {
	name  string
	calls atomic.Int32
	reply func(title string) (ports.AnalysisResult, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Analyze(_ context.Context, title, _ string) (ports.AnalysisResult, error) {
	f.calls.Add(1)
	return f.reply(title)
}

func okProvider(name string, relevance, novelty float64) *fakeProvider {
	return &fakeProvider{name: name, reply: func(title string) (ports.AnalysisResult, error) {
		return ports.AnalysisResult{Summary: title, Relevance: relevance, Novelty: novelty, Raw: "{}"}, nil
	}}
}

func failingProvider(name string, kind domain.ErrorKind) *fakeProvider {
	return &fakeProvider{name: name, reply: func(string) (ports.AnalysisResult, error) {
		return ports.AnalysisResult{}, &domain.ProviderError{Provider: name, Kind: kind, Err: errors.New("down")}
	}}
}

type fakePlatform struct {
	name   string
	counts map[string]float64
	fail   map[string]bool
}

func (f *fakePlatform) Name() string { return f.name }

func (f *fakePlatform) Lookup(_ context.Context, ref ports.PaperRef) (ports.Engagement, error) {
	if f.fail[ref.ID] {
		return ports.Engagement{}, &domain.PlatformError{Platform: f.name, Kind: domain.KindUnreachable, Err: errors.New("unreachable")}
	}
	return ports.Engagement{Count: f.counts[ref.ID]}, nil
}

// keywordEmbedder maps texts onto axes by keyword so clusters are predictable.
type keywordEmbedder struct {
	failures atomic.Int32
}

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if k.failures.Load() > 0 {
		k.failures.Add(-1)
		return nil, errors.New("embedding service down")
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "vision"), strings.Contains(lower, "image"):
			out[i] = []float64{0, 1, 0.1}
		case strings.Contains(lower, "language"), strings.Contains(lower, "llm"):
			out[i] = []float64{1, 0, 0.1}
		default:
			out[i] = []float64{0, 0, 1}
		}
	}
	return out, nil
}

type delivery struct {
	user  string
	items []string
}

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []delivery
	fail       map[string]bool
}

func (f *fakeNotifier) Deliver(_ context.Context, user domain.User, rec domain.Recommendation, _ map[string]domain.Paper) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[user.ID] {
		return &domain.TransientError{Source: "notifier", Kind: domain.KindUnavailable, Err: errors.New("down")}
	}
	f.deliveries = append(f.deliveries, delivery{user: user.ID, items: rec.PaperIDs()})
	return nil
}

func (f *fakeNotifier) Users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.deliveries {
		out = append(out, d.user)
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Topics = []config.TopicConfig{
		{Name: "LLM", Keywords: []string{"LLM"}, Categories: []string{"cs.CL"}},
		{Name: "Vision", Keywords: []string{"vision"}, Categories: []string{"cs.CV"}},
	}
	cfg.Social.Platforms = []config.PlatformConfig{{Name: "reddit", Weight: 1, DefaultBaseline: 20, RatePerSecond: 1, Burst: 1}}
	cfg.Clustering.TargetClusters = 2
	return cfg
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

type pipelineSetup struct {
	cfg       config.Config
	repo      *storage.MemoryRepository
	source    *fakeSource
	providers []ports.LLMProvider
	platforms []ports.SocialPlatform
	embedder  ports.Embedder
	notifier  ports.Notifier
}

func (s pipelineSetup) build(t *testing.T) *Pipeline {
	t.Helper()
	if s.embedder == nil {
		s.embedder = &keywordEmbedder{}
	}
	p, err := NewPipeline(PipelineDeps{
		Config:     s.cfg,
		Repository: s.repo,
		Source:     s.source,
		Providers:  s.providers,
		Platforms:  s.platforms,
		Embedder:   s.embedder,
		Notifier:   s.notifier,
		Clock:      func() time.Time { return monday },
		Collector:  NewCollector(s.source, s.repo, s.cfg.Feed, nil).WithBackOff(zeroBackOff),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

// corpus returns two LLM papers and two vision papers published the day before monday.
func corpus() map[string][]domain.Paper {
	day := monday.Add(-12 * time.Hour)
	return map[string][]domain.Paper{
		"LLM": {
			paper("2410.00001", "Sparse attention for language models", day, "cs.CL"),
			paper("2410.00002", "LLM agents that plan", day.Add(-time.Hour), "cs.CL", "cs.AI"),
		},
		"Vision": {
			paper("2410.00003", "Vision transformers at scale", day, "cs.CV"),
			paper("2410.00004", "Image segmentation without labels", day.Add(-2*time.Hour), "cs.CV"),
		},
	}
}
