package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"papertrail/internal/domain"
	"papertrail/internal/usecase"
)

var asOf = time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu       sync.Mutex
	runs     map[string]domain.Run
	err      error
	topics   []string
	lookback time.Duration
	asOf     time.Time
}

func (f *fakeRunner) RunFull(_ context.Context, topics []string, lookback time.Duration, at time.Time) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics, f.lookback, f.asOf = topics, lookback, at
	run := domain.Run{ID: "full-20261019T0000", Kind: domain.RunFull, Topics: topics, State: domain.StateCompleted, AsOf: asOf}
	if f.err != nil {
		var partial *domain.PartialRunError
		if errors.As(f.err, &partial) {
			run.State = domain.StatePartiallyFailed
			run.Skip(domain.StateEnriching, "analysis:2410.00001")
			return run, f.err
		}
		return domain.Run{}, f.err
	}
	return run, nil
}

func (f *fakeRunner) RunTopic(_ context.Context, topic string, at time.Time) (domain.Run, error) {
	if topic == "robotics" {
		return domain.Run{}, &domain.ConfigurationError{Field: "topics", Reason: "unknown topic robotics"}
	}
	return domain.Run{ID: "topic-20261019T0000-" + topic, Kind: domain.RunTopic, Topics: []string{topic}, State: domain.StateCompleted, AsOf: at}, nil
}

func (f *fakeRunner) Run(_ context.Context, id string) (domain.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, nil
}

func (f *fakeRunner) Runs(_ context.Context, limit int) ([]domain.Run, error) {
	out := make([]domain.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRunner) Trending(_ context.Context, runID string, limit int) ([]usecase.TrendingPaper, error) {
	if _, ok := f.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	out := []usecase.TrendingPaper{
		{Paper: domain.Paper{ID: "2410.00001", Title: "Sparse attention", Tags: []string{"cs.CL"}},
			Hot: domain.HotScore{PaperID: "2410.00001", Score: 0.8, Components: domain.HotScoreComponents{Buzz: 0.9, Novelty: 0.5}}, Cluster: "cs.CL"},
		{Paper: domain.Paper{ID: "2410.00003", Title: "Vision transformers"},
			Hot: domain.HotScore{PaperID: "2410.00003", Score: 0.4}, Cluster: "cs.CV"},
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRunner) Similar(_ context.Context, paperID string, limit int) ([]usecase.SimilarPaper, error) {
	if paperID != "2410.00003" {
		return nil, fmt.Errorf("paper %s: %w", paperID, domain.ErrNotFound)
	}
	out := []usecase.SimilarPaper{
		{Paper: domain.Paper{ID: "2410.00004", Title: "Image segmentation"}, Similarity: 0.98},
		{Paper: domain.Paper{ID: "2410.00001", Title: "Sparse attention"}, Similarity: 0.01},
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func serve(t *testing.T, runner Runner, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	NewServer(NewHandler(runner), nil).ServeHTTP(rec, req)
	return rec
}

func TestTriggerFull(t *testing.T) {
	runner := &fakeRunner{}
	rec := serve(t, runner, http.MethodPost, "/runs", `{"topics":["LLM"],"lookback":"36h","as_of":"2026-10-19T06:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view RunView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != "full-20261019T0000" || view.State != "completed" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(runner.topics) != 1 || runner.topics[0] != "LLM" || runner.lookback != 36*time.Hour || !runner.asOf.Equal(asOf) {
		t.Fatalf("request not forwarded: %v %v %v", runner.topics, runner.lookback, runner.asOf)
	}

	rec = serve(t, &fakeRunner{}, http.MethodPost, "/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty body should trigger all topics, got %d", rec.Code)
	}

	rec = serve(t, &fakeRunner{}, http.MethodPost, "/runs", `{"lookback":"yesterday"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad lookback, got %d", rec.Code)
	}
}

func TestTriggerFullErrors(t *testing.T) {
	partial := &domain.PartialRunError{RunID: "full-20261019T0000"}
	rec := serve(t, &fakeRunner{err: partial}, http.MethodPost, "/runs", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "analysis:2410.00001") {
		t.Fatalf("partial run should return the manifest, got %d: %s", rec.Code, rec.Body.String())
	}

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("full-20261019T0000: %w", usecase.ErrRunInProgress), http.StatusConflict},
		{&domain.ConfigurationError{Field: "topics", Reason: "unknown topic"}, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := serve(t, &fakeRunner{err: tc.err}, http.MethodPost, "/runs", "")
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestTriggerTopic(t *testing.T) {
	rec := serve(t, &fakeRunner{}, http.MethodPost, "/runs/topic/vision?as_of=2026-10-19T06:00:00Z", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "topic-20261019T0000-vision") {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, &fakeRunner{}, http.MethodPost, "/runs/topic/robotics", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown topic, got %d", rec.Code)
	}

	rec = serve(t, &fakeRunner{}, http.MethodPost, "/runs/topic/vision?as_of=monday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad as_of, got %d", rec.Code)
	}
}

func TestGetAndListRuns(t *testing.T) {
	stored := domain.Run{ID: "full-20261019T0000", Kind: domain.RunFull, State: domain.StateCompleted, FinishedAt: asOf}
	runner := &fakeRunner{runs: map[string]domain.Run{stored.ID: stored}}

	rec := serve(t, runner, http.MethodGet, "/runs/full-20261019T0000", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"finished_at":"2026-10-19T06:00:00Z"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, runner, http.MethodGet, "/runs/full-20261020T0000", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = serve(t, runner, http.MethodGet, "/runs?limit=5", "")
	var body struct {
		Runs []RunView `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Runs) != 1 {
		t.Fatalf("unexpected list %s (%v)", rec.Body.String(), err)
	}

	rec = serve(t, runner, http.MethodGet, "/runs?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestTrendingAndSimilar(t *testing.T) {
	runner := &fakeRunner{runs: map[string]domain.Run{"full-20261019T0000": {ID: "full-20261019T0000"}}}

	rec := serve(t, runner, http.MethodGet, "/runs/full-20261019T0000/trending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var trending struct {
		RunID  string         `json:"run_id"`
		Papers []TrendingView `json:"papers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trending); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trending.RunID != "full-20261019T0000" || len(trending.Papers) != 2 {
		t.Fatalf("unexpected trending body %s", rec.Body.String())
	}
	head := trending.Papers[0]
	if head.ID != "2410.00001" || head.HotScore != 0.8 || head.Buzz != 0.9 || head.Cluster != "cs.CL" {
		t.Fatalf("unexpected head %+v", head)
	}
	if !strings.Contains(rec.Body.String(), `"tags":[]`) {
		t.Fatalf("missing tags should encode as an empty list: %s", rec.Body.String())
	}

	rec = serve(t, runner, http.MethodGet, "/runs/full-20261019T0000/trending?limit=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &trending); err != nil || len(trending.Papers) != 1 {
		t.Fatalf("limit not forwarded: %s (%v)", rec.Body.String(), err)
	}
	if rec := serve(t, runner, http.MethodGet, "/runs/full-20261020T0000/trending", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}
	if rec := serve(t, runner, http.MethodGet, "/runs/full-20261019T0000/trending?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = serve(t, runner, http.MethodGet, "/papers/2410.00003/similar?limit=1", "")
	var similar struct {
		PaperID string        `json:"paper_id"`
		Papers  []SimilarView `json:"papers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &similar); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || similar.PaperID != "2410.00003" || len(similar.Papers) != 1 ||
		similar.Papers[0].ID != "2410.00004" || similar.Papers[0].Similarity != 0.98 {
		t.Fatalf("unexpected similar body %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, runner, http.MethodGet, "/papers/9999.99999/similar", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown paper, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	if rec := serve(t, &fakeRunner{}, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	rec := serve(t, &fakeRunner{}, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics endpoint not served: %d", rec.Code)
	}
}
