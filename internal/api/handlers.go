package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"papertrail/internal/domain"
	"papertrail/internal/usecase"
)

const defaultListLimit = 20

// Runner is the orchestration surface the handlers trigger and inspect.
type Runner interface {
	RunFull(ctx context.Context, topics []string, lookback time.Duration, asOf time.Time) (domain.Run, error)
	RunTopic(ctx context.Context, topic string, asOf time.Time) (domain.Run, error)
	Run(ctx context.Context, id string) (domain.Run, error)
	Runs(ctx context.Context, limit int) ([]domain.Run, error)
	Trending(ctx context.Context, runID string, limit int) ([]usecase.TrendingPaper, error)
	Similar(ctx context.Context, paperID string, limit int) ([]usecase.SimilarPaper, error)
}

// Handler handles HTTP requests for pipeline runs.
type Handler struct {
	runner Runner
}

// NewHandler creates a new API handler.
func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

// TriggerRequest is the body of POST /runs. Lookback uses Go duration syntax ("36h").
type TriggerRequest struct {
	Topics   []string `json:"topics"`
	Lookback string   `json:"lookback"`
	AsOf     string   `json:"as_of"`
}

// RunView is the JSON shape of a run.
type RunView struct {
	ID              string              `json:"id"`
	Kind            string              `json:"kind"`
	Topics          []string            `json:"topics"`
	Lookback        string              `json:"lookback"`
	AsOf            time.Time           `json:"as_of"`
	State           string              `json:"state"`
	CompletedStages []string            `json:"completed_stages"`
	Manifest        map[string][]string `json:"manifest,omitempty"`
	Error           string              `json:"error,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
}

// NewRunView converts a run for the wire.
func NewRunView(run domain.Run) RunView {
	view := RunView{
		ID:              run.ID,
		Kind:            string(run.Kind),
		Topics:          run.Topics,
		Lookback:        run.Lookback.String(),
		AsOf:            run.AsOf,
		State:           string(run.State),
		CompletedStages: make([]string, 0, len(run.CompletedStages)),
		Error:           run.Error,
		StartedAt:       run.StartedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	for _, s := range run.CompletedStages {
		view.CompletedStages = append(view.CompletedStages, string(s))
	}
	if len(run.Manifest) > 0 {
		view.Manifest = make(map[string][]string, len(run.Manifest))
		for stage, ids := range run.Manifest {
			view.Manifest[string(stage)] = ids
		}
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		view.FinishedAt = &finished
	}
	return view
}

// PaperView is the JSON shape of a paper in a ranked list.
type PaperView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

func newPaperView(p domain.Paper) PaperView {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return PaperView{ID: p.ID, Title: p.Title, Tags: tags, URL: p.URL, PublishedAt: p.PublishedAt}
}

// TrendingView is one entry of GET /runs/:id/trending.
type TrendingView struct {
	PaperView
	HotScore float64 `json:"hot_score"`
	Buzz     float64 `json:"buzz"`
	Novelty  float64 `json:"novelty"`
	Cluster  string  `json:"cluster"`
}

// SimilarView is one entry of GET /papers/:id/similar.
type SimilarView struct {
	PaperView
	Similarity float64 `json:"similarity"`
}

// TriggerFull runs the full pipeline for the requested topics (all when empty).
func (h *Handler) TriggerFull(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	var lookback time.Duration
	if req.Lookback != "" {
		d, err := time.ParseDuration(req.Lookback)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lookback " + strconv.Quote(req.Lookback)})
			return
		}
		lookback = d
	}
	asOf, ok := parseAsOf(c, req.AsOf)
	if !ok {
		return
	}

	run, err := h.runner.RunFull(detached(c), req.Topics, lookback, asOf)
	respondRun(c, run, err)
}

// TriggerTopic runs the pipeline for a single topic.
func (h *Handler) TriggerTopic(c *gin.Context) {
	asOf, ok := parseAsOf(c, c.Query("as_of"))
	if !ok {
		return
	}
	run, err := h.runner.RunTopic(detached(c), c.Param("topic"), asOf)
	respondRun(c, run, err)
}

// GetRun returns one stored run.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runner.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunView(run))
}

// ListRuns returns recent runs, newest first.
func (h *Handler) ListRuns(c *gin.Context) {
	limit, ok := parseLimit(c, defaultListLimit)
	if !ok {
		return
	}

	runs, err := h.runner.Runs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, NewRunView(run))
	}
	c.JSON(http.StatusOK, gin.H{"runs": views})
}

// Trending returns a run's hottest papers. Without a limit the configured size applies.
func (h *Handler) Trending(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		return
	}
	papers, err := h.runner.Trending(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]TrendingView, 0, len(papers))
	for _, p := range papers {
		views = append(views, TrendingView{
			PaperView: newPaperView(p.Paper),
			HotScore:  p.Hot.Score,
			Buzz:      p.Hot.Components.Buzz,
			Novelty:   p.Hot.Components.Novelty,
			Cluster:   p.Cluster,
		})
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "papers": views})
}

// Similar returns the papers closest to a stored paper.
func (h *Handler) Similar(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		return
	}
	papers, err := h.runner.Similar(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]SimilarView, 0, len(papers))
	for _, p := range papers {
		views = append(views, SimilarView{PaperView: newPaperView(p.Paper), Similarity: p.Similarity})
	}
	c.JSON(http.StatusOK, gin.H{"paper_id": c.Param("id"), "papers": views})
}

// HealthCheck handles the health check endpoint.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// detached keeps a run going when the client hangs up; it stays resumable either way.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// parseLimit reads the optional positive ?limit= parameter.
func parseLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit " + strconv.Quote(raw)})
		return 0, false
	}
	return n, true
}

func parseAsOf(c *gin.Context, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid as_of " + strconv.Quote(raw)})
		return time.Time{}, false
	}
	return t, true
}

// respondRun writes a triggered run. A partially failed run is still a 200 with its manifest.
func respondRun(c *gin.Context, run domain.Run, err error) {
	var partial *domain.PartialRunError
	switch {
	case err == nil, errors.As(err, &partial):
		c.JSON(http.StatusOK, NewRunView(run))
	case run.ID != "":
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "run": NewRunView(run)})
	default:
		respondError(c, err)
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case domain.IsConfiguration(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
