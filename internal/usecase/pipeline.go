package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/logging"
	"papertrail/internal/metrics"
	"papertrail/internal/ports"
	"papertrail/internal/scoring"
)

// ErrRunInProgress is returned when the same run is already executing in this process.
var ErrRunInProgress = errors.New("run already in progress")

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Config      config.Config
	Repository  ports.Repository
	Source      ports.FeedSource
	Providers   []ports.LLMProvider
	Platforms   []ports.SocialPlatform
	Embedder    ports.Embedder
	Notifier    ports.Notifier
	Logger      *slog.Logger
	Clock       func() time.Time
	Collector   *Collector
	Recommender *Recommender
}

// RunRequest triggers a full or single-topic run.
type RunRequest struct {
	Kind     domain.RunKind
	Topics   []string
	Lookback time.Duration
	AsOf     time.Time
}

// Pipeline drives a Run through its stages, persisting the Run after each one so that a
// re-invocation with the same id resumes where the previous attempt stopped.
type Pipeline struct {
	cfg         config.Config
	repo        ports.Repository
	collector   *Collector
	analyzer    *Analyzer
	social      *SocialAggregator
	scorer      *scoring.Calculator
	clusterer   *ClusterStage
	recommender *Recommender
	catalog     *Catalog
	notifier    ports.Notifier
	clock       func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewPipeline constructs the orchestration component. Invalid scoring weights are a ConfigurationError.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	cfg := deps.Config
	scorer, err := scoring.NewCalculator(scoring.Weights{
		Relevance: cfg.Scoring.RelevanceWeight,
		Novelty:   cfg.Scoring.NoveltyWeight,
		Buzz:      cfg.Scoring.BuzzWeight,
	}, cfg.Scoring.HalfLifeDays)
	if err != nil {
		return nil, err
	}
	if deps.Repository == nil {
		return nil, &domain.ConfigurationError{Field: "database", Reason: "repository is required"}
	}
	if deps.Embedder == nil {
		return nil, &domain.ConfigurationError{Field: "embedding", Reason: "embedder is required"}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	collector := deps.Collector
	if collector == nil {
		collector = NewCollector(deps.Source, deps.Repository, cfg.Feed, deps.Logger)
	}
	recommender := deps.Recommender
	if recommender == nil {
		recommender = NewRecommender(deps.Repository, cfg.Recommendation, deps.Logger)
	}

	return &Pipeline{
		cfg:         cfg,
		repo:        deps.Repository,
		collector:   collector,
		analyzer:    NewAnalyzer(deps.Providers, deps.Repository, cfg.Analysis.Timeout, cfg.Analysis.Concurrency, deps.Logger),
		social:      NewSocialAggregator(deps.Platforms, deps.Repository, cfg.Social, deps.Logger),
		scorer:      scorer,
		clusterer:   NewClusterStage(deps.Embedder, deps.Repository, cfg.Clustering, deps.Logger),
		recommender: recommender,
		catalog:     NewCatalog(deps.Repository, deps.Embedder, cfg, clock),
		notifier:    deps.Notifier,
		clock:       clock,
		logger:      logging.Component(deps.Logger, "pipeline"),
		running:     map[string]bool{},
	}, nil
}

// RunFull runs every stage for the given topics (all configured topics when empty).
func (p *Pipeline) RunFull(ctx context.Context, topics []string, lookback time.Duration, asOf time.Time) (domain.Run, error) {
	return p.Execute(ctx, RunRequest{Kind: domain.RunFull, Topics: topics, Lookback: lookback, AsOf: asOf})
}

// RunTopic runs every stage for a single topic.
func (p *Pipeline) RunTopic(ctx context.Context, topic string, asOf time.Time) (domain.Run, error) {
	return p.Execute(ctx, RunRequest{Kind: domain.RunTopic, Topics: []string{topic}, AsOf: asOf})
}

// Run loads a stored run.
func (p *Pipeline) Run(ctx context.Context, id string) (domain.Run, error) {
	return p.repo.GetRun(ctx, id)
}

// Runs lists recent runs, newest first.
func (p *Pipeline) Runs(ctx context.Context, limit int) ([]domain.Run, error) {
	return p.repo.ListRuns(ctx, limit)
}

// Trending lists a run's hottest papers.
func (p *Pipeline) Trending(ctx context.Context, runID string, limit int) ([]TrendingPaper, error) {
	return p.catalog.Trending(ctx, runID, limit)
}

// Similar lists the papers closest to paperID in embedding space.
func (p *Pipeline) Similar(ctx context.Context, paperID string, limit int) ([]SimilarPaper, error) {
	return p.catalog.Similar(ctx, paperID, limit)
}

// Execute resolves the run of the request's schedule slot and drives it to a terminal state.
// A terminal run is returned unchanged. A run that ends PartiallyFailed is returned together
// with a *domain.PartialRunError.
func (p *Pipeline) Execute(ctx context.Context, req RunRequest) (domain.Run, error) {
	target, err := p.resolve(req)
	if err != nil {
		return domain.Run{}, err
	}
	if !p.claim(target.id) {
		return domain.Run{}, fmt.Errorf("%s: %w", target.id, ErrRunInProgress)
	}
	defer p.release(target.id)

	run, err := p.prepare(ctx, target, req)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State.Terminal() {
		p.logger.Info("run already finished", "run", run.ID, "state", run.State)
		return run, nil
	}

	log := p.logger.With("run", run.ID)
	log.Info("run started", "state", run.State, "topics", strings.Join(run.Topics, ","), "as_of", run.AsOf)

	for _, stage := range domain.Stages {
		if run.Completed(stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.interrupt(run, stage, err)
		}

		run.State = stage
		run.UpdatedAt = p.clock()
		if err := p.repo.SaveRun(ctx, run); err != nil {
			return run, fmt.Errorf("save run: %w", err)
		}

		started := time.Now()
		failed, total, err := p.runStage(ctx, &run, stage)
		metrics.ObserveStage(stage, time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				return p.interrupt(run, stage, ctx.Err())
			}
			run.Error = fmt.Sprintf("%s: %v", stage, err)
			run.UpdatedAt = p.clock()
			if saveErr := p.repo.SaveRun(context.WithoutCancel(ctx), run); saveErr != nil {
				log.Error("failed to persist run error", "error", saveErr)
			}
			log.Error("stage failed", "stage", stage, "error", err)
			return run, fmt.Errorf("stage %s: %w", stage, err)
		}

		if budget := p.budget(stage); total > 0 && float64(failed)/float64(total) > budget {
			run.Error = fmt.Sprintf("%s: %d of %d failed, budget %.2f exceeded", stage, failed, total, budget)
			log.Warn("failure budget exceeded", "stage", stage, "failed", failed, "total", total)
			return p.finish(ctx, run, domain.StatePartiallyFailed)
		}

		run.MarkCompleted(stage, p.clock())
		if err := p.repo.SaveRun(ctx, run); err != nil {
			return run, fmt.Errorf("save run: %w", err)
		}
		log.Info("stage completed", "stage", stage, "failed", failed, "total", total)
	}

	if run.Skipped() > 0 {
		return p.finish(ctx, run, domain.StatePartiallyFailed)
	}
	run.Error = ""
	return p.finish(ctx, run, domain.StateCompleted)
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[id] {
		return false
	}
	p.running[id] = true
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

// resolvedRun is the identity a request maps to before anything is stored.
type resolvedRun struct {
	id     string
	kind   domain.RunKind
	topics []string
	asOf   time.Time
}

func (p *Pipeline) resolve(req RunRequest) (resolvedRun, error) {
	kind := req.Kind
	if kind == "" {
		kind = domain.RunFull
	}
	topics := req.Topics
	if len(topics) == 0 {
		if kind == domain.RunTopic {
			return resolvedRun{}, &domain.ConfigurationError{Field: "topics", Reason: "topic run needs a topic"}
		}
		topics = p.cfg.TopicNames()
	}
	queries, err := QueriesFor(p.cfg, topics)
	if err != nil {
		return resolvedRun{}, err
	}
	if len(queries) == 0 {
		return resolvedRun{}, &domain.ConfigurationError{Field: "topics", Reason: "no topics to run"}
	}
	canonical := make([]string, len(queries))
	for i, q := range queries {
		canonical[i] = q.Topic
	}
	sort.Strings(canonical)
	canonical = slices.Compact(canonical)

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = p.clock()
	}
	asOf = asOf.UTC().Truncate(time.Minute)
	scope := canonical
	if kind == domain.RunFull && p.coversAllTopics(canonical) {
		scope = nil
	}
	return resolvedRun{
		id:     domain.RunID(kind, p.slot(asOf), scope),
		kind:   kind,
		topics: canonical,
		asOf:   asOf,
	}, nil
}

func (p *Pipeline) prepare(ctx context.Context, target resolvedRun, req RunRequest) (domain.Run, error) {
	id := target.id
	run, err := p.repo.GetRun(ctx, id)
	switch {
	case err == nil:
		return run, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Run{}, fmt.Errorf("load run %s: %w", id, err)
	}

	lookback := req.Lookback
	if lookback <= 0 {
		lookback = p.cfg.Feed.Lookback
	}
	now := p.clock()
	run = domain.Run{
		ID:        id,
		Kind:      target.kind,
		Topics:    target.topics,
		Lookback:  lookback,
		AsOf:      target.asOf,
		State:     domain.StateCollecting,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := p.repo.SaveRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run %s: %w", id, err)
	}
	return run, nil
}

func (p *Pipeline) coversAllTopics(topics []string) bool {
	all := p.cfg.TopicNames()
	if len(all) != len(topics) {
		return false
	}
	return domain.TopicScope(all) == domain.TopicScope(topics)
}

// slot truncates asOf to the schedule period so every trigger inside a period maps to one run.
func (p *Pipeline) slot(asOf time.Time) time.Time {
	period := p.cfg.Scheduler.Period
	if period <= 0 {
		period = 24 * time.Hour
	}
	return asOf.Truncate(period)
}

func (p *Pipeline) budget(stage domain.RunState) float64 {
	switch stage {
	case domain.StateCollecting:
		return p.cfg.Pipeline.CollectingBudget
	case domain.StateEnriching:
		return p.cfg.Pipeline.EnrichingBudget
	case domain.StateRecommending:
		return p.cfg.Pipeline.RecommendingBudget
	default:
		return 1
	}
}

func (p *Pipeline) interrupt(run domain.Run, stage domain.RunState, cause error) (domain.Run, error) {
	run.Error = fmt.Sprintf("%s: interrupted: %v", stage, cause)
	run.UpdatedAt = p.clock()
	if err := p.repo.SaveRun(context.Background(), run); err != nil {
		p.logger.Error("failed to persist interrupted run", "run", run.ID, "error", err)
	}
	return run, cause
}

func (p *Pipeline) finish(ctx context.Context, run domain.Run, state domain.RunState) (domain.Run, error) {
	now := p.clock()
	run.State = state
	run.UpdatedAt = now
	run.FinishedAt = now
	if err := p.repo.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("save run: %w", err)
	}
	metrics.RecordRun(run)
	p.logger.Info("run finished", "run", run.ID, "state", state, "skipped", run.Skipped())

	if state == domain.StatePartiallyFailed {
		return run, &domain.PartialRunError{RunID: run.ID, Manifest: run.Manifest}
	}
	return run, nil
}

// runStage executes one stage and reports how many of its entities failed.
func (p *Pipeline) runStage(ctx context.Context, run *domain.Run, stage domain.RunState) (failed, total int, err error) {
	switch stage {
	case domain.StateCollecting:
		return p.collect(ctx, run)
	case domain.StateEnriching:
		return p.enrich(ctx, run)
	case domain.StateScoringAndClustering:
		return 0, 0, p.scoreAndCluster(ctx, run)
	case domain.StateRecommending:
		return p.recommend(ctx, run)
	}
	return 0, 0, fmt.Errorf("unknown stage %q", stage)
}

func (p *Pipeline) collect(ctx context.Context, run *domain.Run) (int, int, error) {
	queries, err := QueriesFor(p.cfg, run.Topics)
	if err != nil {
		return 0, 0, err
	}
	res, err := p.collector.Collect(ctx, queries, run.AsOf.Add(-run.Lookback), run.AsOf)
	if err != nil {
		return 0, 0, err
	}
	for _, q := range res.FailedQueries {
		run.Skip(domain.StateCollecting, "query:"+q)
	}
	return len(res.FailedQueries), res.Queries, nil
}

func (p *Pipeline) enrich(ctx context.Context, run *domain.Run) (int, int, error) {
	papers, err := p.catalog.scopePapers(ctx, *run)
	if err != nil {
		return 0, 0, err
	}

	analyzed, err := p.analyzer.Analyze(ctx, *run, papers)
	if err != nil {
		return 0, 0, fmt.Errorf("analyze: %w", err)
	}
	for _, id := range analyzed.Pending {
		run.Skip(domain.StateEnriching, "analysis:"+id)
	}

	signals, err := p.social.Collect(ctx, *run, papers)
	if err != nil {
		return 0, 0, fmt.Errorf("social signals: %w", err)
	}
	for _, id := range signals.Silent {
		run.Skip(domain.StateEnriching, "social:"+id)
	}

	failed := len(analyzed.Pending) + len(signals.Silent)
	total := analyzed.Attempted
	if len(signals.Silent) > 0 {
		total += signals.Looked
	}
	return failed, total, nil
}

func (p *Pipeline) scoreAndCluster(ctx context.Context, run *domain.Run) error {
	papers, err := p.catalog.scopePapers(ctx, *run)
	if err != nil {
		return err
	}
	paperIDs := make([]string, len(papers))
	for i, paper := range papers {
		paperIDs[i] = paper.ID
	}

	analyses, err := p.repo.CurrentAnalyses(ctx, paperIDs)
	if err != nil {
		return fmt.Errorf("load analyses: %w", err)
	}
	signals, err := p.repo.SignalsForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}
	buzz := CombinedBuzz(signals, p.social.Weights())

	inputs := make([]scoring.Input, len(papers))
	for i, paper := range papers {
		in := scoring.Input{Paper: paper, Buzz: buzz[paper.ID]}
		if a, ok := analyses[paper.ID]; ok {
			in.Analysis = &a
		}
		inputs[i] = in
	}
	scores := p.scorer.ScoreAll(inputs, run.ID, run.AsOf)
	if err := p.repo.SaveHotScores(ctx, scores); err != nil {
		return fmt.Errorf("save hot scores: %w", err)
	}

	if _, err := p.clusterer.Cluster(ctx, *run, papers, analyses, scores); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) recommend(ctx context.Context, run *domain.Run) (int, int, error) {
	users, err := p.repo.ActiveUsers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load users: %w", err)
	}
	candidates, papers, err := p.catalog.Candidates(ctx, *run)
	if err != nil {
		return 0, 0, err
	}

	res, err := p.recommender.Recommend(ctx, *run, users, candidates)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range res.FailedUsers {
		run.Skip(domain.StateRecommending, "user:"+id)
	}

	p.handOff(ctx, run, users, res.Recommendations, papers)
	return len(res.FailedUsers), len(users), nil
}

// handOff delivers undelivered recommendations. Weekly users only receive the run whose
// as-of falls on the configured weekday. Without a notifier the stored list is the hand-off.
// Only delivered lists start a cool-down, so a failed delivery is offered again next run.
func (p *Pipeline) handOff(ctx context.Context, run *domain.Run, users []domain.User, recs []domain.Recommendation, papers map[string]domain.Paper) {
	byID := make(map[string]domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	weekday := run.AsOf.In(p.cfg.Scheduler.Location()).Weekday()

	for _, rec := range recs {
		user := byID[rec.UserID]
		if rec.Delivered || !DueForDelivery(user, weekday, p.cfg.Recommendation.Weekday()) {
			continue
		}
		if p.notifier == nil {
			if err := p.repo.MarkDelivered(ctx, rec.UserID, rec.RunID); err != nil {
				p.logger.Warn("mark delivered failed", "run", run.ID, "user", user.ID, "error", err)
			}
			continue
		}
		if err := p.notifier.Deliver(ctx, user, rec, papers); err != nil {
			metrics.Deliveries.WithLabelValues(metrics.Outcome(err)).Inc()
			p.logger.Warn("delivery failed", "run", run.ID, "user", user.ID, "error", err)
			run.Skip(domain.StateRecommending, "delivery:"+user.ID)
			continue
		}
		if err := p.repo.MarkDelivered(ctx, rec.UserID, rec.RunID); err != nil {
			p.logger.Warn("mark delivered failed", "run", run.ID, "user", user.ID, "error", err)
			continue
		}
		metrics.Deliveries.WithLabelValues(metrics.Outcome(nil)).Inc()
	}
}

// DueForDelivery applies the user's cadence to a run's weekday.
func DueForDelivery(user domain.User, runDay, weeklyDay time.Weekday) bool {
	if user.Frequency == domain.FrequencyWeekly {
		return runDay == weeklyDay
	}
	return true
}
