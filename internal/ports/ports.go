package ports

import (
	"context"
	"time"

	"papertrail/internal/domain"
)

// PaperStore persists discovered papers.
type PaperStore interface {
	// KnownPaperIDs returns the subset of ids that already exist in storage.
	KnownPaperIDs(ctx context.Context, ids []string) (map[string]bool, error)
	SavePaper(ctx context.Context, paper domain.Paper) error
	// AugmentTags unions extra tags into the stored paper's tags.
	AugmentTags(ctx context.Context, paperID string, tags []string) error
	GetPaper(ctx context.Context, id string) (domain.Paper, error)
	// ListPapers returns papers matching the filter, ordered by id.
	ListPapers(ctx context.Context, filter PaperFilter) ([]domain.Paper, error)
}

// PaperFilter narrows ListPapers. Zero values match everything.
type PaperFilter struct {
	PublishedSince time.Time
	// AnyTag keeps papers carrying at least one of the tags, case-insensitively.
	AnyTag []string
}

// AnalysisStore persists model analyses and the pending marker.
type AnalysisStore interface {
	CurrentAnalyses(ctx context.Context, paperIDs []string) (map[string]domain.Analysis, error)
	// SaveAnalysis inserts a new current analysis and demotes the previous one.
	SaveAnalysis(ctx context.Context, analysis domain.Analysis) error
	AnalysisHistory(ctx context.Context, paperID string) ([]domain.Analysis, error)
	MarkAnalysisPending(ctx context.Context, pending domain.AnalysisPending) error
	PendingAnalyses(ctx context.Context) ([]domain.AnalysisPending, error)
}

// SignalStore persists social signals.
type SignalStore interface {
	SaveSignals(ctx context.Context, signals []domain.SocialSignal) error
	SignalsForRun(ctx context.Context, runID string) ([]domain.SocialSignal, error)
	// MeanEngagement returns the mean raw engagement per platform collected since the cutoff,
	// ignoring signals written by excludeRunID.
	MeanEngagement(ctx context.Context, since time.Time, excludeRunID string) (map[string]float64, error)
}

// ScoreStore persists hot scores and clusters.
type ScoreStore interface {
	SaveHotScores(ctx context.Context, scores []domain.HotScore) error
	HotScoresForRun(ctx context.Context, runID string) ([]domain.HotScore, error)
	SaveClusters(ctx context.Context, runID string, clusters []domain.Cluster) error
	ClustersForRun(ctx context.Context, runID string) ([]domain.Cluster, error)
	// PreviousClusters returns the clusters of the latest earlier run with the same kind and topic scope.
	PreviousClusters(ctx context.Context, run domain.Run) ([]domain.Cluster, error)
}

// RecommendationStore persists per-user recommendations.
type RecommendationStore interface {
	SaveRecommendation(ctx context.Context, rec domain.Recommendation) error
	RecommendationsForRun(ctx context.Context, runID string) ([]domain.Recommendation, error)
	// RecentlyRecommended lists paper ids delivered to the user since the cutoff, excluding runID.
	RecentlyRecommended(ctx context.Context, userID string, since time.Time, excludeRunID string) (map[string]bool, error)
	MarkDelivered(ctx context.Context, userID, runID string) error
}

// RunStore persists pipeline runs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	SaveRun(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// UserDirectory is the read-only view of users and their interests.
type UserDirectory interface {
	ActiveUsers(ctx context.Context) ([]domain.User, error)
}

// Repository aggregates every store the pipeline touches.
type Repository interface {
	PaperStore
	AnalysisStore
	SignalStore
	ScoreStore
	RecommendationStore
	RunStore
	UserDirectory
}

// FeedSource pulls candidate papers for a topic query, newest first.
type FeedSource interface {
	Name() string
	// Search returns one page of papers and the token of the next page ("" when exhausted).
	Search(ctx context.Context, query Query, since time.Time, pageToken string) ([]domain.Paper, string, error)
}

// Query is a resolved topic query.
type Query struct {
	Topic      string
	Keywords   []string
	Categories []string
}

// AnalysisResult is a provider's normalized reply.
type AnalysisResult struct {
	Summary   string
	Relevance float64
	Novelty   float64
	Keywords  []string
	Raw       string
}

// LLMProvider analyzes a paper abstract.
type LLMProvider interface {
	Name() string
	Analyze(ctx context.Context, title, abstract string) (AnalysisResult, error)
}

// PaperRef identifies a paper to social platforms.
type PaperRef struct {
	ID    string
	Title string
	Tags  []string
}

// Engagement is the raw activity a platform reports for a paper.
type Engagement struct {
	Count float64
}

// SocialPlatform reports engagement for a paper.
type SocialPlatform interface {
	Name() string
	Lookup(ctx context.Context, ref PaperRef) (Engagement, error)
}

// Embedder turns text into vectors of equal length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Notifier hands a user's recommendation to a delivery channel.
type Notifier interface {
	Deliver(ctx context.Context, user domain.User, rec domain.Recommendation, papers map[string]domain.Paper) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
