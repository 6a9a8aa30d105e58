package domain

import (
	"sort"
	"strings"
	"time"
)

// Paper is a research paper discovered by the feed collector.
type Paper struct {
	ID          string
	Title       string
	Abstract    string
	Authors     []string
	Tags        []string
	URL         string
	Source      string
	PublishedAt time.Time
	FirstSeenAt time.Time
}

// Analysis is the structured model output for a paper.
type Analysis struct {
	ID          string
	PaperID     string
	RunID       string
	Summary     string
	Relevance   float64
	Novelty     float64
	Keywords    []string
	Provider    string
	RawRef      string
	Flagged     bool
	Current     bool
	GeneratedAt time.Time
}

// AnalysisPending marks a paper whose analysis failed on every provider.
type AnalysisPending struct {
	PaperID   string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// SocialSignal is the buzz observed for a paper on one platform during one run.
type SocialSignal struct {
	PaperID     string
	Platform    string
	RunID       string
	RawCount    float64
	Buzz        float64
	CollectedAt time.Time
}

// HotScoreComponents is the explainable breakdown of a hot score.
type HotScoreComponents struct {
	Relevance float64
	Novelty   float64
	Buzz      float64
	Decay     float64
}

// HotScore is the composite ranking value of a paper for one run.
type HotScore struct {
	PaperID    string
	RunID      string
	Score      float64
	Components HotScoreComponents
	ComputedAt time.Time
}

// ClusterTrend describes how a cluster changed against the previous run.
type ClusterTrend string

const (
	TrendStable  ClusterTrend = "stable"
	TrendNew     ClusterTrend = "new"
	TrendGrowing ClusterTrend = "growing"
)

// Cluster groups semantically close papers of a run.
type Cluster struct {
	ID          string
	RunID       string
	Label       string
	Centroid    []float64
	MemberIDs   []string
	AvgHotScore float64
	Trend       ClusterTrend
	CreatedAt   time.Time
}

// Frequency is a user's preferred delivery cadence.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Preferences narrow and bias a user's recommendations.
type Preferences struct {
	MinNovelty          float64  `json:"min_novelty,omitempty"`
	MinHot              float64  `json:"min_hot,omitempty"`
	PreferredCategories []string `json:"preferred_categories,omitempty"`
	ExcludedCategories  []string `json:"excluded_categories,omitempty"`
}

// User is the read-only view of a dashboard user and their declared interests.
type User struct {
	ID          string
	Name        string
	Interests   []string
	Frequency   Frequency
	Active      bool
	Contact     string // delivery address, e.g. a Telegram chat id
	Preferences Preferences
}

// RecommendedPaper is a single ranked entry of a recommendation list.
type RecommendedPaper struct {
	PaperID    string
	MatchScore float64
	HotScore   float64
	Reasons    []string
}

// Recommendation is the ranked list produced for one user in one run.
type Recommendation struct {
	UserID      string
	RunID       string
	Items       []RecommendedPaper
	GeneratedAt time.Time
	Delivered   bool
}

// PaperIDs lists the recommended paper ids in rank order.
func (r Recommendation) PaperIDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		ids = append(ids, item.PaperID)
	}
	return ids
}

// MergeTags returns the sorted union of existing and extra tags, ignoring blanks and case duplicates.
func MergeTags(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	merged := make([]string, 0, len(existing)+len(extra))
	for _, tag := range append(append([]string{}, existing...), extra...) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, tag)
	}
	sort.Strings(merged)
	return merged
}
