package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
)

// Candidate is a scored paper with its cluster context.
type Candidate struct {
	Paper   domain.Paper
	Hot     domain.HotScore
	Cluster domain.Cluster
}

// RecommendResult lists the saved recommendations and the users that failed.
type RecommendResult struct {
	Recommendations []domain.Recommendation
	FailedUsers     []string
}

// Recommender ranks candidates per user by topical match and hot score.
type Recommender struct {
	store  ports.RecommendationStore
	cfg    config.RecommendationConfig
	logger *slog.Logger
}

// NewRecommender wires the recommendation store.
func NewRecommender(store ports.RecommendationStore, cfg config.RecommendationConfig, logger *slog.Logger) *Recommender {
	return &Recommender{store: store, cfg: cfg, logger: logging.Component(logger, "recommender")}
}

// Recommend builds and saves one list per user. A failing user does not affect the others.
func (r *Recommender) Recommend(ctx context.Context, run domain.Run, users []domain.User, candidates []Candidate) (RecommendResult, error) {
	var (
		mu     sync.Mutex
		result RecommendResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Concurrency, 1))
	for _, user := range users {
		g.Go(func() error {
			rec, err := r.recommendUser(gctx, run, user, candidates)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("recommendation failed", "user", user.ID, "error", err)
				result.FailedUsers = append(result.FailedUsers, user.ID)
				return nil
			}
			result.Recommendations = append(result.Recommendations, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sort.Slice(result.Recommendations, func(i, j int) bool {
		return result.Recommendations[i].UserID < result.Recommendations[j].UserID
	})
	sort.Strings(result.FailedUsers)
	r.logger.Info("recommendations built", "users", len(users), "failed", len(result.FailedUsers))
	return result, nil
}

func (r *Recommender) recommendUser(ctx context.Context, run domain.Run, user domain.User, candidates []Candidate) (domain.Recommendation, error) {
	recent, err := r.store.RecentlyRecommended(ctx, user.ID, run.AsOf.Add(-r.cfg.Cooldown), run.ID)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("load cool-down history: %w", err)
	}

	rec := domain.Recommendation{
		UserID:      user.ID,
		RunID:       run.ID,
		Items:       Rank(user, candidates, recent, r.cfg),
		GeneratedAt: run.AsOf,
	}
	if err := r.store.SaveRecommendation(ctx, rec); err != nil {
		return domain.Recommendation{}, fmt.Errorf("save recommendation: %w", err)
	}
	return rec, nil
}

// Rank scores candidates for one user, drops those under the topical floor, in cool-down
// or rejected by the user's preferences, and orders by match desc, hot desc, paper id asc.
// Papers in a preferred category get PreferenceBoost added to their match score.
func Rank(user domain.User, candidates []Candidate, excluded map[string]bool, cfg config.RecommendationConfig) []domain.RecommendedPaper {
	interests := normalizeInterests(user.Interests)
	if len(interests) == 0 {
		return []domain.RecommendedPaper{}
	}
	prefs := user.Preferences
	preferred := normalizeInterests(prefs.PreferredCategories)
	banned := normalizeInterests(prefs.ExcludedCategories)

	seen := map[string]bool{}
	items := []domain.RecommendedPaper{}
	for _, c := range candidates {
		id := c.Paper.ID
		if seen[id] || excluded[id] {
			continue
		}
		seen[id] = true
		if c.Hot.Score < prefs.MinHot || c.Hot.Components.Novelty < prefs.MinNovelty {
			continue
		}
		if len(matchCategories(banned, c.Paper)) > 0 {
			continue
		}

		matched, reasons := matchInterests(interests, c)
		topical := float64(matched) / float64(len(interests))
		if topical < cfg.TopicalFloor || matched == 0 {
			continue
		}
		score := cfg.TopicWeight*topical + cfg.HotWeight*c.Hot.Score
		if cats := matchCategories(preferred, c.Paper); len(cats) > 0 {
			score += cfg.PreferenceBoost
			for _, cat := range cats {
				reasons = append(reasons, "preferred:"+cat)
			}
		}
		if c.Hot.Components.Buzz >= cfg.TrendingThreshold || c.Cluster.Trend == domain.TrendGrowing {
			reasons = append(reasons, "trending")
		}
		if c.Hot.Components.Novelty >= cfg.NoveltyThreshold {
			reasons = append(reasons, "novel")
		}
		items = append(items, domain.RecommendedPaper{
			PaperID:    id,
			MatchScore: score,
			HotScore:   c.Hot.Score,
			Reasons:    reasons,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.MatchScore != b.MatchScore {
			return a.MatchScore > b.MatchScore
		}
		if a.HotScore != b.HotScore {
			return a.HotScore > b.HotScore
		}
		return a.PaperID < b.PaperID
	})
	if cfg.ListSize > 0 && len(items) > cfg.ListSize {
		items = items[:cfg.ListSize]
	}
	return items
}

// matchInterests counts interests matched by a tag, the cluster label or the title.
// Each interest contributes one reason, the first that applies.
func matchInterests(interests []string, c Candidate) (int, []string) {
	tags := make(map[string]string, len(c.Paper.Tags))
	for _, t := range c.Paper.Tags {
		tags[strings.ToLower(t)] = t
	}
	label := strings.ToLower(c.Cluster.Label)
	title := " " + strings.Join(strings.FieldsFunc(strings.ToLower(c.Paper.Title), notWordRune), " ") + " "

	matched := 0
	var reasons []string
	for _, interest := range interests {
		switch {
		case tags[interest] != "":
			reasons = append(reasons, "tag:"+tags[interest])
		case label != "" && (label == interest || strings.Contains(label, interest)):
			reasons = append(reasons, "cluster:"+c.Cluster.Label)
		case strings.Contains(title, " "+interest+" "):
			reasons = append(reasons, "title:"+interest)
		default:
			continue
		}
		matched++
	}
	return matched, dedupe(reasons)
}

// matchCategories returns the paper's tags, in tag order, that appear in categories.
func matchCategories(categories []string, paper domain.Paper) []string {
	if len(categories) == 0 {
		return nil
	}
	var out []string
	for _, t := range paper.Tags {
		if slices.Contains(categories, strings.ToLower(t)) {
			out = append(out, t)
		}
	}
	return dedupe(out)
}

func normalizeInterests(raw []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		v := strings.Join(strings.Fields(strings.ToLower(r)), " ")
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func notWordRune(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r > 127)
}

func dedupe(values []string) []string {
	seen := map[string]bool{}
	out := values[:0]
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
