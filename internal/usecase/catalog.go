package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"papertrail/internal/clustering"
	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

const defaultWindow = 7 * 24 * time.Hour

// TrendingPaper is one entry of a run-wide hot list.
type TrendingPaper struct {
	Paper   domain.Paper
	Hot     domain.HotScore
	Cluster string
}

// SimilarPaper is a paper close to a target in embedding space.
type SimilarPaper struct {
	Paper      domain.Paper
	Similarity float64
}

// Catalog answers read-only questions about stored runs and papers.
type Catalog struct {
	repo     ports.Repository
	embedder ports.Embedder
	cfg      config.Config
	clock    func() time.Time
}

// NewCatalog wires the repository and the embedder used for similarity lookups.
func NewCatalog(repo ports.Repository, embedder ports.Embedder, cfg config.Config, clock func() time.Time) *Catalog {
	if clock == nil {
		clock = time.Now
	}
	return &Catalog{repo: repo, embedder: embedder, cfg: cfg, clock: clock}
}

func (c *Catalog) window() time.Duration {
	if c.cfg.Scoring.Window <= 0 {
		return defaultWindow
	}
	return c.cfg.Scoring.Window
}

// scopePapers lists papers inside the scoring window that carry one of the run's topics.
func (c *Catalog) scopePapers(ctx context.Context, run domain.Run) ([]domain.Paper, error) {
	papers, err := c.repo.ListPapers(ctx, ports.PaperFilter{
		PublishedSince: run.AsOf.Add(-c.window()),
		AnyTag:         run.Topics,
	})
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	return papers, nil
}

// Candidates joins a run's scored papers with their clusters. The map holds every paper in scope.
func (c *Catalog) Candidates(ctx context.Context, run domain.Run) ([]Candidate, map[string]domain.Paper, error) {
	papers, err := c.scopePapers(ctx, run)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]domain.Paper, len(papers))
	for _, paper := range papers {
		byID[paper.ID] = paper
	}

	scores, err := c.repo.HotScoresForRun(ctx, run.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load hot scores: %w", err)
	}
	clusters, err := c.repo.ClustersForRun(ctx, run.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load clusters: %w", err)
	}
	clusterOf := map[string]domain.Cluster{}
	for _, cl := range clusters {
		for _, id := range cl.MemberIDs {
			clusterOf[id] = cl
		}
	}

	candidates := make([]Candidate, 0, len(scores))
	for _, s := range scores {
		paper, ok := byID[s.PaperID]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Paper: paper, Hot: s, Cluster: clusterOf[s.PaperID]})
	}
	return candidates, byID, nil
}

// Trending returns the run's papers with a hot score above the configured minimum,
// hottest first. A non-positive limit uses the configured size.
func (c *Catalog) Trending(ctx context.Context, runID string, limit int) ([]TrendingPaper, error) {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	candidates, _, err := c.Candidates(ctx, run)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.cfg.Recommendation.TrendingSize
	}
	return RankTrending(candidates, c.cfg.Recommendation.TrendingMinHot, limit), nil
}

// RankTrending orders candidates by hot score desc, paper id asc, keeping those above minHot.
func RankTrending(candidates []Candidate, minHot float64, limit int) []TrendingPaper {
	out := []TrendingPaper{}
	for _, cand := range candidates {
		if cand.Hot.Score <= minHot {
			continue
		}
		out = append(out, TrendingPaper{Paper: cand.Paper, Hot: cand.Hot, Cluster: cand.Cluster.Label})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hot.Score != out[j].Hot.Score {
			return out[i].Hot.Score > out[j].Hot.Score
		}
		return out[i].Paper.ID < out[j].Paper.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Similar ranks papers published inside the scoring window by cosine similarity to paperID.
// The target itself is never part of the result.
func (c *Catalog) Similar(ctx context.Context, paperID string, limit int) ([]SimilarPaper, error) {
	target, err := c.repo.GetPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.cfg.Recommendation.SimilarSize
	}

	pool, err := c.repo.ListPapers(ctx, ports.PaperFilter{PublishedSince: c.clock().Add(-c.window())})
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	papers := []domain.Paper{target}
	ids := []string{target.ID}
	for _, p := range pool {
		if p.ID == target.ID {
			continue
		}
		papers = append(papers, p)
		ids = append(ids, p.ID)
	}
	if len(papers) == 1 {
		return []SimilarPaper{}, nil
	}

	analyses, err := c.repo.CurrentAnalyses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load analyses: %w", err)
	}
	texts := make([]string, len(papers))
	for i, p := range papers {
		texts[i] = EmbeddingText(p, analyses[p.ID])
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed papers: %w", err)
	}
	if len(vectors) != len(papers) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d papers", len(vectors), len(papers))
	}

	out := make([]SimilarPaper, 0, len(papers)-1)
	for i := 1; i < len(papers); i++ {
		out = append(out, SimilarPaper{Paper: papers[i], Similarity: clustering.Cosine(vectors[0], vectors[i])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Paper.ID < out[j].Paper.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
