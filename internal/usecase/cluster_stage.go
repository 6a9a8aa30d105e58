package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"papertrail/internal/clustering"
	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ids"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
)

// ClusterStage embeds scored papers, clusters them and carries identities over from the previous run.
type ClusterStage struct {
	embedder ports.Embedder
	store    ports.ScoreStore
	cfg      config.ClusteringConfig
	logger   *slog.Logger
}

// NewClusterStage wires the embedder and score store.
func NewClusterStage(embedder ports.Embedder, store ports.ScoreStore, cfg config.ClusteringConfig, logger *slog.Logger) *ClusterStage {
	return &ClusterStage{embedder: embedder, store: store, cfg: cfg, logger: logging.Component(logger, "clusterer")}
}

// Cluster places every paper in exactly one cluster and persists the run's clusters.
func (c *ClusterStage) Cluster(ctx context.Context, run domain.Run, papers []domain.Paper, analyses map[string]domain.Analysis, scores []domain.HotScore) ([]domain.Cluster, error) {
	if len(papers) == 0 {
		return nil, c.store.SaveClusters(ctx, run.ID, nil)
	}

	sorted := append([]domain.Paper(nil), papers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	texts := make([]string, len(sorted))
	for i, p := range sorted {
		texts[i] = EmbeddingText(p, analyses[p.ID])
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed papers: %w", err)
	}
	if len(vectors) != len(sorted) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d papers", len(vectors), len(sorted))
	}

	items := make([]clustering.Item, len(sorted))
	for i, p := range sorted {
		items[i] = clustering.Item{ID: p.ID, Vector: vectors[i], Tags: p.Tags}
	}
	groups := clustering.KMeans(items, c.cfg.TargetClusters, c.cfg.MaxIterations)

	previous, err := c.store.PreviousClusters(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("load previous clusters: %w", err)
	}
	prevByID := make(map[string]domain.Cluster, len(previous))
	for _, p := range previous {
		prevByID[p.ID] = p
	}
	matched := clustering.Match(groups, previous, c.cfg.MatchThreshold)

	hot := make(map[string]float64, len(scores))
	for _, s := range scores {
		hot[s.PaperID] = s.Score
	}

	clusters := make([]domain.Cluster, 0, len(groups))
	for i, g := range groups {
		cluster := domain.Cluster{
			ID:        ids.Cluster(run.ID, g.MemberIDs),
			RunID:     run.ID,
			Label:     g.Label,
			Centroid:  g.Centroid,
			MemberIDs: g.MemberIDs,
			CreatedAt: run.AsOf,
		}
		var predecessor *domain.Cluster
		if prevID, ok := matched[i]; ok {
			cluster.ID = prevID
			p := prevByID[prevID]
			predecessor = &p
		}
		cluster.Trend = clustering.Trend(len(g.MemberIDs), predecessor, c.cfg.GrowthThreshold)

		var total float64
		for _, id := range g.MemberIDs {
			total += hot[id]
		}
		cluster.AvgHotScore = total / float64(len(g.MemberIDs))
		clusters = append(clusters, cluster)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })

	if err := c.store.SaveClusters(ctx, run.ID, clusters); err != nil {
		return nil, fmt.Errorf("save clusters: %w", err)
	}
	c.logger.Info("clusters built", "papers", len(sorted), "clusters", len(clusters), "inherited", len(matched))
	return clusters, nil
}

// EmbeddingText prefers the model summary and falls back to title and abstract.
func EmbeddingText(paper domain.Paper, analysis domain.Analysis) string {
	if s := strings.TrimSpace(analysis.Summary); s != "" {
		return s
	}
	return strings.TrimSpace(paper.Title + ". " + paper.Abstract)
}
