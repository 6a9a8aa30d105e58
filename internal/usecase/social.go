package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
	"papertrail/internal/scoring"
)

// SocialResult summarizes a signal collection pass.
type SocialResult struct {
	Looked  int
	Signals int
	// Silent lists papers for which every platform failed.
	Silent []string
}

// SocialAggregator gathers per-platform engagement and normalizes it into buzz.
type SocialAggregator struct {
	platforms []ports.SocialPlatform
	store     ports.SignalStore
	cfg       config.SocialConfig
	defaults  map[string]float64
	logger    *slog.Logger
}

// NewSocialAggregator wires the enabled platforms.
func NewSocialAggregator(platforms []ports.SocialPlatform, store ports.SignalStore, cfg config.SocialConfig, logger *slog.Logger) *SocialAggregator {
	defaults := make(map[string]float64, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		defaults[p.Name] = p.DefaultBaseline
	}
	return &SocialAggregator{
		platforms: platforms,
		store:     store,
		cfg:       cfg,
		defaults:  defaults,
		logger:    logging.Component(logger, "social"),
	}
}

// Collect looks every paper up on every platform and stores one signal per answer.
// Baselines are the rolling mean engagement of earlier runs.
func (s *SocialAggregator) Collect(ctx context.Context, run domain.Run, papers []domain.Paper) (SocialResult, error) {
	result := SocialResult{Looked: len(papers)}
	if len(papers) == 0 || len(s.platforms) == 0 {
		return result, nil
	}

	baselines, err := s.baselines(ctx, run)
	if err != nil {
		return result, err
	}

	var (
		mu      sync.Mutex
		signals []domain.SocialSignal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, paper := range papers {
		g.Go(func() error {
			ref := ports.PaperRef{ID: paper.ID, Title: paper.Title, Tags: paper.Tags}
			var found []domain.SocialSignal
			for _, platform := range s.platforms {
				engagement, err := s.lookup(gctx, platform, ref)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					s.logger.Debug("platform omitted", "platform", platform.Name(), "paper", paper.ID, "kind", domain.KindOf(err), "error", err)
					continue
				}
				found = append(found, domain.SocialSignal{
					PaperID:     paper.ID,
					Platform:    platform.Name(),
					RunID:       run.ID,
					RawCount:    engagement.Count,
					Buzz:        scoring.NormalizeBuzz(engagement.Count, baselines[platform.Name()], s.cfg.Saturation),
					CollectedAt: run.AsOf,
				})
			}

			mu.Lock()
			defer mu.Unlock()
			if len(found) == 0 {
				result.Silent = append(result.Silent, paper.ID)
				return nil
			}
			signals = append(signals, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].PaperID != signals[j].PaperID {
			return signals[i].PaperID < signals[j].PaperID
		}
		return signals[i].Platform < signals[j].Platform
	})
	if err := s.store.SaveSignals(ctx, signals); err != nil {
		return result, fmt.Errorf("save signals: %w", err)
	}
	sort.Strings(result.Silent)
	result.Signals = len(signals)

	s.logger.Info("social signals collected", "papers", len(papers), "signals", len(signals), "silent", len(result.Silent))
	return result, nil
}

func (s *SocialAggregator) lookup(ctx context.Context, platform ports.SocialPlatform, ref ports.PaperRef) (ports.Engagement, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return platform.Lookup(ctx, ref)
}

func (s *SocialAggregator) baselines(ctx context.Context, run domain.Run) (map[string]float64, error) {
	window := s.cfg.BaselineWindow
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	means, err := s.store.MeanEngagement(ctx, run.AsOf.Add(-window), run.ID)
	if err != nil {
		return nil, fmt.Errorf("load engagement baselines: %w", err)
	}
	out := make(map[string]float64, len(s.platforms))
	for _, p := range s.platforms {
		baseline := means[p.Name()]
		if baseline <= 0 {
			baseline = s.defaults[p.Name()]
		}
		if baseline <= 0 {
			baseline = 1
		}
		out[p.Name()] = baseline
	}
	return out, nil
}

// Weights returns the configured weight of every platform.
func (s *SocialAggregator) Weights() map[string]float64 {
	weights := make(map[string]float64, len(s.cfg.Platforms))
	for _, p := range s.cfg.Platforms {
		weights[p.Name] = p.Weight
	}
	return weights
}

// CombinedBuzz folds stored per-platform signals into one buzz value per paper.
func CombinedBuzz(signals []domain.SocialSignal, weights map[string]float64) map[string]float64 {
	perPaper := map[string]map[string]float64{}
	for _, sig := range signals {
		if perPaper[sig.PaperID] == nil {
			perPaper[sig.PaperID] = map[string]float64{}
		}
		perPaper[sig.PaperID][sig.Platform] = sig.Buzz
	}
	out := make(map[string]float64, len(perPaper))
	for id, buzz := range perPaper {
		out[id] = scoring.CombineBuzz(buzz, weights)
	}
	return out
}
