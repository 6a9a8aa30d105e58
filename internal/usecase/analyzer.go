package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"papertrail/internal/domain"
	"papertrail/internal/ids"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
)

// AnalysisStore is the slice of the repository the analyzer needs.
type AnalysisStore interface {
	ports.AnalysisStore
	GetPaper(ctx context.Context, id string) (domain.Paper, error)
}

// AnalyzeResult summarizes an analysis pass.
type AnalyzeResult struct {
	Attempted int
	Analyzed  []string
	Flagged   []string
	Pending   []string
}

// Analyzer sends abstracts through a ranked provider list with fallback.
type Analyzer struct {
	providers   []ports.LLMProvider
	store       AnalysisStore
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewAnalyzer keeps the providers in rank order.
func NewAnalyzer(providers []ports.LLMProvider, store AnalysisStore, timeout time.Duration, concurrency int, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		providers:   providers,
		store:       store,
		timeout:     timeout,
		concurrency: max(concurrency, 1),
		logger:      logging.Component(logger, "analyzer"),
	}
}

// Analyze creates a current analysis for every paper lacking one, plus papers left pending by
// earlier runs. A paper every provider failed on is marked pending and the batch continues.
func (a *Analyzer) Analyze(ctx context.Context, run domain.Run, papers []domain.Paper) (AnalyzeResult, error) {
	var result AnalyzeResult

	pending, err := a.store.PendingAnalyses(ctx)
	if err != nil {
		return result, fmt.Errorf("load pending analyses: %w", err)
	}
	attempts := make(map[string]int, len(pending))
	for _, p := range pending {
		attempts[p.PaperID] = p.Attempts
	}

	candidates := make(map[string]domain.Paper, len(papers)+len(pending))
	for _, p := range papers {
		candidates[p.ID] = p
	}
	for _, p := range pending {
		if _, ok := candidates[p.PaperID]; ok {
			continue
		}
		paper, err := a.store.GetPaper(ctx, p.PaperID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return result, fmt.Errorf("load pending paper %s: %w", p.PaperID, err)
		}
		candidates[p.PaperID] = paper
	}

	paperIDs := make([]string, 0, len(candidates))
	for id := range candidates {
		paperIDs = append(paperIDs, id)
	}
	sort.Strings(paperIDs)

	current, err := a.store.CurrentAnalyses(ctx, paperIDs)
	if err != nil {
		return result, fmt.Errorf("load current analyses: %w", err)
	}

	var todo []domain.Paper
	for _, id := range paperIDs {
		if _, ok := current[id]; !ok {
			todo = append(todo, candidates[id])
		}
	}
	result.Attempted = len(todo)
	if len(todo) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, paper := range todo {
		g.Go(func() error {
			analysis, err := a.analyzeOne(gctx, run, paper)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				marker := domain.AnalysisPending{
					PaperID:   paper.ID,
					Attempts:  attempts[paper.ID] + 1,
					LastError: err.Error(),
					UpdatedAt: run.AsOf,
				}
				if err := a.store.MarkAnalysisPending(gctx, marker); err != nil {
					return fmt.Errorf("mark %s pending: %w", paper.ID, err)
				}
				a.logger.Warn("analysis pending", "paper", paper.ID, "attempts", marker.Attempts, "error", err)
				mu.Lock()
				result.Pending = append(result.Pending, paper.ID)
				mu.Unlock()
				return nil
			}

			if err := a.store.SaveAnalysis(gctx, analysis); err != nil {
				return fmt.Errorf("save analysis of %s: %w", paper.ID, err)
			}
			mu.Lock()
			result.Analyzed = append(result.Analyzed, paper.ID)
			if analysis.Flagged {
				result.Flagged = append(result.Flagged, paper.ID)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sort.Strings(result.Analyzed)
	sort.Strings(result.Flagged)
	sort.Strings(result.Pending)
	a.logger.Info("analysis finished",
		"attempted", result.Attempted,
		"analyzed", len(result.Analyzed),
		"flagged", len(result.Flagged),
		"pending", len(result.Pending))
	return result, nil
}

// analyzeOne walks the providers in rank order until one answers.
func (a *Analyzer) analyzeOne(ctx context.Context, run domain.Run, paper domain.Paper) (domain.Analysis, error) {
	if len(a.providers) == 0 {
		return domain.Analysis{}, &domain.ConfigurationError{Field: "analysis.providers", Reason: "no usable provider"}
	}

	var errs []error
	for _, provider := range a.providers {
		if err := ctx.Err(); err != nil {
			return domain.Analysis{}, err
		}
		res, err := a.call(ctx, provider, paper)
		if err != nil {
			a.logger.Debug("provider failed", "provider", provider.Name(), "paper", paper.ID, "kind", domain.KindOf(err), "error", err)
			errs = append(errs, err)
			continue
		}

		analysis := domain.Analysis{
			ID:          ids.Analysis(paper.ID, run.ID),
			PaperID:     paper.ID,
			RunID:       run.ID,
			Summary:     res.Summary,
			Keywords:    res.Keywords,
			Provider:    provider.Name(),
			RawRef:      rawRef(provider.Name(), res.Raw),
			GeneratedAt: run.AsOf,
		}
		var rel, nov *domain.DataQualityError
		analysis.Relevance, rel = clampScore(paper.ID, "relevance", res.Relevance)
		analysis.Novelty, nov = clampScore(paper.ID, "novelty", res.Novelty)
		for _, dq := range []*domain.DataQualityError{rel, nov} {
			if dq != nil {
				analysis.Flagged = true
				a.logger.Warn("provider value clamped", "provider", provider.Name(), "error", dq)
			}
		}
		return analysis, nil
	}
	return domain.Analysis{}, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (a *Analyzer) call(ctx context.Context, provider ports.LLMProvider, paper domain.Paper) (ports.AnalysisResult, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return provider.Analyze(ctx, paper.Title, paper.Abstract)
}

// clampScore bounds v to [0,1]; a value outside the range yields a DataQualityError.
func clampScore(paperID, field string, v float64) (float64, *domain.DataQualityError) {
	switch {
	case math.IsNaN(v):
		return 0, &domain.DataQualityError{PaperID: paperID, Field: field, Value: v}
	case v < 0:
		return 0, &domain.DataQualityError{PaperID: paperID, Field: field, Value: v}
	case v > 1:
		return 1, &domain.DataQualityError{PaperID: paperID, Field: field, Value: v}
	}
	return v, nil
}

func rawRef(provider, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return provider + ":sha256:" + hex.EncodeToString(sum[:8])
}
