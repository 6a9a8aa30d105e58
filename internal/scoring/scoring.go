// Package scoring computes buzz normalization and the composite hot score.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"papertrail/internal/domain"
)

const weightTolerance = 1e-9

// Weights are the hot score coefficients; they must sum to 1.
type Weights struct {
	Relevance float64
	Novelty   float64
	Buzz      float64
}

// Validate rejects negative weights and sums that differ from 1.
func (w Weights) Validate() error {
	if w.Relevance < 0 || w.Novelty < 0 || w.Buzz < 0 {
		return &domain.ConfigurationError{Field: "scoring", Reason: "weights must be non-negative"}
	}
	if sum := w.Relevance + w.Novelty + w.Buzz; math.Abs(sum-1) > weightTolerance {
		return &domain.ConfigurationError{Field: "scoring", Reason: fmt.Sprintf("weights sum to %g, want 1", sum)}
	}
	return nil
}

// Calculator computes hot scores relative to a fixed reference time.
type Calculator struct {
	weights  Weights
	halfLife float64
}

// NewCalculator validates weights and the half-life in days.
func NewCalculator(weights Weights, halfLifeDays float64) (*Calculator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if halfLifeDays <= 0 {
		return nil, &domain.ConfigurationError{Field: "scoring.halfLifeDays", Reason: "must be positive"}
	}
	return &Calculator{weights: weights, halfLife: halfLifeDays}, nil
}

// Input carries the per-paper signals. A nil Analysis scores relevance and novelty as 0.
type Input struct {
	Paper    domain.Paper
	Analysis *domain.Analysis
	Buzz     float64
}

// Decay returns exp(-age/halfLife) with age measured in days from publishedAt to asOf; negative ages count as 0.
func (c *Calculator) Decay(publishedAt, asOf time.Time) float64 {
	age := asOf.Sub(publishedAt).Hours() / 24
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / c.halfLife)
}

// Score computes the hot score of one paper.
func (c *Calculator) Score(in Input, runID string, asOf time.Time) domain.HotScore {
	var rel, nov float64
	if in.Analysis != nil {
		rel = clamp01(in.Analysis.Relevance)
		nov = clamp01(in.Analysis.Novelty)
	}
	buzz := clamp01(in.Buzz)
	decay := c.Decay(in.Paper.PublishedAt, asOf)

	score := c.weights.Relevance*rel + c.weights.Novelty*nov + c.weights.Buzz*buzz*decay
	return domain.HotScore{
		PaperID: in.Paper.ID,
		RunID:   runID,
		Score:   clamp01(score),
		Components: domain.HotScoreComponents{
			Relevance: rel,
			Novelty:   nov,
			Buzz:      buzz,
			Decay:     decay,
		},
		ComputedAt: asOf,
	}
}

// ScoreAll scores every input and returns the results ordered by paper id.
func (c *Calculator) ScoreAll(inputs []Input, runID string, asOf time.Time) []domain.HotScore {
	scores := make([]domain.HotScore, 0, len(inputs))
	for _, in := range inputs {
		scores = append(scores, c.Score(in, runID, asOf))
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].PaperID < scores[j].PaperID })
	return scores
}

// NormalizeBuzz maps raw engagement to [0,1] as min(1, log1p(raw)/log1p(baseline*saturation)).
func NormalizeBuzz(raw, baseline, saturation float64) float64 {
	if raw <= 0 {
		return 0
	}
	ceiling := math.Log1p(baseline * saturation)
	if ceiling <= 0 {
		return 1
	}
	return math.Min(1, math.Log1p(raw)/ceiling)
}

// CombineBuzz averages per-platform buzz weighted by platform weights; only responding platforms count.
func CombineBuzz(buzz map[string]float64, weights map[string]float64) float64 {
	var total, weightSum float64
	for platform, value := range buzz {
		w := weights[platform]
		if w <= 0 {
			continue
		}
		total += w * value
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return clamp01(total / weightSum)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
