package scoring

import (
	"math"
	"testing"
	"time"

	"papertrail/internal/domain"
)

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(Weights{Relevance: 0.5, Novelty: 0.3, Buzz: 0.2}, 7)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	return calc
}

func TestScoreMatchesFormula(t *testing.T) {
	t.Parallel()

	calc := newCalculator(t)
	asOf := time.Date(2026, time.October, 19, 0, 0, 0, 0, time.UTC)
	in := Input{
		Paper:    domain.Paper{ID: "2410.00001", PublishedAt: asOf.Add(-48 * time.Hour)},
		Analysis: &domain.Analysis{Relevance: 0.8, Novelty: 0.6},
		Buzz:     0.4,
	}

	got := calc.Score(in, "run", asOf)
	want := 0.5*0.8 + 0.3*0.6 + 0.2*0.4*math.Exp(-2.0/7.0)
	if math.Abs(got.Score-want) > 1e-12 {
		t.Fatalf("score = %.12f, want %.12f", got.Score, want)
	}
	if math.Abs(got.Components.Decay-math.Exp(-2.0/7.0)) > 1e-12 {
		t.Fatalf("unexpected decay: %v", got.Components.Decay)
	}
	if got.ComputedAt != asOf {
		t.Fatalf("computed-at must be the reference time")
	}
}

func TestScoreWithoutAnalysisUsesZero(t *testing.T) {
	t.Parallel()

	calc := newCalculator(t)
	asOf := time.Now()
	got := calc.Score(Input{Paper: domain.Paper{ID: "p", PublishedAt: asOf}, Buzz: 0.5}, "run", asOf)
	if got.Components.Relevance != 0 || got.Components.Novelty != 0 {
		t.Fatalf("expected zero relevance and novelty: %+v", got.Components)
	}
	if math.Abs(got.Score-0.1) > 1e-12 {
		t.Fatalf("unexpected score: %v", got.Score)
	}
}

func TestFuturePublicationDoesNotAmplify(t *testing.T) {
	t.Parallel()

	calc := newCalculator(t)
	asOf := time.Now()
	if d := calc.Decay(asOf.Add(72*time.Hour), asOf); d != 1 {
		t.Fatalf("negative age must decay as zero, got %v", d)
	}
}

func TestScoreBounds(t *testing.T) {
	t.Parallel()

	calc := newCalculator(t)
	asOf := time.Now()
	inputs := []Input{
		{Paper: domain.Paper{ID: "b", PublishedAt: asOf}, Analysis: &domain.Analysis{Relevance: 1, Novelty: 1}, Buzz: 1},
		{Paper: domain.Paper{ID: "a", PublishedAt: asOf.Add(-1000 * time.Hour)}, Analysis: &domain.Analysis{Relevance: 3, Novelty: -1}, Buzz: 7},
		{Paper: domain.Paper{ID: "c"}},
	}
	scores := calc.ScoreAll(inputs, "run", asOf)
	if scores[0].PaperID != "a" || scores[2].PaperID != "c" {
		t.Fatalf("expected id order, got %s %s %s", scores[0].PaperID, scores[1].PaperID, scores[2].PaperID)
	}
	for _, s := range scores {
		if s.Score < 0 || s.Score > 1 {
			t.Fatalf("score out of bounds: %+v", s)
		}
	}
	if math.Abs(scores[1].Score-1) > 1e-12 {
		t.Fatalf("max inputs should score 1, got %v", scores[1].Score)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	calc := newCalculator(t)
	asOf := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	in := Input{Paper: domain.Paper{ID: "x", PublishedAt: asOf.Add(-30 * time.Hour)}, Analysis: &domain.Analysis{Relevance: 0.3, Novelty: 0.9}, Buzz: 0.25}
	if calc.Score(in, "r", asOf) != calc.Score(in, "r", asOf) {
		t.Fatalf("repeated scoring differs")
	}
}

func TestWeightsValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCalculator(Weights{Relevance: 0.5, Novelty: 0.3, Buzz: 0.3}, 7); !domain.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewCalculator(Weights{Relevance: 0.5, Novelty: 0.3, Buzz: 0.2}, 0); !domain.IsConfiguration(err) {
		t.Fatalf("expected half-life error, got %v", err)
	}
	if _, err := NewCalculator(Weights{Relevance: 1.2, Novelty: -0.2, Buzz: 0}, 7); !domain.IsConfiguration(err) {
		t.Fatalf("expected negative weight error, got %v", err)
	}
}

func TestNormalizeBuzz(t *testing.T) {
	t.Parallel()

	if NormalizeBuzz(0, 10, 10) != 0 {
		t.Fatalf("zero engagement must be zero buzz")
	}
	if NormalizeBuzz(1e9, 10, 10) != 1 {
		t.Fatalf("huge engagement must saturate")
	}
	want := math.Log1p(10) / math.Log1p(100)
	if got := NormalizeBuzz(10, 10, 10); math.Abs(got-want) > 1e-12 {
		t.Fatalf("NormalizeBuzz = %v, want %v", got, want)
	}
	if NormalizeBuzz(5, 20, 10) >= NormalizeBuzz(50, 20, 10) {
		t.Fatalf("buzz must grow with engagement")
	}
}

func TestCombineBuzzIgnoresMissingPlatforms(t *testing.T) {
	t.Parallel()

	weights := map[string]float64{"reddit": 0.5, "hackernews": 0.25, "huggingface": 0.25}
	got := CombineBuzz(map[string]float64{"reddit": 0.8, "hackernews": 0.2}, weights)
	want := (0.5*0.8 + 0.25*0.2) / 0.75
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("CombineBuzz = %v, want %v", got, want)
	}
	if CombineBuzz(nil, weights) != 0 {
		t.Fatalf("no responders must give zero buzz")
	}
}
