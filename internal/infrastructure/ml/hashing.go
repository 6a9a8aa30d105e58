package ml

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"papertrail/internal/ports"
)

// HashingEmbedder projects word unigrams and bigrams into a fixed number of buckets.
// It needs no network and is deterministic, so it backs offline runs and tests.
type HashingEmbedder struct {
	dimensions int
}

var _ ports.Embedder = (*HashingEmbedder)(nil)

// NewHashingEmbedder builds an embedder with the given vector length (minimum 8).
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions < 8 {
		dimensions = 8
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Embed never fails.
func (h *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = h.vector(text)
	}
	return vectors, nil
}

func (h *HashingEmbedder) vector(text string) []float64 {
	vec := make([]float64, h.dimensions)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (h *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	sign := 1.0
	if sum&(1<<63) != 0 {
		sign = -1
	}
	vec[sum%uint64(len(vec))] += sign * weight
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "by": {}, "for": {}, "from": {}, "in": {},
	"is": {}, "of": {}, "on": {}, "our": {}, "that": {}, "the": {}, "this": {}, "to": {}, "we": {}, "with": {},
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop || len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// FallbackEmbedder uses the primary embedder and switches to the secondary for a whole batch
// when the primary fails, so vectors in one batch always share a space.
type FallbackEmbedder struct {
	primary   ports.Embedder
	secondary ports.Embedder
	logger    *slog.Logger
}

var _ ports.Embedder = (*FallbackEmbedder)(nil)

// NewFallbackEmbedder wires both embedders.
func NewFallbackEmbedder(primary, secondary ports.Embedder, logger *slog.Logger) *FallbackEmbedder {
	return &FallbackEmbedder{primary: primary, secondary: secondary, logger: logger}
}

// Embed tries the primary first.
func (f *FallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors, err := f.primary.Embed(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.logger != nil {
		f.logger.Warn("primary embedder failed, using fallback", "error", err, "texts", len(texts))
	}
	return f.secondary.Embed(ctx, texts)
}
