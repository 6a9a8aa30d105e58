package ml

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"papertrail/internal/domain"
)

func TestClientEmbedOrdersByIndex(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 2 || req.Model != "text-embedding-3-small" || req.Dimensions != 3 {
			t.Errorf("unexpected request: %+v", req)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1,0]},{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "text-embedding-3-small", 3, time.Second)
	vectors, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors not in input order: %v", vectors)
	}
}

func TestClientEmbedFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/short":
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	_, err := NewClient(server.URL+"/short", "", "", 0, time.Second).Embed(context.Background(), []string{"a", "b"})
	if domain.KindOf(err) != domain.KindMalformed {
		t.Fatalf("expected malformed for count mismatch, got %v", err)
	}

	_, err = NewClient(server.URL, "", "", 0, time.Second).Embed(context.Background(), []string{"a"})
	if domain.KindOf(err) != domain.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func TestHashingEmbedder(t *testing.T) {
	t.Parallel()

	h := NewHashingEmbedder(128)
	vectors, err := h.Embed(context.Background(), []string{
		"Sparse attention for long context language models",
		"Long context language models with sparse attention",
		"Robotic grasping with tactile sensors",
		"",
	})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for _, v := range vectors {
		if len(v) != 128 {
			t.Fatalf("unexpected dimensions %d", len(v))
		}
	}
	similar := cosine(vectors[0], vectors[1])
	different := cosine(vectors[0], vectors[2])
	if similar <= different {
		t.Fatalf("expected related texts to be closer: similar=%v different=%v", similar, different)
	}

	again, _ := h.Embed(context.Background(), []string{"Sparse attention for long context language models"})
	for i := range again[0] {
		if again[0][i] != vectors[0][i] {
			t.Fatalf("embedding is not deterministic")
		}
	}

	if got := NewHashingEmbedder(2).dimensions; got != 8 {
		t.Fatalf("expected minimum dimensions 8, got %d", got)
	}
}

type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(context.Context, []string) ([][]float64, error) {
	f.calls++
	return nil, errors.New("boom")
}

func TestFallbackEmbedder(t *testing.T) {
	t.Parallel()

	primary := &failingEmbedder{}
	f := NewFallbackEmbedder(primary, NewHashingEmbedder(16), nil)
	vectors, err := f.Embed(context.Background(), []string{"a b", "c d"})
	if err != nil || len(vectors) != 2 || len(vectors[0]) != 16 {
		t.Fatalf("expected fallback vectors, got %v (%v)", vectors, err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to be tried once, got %d", primary.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Embed(ctx, []string{"x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to propagate, got %v", err)
	}
}
