package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"papertrail/internal/domain"
)

func TestNotifierDeliverUsesUserContact(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		chat, text string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		chat, text = r.PostForm.Get("chat_id"), r.PostForm.Get("text")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewNotifier(server.URL, "token", "fallback")
	user := domain.User{ID: "u1", Name: "Ada", Contact: "42"}
	rec := domain.Recommendation{UserID: "u1", RunID: "full-20261019T0600", Items: []domain.RecommendedPaper{
		{PaperID: "2410.00001", Reasons: []string{"tag:cs.CL", "trending"}},
	}}
	papers := map[string]domain.Paper{"2410.00001": {ID: "2410.00001", Title: "Sinks & Sparse <Attention>", URL: "https://arxiv.org/abs/2410.00001"}}

	if err := n.Deliver(context.Background(), user, rec, papers); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chat != "42" {
		t.Fatalf("expected user contact chat, got %q", chat)
	}
	if !strings.Contains(text, "Sinks &amp; Sparse &lt;Attention&gt;") || !strings.Contains(text, "tagged cs.CL; trending") {
		t.Fatalf("unexpected message: %s", text)
	}
}

func TestNotifierDeliverFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	n := NewNotifier(server.URL, "token", "fallback")
	err := n.Deliver(context.Background(), domain.User{ID: "u1"}, domain.Recommendation{}, nil)
	if domain.KindOf(err) != domain.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}

	err = NewNotifier(server.URL, "", "").Deliver(context.Background(), domain.User{ID: "u1"}, domain.Recommendation{}, nil)
	if !domain.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDescribeReasons(t *testing.T) {
	t.Parallel()

	got := DescribeReasons([]string{"tag:cs.LG", "cluster:sparse attention", "title:llm", "novel", "other"})
	want := `tagged cs.LG; in the "sparse attention" cluster; title mentions llm; highly novel; other`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	msg := FormatMessage(domain.User{ID: "u2"}, domain.Recommendation{}, nil)
	if !strings.Contains(msg, "u2") || !strings.Contains(msg, "Nothing new") {
		t.Fatalf("unexpected empty message: %s", msg)
	}
}
