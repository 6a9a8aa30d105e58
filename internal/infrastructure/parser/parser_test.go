package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

func atomEntry(id, published, title string, categories ...string) string {
	var cats strings.Builder
	for _, c := range categories {
		fmt.Fprintf(&cats, `<category term="%s" scheme="http://arxiv.org/schemas/atom"/>`, c)
	}
	return fmt.Sprintf(`
  <entry>
    <id>http://arxiv.org/abs/%[1]sv2</id>
    <updated>%[2]s</updated>
    <published>%[2]s</published>
    <title>%[3]s</title>
    <summary>  An abstract about
      %[3]s.  </summary>
    <author><name>Ada Lovelace</name></author>
    <author><name>Alan Turing</name></author>
    <link href="http://arxiv.org/abs/%[1]sv2" rel="alternate" type="text/html"/>
    %[4]s
  </entry>`, id, published, title, cats.String())
}

func atomFeed(entries ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query</title>
  <id>http://arxiv.org/api/query</id>
  <updated>2026-10-19T00:00:00-04:00</updated>` + strings.Join(entries, "") + `
</feed>`
}

func TestSearchExpression(t *testing.T) {
	t.Parallel()

	got := SearchExpression(ports.Query{
		Topic:      "LLM",
		Keywords:   []string{"large language model", "LLM"},
		Categories: []string{"cs.CL", "cs.AI"},
	})
	want := `(all:"large language model" OR all:LLM) AND (cat:cs.CL OR cat:cs.AI)`
	if got != want {
		t.Fatalf("unexpected expression:\n got %s\nwant %s", got, want)
	}

	if got := SearchExpression(ports.Query{Topic: "diffusion"}); got != "all:diffusion" {
		t.Fatalf("expected topic fallback, got %s", got)
	}
	if got := SearchExpression(ports.Query{Categories: []string{"cs.CV"}}); got != "cat:cs.CV" {
		t.Fatalf("unexpected single category expression: %s", got)
	}
}

func TestPaperID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://arxiv.org/abs/2410.00001v2": "2410.00001",
		"arXiv:2501.12345":                  "2501.12345",
		"/abs/hep-th/9901001v1":             "hep-th/9901001",
		"2410.00001":                        "2410.00001",
	}
	for in, want := range cases {
		if got := PaperID(in); got != want {
			t.Fatalf("PaperID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArxivAPISourcePagesUntilSince(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)
	var (
		mu     sync.Mutex
		starts []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		mu.Lock()
		starts = append(starts, q.Get("start"))
		mu.Unlock()
		if q.Get("max_results") != "2" || q.Get("sortBy") != "submittedDate" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		switch q.Get("start") {
		case "0":
			_, _ = w.Write([]byte(atomFeed(
				atomEntry("2410.00003", "2026-10-19T02:00:00Z", "Third", "cs.CL", "cs.AI"),
				atomEntry("2410.00002", "2026-10-18T20:00:00Z", "Second", "cs.CL"),
			)))
		default:
			_, _ = w.Write([]byte(atomFeed(
				atomEntry("2410.00001", "2026-10-18T09:00:00Z", "First", "cs.LG"),
				atomEntry("2409.99999", "2026-10-17T09:00:00Z", "Too old", "cs.LG"),
			)))
		}
	}))
	defer server.Close()

	src := NewArxivAPISource(server.Client(), server.URL, 2)
	query := ports.Query{Topic: "LLM", Keywords: []string{"LLM"}, Categories: []string{"cs.CL"}}

	page, next, err := src.Search(context.Background(), query, since, "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || next != "2" {
		t.Fatalf("unexpected first page: %d papers, next %q", len(page), next)
	}
	first := page[0]
	if first.ID != "2410.00003" || first.Title != "Third" || first.Source != "arxiv" {
		t.Fatalf("unexpected paper: %+v", first)
	}
	if first.Abstract != "An abstract about Third." {
		t.Fatalf("unexpected abstract: %q", first.Abstract)
	}
	if len(first.Authors) != 2 || len(first.Tags) != 2 || first.Tags[0] != "cs.AI" {
		t.Fatalf("unexpected authors/tags: %v %v", first.Authors, first.Tags)
	}
	if !first.PublishedAt.Equal(time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published at: %v", first.PublishedAt)
	}

	page, next, err = src.Search(context.Background(), query, since, next)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "2410.00001" || next != "" {
		t.Fatalf("expected paging to stop at since, got %d papers, next %q", len(page), next)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(starts, ",") != "0,2" {
		t.Fatalf("unexpected start offsets: %v", starts)
	}
}

func TestArxivAPISourceClassifiesFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	src := NewArxivAPISource(server.Client(), server.URL, 10)
	_, _, err := src.Search(context.Background(), ports.Query{Topic: "LLM"}, time.Time{}, "")
	if domain.KindOf(err) != domain.KindRateLimited || !domain.IsTransient(err) {
		t.Fatalf("expected rate limited transient error, got %v", err)
	}

	if _, _, err := src.Search(context.Background(), ports.Query{Topic: "LLM"}, time.Time{}, "bogus"); err == nil {
		t.Fatalf("expected invalid token error")
	}

	var transient *domain.TransientError
	src = NewArxivAPISource(&http.Client{Timeout: time.Second}, "http://127.0.0.1:1", 10)
	if _, _, err := src.Search(context.Background(), ports.Query{Topic: "LLM"}, time.Time{}, ""); !errors.As(err, &transient) {
		t.Fatalf("expected transient error for unreachable host, got %v", err)
	}
}

func TestBuildPageURL(t *testing.T) {
	t.Parallel()

	u, err := buildPageURL("https://export.arxiv.org/list/cs.AI/pastweek", 200, 100)
	if err != nil {
		t.Fatalf("buildPageURL returned error: %v", err)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if parsed.Host != "export.arxiv.org" || parsed.Path != "/list/cs.AI/pastweek" {
		t.Fatalf("unexpected url: %s", u)
	}
	q := parsed.Query()
	if q.Get("skip") != "200" || q.Get("show") != "100" {
		t.Fatalf("unexpected paging params: %s", parsed.RawQuery)
	}
}

const listingPage = `
<dl>
  <dt>
    <span class="list-identifier"><a href="/abs/2511.00001">arXiv:2511.00001</a></span>
  </dt>
  <dd>
    <div class="list-date">Date: 8 Nov 2025</div>
    <div class="list-title mathjax">Title: Fresh LLM Article</div>
    <div class="list-authors"><a href="/a/one">Ada One</a>, <a href="/a/two">Bo Two</a></div>
    <p class="mathjax">Abstract: brand new.</p>
  </dd>
  <dt>
    <span class="list-identifier"><a href="/abs/2511.00003">arXiv:2511.00003</a></span>
  </dt>
  <dd>
    <div class="list-date">Date: 8 Nov 2025</div>
    <div class="list-title mathjax">Title: Unrelated robotics</div>
    <p class="mathjax">Abstract: grasping.</p>
  </dd>
  <dt>
    <span class="list-identifier"><a href="/abs/2511.00002">arXiv:2511.00002</a></span>
  </dt>
  <dd>
    <div class="list-date">Date: 7 Nov 2025</div>
    <div class="list-title mathjax">Title: Old LLM Article</div>
    <p class="mathjax">Abstract: older.</p>
  </dd>
</dl>`

func TestArxivListingSourceSearch(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(listingPage))
	}))
	defer server.Close()

	src := NewArxivListingSource(server.Client(), server.URL, 10)
	query := ports.Query{Topic: "LLM", Keywords: []string{"llm"}, Categories: []string{"cs.AI", "cs.CL"}}
	since := time.Date(2025, time.November, 8, 12, 0, 0, 0, time.UTC)

	papers, next, err := src.Search(context.Background(), query, since, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(papers) != 1 {
		t.Fatalf("expected 1 paper, got %d", len(papers))
	}
	p := papers[0]
	if p.ID != "2511.00001" || p.Title != "Fresh LLM Article" || p.Abstract != "brand new." {
		t.Fatalf("unexpected paper: %+v", p)
	}
	if p.URL != server.URL+"/abs/2511.00001" || len(p.Authors) != 2 || p.Tags[0] != "cs.AI" {
		t.Fatalf("unexpected paper details: %+v", p)
	}
	if next != "1:0" {
		t.Fatalf("expected next category token, got %q", next)
	}

	_, next, err = src.Search(context.Background(), query, since, next)
	if err != nil {
		t.Fatalf("second category: %v", err)
	}
	if next != "" {
		t.Fatalf("expected exhaustion, got %q", next)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[1] != "/list/cs.CL/pastweek" {
		t.Fatalf("unexpected paths: %v", paths)
	}

	if _, _, err := src.Search(context.Background(), ports.Query{Topic: "x"}, since, ""); !domain.IsConfiguration(err) {
		t.Fatalf("expected configuration error without categories, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil, "https://export.arxiv.org", 50)
	if got := strings.Join(reg.Names(), ","); got != "arxiv,arxiv_listing" {
		t.Fatalf("unexpected names: %s", got)
	}
	if _, err := reg.Resolve("arxiv"); err != nil {
		t.Fatalf("resolve arxiv: %v", err)
	}
	if _, err := reg.Resolve("ieee"); err == nil {
		t.Fatalf("expected unknown source error")
	}
}
