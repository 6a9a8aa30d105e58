package parser

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

const (
	arxivAPIPath    = "/api/query"
	defaultPageSize = 100
	userAgent       = "papertrail/1.0"
)

var versionSuffix = regexp.MustCompile(`v\d+$`)

// ArxivAPISource queries the arXiv export API and parses its Atom responses.
type ArxivAPISource struct {
	client   *http.Client
	baseURL  string
	pageSize int
	feeds    *gofeed.Parser
}

var _ ports.FeedSource = (*ArxivAPISource)(nil)

// NewArxivAPISource wires an HTTP client; pageSize defaults to 100.
func NewArxivAPISource(client *http.Client, baseURL string, pageSize int) *ArxivAPISource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &ArxivAPISource{
		client:   client,
		baseURL:  strings.TrimSuffix(cmp.Or(baseURL, "https://export.arxiv.org"), "/"),
		pageSize: pageSize,
		feeds:    gofeed.NewParser(),
	}
}

// Name identifies the source inside the registry.
func (a *ArxivAPISource) Name() string {
	return "arxiv"
}

// Search fetches one page sorted by submission date, newest first.
// The page token is the result offset; it is empty once entries fall before since.
func (a *ArxivAPISource) Search(ctx context.Context, query ports.Query, since time.Time, pageToken string) ([]domain.Paper, string, error) {
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid page token %q", pageToken)
		}
		start = n
	}

	pageURL := a.buildQueryURL(query, start)
	body, err := a.fetch(ctx, pageURL)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	feed, err := a.feeds.Parse(body)
	if err != nil {
		return nil, "", &domain.TransientError{Source: a.Name(), Kind: domain.KindMalformed, Err: fmt.Errorf("parse atom: %w", err)}
	}

	var (
		papers    []domain.Paper
		exhausted = len(feed.Items) < a.pageSize
	)
	for _, item := range feed.Items {
		paper, ok := normalizeItem(item)
		if !ok {
			continue
		}
		if !since.IsZero() && paper.PublishedAt.Before(since) {
			exhausted = true
			break
		}
		papers = append(papers, paper)
	}

	if exhausted {
		return papers, "", nil
	}
	return papers, strconv.Itoa(start + a.pageSize), nil
}

func (a *ArxivAPISource) buildQueryURL(query ports.Query, start int) string {
	values := url.Values{}
	values.Set("search_query", SearchExpression(query))
	values.Set("start", strconv.Itoa(start))
	values.Set("max_results", strconv.Itoa(a.pageSize))
	values.Set("sortBy", "submittedDate")
	values.Set("sortOrder", "descending")
	return a.baseURL + arxivAPIPath + "?" + values.Encode()
}

func (a *ArxivAPISource) fetch(ctx context.Context, pageURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Source: a.Name(), Kind: requestErrorKind(ctx, err), Err: err}
	}
	if err := statusError(a.Name(), resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// SearchExpression renders a topic as an arXiv search query:
// (keywords joined by OR) AND (categories joined by OR).
func SearchExpression(query ports.Query) string {
	var groups []string
	if terms := fieldTerms("all", query.Keywords); terms != "" {
		groups = append(groups, terms)
	}
	if terms := fieldTerms("cat", query.Categories); terms != "" {
		groups = append(groups, terms)
	}
	if len(groups) == 0 {
		return fieldTerms("all", []string{query.Topic})
	}
	return strings.Join(groups, " AND ")
}

func fieldTerms(field string, values []string) string {
	terms := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.ContainsAny(v, " \t") {
			v = strconv.Quote(v)
		}
		terms = append(terms, field+":"+v)
	}
	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	default:
		return "(" + strings.Join(terms, " OR ") + ")"
	}
}

func normalizeItem(item *gofeed.Item) (domain.Paper, bool) {
	if item == nil {
		return domain.Paper{}, false
	}
	link := cmp.Or(item.Link, item.GUID)
	id := PaperID(cmp.Or(item.GUID, item.Link))
	if id == "" {
		return domain.Paper{}, false
	}

	paper := domain.Paper{
		ID:       id,
		Title:    collapseSpace(item.Title),
		Abstract: cleanText(item.Description),
		Tags:     domain.MergeTags(nil, item.Categories),
		URL:      link,
		Source:   "arxiv",
	}
	for _, author := range item.Authors {
		if author != nil && strings.TrimSpace(author.Name) != "" {
			paper.Authors = append(paper.Authors, strings.TrimSpace(author.Name))
		}
	}
	switch {
	case item.PublishedParsed != nil:
		paper.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		paper.PublishedAt = item.UpdatedParsed.UTC()
	}
	return paper, true
}

// PaperID extracts the versionless arXiv id from an abs URL or identifier.
func PaperID(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "arXiv:")
	if i := strings.Index(raw, "/abs/"); i >= 0 {
		raw = raw[i+len("/abs/"):]
	}
	raw = strings.Trim(raw, "/")
	return versionSuffix.ReplaceAllString(raw, "")
}
