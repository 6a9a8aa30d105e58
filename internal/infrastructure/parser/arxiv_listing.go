package parser

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

var dateExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

// ArxivListingSource crawls the category listing pages when the export API is unavailable.
// Entries carry day precision only, so since is compared per day.
type ArxivListingSource struct {
	client   *http.Client
	baseURL  string
	pageSize int
}

var _ ports.FeedSource = (*ArxivListingSource)(nil)

// NewArxivListingSource wires an HTTP client; pageSize defaults to 100.
func NewArxivListingSource(client *http.Client, baseURL string, pageSize int) *ArxivListingSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &ArxivListingSource{
		client:   client,
		baseURL:  strings.TrimSuffix(cmp.Or(baseURL, "https://arxiv.org"), "/"),
		pageSize: pageSize,
	}
}

// Name identifies the source inside the registry.
func (a *ArxivListingSource) Name() string {
	return "arxiv_listing"
}

// Search walks the topic categories one page at a time.
// The page token is "<category index>:<skip>".
func (a *ArxivListingSource) Search(ctx context.Context, query ports.Query, since time.Time, pageToken string) ([]domain.Paper, string, error) {
	if len(query.Categories) == 0 {
		return nil, "", &domain.ConfigurationError{Field: "topics." + query.Topic, Reason: "listing source needs categories"}
	}

	catIdx, skip, err := parseListingToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	if catIdx >= len(query.Categories) {
		return nil, "", nil
	}
	category := query.Categories[catIdx]

	pageURL, err := buildPageURL(a.baseURL+"/list/"+category+"/pastweek", skip, a.pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("category %s: %w", category, err)
	}

	doc, err := a.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("category %s: %w", category, err)
	}

	papers, more := a.extractPapers(doc, query.Keywords, since, category)
	switch {
	case more:
		return papers, listingToken(catIdx, skip+a.pageSize), nil
	case catIdx+1 < len(query.Categories):
		return papers, listingToken(catIdx+1, 0), nil
	default:
		return papers, "", nil
	}
}

func (a *ArxivListingSource) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Source: a.Name(), Kind: requestErrorKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(a.Name(), resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func (a *ArxivListingSource) extractPapers(doc *goquery.Document, keywords []string, since time.Time, category string) ([]domain.Paper, bool) {
	var (
		collected []domain.Paper
		more      = true
		processed int
		cutoffDay = since.UTC().Truncate(24 * time.Hour)
	)

	doc.Find("dl > dt").EachWithBreak(func(i int, dt *goquery.Selection) bool {
		dd := dt.Next()
		processed++

		paper, err := parseEntry(dt, dd, a.baseURL, category)
		if err != nil {
			return true
		}

		if !since.IsZero() && paper.PublishedAt.Before(cutoffDay) {
			more = false
			return false
		}
		if matchesKeywords(paper, keywords) {
			collected = append(collected, paper)
		}
		return true
	})

	if processed < a.pageSize {
		more = false
	}

	return collected, more
}

func parseEntry(dt, dd *goquery.Selection, baseURL, category string) (domain.Paper, error) {
	link := dt.Find("a[href*=\"/abs/\"]").First()
	href, _ := link.Attr("href")

	id := PaperID(strings.TrimSpace(link.Text()))
	if id == "" {
		id = PaperID(href)
	}
	if id == "" {
		return domain.Paper{}, fmt.Errorf("entry without identifier")
	}
	if !strings.HasPrefix(href, "http") {
		href = baseURL + href
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))

	abstract := dd.Find("p.mathjax").First().Text()
	abstract = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(abstract), "Abstract:"))

	var authors []string
	dd.Find(".list-authors a").Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}
	match := dateExpr.FindString(dateText)
	if match == "" {
		return domain.Paper{}, fmt.Errorf("entry %s without date", id)
	}
	publishedAt, err := time.Parse("2 Jan 2006", match)
	if err != nil {
		return domain.Paper{}, fmt.Errorf("entry %s date: %w", id, err)
	}

	return domain.Paper{
		ID:          id,
		Title:       collapseSpace(title),
		Abstract:    collapseSpace(abstract),
		Authors:     authors,
		Tags:        []string{category},
		URL:         href,
		Source:      "arxiv",
		PublishedAt: publishedAt.UTC(),
	}, nil
}

func matchesKeywords(paper domain.Paper, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(paper.Title + " " + paper.Abstract)
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid category url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func listingToken(catIdx, skip int) string {
	return strconv.Itoa(catIdx) + ":" + strconv.Itoa(skip)
}

func parseListingToken(token string) (int, int, error) {
	if token == "" {
		return 0, 0, nil
	}
	catPart, skipPart, ok := strings.Cut(token, ":")
	catIdx, err1 := strconv.Atoi(catPart)
	skip, err2 := strconv.Atoi(skipPart)
	if !ok || err1 != nil || err2 != nil || catIdx < 0 || skip < 0 {
		return 0, 0, fmt.Errorf("invalid page token %q", token)
	}
	return catIdx, skip, nil
}
