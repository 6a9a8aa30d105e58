package social

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"papertrail/internal/ports"
)

// HackerNews sums points and comments of stories linking to the paper via the Algolia search API.
type HackerNews struct {
	client
}

var _ ports.SocialPlatform = (*HackerNews)(nil)

// NewHackerNews builds the platform against baseURL (https://hn.algolia.com in production).
func NewHackerNews(baseURL string, httpClient *http.Client, perSecond float64, burst int) *HackerNews {
	return &HackerNews{client: newClient("hackernews", baseURL, httpClient, perSecond, burst)}
}

// Name identifies the platform.
func (h *HackerNews) Name() string {
	return h.name
}

type hnSearch struct {
	Hits []struct {
		Points      float64 `json:"points"`
		NumComments float64 `json:"num_comments"`
	} `json:"hits"`
}

// Lookup searches stories by arXiv id restricted to the URL attribute.
func (h *HackerNews) Lookup(ctx context.Context, ref ports.PaperRef) (ports.Engagement, error) {
	values := url.Values{}
	values.Set("query", ref.ID)
	values.Set("restrictSearchableAttributes", "url")
	values.Set("tags", "story")

	var result hnSearch
	if err := h.getJSON(ctx, "/api/v1/search?"+values.Encode(), &result); err != nil {
		if errors.Is(err, errNotListed) {
			return ports.Engagement{}, nil
		}
		return ports.Engagement{}, err
	}

	var total float64
	for _, hit := range result.Hits {
		total += hit.Points + hit.NumComments
	}
	return ports.Engagement{Count: total}, nil
}
