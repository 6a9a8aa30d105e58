package social

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"papertrail/internal/ports"
)

// Reddit sums score and comment counts of submissions linking to the paper.
type Reddit struct {
	client
}

var _ ports.SocialPlatform = (*Reddit)(nil)

// NewReddit builds the platform against baseURL (https://www.reddit.com in production).
func NewReddit(baseURL string, httpClient *http.Client, perSecond float64, burst int) *Reddit {
	return &Reddit{client: newClient("reddit", baseURL, httpClient, perSecond, burst)}
}

// Name identifies the platform.
func (r *Reddit) Name() string {
	return r.name
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Score       float64 `json:"score"`
				NumComments float64 `json:"num_comments"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Lookup searches submissions whose URL points at the paper's abstract page.
func (r *Reddit) Lookup(ctx context.Context, ref ports.PaperRef) (ports.Engagement, error) {
	values := url.Values{}
	values.Set("q", "url:arxiv.org/abs/"+ref.ID)
	values.Set("limit", "100")
	values.Set("sort", "top")
	values.Set("t", "month")

	var listing redditListing
	if err := r.getJSON(ctx, "/search.json?"+values.Encode(), &listing); err != nil {
		if errors.Is(err, errNotListed) {
			return ports.Engagement{}, nil
		}
		return ports.Engagement{}, err
	}

	var total float64
	for _, child := range listing.Data.Children {
		total += max(child.Data.Score, 0) + child.Data.NumComments
	}
	return ports.Engagement{Count: total}, nil
}
