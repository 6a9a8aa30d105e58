package social

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"papertrail/internal/ports"
)

// HuggingFace reports the upvotes of the paper on the Hugging Face papers page.
type HuggingFace struct {
	client
}

var _ ports.SocialPlatform = (*HuggingFace)(nil)

// NewHuggingFace builds the platform against baseURL (https://huggingface.co in production).
func NewHuggingFace(baseURL string, httpClient *http.Client, perSecond float64, burst int) *HuggingFace {
	return &HuggingFace{client: newClient("huggingface", baseURL, httpClient, perSecond, burst)}
}

// Name identifies the platform.
func (h *HuggingFace) Name() string {
	return h.name
}

type hfPaper struct {
	Upvotes float64 `json:"upvotes"`
}

// Lookup fetches the paper; a paper that was never submitted counts as zero engagement.
func (h *HuggingFace) Lookup(ctx context.Context, ref ports.PaperRef) (ports.Engagement, error) {
	var paper hfPaper
	if err := h.getJSON(ctx, "/api/papers/"+url.PathEscape(ref.ID), &paper); err != nil {
		if errors.Is(err, errNotListed) {
			return ports.Engagement{}, nil
		}
		return ports.Engagement{}, err
	}
	return ports.Engagement{Count: paper.Upvotes}, nil
}
