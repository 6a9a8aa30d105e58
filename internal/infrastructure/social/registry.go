package social

import (
	"net/http"

	"papertrail/internal/config"
	"papertrail/internal/ports"
)

// NewPlatforms builds the enabled platforms in configuration order.
func NewPlatforms(cfg config.SocialConfig) []ports.SocialPlatform {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	platforms := make([]ports.SocialPlatform, 0, len(cfg.Platforms))
	for _, pc := range cfg.Platforms {
		if pc.Disabled {
			continue
		}
		switch pc.Name {
		case "reddit":
			platforms = append(platforms, NewReddit(pc.BaseURL, httpClient, pc.RatePerSecond, pc.Burst))
		case "hackernews":
			platforms = append(platforms, NewHackerNews(pc.BaseURL, httpClient, pc.RatePerSecond, pc.Burst))
		case "huggingface":
			platforms = append(platforms, NewHuggingFace(pc.BaseURL, httpClient, pc.RatePerSecond, pc.Burst))
		}
	}
	return platforms
}
