package llm

import (
	"fmt"
	"log/slog"
	"time"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

type factory func(cfg config.ProviderConfig, timeout time.Duration, scale float64) ports.LLMProvider

var factories = map[string]factory{
	"openai": func(cfg config.ProviderConfig, timeout time.Duration, scale float64) ports.LLMProvider {
		return NewOpenAIProvider(cfg, timeout, scale)
	},
	"anthropic": func(cfg config.ProviderConfig, timeout time.Duration, scale float64) ports.LLMProvider {
		return NewAnthropicProvider(cfg, timeout, scale)
	},
}

// NewProviders builds the ranked provider list, each behind its own breaker.
// Providers without an API key are skipped; an empty result is a configuration error.
func NewProviders(cfg config.AnalysisConfig, logger *slog.Logger) ([]ports.LLMProvider, error) {
	providers := make([]ports.LLMProvider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		build, ok := factories[pc.Kind]
		if !ok {
			return nil, &domain.ConfigurationError{Field: "analysis.providers." + pc.Name, Reason: fmt.Sprintf("unknown kind %q", pc.Kind)}
		}
		if pc.APIKey == "" {
			if logger != nil {
				logger.Warn("provider skipped: no api key", "provider", pc.Name)
			}
			continue
		}
		providers = append(providers, NewBreaker(build(pc, cfg.Timeout, cfg.ScoreScale), cfg.Breaker, logger))
	}
	if len(providers) == 0 {
		return nil, &domain.ConfigurationError{Field: "analysis.providers", Reason: "no provider has an api key"}
	}
	return providers, nil
}
