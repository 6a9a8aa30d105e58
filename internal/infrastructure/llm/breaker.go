package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/metrics"
	"papertrail/internal/ports"
)

// Breaker wraps a provider with a circuit breaker. While open, calls fail fast as unavailable
// so the analyzer moves on to the next provider.
type Breaker struct {
	provider ports.LLMProvider
	cb       *gobreaker.CircuitBreaker[ports.AnalysisResult]
}

var _ ports.LLMProvider = (*Breaker)(nil)

// NewBreaker trips after cfg.ConsecutiveFailures failures and lets one call through again after cfg.OpenTimeout.
func NewBreaker(provider ports.LLMProvider, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	name := provider.Name()
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[ports.AnalysisResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("provider breaker state change", "provider", name, "from", from.String(), "to", to.String())
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Breaker{provider: provider, cb: cb}
}

// Name returns the wrapped provider name.
func (b *Breaker) Name() string {
	return b.provider.Name()
}

// Analyze runs the wrapped provider through the breaker.
func (b *Breaker) Analyze(ctx context.Context, title, abstract string) (ports.AnalysisResult, error) {
	result, err := b.cb.Execute(func() (ports.AnalysisResult, error) {
		return b.provider.Analyze(ctx, title, abstract)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &domain.ProviderError{Provider: b.Name(), Kind: domain.KindUnavailable, Err: err}
	}
	metrics.ProviderCalls.WithLabelValues(b.Name(), metrics.Outcome(err)).Inc()
	return result, err
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
