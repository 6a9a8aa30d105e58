// Package metrics exposes Prometheus instruments for the pipeline.
//
// Everything registers against the default registry and is served by the
// HTTP trigger surface at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"papertrail/internal/domain"
)

const namespace = "papertrail"

var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	PapersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_ingested_total",
			Help:      "Newly discovered papers by topic",
		},
		[]string{"topic"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Language-model provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	PlatformLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_lookups_total",
			Help:      "Social platform lookups by outcome",
		},
		[]string{"platform", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Recommendation hand-offs by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveStage records how long a stage took.
func ObserveStage(stage domain.RunState, elapsed time.Duration) {
	StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

// RecordRun counts a run that reached a terminal state.
func RecordRun(run domain.Run) {
	RunsTotal.WithLabelValues(string(run.Kind), string(run.State)).Inc()
}

// Outcome maps an error to a label value: "success", its error kind, or "error".
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
