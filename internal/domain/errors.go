package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies failures for retry and fallback decisions.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindRateLimited   ErrorKind = "rate_limited"
	KindMalformed     ErrorKind = "malformed"
	KindUnavailable   ErrorKind = "unavailable"
	KindUnreachable   ErrorKind = "unreachable"
	KindConfiguration ErrorKind = "configuration"
	KindDataQuality   ErrorKind = "data_quality"
	KindPartialRun    ErrorKind = "partial_run"
)

// ErrorClassifier lets errors declare their classification.
type ErrorClassifier interface {
	ErrorKind() ErrorKind
}

// ErrNotFound is returned by repositories for missing entities.
var ErrNotFound = errors.New("not found")

// TransientError is a timeout or rate-limit from an external system; callers retry it with backoff.
type TransientError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient %s: %v", e.Source, e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *TransientError) ErrorKind() ErrorKind { return e.Kind }

// ProviderError is a language-model provider failure.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *ProviderError) ErrorKind() ErrorKind { return e.Kind }

// PlatformError is a social platform failure.
type PlatformError struct {
	Platform string
	Kind     ErrorKind
	Err      error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *PlatformError) ErrorKind() ErrorKind { return e.Kind }

// DataQualityError reports a provider value that had to be clamped.
type DataQualityError struct {
	PaperID string
	Field   string
	Value   float64
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("paper %s: %s=%g out of range, clamped", e.PaperID, e.Field, e.Value)
}

// ErrorKind implements ErrorClassifier.
func (e *DataQualityError) ErrorKind() ErrorKind { return KindDataQuality }

// ConfigurationError is fatal to a run and surfaced before any stage starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ErrorKind implements ErrorClassifier.
func (e *ConfigurationError) ErrorKind() ErrorKind { return KindConfiguration }

// PartialRunError lists the entities a run skipped after exhausting retries.
type PartialRunError struct {
	RunID    string
	Manifest map[RunState][]string
}

func (e *PartialRunError) Error() string {
	stages := make([]string, 0, len(e.Manifest))
	for stage, ids := range e.Manifest {
		stages = append(stages, fmt.Sprintf("%s=%d", stage, len(ids)))
	}
	sort.Strings(stages)
	return fmt.Sprintf("run %s partially failed: skipped %s", e.RunID, strings.Join(stages, ", "))
}

// ErrorKind implements ErrorClassifier.
func (e *PartialRunError) ErrorKind() ErrorKind { return KindPartialRun }

// KindOf returns the classification of err, or "" when it declares none.
func KindOf(err error) ErrorKind {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited, KindUnreachable, KindUnavailable:
		return true
	}
	return false
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
