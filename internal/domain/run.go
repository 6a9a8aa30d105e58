package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RunState enumerates pipeline milestones.
type RunState string

const (
	StateCollecting           RunState = "collecting"
	StateEnriching            RunState = "enriching"
	StateScoringAndClustering RunState = "scoring_and_clustering"
	StateRecommending         RunState = "recommending"
	StateCompleted            RunState = "completed"
	StatePartiallyFailed      RunState = "partially_failed"
)

// Stages lists the working states in execution order.
var Stages = []RunState{
	StateCollecting,
	StateEnriching,
	StateScoringAndClustering,
	StateRecommending,
}

// Terminal reports whether no further stage runs after s.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StatePartiallyFailed
}

// RunKind distinguishes a full run from a single-topic run.
type RunKind string

const (
	RunFull  RunKind = "full"
	RunTopic RunKind = "topic"
)

// Run is the persisted state machine of one pipeline execution.
type Run struct {
	ID              string
	Kind            RunKind
	Topics          []string
	Lookback        time.Duration
	AsOf            time.Time
	State           RunState
	CompletedStages []RunState
	Manifest        map[RunState][]string
	Error           string
	StartedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      time.Time
}

// Completed reports whether stage already persisted its output for this run.
func (r *Run) Completed(stage RunState) bool {
	for _, done := range r.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

// MarkCompleted records stage as done and moves the state to the next stage.
func (r *Run) MarkCompleted(stage RunState, now time.Time) {
	if !r.Completed(stage) {
		r.CompletedStages = append(r.CompletedStages, stage)
	}
	r.State = nextState(stage)
	r.UpdatedAt = now
}

// Skip adds ids to the manifest of stage, keeping the list sorted and unique.
func (r *Run) Skip(stage RunState, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if r.Manifest == nil {
		r.Manifest = map[RunState][]string{}
	}
	set := make(map[string]struct{}, len(r.Manifest[stage])+len(ids))
	for _, id := range r.Manifest[stage] {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Strings(merged)
	r.Manifest[stage] = merged
}

// Skipped counts manifest entries across all stages.
func (r *Run) Skipped() int {
	total := 0
	for _, ids := range r.Manifest {
		total += len(ids)
	}
	return total
}

func nextState(stage RunState) RunState {
	for i, s := range Stages {
		if s == stage && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return StateCompleted
}

// RunID derives the identifier of the logical run occupying a schedule slot.
// The same kind, slot and topic scope always map to the same id. A full run over
// every configured topic passes no topics and carries no scope suffix.
func RunID(kind RunKind, slot time.Time, topics []string) string {
	id := fmt.Sprintf("%s-%s", kind, slot.UTC().Format("20060102T1504"))
	if len(topics) > 0 {
		id += "-" + TopicScope(topics)
	}
	return id
}

// TopicScope is the canonical, order-independent form of a topic set.
func TopicScope(topics []string) string {
	scope := make([]string, 0, len(topics))
	for _, t := range topics {
		scope = append(scope, slugify(t))
	}
	sort.Strings(scope)
	return strings.Join(scope, "+")
}

// Scope returns the topic scope encoded in the run id; "" for a full run over every topic.
func (r *Run) Scope() string {
	if r.ID == "" {
		if r.Kind != RunTopic {
			return ""
		}
		return TopicScope(r.Topics)
	}
	parts := strings.SplitN(r.ID, "-", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func slugify(value string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('_')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
