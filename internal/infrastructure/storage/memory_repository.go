package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

type signalKey struct {
	paperID  string
	platform string
	runID    string
}

type userRunKey struct {
	userID string
	runID  string
}

// MemoryRepository keeps every entity in process memory. It backs tests and dry runs.
type MemoryRepository struct {
	mu sync.RWMutex

	papers   map[string]domain.Paper
	analyses map[string][]domain.Analysis
	pending  map[string]domain.AnalysisPending
	signals  map[signalKey]domain.SocialSignal
	scores   map[string]map[string]domain.HotScore
	clusters map[string][]domain.Cluster
	recs     map[userRunKey]domain.Recommendation
	runs     map[string]domain.Run
	users    map[string]domain.User
}

var _ ports.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository builds an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		papers:   map[string]domain.Paper{},
		analyses: map[string][]domain.Analysis{},
		pending:  map[string]domain.AnalysisPending{},
		signals:  map[signalKey]domain.SocialSignal{},
		scores:   map[string]map[string]domain.HotScore{},
		clusters: map[string][]domain.Cluster{},
		recs:     map[userRunKey]domain.Recommendation{},
		runs:     map[string]domain.Run{},
		users:    map[string]domain.User{},
	}
}

// PutUser seeds the user directory.
func (r *MemoryRepository) PutUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = copyUser(user)
}

// KnownPaperIDs returns the subset of ids already stored.
func (r *MemoryRepository) KnownPaperIDs(_ context.Context, ids []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	known := make(map[string]bool)
	for _, id := range ids {
		if _, ok := r.papers[id]; ok {
			known[id] = true
		}
	}
	return known, nil
}

// SavePaper stores a paper once; later saves of the same id are ignored.
func (r *MemoryRepository) SavePaper(_ context.Context, paper domain.Paper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.papers[paper.ID]; ok {
		return nil
	}
	r.papers[paper.ID] = clonePaper(paper)
	return nil
}

// AugmentTags unions tags into a stored paper.
func (r *MemoryRepository) AugmentTags(_ context.Context, paperID string, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	paper, ok := r.papers[paperID]
	if !ok {
		return fmt.Errorf("paper %s: %w", paperID, domain.ErrNotFound)
	}
	paper.Tags = domain.MergeTags(paper.Tags, tags)
	r.papers[paperID] = paper
	return nil
}

// GetPaper loads a paper by id.
func (r *MemoryRepository) GetPaper(_ context.Context, id string) (domain.Paper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paper, ok := r.papers[id]
	if !ok {
		return domain.Paper{}, fmt.Errorf("paper %s: %w", id, domain.ErrNotFound)
	}
	return clonePaper(paper), nil
}

// ListPapers returns papers matching the filter ordered by id.
func (r *MemoryRepository) ListPapers(_ context.Context, filter ports.PaperFilter) ([]domain.Paper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Paper
	for _, paper := range r.papers {
		if !filter.PublishedSince.IsZero() && paper.PublishedAt.Before(filter.PublishedSince) {
			continue
		}
		if len(filter.AnyTag) > 0 && !hasAnyTag(paper.Tags, filter.AnyTag) {
			continue
		}
		out = append(out, clonePaper(paper))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CurrentAnalyses returns the current analysis per paper id.
func (r *MemoryRepository) CurrentAnalyses(_ context.Context, paperIDs []string) (map[string]domain.Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Analysis)
	for _, id := range paperIDs {
		for _, a := range r.analyses[id] {
			if a.Current {
				out[id] = cloneAnalysis(a)
			}
		}
	}
	return out, nil
}

// SaveAnalysis stores a new current analysis, demotes older ones and clears the pending marker.
func (r *MemoryRepository) SaveAnalysis(_ context.Context, analysis domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	analysis.Current = true
	history := r.analyses[analysis.PaperID]
	replaced := false
	for i := range history {
		if history[i].ID == analysis.ID {
			history[i] = cloneAnalysis(analysis)
			replaced = true
			continue
		}
		history[i].Current = false
	}
	if !replaced {
		history = append(history, cloneAnalysis(analysis))
	}
	r.analyses[analysis.PaperID] = history
	delete(r.pending, analysis.PaperID)
	return nil
}

// AnalysisHistory returns every analysis of a paper, oldest first.
func (r *MemoryRepository) AnalysisHistory(_ context.Context, paperID string) ([]domain.Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Analysis, 0, len(r.analyses[paperID]))
	for _, a := range r.analyses[paperID] {
		out = append(out, cloneAnalysis(a))
	}
	return out, nil
}

// MarkAnalysisPending records a paper whose analysis failed everywhere.
func (r *MemoryRepository) MarkAnalysisPending(_ context.Context, pending domain.AnalysisPending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[pending.PaperID] = pending
	return nil
}

// PendingAnalyses lists pending markers ordered by paper id.
func (r *MemoryRepository) PendingAnalyses(_ context.Context) ([]domain.AnalysisPending, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AnalysisPending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperID < out[j].PaperID })
	return out, nil
}

// SaveSignals upserts signals keyed by paper, platform and run.
func (r *MemoryRepository) SaveSignals(_ context.Context, signals []domain.SocialSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range signals {
		r.signals[signalKey{paperID: s.PaperID, platform: s.Platform, runID: s.RunID}] = s
	}
	return nil
}

// SignalsForRun lists a run's signals ordered by paper then platform.
func (r *MemoryRepository) SignalsForRun(_ context.Context, runID string) ([]domain.SocialSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SocialSignal
	for key, s := range r.signals {
		if key.runID == runID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaperID != out[j].PaperID {
			return out[i].PaperID < out[j].PaperID
		}
		return out[i].Platform < out[j].Platform
	})
	return out, nil
}

// MeanEngagement averages raw engagement per platform since the cutoff.
func (r *MemoryRepository) MeanEngagement(_ context.Context, since time.Time, excludeRunID string) (map[string]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sums := map[string]float64{}
	counts := map[string]int{}
	for key, s := range r.signals {
		if key.runID == excludeRunID || s.CollectedAt.Before(since) {
			continue
		}
		sums[key.platform] += s.RawCount
		counts[key.platform]++
	}
	out := make(map[string]float64, len(sums))
	for platform, sum := range sums {
		out[platform] = sum / float64(counts[platform])
	}
	return out, nil
}

// SaveHotScores upserts scores keyed by paper and run.
func (r *MemoryRepository) SaveHotScores(_ context.Context, scores []domain.HotScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range scores {
		if r.scores[s.RunID] == nil {
			r.scores[s.RunID] = map[string]domain.HotScore{}
		}
		r.scores[s.RunID][s.PaperID] = s
	}
	return nil
}

// HotScoresForRun lists a run's scores ordered by paper id.
func (r *MemoryRepository) HotScoresForRun(_ context.Context, runID string) ([]domain.HotScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.HotScore, 0, len(r.scores[runID]))
	for _, s := range r.scores[runID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperID < out[j].PaperID })
	return out, nil
}

// SaveClusters replaces the clusters of a run.
func (r *MemoryRepository) SaveClusters(_ context.Context, runID string, clusters []domain.Cluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]domain.Cluster, 0, len(clusters))
	for _, c := range clusters {
		c.RunID = runID
		stored = append(stored, cloneCluster(c))
	}
	r.clusters[runID] = stored
	return nil
}

// ClustersForRun lists a run's clusters ordered by id.
func (r *MemoryRepository) ClustersForRun(_ context.Context, runID string) ([]domain.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clustersLocked(runID), nil
}

func (r *MemoryRepository) clustersLocked(runID string) []domain.Cluster {
	out := make([]domain.Cluster, 0, len(r.clusters[runID]))
	for _, c := range r.clusters[runID] {
		out = append(out, cloneCluster(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PreviousClusters returns the clusters of the latest earlier run sharing kind and scope.
func (r *MemoryRepository) PreviousClusters(_ context.Context, run domain.Run) ([]domain.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scope := run.Scope()
	var best *domain.Run
	for id := range r.clusters {
		candidate, ok := r.runs[id]
		if !ok || id == run.ID || candidate.Kind != run.Kind || candidate.Scope() != scope {
			continue
		}
		if candidate.AsOf.After(run.AsOf) {
			continue
		}
		if best == nil || candidate.AsOf.After(best.AsOf) || (candidate.AsOf.Equal(best.AsOf) && candidate.ID > best.ID) {
			c := candidate
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	return r.clustersLocked(best.ID), nil
}

// SaveRecommendation upserts the recommendation of a user for a run.
func (r *MemoryRepository) SaveRecommendation(_ context.Context, rec domain.Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userRunKey{userID: rec.UserID, runID: rec.RunID}
	if prev, ok := r.recs[key]; ok && prev.Delivered {
		rec.Delivered = true
	}
	r.recs[key] = cloneRecommendation(rec)
	return nil
}

// RecommendationsForRun lists a run's recommendations ordered by user id.
func (r *MemoryRepository) RecommendationsForRun(_ context.Context, runID string) ([]domain.Recommendation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Recommendation
	for key, rec := range r.recs {
		if key.runID == runID {
			out = append(out, cloneRecommendation(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// RecentlyRecommended lists paper ids delivered to a user since the cutoff in other runs.
func (r *MemoryRepository) RecentlyRecommended(_ context.Context, userID string, since time.Time, excludeRunID string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]bool{}
	for key, rec := range r.recs {
		if key.userID != userID || key.runID == excludeRunID || !rec.Delivered || rec.GeneratedAt.Before(since) {
			continue
		}
		for _, item := range rec.Items {
			out[item.PaperID] = true
		}
	}
	return out, nil
}

// MarkDelivered flags a recommendation as handed off.
func (r *MemoryRepository) MarkDelivered(_ context.Context, userID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userRunKey{userID: userID, runID: runID}
	rec, ok := r.recs[key]
	if !ok {
		return fmt.Errorf("recommendation %s/%s: %w", userID, runID, domain.ErrNotFound)
	}
	rec.Delivered = true
	r.recs[key] = rec
	return nil
}

// GetRun loads a run by id.
func (r *MemoryRepository) GetRun(_ context.Context, id string) (domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return cloneRun(run), nil
}

// SaveRun upserts a run.
func (r *MemoryRepository) SaveRun(_ context.Context, run domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns the most recently started runs first.
func (r *MemoryRepository) ListRuns(_ context.Context, limit int) ([]domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveUsers lists active users ordered by id.
func (r *MemoryRepository) ActiveUsers(_ context.Context) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.User
	for _, u := range r.users {
		if u.Active {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyUser(u domain.User) domain.User {
	u.Interests = append([]string(nil), u.Interests...)
	u.Preferences.PreferredCategories = append([]string(nil), u.Preferences.PreferredCategories...)
	u.Preferences.ExcludedCategories = append([]string(nil), u.Preferences.ExcludedCategories...)
	return u
}

func hasAnyTag(tags, wanted []string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

func clonePaper(p domain.Paper) domain.Paper {
	p.Authors = append([]string(nil), p.Authors...)
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

func cloneAnalysis(a domain.Analysis) domain.Analysis {
	a.Keywords = append([]string(nil), a.Keywords...)
	return a
}

func cloneCluster(c domain.Cluster) domain.Cluster {
	c.Centroid = append([]float64(nil), c.Centroid...)
	c.MemberIDs = append([]string(nil), c.MemberIDs...)
	return c
}

func cloneRecommendation(rec domain.Recommendation) domain.Recommendation {
	items := make([]domain.RecommendedPaper, 0, len(rec.Items))
	for _, item := range rec.Items {
		item.Reasons = append([]string(nil), item.Reasons...)
		items = append(items, item)
	}
	rec.Items = items
	return rec
}

func cloneRun(run domain.Run) domain.Run {
	run.Topics = append([]string(nil), run.Topics...)
	run.CompletedStages = append([]domain.RunState(nil), run.CompletedStages...)
	if run.Manifest != nil {
		manifest := make(map[domain.RunState][]string, len(run.Manifest))
		for stage, ids := range run.Manifest {
			manifest[stage] = append([]string(nil), ids...)
		}
		run.Manifest = manifest
	}
	return run
}
