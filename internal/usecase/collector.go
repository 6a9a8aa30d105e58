package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"papertrail/internal/config"
	"papertrail/internal/domain"
	"papertrail/internal/logging"
	"papertrail/internal/metrics"
	"papertrail/internal/ports"
)

// CollectResult summarizes one collection pass.
type CollectResult struct {
	New           []domain.Paper
	Augmented     []string
	FailedQueries []string
	Queries       int
}

// Collector pulls papers for topic queries and stores the ones not seen before.
type Collector struct {
	source     ports.FeedSource
	papers     ports.PaperStore
	cfg        config.FeedConfig
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewCollector wires the feed source and paper store.
func NewCollector(source ports.FeedSource, papers ports.PaperStore, cfg config.FeedConfig, logger *slog.Logger) *Collector {
	return &Collector{
		source:     source,
		papers:     papers,
		cfg:        cfg,
		newBackOff: defaultBackOff,
		logger:     logging.Component(logger, "collector"),
	}
}

// WithBackOff replaces the retry policy of each page request.
func (c *Collector) WithBackOff(factory func() backoff.BackOff) *Collector {
	c.newBackOff = factory
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

type queryResult struct {
	papers []domain.Paper
	err    error
}

// Collect runs every query, merges the results and persists new papers with FirstSeenAt = now.
// Papers already stored get the matched topic added to their tags.
func (c *Collector) Collect(ctx context.Context, queries []ports.Query, since, now time.Time) (CollectResult, error) {
	result := CollectResult{Queries: len(queries)}
	if len(queries) == 0 {
		return result, nil
	}

	results := make([]queryResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for i, q := range queries {
		g.Go(func() error {
			papers, err := c.collectQuery(gctx, q, since)
			results[i] = queryResult{papers: papers, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return result, err
	}

	merged := map[string]domain.Paper{}
	topicsByPaper := map[string][]string{}
	for i, r := range results {
		if r.err != nil {
			if domain.IsConfiguration(r.err) {
				return result, r.err
			}
			c.logger.Warn("query skipped", "topic", queries[i].Topic, "error", r.err)
			result.FailedQueries = append(result.FailedQueries, queries[i].Topic)
		}
		for _, p := range r.papers {
			p.Tags = domain.MergeTags(p.Tags, []string{queries[i].Topic})
			if prev, ok := merged[p.ID]; ok {
				prev.Tags = domain.MergeTags(prev.Tags, p.Tags)
				merged[p.ID] = prev
			} else {
				merged[p.ID] = p
			}
			if !slices.Contains(topicsByPaper[p.ID], queries[i].Topic) {
				topicsByPaper[p.ID] = append(topicsByPaper[p.ID], queries[i].Topic)
			}
		}
	}
	sort.Strings(result.FailedQueries)
	if len(merged) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	known, err := c.papers.KnownPaperIDs(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("load known papers: %w", err)
	}

	for _, id := range ids {
		paper := merged[id]
		if known[id] {
			if err := c.papers.AugmentTags(ctx, id, paper.Tags); err != nil {
				return result, fmt.Errorf("augment tags of %s: %w", id, err)
			}
			result.Augmented = append(result.Augmented, id)
			continue
		}
		paper.FirstSeenAt = now
		if err := c.papers.SavePaper(ctx, paper); err != nil {
			return result, fmt.Errorf("save paper %s: %w", id, err)
		}
		for _, topic := range topicsByPaper[id] {
			metrics.PapersIngested.WithLabelValues(topic).Inc()
		}
		result.New = append(result.New, paper)
	}

	c.logger.Info("collection finished",
		"queries", len(queries),
		"failed", len(result.FailedQueries),
		"new", len(result.New),
		"augmented", len(result.Augmented))
	return result, nil
}

// collectQuery pages through one query until the source is exhausted or MaxPages is reached.
// Papers gathered before a page fails are kept.
func (c *Collector) collectQuery(ctx context.Context, q ports.Query, since time.Time) ([]domain.Paper, error) {
	var (
		papers []domain.Paper
		token  string
	)
	maxPages := max(c.cfg.MaxPages, 1)
	for page := 0; page < maxPages; page++ {
		batch, next, err := c.fetchPage(ctx, q, since, token)
		if err != nil {
			return papers, fmt.Errorf("query %s page %d: %w", q.Topic, page, err)
		}
		papers = append(papers, batch...)
		if next == "" {
			break
		}
		token = next
	}
	return papers, nil
}

func (c *Collector) fetchPage(ctx context.Context, q ports.Query, since time.Time, token string) ([]domain.Paper, string, error) {
	var (
		batch []domain.Paper
		next  string
	)
	attempts := max(c.cfg.MaxAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(attempts-1)), ctx)

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout())
		defer cancel()
		papers, nextToken, err := c.source.Search(callCtx, q, since, token)
		if err != nil {
			if domain.IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		batch, next = papers, nextToken
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying feed request", "topic", q.Topic, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, "", permanent.Err
		}
		return nil, "", err
	}
	return batch, next, nil
}

func (c *Collector) timeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return 30 * time.Second
}

// QueriesFor resolves topic names against configuration. Unknown names are a ConfigurationError.
func QueriesFor(cfg config.Config, topics []string) ([]ports.Query, error) {
	queries := make([]ports.Query, 0, len(topics))
	for _, name := range topics {
		topic, ok := cfg.Topic(name)
		if !ok {
			return nil, &domain.ConfigurationError{Field: "topics", Reason: "unknown topic " + name}
		}
		queries = append(queries, ports.Query{Topic: topic.Name, Keywords: topic.Keywords, Categories: topic.Categories})
	}
	return queries, nil
}
