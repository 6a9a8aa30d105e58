package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

// CronScheduler fires jobs on a standard five-field cron expression.
type CronScheduler struct {
	spec     string
	location *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	stopped chan struct{}
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler validates the expression against the given timezone.
func NewCronScheduler(spec string, location *time.Location, logger *slog.Logger) (*CronScheduler, error) {
	if location == nil {
		location = time.UTC
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, &domain.ConfigurationError{Field: "scheduler.cronExpression", Reason: err.Error()}
	}
	return &CronScheduler{spec: spec, location: location, logger: logger}, nil
}

// Next reports the first activation strictly after t.
func (c *CronScheduler) Next(t time.Time) time.Time {
	schedule, err := cron.ParseStandard(c.spec)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(t.In(c.location))
}

// Start registers the job and begins firing. The job receives the activation time
// truncated to the minute, in the scheduler timezone. Jobs never overlap.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	c.cron = cron.New(
		cron.WithLocation(c.location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	entry, err := c.cron.AddFunc(c.spec, func() {
		job(time.Now().In(c.location).Truncate(time.Minute))
	})
	if err != nil {
		c.cron = nil
		return fmt.Errorf("schedule %q: %w", c.spec, err)
	}
	c.entry = entry
	c.stopped = make(chan struct{})
	c.cron.Start()

	if c.logger != nil {
		c.logger.Info("scheduler started", "cron", c.spec, "next", c.cron.Entry(entry).Next)
	}

	stopped := c.stopped
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background())
		case <-stopped:
		}
	}()
	return nil
}

// Stop halts scheduling and waits for a running job until ctx expires.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cron == nil {
		c.mu.Unlock()
		return nil
	}
	running := c.cron.Stop()
	close(c.stopped)
	c.cron = nil
	c.mu.Unlock()

	select {
	case <-running.Done():
		if c.logger != nil {
			c.logger.Info("scheduler stopped")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
