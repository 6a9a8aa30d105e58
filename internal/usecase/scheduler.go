package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"papertrail/internal/domain"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
)

// Scheduler wires the cron driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring full runs.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, pipeline: pipeline, logger: logging.Component(logger, "scheduler")}
}

// Start registers a full run over every configured topic for each activation.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		run, err := s.pipeline.RunFull(ctx, nil, 0, trigger)
		var partial *domain.PartialRunError
		switch {
		case err == nil:
			s.logger.Info("scheduled run finished", "run", run.ID, "state", run.State)
		case errors.As(err, &partial):
			s.logger.Warn("scheduled run partially failed", "run", run.ID, "error", err)
		default:
			s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
