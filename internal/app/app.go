package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"papertrail/internal/api"
	"papertrail/internal/config"
	"papertrail/internal/infrastructure/llm"
	"papertrail/internal/infrastructure/lock"
	"papertrail/internal/infrastructure/ml"
	"papertrail/internal/infrastructure/parser"
	"papertrail/internal/infrastructure/scheduler"
	"papertrail/internal/infrastructure/social"
	"papertrail/internal/infrastructure/storage"
	"papertrail/internal/infrastructure/telegram"
	"papertrail/internal/logging"
	"papertrail/internal/ports"
	"papertrail/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	lock      *lock.File
	repo      *storage.SQLRepository
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
}

// New takes the process lock, opens the store and builds every adapter.
// The caller must Close the application.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	fileLock := lock.New(cfg.Database.ResolvedLockPath())
	if err := fileLock.Acquire(); err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, logger: baseLogger, lock: fileLock}

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	repo, err := storage.Open(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return err
	}
	a.repo = repo
	for _, u := range cfg.Users {
		if err := repo.UpsertUser(ctx, u.User()); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}

	httpClient := &http.Client{Timeout: cfg.Feed.Timeout}
	source, err := parser.NewDefaultRegistry(httpClient, cfg.Feed.BaseURL, cfg.Feed.PageSize).Resolve(cfg.Feed.Source)
	if err != nil {
		return err
	}

	providers, err := llm.NewProviders(cfg.Analysis, logging.Component(logger, "llm"))
	if err != nil {
		return err
	}

	var notifier ports.Notifier
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" {
		notifier = telegram.NewNotifier(tg.Endpoint, tg.BotToken, tg.ChatID)
	} else {
		logger.Info("telegram not configured, recommendations are stored only")
	}

	pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
		Config:     cfg,
		Repository: repo,
		Source:     source,
		Providers:  providers,
		Platforms:  social.NewPlatforms(cfg.Social),
		Embedder:   NewEmbedder(cfg.Embedding, logger),
		Notifier:   notifier,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	cron, err := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(), logger)
	if err != nil {
		return err
	}
	a.scheduler = usecase.NewScheduler(cron, pipeline, logger)

	logger.Info("application ready",
		"database_driver", cfg.Database.Driver,
		"schema_version", repo.SchemaVersion(),
		"source", source.Name(),
		"providers", len(providers),
		"topics", len(cfg.Topics))
	return nil
}

// NewEmbedder prefers the remote embedding service and falls back to local hashing.
func NewEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) ports.Embedder {
	local := ml.NewHashingEmbedder(cfg.Dimensions)
	if cfg.Endpoint == "" {
		return local
	}
	remote := ml.NewClient(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.Dimensions, cfg.Timeout)
	return ml.NewFallbackEmbedder(remote, local, logging.Component(logger, "embedder"))
}

// Pipeline exposes the orchestrator for one-shot commands.
func (a *Application) Pipeline() *usecase.Pipeline {
	return a.pipeline
}

// Serve runs the scheduler and the HTTP trigger surface until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:              a.cfg.API.Address,
		Handler:           api.NewServer(api.NewHandler(a.pipeline), a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "address", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", "error", err)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	return serveErr
}

// Close releases the store and the process lock.
func (a *Application) Close() error {
	var errs []error
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}
