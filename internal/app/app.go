// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mangaleech/mangaleech/internal/clock/system"
	"github.com/mangaleech/mangaleech/internal/config"
	"github.com/mangaleech/mangaleech/internal/extractor"
	"github.com/mangaleech/mangaleech/internal/fetch"
	"github.com/mangaleech/mangaleech/internal/imaging"
	"github.com/mangaleech/mangaleech/internal/leech"
	"github.com/mangaleech/mangaleech/internal/metrics"
	"github.com/mangaleech/mangaleech/internal/orchestrator"
	"github.com/mangaleech/mangaleech/internal/policy/ratelimit"
	"github.com/mangaleech/mangaleech/internal/publisher/noop"
	pubsubpub "github.com/mangaleech/mangaleech/internal/publisher/pubsub"
	"github.com/mangaleech/mangaleech/internal/storage/gcs"
	"github.com/mangaleech/mangaleech/internal/storage/local"
	"github.com/mangaleech/mangaleech/internal/storage/memory"
	"github.com/mangaleech/mangaleech/internal/storage/postgres"
)

// App holds the shared services wired from configuration. It is built
// once at startup and torn down with Close.
type App struct {
	Logger       *zap.Logger
	Store        leech.ProgressStore
	Blobs        leech.BlobStore
	Publisher    leech.Publisher
	Limiter      *ratelimit.Limiter
	Registry     *extractor.Registry
	Orchestrator *orchestrator.Orchestrator

	cfg     config.Config
	closers []func() error
}

// NewApp instantiates every provider the configuration selects,
// failing fast when a critical service cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{Logger: logger, cfg: cfg}

	if err := a.initProgressStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlobStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Limiter = ratelimit.New(ratelimit.Config{
		DefaultPerMinute: cfg.Leech.DefaultRatePerMinute,
	})

	registry, err := a.buildRegistry(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = registry

	pool := fetch.NewPool(fetch.Config{
		Timeout:     cfg.HTTP.Timeout,
		MaxAttempts: cfg.HTTP.MaxAttempts,
		BackoffBase: cfg.HTTP.BackoffBase,
		BackoffMax:  cfg.HTTP.BackoffMax,
		UserAgent:   cfg.HTTP.UserAgent,
	}, logger)

	normalizer := imaging.New(imaging.Config{
		Quality:      cfg.Normalizer.Quality,
		MaxDimension: cfg.Normalizer.MaxDimension,
	})

	a.Orchestrator = orchestrator.New(
		a.Store,
		a.Blobs,
		a.Registry,
		pool,
		a.Limiter,
		normalizer,
		a.Publisher,
		system.Clock{},
		logger,
		orchestrator.Config{
			ChapterConcurrency:  cfg.Leech.ChapterConcurrency,
			ImageConcurrency:    cfg.Leech.ImageConcurrency,
			RevalidateCompleted: cfg.Leech.RevalidateCompleted,
			Normalize:           cfg.Leech.Normalize,
			Topic:               cfg.Publisher.Topic,
		},
	)
	return a, nil
}

// Bootstrap upserts the configured sources and series so the first run
// has work to discover, and primes the per-source rate budgets.
func (a *App) Bootstrap(ctx context.Context) error {
	for _, srcCfg := range a.cfg.Sources {
		rate := srcCfg.RatePerMinute
		if rate <= 0 {
			rate = a.cfg.Leech.DefaultRatePerMinute
		}
		src, err := a.Store.UpsertSource(ctx, leech.Source{
			Name:               srcCfg.Name,
			BaseURL:            srcCfg.BaseURL,
			RateLimitPerMinute: rate,
		})
		if err != nil {
			return fmt.Errorf("bootstrap source %s: %w", srcCfg.Name, err)
		}
		a.Limiter.SetBudget(src.Name, src.RateLimitPerMinute)

		for _, seriesCfg := range srcCfg.Series {
			title := seriesCfg.Title
			if title == "" {
				title = seriesCfg.URL
			}
			if _, err := a.Store.UpsertSeries(ctx, leech.Series{
				SourceID:  src.ID,
				Title:     title,
				TargetURL: seriesCfg.URL,
				Status:    leech.SeriesActive,
			}); err != nil {
				return fmt.Errorf("bootstrap series %s: %w", seriesCfg.URL, err)
			}
		}
	}
	return nil
}

// Close shuts providers down in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("provider close failed", zap.Error(err))
		}
	}
}

func (a *App) initProgressStore(ctx context.Context) error {
	switch a.cfg.Database.Provider {
	case "postgres":
		dsn := a.cfg.Database.Postgres.DSN
		if dsn == "" {
			return errors.New("database provider is 'postgres' but database.postgres.dsn is not set")
		}
		a.Logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{DSN: dsn})
		if err != nil {
			return fmt.Errorf("initialize postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.Store = store
		return nil
	case "memory":
		a.Logger.Info("using in-memory progress store; state will not survive restarts")
		a.Store = memory.NewProgressStore(system.Clock{})
		return nil
	default:
		return fmt.Errorf("unknown database provider: %s", a.cfg.Database.Provider)
	}
}

func (a *App) initBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "local":
		a.Logger.Info("using local blob store", zap.String("base_dir", a.cfg.Storage.Local.BaseDir))
		blobs, err := local.New(a.cfg.Storage.Local.BaseDir, a.Logger)
		if err != nil {
			return err
		}
		a.Blobs = blobs
		return nil
	case "gcs":
		if a.cfg.Storage.GCS.Bucket == "" {
			return errors.New("storage provider is 'gcs' but storage.gcs.bucket is not set")
		}
		a.Logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		blobs, err := gcs.Open(ctx, gcs.Config{
			Bucket:        a.cfg.Storage.GCS.Bucket,
			PublicBaseURL: a.cfg.Storage.GCS.PublicURL,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, blobs.Close)
		a.Blobs = blobs
		return nil
	case "memory":
		a.Blobs = memory.NewBlobStore()
		return nil
	default:
		return fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		if a.cfg.Publisher.PubSub.ProjectID == "" {
			return errors.New("publisher provider is 'pubsub' but publisher.pubsub.project_id is not set")
		}
		a.Logger.Info("connecting to pubsub", zap.String("topic", a.cfg.Publisher.Topic))
		pub, err := pubsubpub.New(ctx, a.cfg.Publisher.PubSub.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		a.Publisher = pub
		return nil
	case "noop", "memory":
		a.Logger.Info("chapter events disabled")
		a.Publisher = noop.New()
		return nil
	default:
		return fmt.Errorf("unknown publisher provider: %s", a.cfg.Publisher.Provider)
	}
}

// buildRegistry wires one extractor per supported source. Sources
// named in the config but unsupported here fail at startup, not at
// run time.
func (a *App) buildRegistry(cfg config.Config, logger *zap.Logger) (*extractor.Registry, error) {
	var renderer *extractor.HeadlessRenderer
	if cfg.Extractor.HeadlessEnabled {
		var err error
		renderer, err = extractor.NewHeadlessRenderer(extractor.HeadlessConfig{
			Enabled:        true,
			UserAgent:      cfg.HTTP.UserAgent,
			Timeout:        cfg.Extractor.HeadlessTimeout,
			MaxConcurrency: cfg.Extractor.HeadlessConcurrency,
			DomainQPS:      cfg.Extractor.HeadlessDomainQPS,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize headless renderer: %w", err)
		}
		a.closers = append(a.closers, renderer.Close)
	}

	registry := extractor.NewRegistry()
	tqCfg := extractor.DefaultTruyenQQConfig()
	tqCfg.UserAgent = cfg.HTTP.UserAgent
	tqCfg.Timeout = cfg.HTTP.Timeout
	registry.Register(extractor.SourceTruyenQQ, extractor.NewTruyenQQ(tqCfg, renderer, logger))

	for _, src := range cfg.Sources {
		if _, err := registry.Lookup(src.Name); err != nil {
			return nil, fmt.Errorf("source %q has no extractor", src.Name)
		}
	}
	return registry, nil
}
