// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/config"
	"github.com/JakeFAU/domaintext/internal/decompress"
	"github.com/JakeFAU/domaintext/internal/fetcher"
	"github.com/JakeFAU/domaintext/internal/finder"
	"github.com/JakeFAU/domaintext/internal/index"
	"github.com/JakeFAU/domaintext/internal/ingest"
	"github.com/JakeFAU/domaintext/internal/policy/ratelimit"
	"github.com/JakeFAU/domaintext/internal/storage/memory"
	"github.com/JakeFAU/domaintext/internal/storage/postgres"
	"github.com/JakeFAU/domaintext/internal/textclean"
	"github.com/JakeFAU/domaintext/internal/warc"
)

const schemaTimeout = 30 * time.Second

// App holds the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	store  ingest.TextStore
	finder *finder.Finder
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Finder returns the lookup orchestrator.
func (a *App) Finder() *finder.Finder {
	return a.finder
}

// New builds every service from cfg. It fails fast if the store cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services")

	store, preds, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	normalizer, err := textclean.New(cfg.Ingest.Language, cfg.Ingest.ExtraStopwords)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init normalizer: %w", err)
	}

	indexClient := index.NewClient(index.ClientConfig{
		CDXAPI:         cfg.Index.CDXAPI,
		CollInfoURL:    cfg.Index.CollInfoURL,
		MaxCollections: cfg.Index.MaxCollections,
		MatchType:      cfg.Index.MatchType,
		Timeout:        cfg.Index.Timeout,
		UserAgent:      cfg.Index.UserAgent,
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.Index.RequestsPerSecond,
			Burst: cfg.Index.Burst,
		}),
	}, nil, logger.Named("index"))

	archiveFetcher := fetcher.New(fetcher.Config{
		Concurrency:     cfg.Fetch.Concurrency,
		TransferTimeout: cfg.Fetch.TransferTimeout,
		ChunkBytes:      cfg.Fetch.ChunkBytes,
		UserAgent:       cfg.Fetch.UserAgent,
		AllowPartial:    cfg.Fetch.AllowPartial,
	}, nil, fetcher.NewRetryPolicy(
		cfg.Fetch.MaxRetries,
		time.Duration(cfg.Fetch.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Fetch.BackoffMaxMs)*time.Millisecond,
	), logger.Named("fetcher"))

	f, err := finder.New(finder.Config{
		LinksLimit:          cfg.Index.LinksLimit,
		WorkDir:             cfg.Ingest.WorkDir,
		Timeout:             cfg.Ingest.Timeout,
		MaxConcurrentRuns:   cfg.Ingest.MaxConcurrentRuns,
		ExtractConcurrency:  cfg.Ingest.ExtractConcurrency,
		SkipCorruptArchives: cfg.Ingest.SkipCorruptArchives,
	}, finder.Deps{
		Store:        store,
		Predictions:  preds,
		Resolver:     index.NewResolver(indexClient, cfg.Index.ArchiveOrigin, logger.Named("resolver")),
		Fetcher:      archiveFetcher,
		Decompressor: decompress.New(logger.Named("decompress")),
		Extractor:    warc.NewExtractor(cfg.Ingest.RecordTypes, logger.Named("warc")),
		Normalizer:   normalizer,
		Logger:       logger.Named("finder"),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init finder: %w", err)
	}

	logger.Info("application services initialized")
	return &App{cfg: cfg, logger: logger, store: store, finder: f}, nil
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (ingest.TextStore, ingest.PredictionStore, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn is empty, using in-memory stores; rows will not survive a restart")
		return memory.NewTextStore(cfg.DB.QueryLimit), memory.NewPredictionStore(cfg.DB.QueryLimit), nil
	}

	logger.Info("connecting to PostgreSQL")
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init database: %w", err)
	}
	store, err := postgres.NewTextStore(pool, cfg.DB.DataTable, cfg.DB.QueryLimit)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init text store: %w", err)
	}
	preds, err := postgres.NewPredictionStore(pool, cfg.DB.PredictionsTable, cfg.DB.QueryLimit)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("init prediction store: %w", err)
	}
	if cfg.DB.AutoMigrate {
		schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
		defer cancel()
		if err := postgres.EnsureSchema(schemaCtx, pool, cfg.DB.DataTable, cfg.DB.PredictionsTable); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, preds, nil
}

// Close shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.store.Close()
	_ = a.logger.Sync()
}
