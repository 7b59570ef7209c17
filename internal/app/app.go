// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/api"
	"github.com/JakeFAU/photo-archiver/internal/ban"
	"github.com/JakeFAU/photo-archiver/internal/clock/system"
	"github.com/JakeFAU/photo-archiver/internal/config"
	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/dedup"
	"github.com/JakeFAU/photo-archiver/internal/extract"
	collyfetcher "github.com/JakeFAU/photo-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/photo-archiver/internal/frontier"
	"github.com/JakeFAU/photo-archiver/internal/hash/blake3"
	"github.com/JakeFAU/photo-archiver/internal/hash/sha256"
	"github.com/JakeFAU/photo-archiver/internal/id/uuid"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
	"github.com/JakeFAU/photo-archiver/internal/pipeline"
	"github.com/JakeFAU/photo-archiver/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/photo-archiver/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/photo-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/photo-archiver/internal/storage/gcs"
	"github.com/JakeFAU/photo-archiver/internal/storage/local"
	"github.com/JakeFAU/photo-archiver/internal/storage/memory"
	"github.com/JakeFAU/photo-archiver/internal/storage/postgres"
	"github.com/JakeFAU/photo-archiver/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// App holds the shared, long-lived services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    crawler.Store
	blobs    crawler.BlobStore
	pipeline *pipeline.Pipeline
	bans     *ban.Service

	closers []func() error
}

// New builds every service from cfg. It fails fast when a backend cannot be
// initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.blobs, err = a.openBlobs(ctx); err != nil {
		return nil, err
	}
	hasher, err := newHasher(cfg.Storage.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{Interval: cfg.RateInterval(), Jitter: cfg.RateJitter()})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.RequestTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyMB << 20,
	}, limiter)
	extractor, err := extract.New(extract.Config{ListingURL: cfg.Crawl.ListingURL}, fetcher, logger)
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	clock := system.New()
	ids := uuid.New()
	index := dedup.New()

	mode := frontier.Sequential
	if cfg.Crawl.Retry {
		mode = frontier.Retry
	}
	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:     a.store,
		Blobs:     a.blobs,
		Fetcher:   fetcher,
		Extractor: extractor,
		Authors:   extractor,
		Hasher:    hasher,
		Index:     index,
		Publisher: publisher,
		Clock:     clock,
		IDs:       ids,
	}, pipeline.Config{
		Mode:        mode,
		StartOffset: cfg.Crawl.StartOffset,
		LastPage:    cfg.Crawl.LastPage,
		MaxAttempts: cfg.Crawl.MaxAttempts,
		Workers:     cfg.Workers.Count,
		QueueDepth:  cfg.Workers.QueueDepth,
		SampleRate:  cfg.Archive.SampleRate,

		AuthorDetails: cfg.Crawl.AuthorDetails,
		Worker: worker.Config{
			TaskTimeout: 4 * cfg.RequestTimeout(),
			Topic:       cfg.Events.Topic,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	a.bans, err = ban.New(a.store, a.blobs, ids, clock, index, logger)
	if err != nil {
		return nil, fmt.Errorf("init ban service: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("hash", cfg.Storage.HashAlgorithm),
		zap.String("events", cfg.Events.Provider),
		zap.Stringer("mode", mode),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (crawler.Store, error) {
	switch a.cfg.DB.Backend {
	case "memory":
		a.logger.Warn("using the in-memory store; progress is lost on exit")
		return memory.NewStore(), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db backend: %s", a.cfg.DB.Backend)
	}
}

func (a *App) openBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Storage.ArchiveRoot})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return blobs, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Events.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return memorypublisher.New(memorypublisher.WithLogger(a.logger)), nil
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", a.cfg.Events.Provider)
	}
}

func newHasher(algorithm string) (crawler.Hasher, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %s", algorithm)
	}
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the catalog store.
func (a *App) Store() crawler.Store { return a.store }

// Blobs returns the archive blob store.
func (a *App) Blobs() crawler.BlobStore { return a.blobs }

// Pipeline returns the crawl pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Bans returns the author ban service.
func (a *App) Bans() *ban.Service { return a.bans }

// ServeStatus runs the status server until ctx is done. It returns
// immediately when the server is disabled.
func (a *App) ServeStatus(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		return nil
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		Handler:           api.NewServer(a.store, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("status server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		return nil
	}
}

// Close releases every service in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close service failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}
