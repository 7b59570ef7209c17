// Package pipeline wires the frontier, the extractor, the tracker and the
// download pool into resumable crawl runs.
//
// A run has one producer goroutine, which walks the frontier and persists each
// page in a single transaction before queueing its downloads, and a pool of
// workers consuming the queue. Both sides share an errgroup: a store failure
// on either side cancels the other and is returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/dedup"
	"github.com/JakeFAU/photo-archiver/internal/dispatcher"
	"github.com/JakeFAU/photo-archiver/internal/frontier"
	queuememory "github.com/JakeFAU/photo-archiver/internal/queue/memory"
	"github.com/JakeFAU/photo-archiver/internal/tracker"
	"github.com/JakeFAU/photo-archiver/internal/worker"
)

const (
	defaultWorkers    = 8
	defaultQueueDepth = 64
)

// PageExtractor fetches one listing page and its detail pages.
type PageExtractor interface {
	Fetch(ctx context.Context, id crawler.PageID, banned map[string]bool) (crawler.PageOutcome, error)
}

// AuthorProfiler reads an author's profile details page.
type AuthorProfiler interface {
	FetchAuthorDetails(ctx context.Context, authorURL string) (crawler.AuthorDetails, error)
}

// Config controls a Pipeline.
type Config struct {
	Mode        frontier.Mode
	StartOffset int
	LastPage    int
	MaxAttempts int
	Workers     int
	QueueDepth  int
	// SampleRate is the share of image pages queued for archive submission.
	SampleRate float64

	// AuthorDetails reads the profile page of every author seen without one.
	AuthorDetails bool
	Worker        worker.Config
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	Store     crawler.Store
	Blobs     crawler.BlobStore
	Fetcher   crawler.Fetcher
	Extractor PageExtractor
	// Authors is required when Config.AuthorDetails is set.
	Authors   AuthorProfiler
	Hasher    crawler.Hasher
	Index     *dedup.Index
	Publisher crawler.Publisher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Pipeline runs crawls and the maintenance passes over the archive.
type Pipeline struct {
	deps    Deps
	cfg     Config
	tracker *tracker.Tracker
	logger  *zap.Logger

	mu sync.Mutex

	// profiled holds authors whose details were already requested by this
	// process, successfully or not.
	profiled map[string]bool
}

// New validates deps and builds a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case cfg.AuthorDetails && deps.Authors == nil:
		return nil, fmt.Errorf("author profiler is required when author details are enabled")
	}
	if deps.Index == nil {
		deps.Index = dedup.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pipeline")
	return &Pipeline{
		deps:    deps,
		cfg:     cfg,
		tracker:  tracker.New(cfg.MaxAttempts, deps.Clock, logger),
		logger:   logger,
		profiled: make(map[string]bool),
	}, nil
}

// producer feeds the pool through enqueue. It returns nil when it runs out of
// work or ctx is canceled.
type producer func(ctx context.Context, enqueue enqueueFunc, summary *Summary) error

type enqueueFunc func(ctx context.Context, task crawler.DownloadTask) error

// run starts a worker pool, drives produce against it and waits for the
// queue to drain.
func (p *Pipeline) run(ctx context.Context, mode string, produce producer) (Summary, error) {
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	started := p.deps.Clock.Now()
	summary := Summary{RunID: runID, Mode: mode}
	logger := p.logger.With(zap.String("run_id", runID), zap.String("mode", mode))

	queue := queuememory.NewQueue(p.cfg.QueueDepth)
	stats := &worker.Stats{}
	workers := make([]*worker.Worker, 0, p.cfg.Workers)
	for i := range p.cfg.Workers {
		w, err := worker.New(worker.Deps{
			Queue:     queue,
			Store:     p.deps.Store,
			Blobs:     p.deps.Blobs,
			Fetcher:   p.deps.Fetcher,
			Hasher:    p.deps.Hasher,
			Index:     p.deps.Index,
			Publisher: p.deps.Publisher,
			Clock:     p.deps.Clock,
			Stats:     stats,
		}, p.cfg.Worker, logger.Named("worker").With(zap.Int("worker", i)))
		if err != nil {
			return Summary{}, fmt.Errorf("build worker: %w", err)
		}
		workers = append(workers, w)
	}
	pool := dispatcher.New(queue, workers)
	logger.Info("run starting", zap.Int("workers", pool.Size()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		defer queue.Close()
		enqueue := func(ctx context.Context, task crawler.DownloadTask) error {
			if err := pool.Enqueue(ctx, task); err != nil {
				return err
			}
			summary.ImagesQueued++
			return nil
		}
		return produce(gctx, enqueue, &summary)
	})
	runErr := g.Wait()

	summary.ImagesSuccess = stats.Success.Load()
	summary.ImagesReused = stats.Reused.Load()
	summary.ImagesDuplicate = stats.Duplicate.Load()
	summary.ImagesFailed = stats.Failed.Load()
	summary.Interrupted = ctx.Err() != nil
	summary.Duration = p.deps.Clock.Now().Sub(started)
	summary.Log(logger)
	if runErr != nil {
		logger.Error("run aborted", zap.Error(runErr))
		return summary, runErr
	}
	return summary, nil
}

// Crawl walks the frontier in the configured mode. Images left pending by an
// earlier run are queued first; retry mode also re-queues failed downloads.
func (p *Pipeline) Crawl(ctx context.Context) (Summary, error) {
	front, err := frontier.New(ctx, p.deps.Store, frontier.Config{
		Mode:        p.cfg.Mode,
		StartOffset: p.cfg.StartOffset,
		LastPage:    p.cfg.LastPage,
		MaxAttempts: p.cfg.MaxAttempts,
	}, p.logger)
	if err != nil {
		return Summary{}, err
	}
	banned, err := p.banned(ctx)
	if err != nil {
		return Summary{}, err
	}

	return p.run(ctx, p.cfg.Mode.String(), func(ctx context.Context, enqueue enqueueFunc, summary *Summary) error {
		statuses := []crawler.DownloadStatus{crawler.DownloadPending}
		if p.cfg.Mode == frontier.Retry {
			statuses = append(statuses, crawler.DownloadFailed)
		}
		if err := p.requeue(ctx, enqueue, banned, statuses...); err != nil {
			return stopOnCancel(ctx, err)
		}
		for {
			id, ok, err := front.Next(ctx)
			if err != nil {
				return stopOnCancel(ctx, err)
			}
			if !ok {
				return nil
			}
			if err := p.processPage(ctx, front, id, banned, enqueue, summary); err != nil {
				return stopOnCancel(ctx, err)
			}
		}
	})
}

func (p *Pipeline) processPage(
	ctx context.Context,
	front *frontier.Frontier,
	id crawler.PageID,
	banned map[string]bool,
	enqueue enqueueFunc,
	summary *Summary,
) error {
	outcome, fetchErr := p.deps.Extractor.Fetch(ctx, id, banned)
	if fetchErr != nil {
		if ctx.Err() != nil {
			// Interrupted mid-page: the page is simply not attempted.
			return ctx.Err()
		}
		page, err := p.recordPageFailure(ctx, id, fetchErr)
		if err != nil {
			return err
		}
		summary.countPage(page.Status)
		return nil
	}

	details, err := p.authorDetails(ctx, outcome.Images)
	if err != nil {
		return err
	}
	outcome.AuthorDetails = details

	tasks, err := p.persistPage(context.WithoutCancel(ctx), outcome)
	if err != nil {
		return err
	}
	front.ObserveLastPage(outcome.LastPage)
	summary.countPage(crawler.PageStatusFetched)
	summary.SkippedBanned += outcome.SkippedBanned

	for _, task := range tasks {
		if err := enqueue(ctx, task); err != nil {
			// Unqueued images stay pending and are picked up next run.
			return err
		}
	}
	return nil
}

func (p *Pipeline) recordPageFailure(ctx context.Context, id crawler.PageID, cause error) (crawler.Page, error) {
	var page crawler.Page
	ctx = context.WithoutCancel(ctx)
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		page, err = p.tracker.RecordFailure(ctx, tx, id, cause)
		return err
	})
	if err != nil {
		p.logger.Error("record page failure", zap.Int("page", int(id)), zap.Error(err))
		return crawler.Page{}, crawler.StoreErr("record page failure", err)
	}
	return page, nil
}

// requeue queues every stored image in one of statuses. Banned authors'
// images are left alone.
func (p *Pipeline) requeue(
	ctx context.Context,
	enqueue enqueueFunc,
	banned map[string]bool,
	statuses ...crawler.DownloadStatus,
) error {
	var images []crawler.Image
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		images = images[:0]
		for _, status := range statuses {
			batch, err := tx.ListImagesByStatus(ctx, status)
			if err != nil {
				return err
			}
			images = append(images, batch...)
		}
		return nil
	})
	if err != nil {
		return crawler.StoreErr("list unfinished images", err)
	}
	queued := 0
	for _, img := range images {
		if banned[img.Author] {
			continue
		}
		if err := enqueue(ctx, crawler.DownloadTask{Image: img.ImageRecord}); err != nil {
			return err
		}
		queued++
	}
	if queued > 0 {
		p.logger.Info("re-queued unfinished downloads", zap.Int("images", queued))
	}
	return nil
}

func (p *Pipeline) banned(ctx context.Context) (map[string]bool, error) {
	var names []string
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		names, err = tx.ListBannedAuthors(ctx)
		return err
	})
	if err != nil {
		return nil, crawler.StoreErr("list banned authors", err)
	}
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = true
	}
	return out, nil
}

// stopOnCancel turns errors caused by cancellation into a clean stop. Store
// failures always propagate.
func stopOnCancel(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, crawler.ErrStore) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) now() time.Time {
	return p.deps.Clock.Now().UTC()
}
