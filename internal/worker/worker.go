// Package worker downloads, hashes, deduplicates and archives one image per
// task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/dedup"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

const (
	defaultTaskTimeout  = 2 * time.Minute
	defaultStoreTimeout = 30 * time.Second
	defaultContentType = "image/jpeg"
	// maxDownloadAttempts covers the first try plus one re-download after an
	// integrity failure.
	maxDownloadAttempts = 2
)

var imageHeaders = http.Header{"Accept": {"image/avif,image/webp,image/apng,image/*,*/*;q=0.8"}}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds the download and file writes of one task. In-flight
	// tasks keep running after the run context is canceled until this expires.
	TaskTimeout time.Duration
	// StoreTimeout bounds each store transaction of a task. It starts fresh for
	// every transaction, so an expired download can still be recorded.
	StoreTimeout time.Duration
	ContentType string
	// Topic receives an "image archived" event per stored image when set.
	Topic string
}

// Stats counts task outcomes across every worker sharing it.
type Stats struct {
	Success   atomic.Int64
	Reused    atomic.Int64
	Duplicate atomic.Int64
	Failed    atomic.Int64
}

// Deps groups the collaborators a Worker needs.
type Deps struct {
	Queue     crawler.Queue
	Store     crawler.Store
	Blobs     crawler.BlobStore
	Fetcher   crawler.Fetcher
	Hasher    crawler.Hasher
	Index     *dedup.Index
	Publisher crawler.Publisher
	Clock     crawler.Clock
	Stats     *Stats
}

// Worker consumes download tasks until the queue closes or the context ends.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	}
	if deps.Index == nil {
		deps.Index = dedup.New()
	}
	if deps.Stats == nil {
		deps.Stats = &Stats{}
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run blocks, consuming tasks until the queue is closed and drained or ctx is
// canceled. Only store failures are returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue task: %w", err)
		}
		if err := w.Process(ctx, task); err != nil {
			return err
		}
	}
}

// Process handles one task. The task runs on contexts detached from ctx so a
// canceled run lets it finish; download problems are recorded on the image row
// and only crawler.ErrStore is returned.
func (w *Worker) Process(ctx context.Context, task crawler.DownloadTask) error {
	detached := context.WithoutCancel(ctx)
	taskCtx, cancel := context.WithTimeout(detached, w.cfg.TaskTimeout)
	defer cancel()

	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()

	img := task.Image
	logger := w.logger.With(zap.String("image_id", img.ID), zap.Int("page", int(img.PageID)))

	if !task.Force {
		done, err := w.skipKnownURL(detached, img)
		if err != nil {
			logger.Error("url dedup check failed", zap.Error(err))
			return err
		}
		if done {
			return nil
		}
	}

	stored, err := w.fetchAndStore(taskCtx, detached, task)
	if err != nil {
		if errors.Is(err, crawler.ErrStore) {
			logger.Error("store failure during download", zap.Error(err))
			return err
		}
		logger.Warn("download failed", zap.String("url", img.SourceURL), zap.Error(err))
		return w.recordFailure(detached, img, err)
	}

	canonical, err := w.commit(detached, img, stored)
	if err != nil {
		logger.Error("commit download failed", zap.Error(err))
		return err
	}
	w.deps.Index.Learn(stored.hash, canonical)
	if stored.wrote && canonical != stored.key {
		// Another writer registered the same bytes first.
		if err := w.deps.Blobs.DeleteObject(detached, stored.key); err != nil {
			logger.Warn("remove losing duplicate file", zap.String("path", stored.key), zap.Error(err))
		}
	}

	if stored.wrote && canonical == stored.key {
		w.deps.Stats.Success.Add(1)
	} else {
		w.deps.Stats.Reused.Add(1)
	}
	metrics.ObserveImage(string(crawler.DownloadSuccess))
	logger.Debug("image archived",
		zap.String("hash", stored.hash),
		zap.String("path", canonical),
		zap.Bool("new_file", stored.wrote && canonical == stored.key),
	)
	w.publish(detached, img, stored.hash, canonical, logger)
	return nil
}

// skipKnownURL applies the URL-level dedup check. It reports true when the
// task needs no download.
func (w *Worker) skipKnownURL(ctx context.Context, img crawler.ImageRecord) (bool, error) {
	var found bool
	err := w.inTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		prior, ok, err := w.deps.Index.LookupURL(ctx, tx, img.SourceURL)
		if err != nil {
			return err
		}
		found = ok
		if !ok || prior.ID == img.ID {
			return nil
		}
		return tx.UpdateDownload(ctx, img.ID, crawler.DownloadDuplicate, prior.ContentHash, prior.LocalPath, "")
	})
	if err != nil {
		return false, crawler.StoreErr("check source url", err)
	}
	if found {
		w.deps.Stats.Duplicate.Add(1)
		metrics.ObserveImage(string(crawler.DownloadDuplicate))
	}
	return found, nil
}

type storedObject struct {
	hash  string
	key   string
	wrote bool
}

// fetchAndStore downloads the image and makes sure a verified copy exists.
// One integrity failure triggers exactly one re-download. Transfers run on
// ctx; store lookups derive their own deadline from storeCtx.
func (w *Worker) fetchAndStore(ctx, storeCtx context.Context, task crawler.DownloadTask) (storedObject, error) {
	var lastErr error
	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		out, err := w.attemptDownload(ctx, storeCtx, task)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, crawler.ErrIntegrity) {
			return storedObject{}, err
		}
		metrics.ObserveIntegrityFailure()
		w.logger.Warn("integrity check failed",
			zap.String("image_id", task.Image.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		lastErr = err
	}
	return storedObject{}, fmt.Errorf("%w: giving up after %d attempts: %w", crawler.ErrDownload, maxDownloadAttempts, lastErr)
}

func (w *Worker) attemptDownload(ctx, storeCtx context.Context, task crawler.DownloadTask) (storedObject, error) {
	img := task.Image
	data, err := w.download(ctx, img.SourceURL)
	if err != nil {
		return storedObject{}, err
	}
	hash, err := w.deps.Hasher.Hash(data)
	if err != nil {
		return storedObject{}, fmt.Errorf("%w: hash body: %w", crawler.ErrDownload, err)
	}

	var (
		canonical string
		known     bool
	)
	err = w.inTx(storeCtx, func(ctx context.Context, tx crawler.Tx) error {
		var lookupErr error
		canonical, known, lookupErr = w.deps.Index.LookupHash(ctx, tx, hash)
		return lookupErr
	})
	if err != nil {
		return storedObject{}, crawler.StoreErr("lookup content hash", err)
	}
	if known {
		if task.Force {
			if err := w.restoreMissing(ctx, canonical, hash, data); err != nil {
				return storedObject{}, err
			}
		}
		return storedObject{hash: hash, key: canonical}, nil
	}

	key := dedup.ObjectKey(img.Author, hash, img.SourceURL)
	if err := w.writeVerified(ctx, key, hash, data); err != nil {
		return storedObject{}, err
	}
	return storedObject{hash: hash, key: key, wrote: true}, nil
}

func (w *Worker) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, Headers: imageHeaders})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrDownload, err)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: GET %s: empty body", crawler.ErrDownload, url)
	}
	return resp.Body, nil
}

// writeVerified writes data under key and re-reads it. A mismatching re-read
// is removed and reported as crawler.ErrIntegrity.
func (w *Worker) writeVerified(ctx context.Context, key, hash string, data []byte) error {
	if _, err := w.deps.Blobs.PutObject(ctx, key, w.cfg.ContentType, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", crawler.ErrDownload, key, err)
	}
	stored, err := w.deps.Blobs.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: re-read %s: %w", crawler.ErrDownload, key, err)
	}
	got, err := w.deps.Hasher.Hash(stored)
	if err != nil {
		return fmt.Errorf("%w: hash %s: %w", crawler.ErrDownload, key, err)
	}
	if got != hash {
		if delErr := w.deps.Blobs.DeleteObject(ctx, key); delErr != nil {
			w.logger.Warn("remove corrupt file", zap.String("path", key), zap.Error(delErr))
		}
		return fmt.Errorf("%w: %s: want %s, got %s", crawler.ErrIntegrity, key, hash, got)
	}
	return nil
}

func (w *Worker) restoreMissing(ctx context.Context, key, hash string, data []byte) error {
	exists, err := w.deps.Blobs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", crawler.ErrDownload, key, err)
	}
	if exists {
		return nil
	}
	w.logger.Info("rewriting missing canonical file", zap.String("path", key))
	return w.writeVerified(ctx, key, hash, data)
}

// commit registers the hash and points the image row at the canonical path in
// one transaction.
func (w *Worker) commit(ctx context.Context, img crawler.ImageRecord, stored storedObject) (string, error) {
	var canonical string
	err := w.inTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		path, err := w.deps.Index.Register(ctx, tx, stored.hash, stored.key)
		if err != nil {
			return err
		}
		canonical = path
		return tx.UpdateDownload(ctx, img.ID, crawler.DownloadSuccess, stored.hash, canonical, "")
	})
	if err != nil {
		return "", crawler.StoreErr("commit download", err)
	}
	return canonical, nil
}

// recordFailure marks the row failed unless it already holds a successful
// download.
func (w *Worker) recordFailure(ctx context.Context, img crawler.ImageRecord, cause error) error {
	var kept bool
	err := w.inTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		current, ok, err := tx.GetImage(ctx, img.ID)
		if err != nil {
			return err
		}
		if ok && current.DownloadStatus == crawler.DownloadSuccess {
			kept = true
			return nil
		}
		return tx.UpdateDownload(ctx, img.ID, crawler.DownloadFailed, "", "", crawler.ErrorText(cause))
	})
	if err != nil {
		return crawler.StoreErr("record download failure", err)
	}
	if !kept {
		w.deps.Stats.Failed.Add(1)
		metrics.ObserveImage(string(crawler.DownloadFailed))
	}
	return nil
}

// inTx runs fn in a store transaction bounded by StoreTimeout.
func (w *Worker) inTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	return w.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		return fn(ctx, tx)
	})
}

func (w *Worker) publish(ctx context.Context, img crawler.ImageRecord, hash, path string, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	payload := map[string]any{
		"image_id":   img.ID,
		"author":     img.Author,
		"source_url": img.SourceURL,
		"page_url":   img.PageURL,
		"hash":       hash,
		"path":       path,
		"timestamp":  w.now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		logger.Warn("publish archived event failed", zap.Error(err))
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}
