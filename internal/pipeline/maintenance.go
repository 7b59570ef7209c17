package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

// Redownload queues every image by author that has no successful download.
// Tasks are forced, so a canonical file removed from disk is written again.
func (p *Pipeline) Redownload(ctx context.Context, author string) (Summary, error) {
	if author == "" {
		return Summary{}, fmt.Errorf("author is required")
	}
	var images []crawler.Image
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		images, err = tx.ListImagesByAuthor(ctx, author)
		return err
	})
	if err != nil {
		return Summary{}, crawler.StoreErr("list author images", err)
	}

	return p.run(ctx, "redownload", func(ctx context.Context, enqueue enqueueFunc, _ *Summary) error {
		for _, img := range images {
			if img.DownloadStatus == crawler.DownloadSuccess || img.DownloadStatus == crawler.DownloadDuplicate {
				continue
			}
			if err := enqueue(ctx, crawler.DownloadTask{Image: img.ImageRecord, Force: true}); err != nil {
				return stopOnCancel(ctx, err)
			}
		}
		return nil
	})
}

// VerifyReport describes one verification pass.
type VerifyReport struct {
	Files     int `json:"files"`
	Missing   int `json:"missing"`
	Corrupt   int `json:"corrupt"`
	RowsReset int `json:"rows_reset"`
}

// Verify re-hashes every archived file referenced by a successful image. A
// missing or mismatching file drops its dedup entry and marks the images
// pointing at it failed, so the next retry or redownload fetches them again.
func (p *Pipeline) Verify(ctx context.Context) (VerifyReport, error) {
	var images []crawler.Image
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		images, err = tx.ListImagesByStatus(ctx, crawler.DownloadSuccess)
		return err
	})
	if err != nil {
		return VerifyReport{}, crawler.StoreErr("list archived images", err)
	}

	var report VerifyReport
	checked := make(map[string]bool)
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if img.ContentHash == "" || checked[img.ContentHash] {
			continue
		}
		checked[img.ContentHash] = true
		report.Files++

		problem, err := p.checkFile(ctx, img.LocalPath, img.ContentHash)
		if err != nil {
			return report, err
		}
		if problem == nil {
			continue
		}
		if errors.Is(problem, errCorrupt) {
			report.Corrupt++
		} else {
			report.Missing++
		}
		metrics.ObserveIntegrityFailure()
		n, err := p.resetHash(ctx, img.ContentHash, img.LocalPath, problem)
		if err != nil {
			return report, err
		}
		report.RowsReset += n
	}

	p.logger.Info("verification finished",
		zap.Int("files", report.Files),
		zap.Int("missing", report.Missing),
		zap.Int("corrupt", report.Corrupt),
		zap.Int("rows_reset", report.RowsReset),
	)
	return report, nil
}

var (
	errMissing = errors.New("file missing")
	errCorrupt = errors.New("hash mismatch")
)

// checkFile returns errMissing or errCorrupt when the file at key does not
// hold hash. The second result reports read failures.
func (p *Pipeline) checkFile(ctx context.Context, key, hash string) (problem, err error) {
	if key == "" {
		return errMissing, nil
	}
	data, err := p.deps.Blobs.GetObject(ctx, key)
	if errors.Is(err, crawler.ErrObjectNotFound) {
		return errMissing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	got, err := p.deps.Hasher.Hash(data)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", key, err)
	}
	if got != hash {
		return errCorrupt, nil
	}
	return nil, nil
}

func (p *Pipeline) resetHash(ctx context.Context, hash, key string, problem error) (int, error) {
	errText := crawler.ErrorText(fmt.Errorf("%w: %s: %w", crawler.ErrIntegrity, key, problem))
	reset := 0
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		reset = 0
		rows, err := tx.ListImagesByHash(ctx, hash)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.DownloadStatus != crawler.DownloadSuccess {
				continue
			}
			if err := tx.UpdateDownload(ctx, row.ID, crawler.DownloadFailed, "", "", errText); err != nil {
				return err
			}
			reset++
		}
		return tx.DeleteHash(ctx, hash)
	})
	if err != nil {
		return 0, crawler.StoreErr("reset broken file", err)
	}
	p.deps.Index.Forget(hash)
	if errors.Is(problem, errCorrupt) {
		if err := p.deps.Blobs.DeleteObject(ctx, key); err != nil {
			p.logger.Warn("remove corrupt file", zap.String("path", key), zap.Error(err))
		}
	}
	p.logger.Warn("archived file failed verification",
		zap.String("path", key),
		zap.String("hash", hash),
		zap.String("problem", problem.Error()),
		zap.Int("rows_reset", reset),
	)
	return reset, nil
}

// Stats returns page and image counts by status.
func (p *Pipeline) Stats(ctx context.Context) (crawler.StoreStats, error) {
	var stats crawler.StoreStats
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		stats, err = tx.Stats(ctx)
		return err
	})
	if err != nil {
		return crawler.StoreStats{}, crawler.StoreErr("read stats", err)
	}
	return stats, nil
}
