package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

const submissionPending = "pending"

// persistPage stores a successfully extracted page in one transaction: author
// and image rows, the page transition, the crawl markers and the archive
// submissions. It returns the download tasks to queue once it has committed.
func (p *Pipeline) persistPage(ctx context.Context, outcome crawler.PageOutcome) ([]crawler.DownloadTask, error) {
	var (
		tasks     []crawler.DownloadTask
		submitted []string
	)
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		tasks = tasks[:0]
		submitted = submitted[:0]
		for _, rec := range outcome.Images {
			existing, found, err := tx.GetImage(ctx, rec.ID)
			if err != nil {
				return fmt.Errorf("load image %s: %w", rec.ID, err)
			}
			author := crawler.Author{Name: rec.Author, URL: rec.AuthorURL}
			if d, ok := outcome.AuthorDetails[rec.Author]; ok {
				author.Details = &d
			}
			if err := tx.UpsertAuthor(ctx, author); err != nil {
				return fmt.Errorf("upsert author %q: %w", rec.Author, err)
			}
			if err := tx.UpsertImage(ctx, rec); err != nil {
				return fmt.Errorf("upsert image %s: %w", rec.ID, err)
			}
			if !found || existing.DownloadStatus == crawler.DownloadPending ||
				existing.DownloadStatus == crawler.DownloadFailed {
				tasks = append(tasks, crawler.DownloadTask{Image: rec})
			}
			kinds, err := p.submit(ctx, tx, rec)
			if err != nil {
				return err
			}
			submitted = append(submitted, kinds...)
		}
		if _, err := p.tracker.RecordSuccess(ctx, tx, outcome.Page); err != nil {
			return err
		}
		return p.saveMarkers(ctx, tx, outcome)
	})
	if err != nil {
		p.logger.Error("persist page failed", zap.Int("page", int(outcome.Page)), zap.Error(err))
		return nil, crawler.StoreErr(fmt.Sprintf("persist page %d", outcome.Page), err)
	}
	for _, kind := range submitted {
		metrics.ObserveSubmission(kind)
	}
	p.logger.Info("page stored",
		zap.Int("page", int(outcome.Page)),
		zap.Int("images", len(outcome.Images)),
		zap.Int("queued", len(tasks)),
		zap.Int("skipped_banned", outcome.SkippedBanned),
	)
	return tasks, nil
}

// saveMarkers advances last_completed_page and records the listing's last-page
// marker.
func (p *Pipeline) saveMarkers(ctx context.Context, tx crawler.Tx, outcome crawler.PageOutcome) error {
	if outcome.LastPage > 0 {
		if err := tx.SetState(ctx, crawler.StateLastPage, strconv.Itoa(int(outcome.LastPage))); err != nil {
			return fmt.Errorf("save last page: %w", err)
		}
	}
	raw, ok, err := tx.GetState(ctx, crawler.StateLastCompletedPage)
	if err != nil {
		return fmt.Errorf("read last completed page: %w", err)
	}
	if ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n >= int(outcome.Page) {
			return nil
		}
	}
	if err := tx.SetState(ctx, crawler.StateLastCompletedPage, strconv.Itoa(int(outcome.Page))); err != nil {
		return fmt.Errorf("save last completed page: %w", err)
	}
	return nil
}

// submit writes pending archive submissions for the author page and, for a
// deterministic sample of images, the image page. It returns the kinds of the
// rows it inserted.
func (p *Pipeline) submit(ctx context.Context, tx crawler.Tx, rec crawler.ImageRecord) ([]string, error) {
	var kinds []string
	targets := []struct {
		url  string
		kind string
		want bool
	}{
		{rec.AuthorURL, crawler.SubmissionTypeAuthor, rec.AuthorURL != ""},
		{rec.PageURL, crawler.SubmissionTypeImage, rec.PageURL != "" && p.sampled(rec.ID)},
	}
	for _, target := range targets {
		if !target.want {
			continue
		}
		id, err := p.deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("submission id: %w", err)
		}
		inserted, err := tx.InsertSubmission(ctx, crawler.ArchiveSubmission{
			ID:             id,
			TargetURL:      target.url,
			Type:           target.kind,
			Status:         submissionPending,
			SubmissionDate: p.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("insert %s submission: %w", target.kind, err)
		}
		if inserted {
			kinds = append(kinds, target.kind)
		}
	}
	return kinds, nil
}

// sampled picks roughly SampleRate of all image ids, the same ones on every
// run.
func (p *Pipeline) sampled(imageID string) bool {
	switch {
	case p.cfg.SampleRate <= 0:
		return false
	case p.cfg.SampleRate >= 1:
		return true
	}
	digest, err := p.deps.Hasher.Hash([]byte(imageID))
	if err != nil || len(digest) < 8 {
		return false
	}
	bucket, err := strconv.ParseUint(digest[:8], 16, 32)
	if err != nil {
		return false
	}
	return float64(bucket) < p.cfg.SampleRate*float64(1<<32)
}
