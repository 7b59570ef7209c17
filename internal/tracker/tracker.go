// Package tracker owns the page retry state machine and the failed-page audit
// records.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

// Outcome is the result of one page attempt.
type Outcome int

// Page attempt outcomes.
const (
	Success Outcome = iota
	Failure
	Permanent
)

// Classify maps a page error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, crawler.ErrPermanentHTTP):
		return Permanent
	default:
		return Failure
	}
}

// Transition applies one attempt outcome to page. Exhausted pages absorb
// failures unchanged, and attempt_count never exceeds maxAttempts.
func Transition(page crawler.Page, outcome Outcome, maxAttempts int) crawler.Page {
	if maxAttempts <= 0 {
		maxAttempts = crawler.DefaultMaxAttempts
	}
	if page.Status == "" {
		page.Status = crawler.PageStatusPending
	}
	switch outcome {
	case Success:
		if page.Status != crawler.PageStatusExhausted {
			page.Status = crawler.PageStatusFetched
			page.LastError = ""
		}
	case Failure:
		if page.Status == crawler.PageStatusExhausted || page.Status == crawler.PageStatusFetched {
			return page
		}
		page.AttemptCount = min(page.AttemptCount+1, maxAttempts)
		page.Status = crawler.PageStatusFailed
		if page.AttemptCount >= maxAttempts {
			page.Status = crawler.PageStatusExhausted
		}
	case Permanent:
		if page.Status == crawler.PageStatusExhausted || page.Status == crawler.PageStatusFetched {
			return page
		}
		page.AttemptCount = min(page.AttemptCount+1, maxAttempts)
		page.Status = crawler.PageStatusExhausted
	}
	return page
}

// Tracker records page outcomes inside the caller's transaction.
type Tracker struct {
	maxAttempts int
	clock       crawler.Clock
	logger      *zap.Logger
}

// New builds a Tracker.
func New(maxAttempts int, clock crawler.Clock, logger *zap.Logger) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = crawler.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{maxAttempts: maxAttempts, clock: clock, logger: logger.Named("tracker")}
}

// MaxAttempts returns the configured retry bound.
func (t *Tracker) MaxAttempts() int {
	return t.maxAttempts
}

// RecordSuccess marks the page fetched. An existing failed_pages row is kept.
func (t *Tracker) RecordSuccess(ctx context.Context, tx crawler.Tx, id crawler.PageID) (crawler.Page, error) {
	page, err := t.load(ctx, tx, id)
	if err != nil {
		return crawler.Page{}, err
	}
	page = Transition(page, Success, t.maxAttempts)
	page.LastAttemptAt = t.now()
	if err := tx.SavePage(ctx, page); err != nil {
		return crawler.Page{}, fmt.Errorf("save page %d: %w", id, err)
	}
	metrics.ObservePage(string(page.Status))
	return page, nil
}

// RecordFailure applies a failed attempt and upserts the audit record. Failures
// on exhausted or fetched pages are ignored.
func (t *Tracker) RecordFailure(ctx context.Context, tx crawler.Tx, id crawler.PageID, cause error) (crawler.Page, error) {
	page, err := t.load(ctx, tx, id)
	if err != nil {
		return crawler.Page{}, err
	}
	if page.Status == crawler.PageStatusExhausted || page.Status == crawler.PageStatusFetched {
		t.logger.Debug("ignoring failure on terminal page",
			zap.Int("page", int(id)),
			zap.String("status", string(page.Status)),
		)
		return page, nil
	}

	now := t.now()
	page = Transition(page, Classify(cause), t.maxAttempts)
	page.LastError = crawler.ErrorText(cause)
	page.LastAttemptAt = now
	if err := tx.SavePage(ctx, page); err != nil {
		return crawler.Page{}, fmt.Errorf("save page %d: %w", id, err)
	}

	record, found, err := tx.GetFailedPage(ctx, id)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("load failed page %d: %w", id, err)
	}
	if !found {
		record = crawler.FailedPage{PageID: id, FirstFailedAt: now}
	}
	record.Attempts = max(record.Attempts, page.AttemptCount)
	record.LastError = page.LastError
	record.LastFailedAt = now
	record.Exhausted = page.Status == crawler.PageStatusExhausted
	if err := tx.SaveFailedPage(ctx, record); err != nil {
		return crawler.Page{}, fmt.Errorf("save failed page %d: %w", id, err)
	}

	metrics.ObservePage(string(page.Status))
	t.logger.Warn("page failed",
		zap.Int("page", int(id)),
		zap.Int("attempts", page.AttemptCount),
		zap.String("status", string(page.Status)),
		zap.Error(cause),
	)
	return page, nil
}

func (t *Tracker) load(ctx context.Context, tx crawler.Tx, id crawler.PageID) (crawler.Page, error) {
	page, found, err := tx.GetPage(ctx, id)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("load page %d: %w", id, err)
	}
	if !found {
		page = crawler.Page{ID: id, Status: crawler.PageStatusPending}
	}
	return page, nil
}

func (t *Tracker) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}

