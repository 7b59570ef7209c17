// Package frontier decides which listing page to process next, either walking
// offsets sequentially or replaying the retry-eligible failed pages.
package frontier

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// Mode selects the traversal strategy.
type Mode int

// Traversal modes.
const (
	Sequential Mode = iota
	Retry
)

func (m Mode) String() string {
	if m == Retry {
		return "retry"
	}
	return "sequential"
}

// Config configures a Frontier.
type Config struct {
	Mode        Mode
	StartOffset int
	// LastPage caps sequential traversal until a listing reports its own marker.
	LastPage    int
	MaxAttempts int
}

// Frontier yields page ids. It only reads from the store.
type Frontier struct {
	store    crawler.Store
	cfg      Config
	logger   *zap.Logger
	next     crawler.PageID
	lastPage crawler.PageID
	pending  []crawler.Page
}

// New builds a Frontier. Sequential mode resumes after the highest fetched
// page; retry mode snapshots the eligible failed pages.
func New(ctx context.Context, store crawler.Store, cfg Config, logger *zap.Logger) (*Frontier, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("frontier"),
		next:     crawler.PageID(max(cfg.StartOffset, 0)),
		lastPage: crawler.PageID(cfg.LastPage),
	}

	err := store.InTx(ctx, func(tx crawler.Tx) error {
		if cfg.Mode == Retry {
			pages, err := tx.ListRetryablePages(ctx, cfg.MaxAttempts)
			if err != nil {
				return fmt.Errorf("list retryable pages: %w", err)
			}
			f.pending = pages
			return nil
		}
		highest, ok, err := tx.HighestFetchedPage(ctx)
		if err != nil {
			return fmt.Errorf("read highest fetched page: %w", err)
		}
		if ok && highest+1 > f.next {
			f.next = highest + 1
		}
		raw, ok, err := tx.GetState(ctx, crawler.StateLastPage)
		if err != nil {
			return fmt.Errorf("read last page marker: %w", err)
		}
		if ok {
			if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
				f.lastPage = crawler.PageID(n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, crawler.StoreErr("init frontier", err)
	}

	f.logger.Info("frontier ready",
		zap.Stringer("mode", cfg.Mode),
		zap.Int("next", int(f.next)),
		zap.Int("last_page", int(f.lastPage)),
		zap.Int("retry_pages", len(f.pending)),
	)
	return f, nil
}

// Next returns the next page to process. The second result is false once the
// frontier is exhausted.
func (f *Frontier) Next(ctx context.Context) (crawler.PageID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if f.cfg.Mode == Retry {
		if len(f.pending) == 0 {
			return 0, false, nil
		}
		page := f.pending[0]
		f.pending = f.pending[1:]
		return page.ID, true, nil
	}

	for f.next <= f.lastPage {
		candidate := f.next
		f.next++

		var (
			page  crawler.Page
			found bool
		)
		err := f.store.InTx(ctx, func(tx crawler.Tx) error {
			var err error
			page, found, err = tx.GetPage(ctx, candidate)
			return err
		})
		if err != nil {
			return 0, false, crawler.StoreErr("read page", err)
		}
		if found && page.Status != crawler.PageStatusPending {
			f.logger.Debug("skipping visited page",
				zap.Int("page", int(candidate)),
				zap.String("status", string(page.Status)),
			)
			continue
		}
		return candidate, true, nil
	}
	return 0, false, nil
}

// ObserveLastPage records the last-page marker reported by a listing. The
// marker never drops below the page that was just returned.
func (f *Frontier) ObserveLastPage(id crawler.PageID) {
	if f.cfg.Mode == Retry || id <= 0 {
		return
	}
	f.lastPage = max(id, f.next-1)
}

// LastPage returns the current termination marker.
func (f *Frontier) LastPage() crawler.PageID {
	return f.lastPage
}

// Remaining reports how many retry pages are still queued.
func (f *Frontier) Remaining() int {
	return len(f.pending)
}
