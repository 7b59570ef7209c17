package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

// OffsetPlaceholder is replaced with the page id in the listing URL template.
const OffsetPlaceholder = "{offset}"

// Config configures an Extractor.
type Config struct {
	// ListingURL is the listing template containing OffsetPlaceholder.
	ListingURL string
	Schema     Schema
}

// Extractor fetches one listing page and every detail page it links to.
type Extractor struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds an Extractor. The fetcher is expected to be rate limited.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) (*Extractor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if !strings.Contains(cfg.ListingURL, OffsetPlaceholder) {
		return nil, fmt.Errorf("listing url must contain %s", OffsetPlaceholder)
	}
	if cfg.Schema == (Schema{}) {
		cfg.Schema = DefaultSchema
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, fetcher: fetcher, logger: logger.Named("extract")}, nil
}

// ListingURL renders the listing URL for page id.
func (e *Extractor) ListingURL(id crawler.PageID) string {
	return strings.ReplaceAll(e.cfg.ListingURL, OffsetPlaceholder, strconv.Itoa(int(id)))
}

// Fetch extracts every image listed on page id. Images by authors in banned are
// dropped and counted. Any error fails the whole page and no records are
// returned: a 404 on the listing matches crawler.ErrPermanentHTTP, every other
// fetch problem crawler.ErrNetwork, and a missing required field
// crawler.ErrParse.
func (e *Extractor) Fetch(ctx context.Context, id crawler.PageID, banned map[string]bool) (crawler.PageOutcome, error) {
	listingURL := e.ListingURL(id)
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{URL: listingURL})
	if err != nil {
		return crawler.PageOutcome{}, fmt.Errorf("fetch listing page %d: %w", id, err)
	}
	listing, err := ParseListing(e.cfg.Schema, listingURL, resp.Body)
	if err != nil {
		return crawler.PageOutcome{}, &crawler.ParseError{URL: listingURL, Field: "listing", Reason: err.Error()}
	}

	outcome := crawler.PageOutcome{
		Page:     id,
		URL:      listingURL,
		LastPage: crawler.PageID(listing.LastPage),
	}
	for _, entry := range listing.Entries {
		if err := ctx.Err(); err != nil {
			return crawler.PageOutcome{}, err
		}
		rec, err := e.detail(ctx, entry)
		if err != nil {
			return crawler.PageOutcome{}, err
		}
		rec.PageID = id
		if banned[rec.Author] {
			outcome.SkippedBanned++
			continue
		}
		outcome.Images = append(outcome.Images, rec)
	}
	metrics.ObserveBannedSkipped(outcome.SkippedBanned)

	e.logger.Debug("page extracted",
		zap.Int("page", int(id)),
		zap.Int("images", len(outcome.Images)),
		zap.Int("skipped_banned", outcome.SkippedBanned),
		zap.Int("last_page", listing.LastPage),
	)
	return outcome, nil
}

func (e *Extractor) detail(ctx context.Context, entry ListingEntry) (crawler.ImageRecord, error) {
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{URL: entry.DetailURL})
	if err != nil {
		if errors.Is(err, crawler.ErrPermanentHTTP) {
			// The listing exists, so a missing detail page is worth retrying.
			return crawler.ImageRecord{}, fmt.Errorf("%w: fetch detail %s: %v", crawler.ErrNetwork, entry.DetailURL, err)
		}
		return crawler.ImageRecord{}, fmt.Errorf("fetch detail %s: %w", entry.DetailURL, err)
	}
	return ParseDetail(e.cfg.Schema, entry, resp.Body)
}
