package pipeline

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/ban"
	"github.com/JakeFAU/photo-archiver/internal/clock/system"
	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/dedup"
	"github.com/JakeFAU/photo-archiver/internal/extract"
	collyfetcher "github.com/JakeFAU/photo-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/photo-archiver/internal/frontier"
	hashsha "github.com/JakeFAU/photo-archiver/internal/hash/sha256"
	"github.com/JakeFAU/photo-archiver/internal/id/uuid"
	"github.com/JakeFAU/photo-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/photo-archiver/internal/storage/local"
	"github.com/JakeFAU/photo-archiver/internal/storage/memory"
)

type harness struct {
	t       *testing.T
	site    *fakeSite
	store   *memory.Store
	blobs   *local.BlobStore
	root    string
	index   *dedup.Index
	fetcher *collyfetcher.Fetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	return &harness{
		t:       t,
		site:    newFakeSite(t),
		store:   memory.NewStore(),
		blobs:   blobs,
		root:    root,
		index:   dedup.New(),
		fetcher: collyfetcher.New(collyfetcher.Config{Timeout: 500 * time.Millisecond}, ratelimit.Noop{}),
	}
}

func (h *harness) pipeline(cfg Config, wrap func(PageExtractor) PageExtractor) *Pipeline {
	h.t.Helper()
	extractor, err := extract.New(extract.Config{ListingURL: h.site.listingTemplate()}, h.fetcher, zap.NewNop())
	require.NoError(h.t, err)
	var pe PageExtractor = extractor
	if wrap != nil {
		pe = wrap(pe)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4
	}
	p, err := New(Deps{
		Store:     h.store,
		Blobs:     h.blobs,
		Fetcher:   h.fetcher,
		Extractor: pe,
		Authors:   extractor,
		Hasher:    hashsha.New(),
		Index:     h.index,
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, cfg, zap.NewNop())
	require.NoError(h.t, err)
	return p
}

func (h *harness) image(id string) crawler.Image {
	h.t.Helper()
	var img crawler.Image
	require.NoError(h.t, h.store.InTx(context.Background(), func(tx crawler.Tx) error {
		var ok bool
		var err error
		img, ok, err = tx.GetImage(context.Background(), id)
		require.True(h.t, ok, "image %s not stored", id)
		return err
	}))
	return img
}

func (h *harness) page(id crawler.PageID) crawler.Page {
	h.t.Helper()
	var page crawler.Page
	require.NoError(h.t, h.store.InTx(context.Background(), func(tx crawler.Tx) error {
		var err error
		page, _, err = tx.GetPage(context.Background(), id)
		return err
	}))
	return page
}

// files lists every archived file relative to the root.
func (h *harness) files() []string {
	h.t.Helper()
	keys, err := h.blobs.List(context.Background(), "")
	require.NoError(h.t, err)
	return keys
}

func TestScenarioPartialImageFailureKeepsPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(5, newPhoto("101", "jane"), newPhoto("102", "jane"))
	h.site.setImageStatus("102", http.StatusNotFound)

	summary, err := h.pipeline(Config{StartOffset: 5, LastPage: 5}, nil).Crawl(context.Background())
	require.NoError(t, err)

	assert.Equal(t, crawler.PageStatusFetched, h.page(5).Status)
	ok := h.image("101")
	assert.Equal(t, crawler.DownloadSuccess, ok.DownloadStatus)
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(ok.LocalPath)))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes-101", string(data))

	failed := h.image("102")
	assert.Equal(t, crawler.DownloadFailed, failed.DownloadStatus)
	assert.Contains(t, failed.DownloadError, "404")

	assert.Equal(t, 1, summary.PagesFetched)
	assert.Equal(t, 2, summary.ImagesQueued)
	assert.EqualValues(t, 1, summary.ImagesSuccess)
	assert.EqualValues(t, 1, summary.ImagesFailed)
	assert.False(t, summary.Interrupted)
}

func TestScenarioTimeoutsExhaustPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(7, newPhoto("701", "jane"))
	h.site.slowListing[7] = true
	ctx := context.Background()

	_, err := h.pipeline(Config{StartOffset: 7, LastPage: 7}, nil).Crawl(ctx)
	require.NoError(t, err)
	page := h.page(7)
	assert.Equal(t, crawler.PageStatusFailed, page.Status)
	assert.Equal(t, 1, page.AttemptCount)

	retry := Config{Mode: frontier.Retry, MaxAttempts: 3}
	_, err = h.pipeline(retry, nil).Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.PageStatusFailed, h.page(7).Status)

	summary, err := h.pipeline(retry, nil).Crawl(ctx)
	require.NoError(t, err)
	page = h.page(7)
	assert.Equal(t, crawler.PageStatusExhausted, page.Status)
	assert.Equal(t, 3, page.AttemptCount)
	assert.Equal(t, 1, summary.PagesExhausted)
	assert.Equal(t, 3, h.site.hitCount(listingPath(7)))

	_, err = h.pipeline(retry, nil).Crawl(ctx)
	require.NoError(t, err)
	_, err = h.pipeline(Config{StartOffset: 7, LastPage: 7}, nil).Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.site.hitCount(listingPath(7)), "exhausted pages are never fetched again")
	assert.Equal(t, 3, h.page(7).AttemptCount)

	require.NoError(t, h.store.InTx(ctx, func(tx crawler.Tx) error {
		record, ok, err := tx.GetFailedPage(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, record.Attempts)
		assert.True(t, record.Exhausted)
		return nil
	}))
}

func TestScenarioRedownloadFetchesOnlyMissing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var photos []photo
	for i := range 10 {
		photos = append(photos, newPhoto(strconv.Itoa(100+i), "x"))
	}
	h.site.addPage(0, photos...)
	h.site.setImageStatus("109", http.StatusInternalServerError)
	ctx := context.Background()

	summary, err := h.pipeline(Config{LastPage: 0}, nil).Crawl(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 9, summary.ImagesSuccess)
	assert.Equal(t, crawler.DownloadFailed, h.image("109").DownloadStatus)

	before := make(map[string]os.FileInfo)
	for _, key := range h.files() {
		info, err := os.Stat(filepath.Join(h.root, key))
		require.NoError(t, err)
		before[key] = info
	}
	require.Len(t, before, 9)

	h.site.setImageStatus("109", 0)
	summary, err = h.pipeline(Config{}, nil).Redownload(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ImagesQueued)
	assert.EqualValues(t, 1, summary.ImagesSuccess)

	assert.Equal(t, crawler.DownloadSuccess, h.image("109").DownloadStatus)
	assert.Equal(t, 2, h.site.hitCount(imagePath("109")))
	for i := range 9 {
		assert.Equal(t, 1, h.site.hitCount(imagePath(strconv.Itoa(100+i))))
	}
	for key, info := range before {
		after, err := os.Stat(filepath.Join(h.root, key))
		require.NoError(t, err)
		assert.Equal(t, info.ModTime(), after.ModTime(), key)
	}
	assert.Len(t, h.files(), 10)
}

func TestScenarioBanCleanupThenCrawlSkipsAuthor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0,
		newPhoto("201", "spam"), newPhoto("202", "spam"), newPhoto("203", "spam"), newPhoto("204", "spam"),
		newPhoto("205", "jane"),
	)
	ctx := context.Background()

	_, err := h.pipeline(Config{}, nil).Crawl(ctx)
	require.NoError(t, err)
	require.Len(t, h.files(), 5)

	svc, err := ban.New(h.store, h.blobs, uuid.New(), system.New(), h.index, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Ban(ctx, "spam", "spam account"))
	report, err := svc.Cleanup(ctx, "spam")
	require.NoError(t, err)
	assert.Equal(t, 4, report.ImagesRemoved)
	assert.Equal(t, 4, report.FilesRemoved)

	files := h.files()
	require.Len(t, files, 1)
	assert.Equal(t, h.image("205").LocalPath, files[0])
	require.NoError(t, h.store.InTx(ctx, func(tx crawler.Tx) error {
		n, err := tx.CountImagesByAuthor(ctx, "spam")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))

	h.site.addPage(1, newPhoto("206", "spam"), newPhoto("207", "jane"))
	summary, err := h.pipeline(Config{LastPage: 1}, nil).Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PagesFetched)
	assert.Equal(t, 1, summary.SkippedBanned)
	assert.Equal(t, crawler.DownloadSuccess, h.image("207").DownloadStatus)
	assert.Zero(t, h.site.hitCount(imagePath("206")))
	assert.Len(t, h.files(), 2)
}

func TestCrossAuthorIdenticalBytesShareOneFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	shared := []byte("same bytes")
	h.site.addPage(0,
		photo{id: "301", author: "jane", body: shared},
		photo{id: "302", author: "bob", body: shared},
	)

	summary, err := h.pipeline(Config{Workers: 1}, nil).Crawl(context.Background())
	require.NoError(t, err)

	first, second := h.image("301"), h.image("302")
	assert.Equal(t, crawler.DownloadSuccess, first.DownloadStatus)
	assert.Equal(t, crawler.DownloadSuccess, second.DownloadStatus)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.LocalPath, second.LocalPath)
	assert.Len(t, h.files(), 1)
	assert.EqualValues(t, 1, summary.ImagesSuccess)
	assert.EqualValues(t, 1, summary.ImagesReused)
}

// cancelAfter cancels the run once the given page has been extracted.
type cancelAfter struct {
	next   PageExtractor
	page   crawler.PageID
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfter) Fetch(ctx context.Context, id crawler.PageID, banned map[string]bool) (crawler.PageOutcome, error) {
	out, err := c.next.Fetch(ctx, id, banned)
	if id == c.page {
		c.once.Do(c.cancel)
	}
	return out, err
}

func TestInterruptedRunResumesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0, newPhoto("401", "jane"), newPhoto("402", "jane"))
	h.site.addPage(1, newPhoto("403", "bob"), newPhoto("404", "bob"))
	h.site.addPage(2, newPhoto("405", "bob"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	summary, err := h.pipeline(Config{Workers: 1}, func(next PageExtractor) PageExtractor {
		return &cancelAfter{next: next, page: 0, cancel: cancel}
	}).Crawl(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, crawler.PageStatusFetched, h.page(0).Status, "the extracted page is still committed")
	assert.Equal(t, crawler.PageStatus(""), h.page(1).Status)

	summary, err = h.pipeline(Config{}, nil).Crawl(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, 2, summary.PagesFetched)

	for _, id := range []string{"401", "402", "403", "404", "405"} {
		assert.Equal(t, crawler.DownloadSuccess, h.image(id).DownloadStatus, id)
	}
	assert.Len(t, h.files(), 5)
	assert.Equal(t, 1, h.site.hitCount(listingPath(0)))
}

func TestListing404ExhaustsPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0, newPhoto("501", "jane"))
	h.site.addPage(2, newPhoto("502", "jane"))

	summary, err := h.pipeline(Config{LastPage: 2}, nil).Crawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PagesFetched)
	assert.Equal(t, 1, summary.PagesExhausted)
	page := h.page(1)
	assert.Equal(t, crawler.PageStatusExhausted, page.Status)
	assert.Equal(t, 1, page.AttemptCount)
}

func TestPersistRecordsMarkersAndSubmissions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0, newPhoto("601", "jane"), newPhoto("602", "jane"))
	h.site.addPage(3, newPhoto("603", "bob"))
	ctx := context.Background()

	_, err := h.pipeline(Config{LastPage: 1, SampleRate: 1}, nil).Crawl(ctx)
	require.NoError(t, err)

	require.NoError(t, h.store.InTx(ctx, func(tx crawler.Tx) error {
		last, ok, err := tx.GetState(ctx, crawler.StateLastPage)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "3", last)
		done, ok, err := tx.GetState(ctx, crawler.StateLastCompletedPage)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "3", done)
		return nil
	}))

	byType := map[string]int{}
	for _, s := range h.store.Submissions() {
		byType[s.Type]++
		assert.Equal(t, "pending", s.Status)
	}
	assert.Equal(t, map[string]int{crawler.SubmissionTypeAuthor: 2, crawler.SubmissionTypeImage: 3}, byType)
}

func TestVerifyResetsMissingAndCorruptFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0, newPhoto("701", "jane"), newPhoto("702", "jane"), newPhoto("703", "jane"))
	ctx := context.Background()

	_, err := h.pipeline(Config{}, nil).Crawl(ctx)
	require.NoError(t, err)

	missing, corrupt := h.image("701"), h.image("702")
	require.NoError(t, os.Remove(filepath.Join(h.root, missing.LocalPath)))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, corrupt.LocalPath), []byte("bit rot"), 0o600))

	p := h.pipeline(Config{}, nil)
	report, err := p.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerifyReport{Files: 3, Missing: 1, Corrupt: 1, RowsReset: 2}, report)
	assert.Equal(t, crawler.DownloadFailed, h.image("701").DownloadStatus)
	assert.Contains(t, h.image("702").DownloadError, "integrity")
	assert.Equal(t, crawler.DownloadSuccess, h.image("703").DownloadStatus)

	summary, err := p.Redownload(ctx, "jane")
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.ImagesSuccess)
	report, err = p.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerifyReport{Files: 3}, report)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Images[crawler.DownloadSuccess])
	assert.Equal(t, 1, stats.Pages[crawler.PageStatusFetched])
}

func TestAuthorDetailsReadOncePerAuthor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.addPage(0, newPhoto("801", "jane"), newPhoto("802", "bob"))
	h.site.addPage(1, newPhoto("803", "jane"))
	h.site.setProfile("jane", "Tájképek")
	ctx := context.Background()

	summary, err := h.pipeline(Config{LastPage: 1, AuthorDetails: true}, nil).Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PagesFetched)
	assert.Equal(t, 1, h.site.hitCount("/jane/details"))
	assert.Equal(t, 1, h.site.hitCount("/bob/details"), "a missing profile is not retried within a run")

	require.NoError(t, h.store.InTx(ctx, func(tx crawler.Tx) error {
		jane, ok, err := tx.GetAuthor(ctx, "jane")
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, jane.Details)
		assert.Equal(t, "Tájképek", jane.Details.Bio)
		assert.Equal(t, h.site.srv.URL+"/jane/details", jane.Details.URL)
		require.NotNil(t, jane.Details.ImageCount)
		assert.Equal(t, 42, *jane.Details.ImageCount)
		assert.False(t, jane.Details.FetchedAt.IsZero())

		bob, ok, err := tx.GetAuthor(ctx, "bob")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, bob.Details)
		return nil
	}))

	// A new process skips stored profiles and asks again for missing ones.
	got, err := h.pipeline(Config{AuthorDetails: true}, nil).authorDetails(ctx, []crawler.ImageRecord{
		{Author: "jane", AuthorURL: h.site.srv.URL + "/jane"},
		{Author: "bob", AuthorURL: h.site.srv.URL + "/bob"},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, h.site.hitCount("/jane/details"))
	assert.Equal(t, 2, h.site.hitCount("/bob/details"))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.ErrorContains(t, err, "store is required")
}
