// Package memory provides in-memory implementations of the catalog store and
// the archive blob store for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// Store is an in-memory crawler.Store. Transactions are serialized and a
// failed callback restores the snapshot taken when the transaction began.
type Store struct {
	mu         sync.Mutex
	st         *state
	commitHook func() error
}

var _ crawler.Store = (*Store)(nil)

type state struct {
	pages       map[crawler.PageID]crawler.Page
	failed      map[crawler.PageID]crawler.FailedPage
	kv          map[string]string
	authors     map[string]crawler.Author
	images      map[string]crawler.Image
	tags        map[string]int
	albums      map[string]crawler.Album
	collections map[string]crawler.Collection
	hashes      map[string]string
	submissions map[string]crawler.ArchiveSubmission
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		pages:       make(map[crawler.PageID]crawler.Page),
		failed:      make(map[crawler.PageID]crawler.FailedPage),
		kv:          make(map[string]string),
		authors:     make(map[string]crawler.Author),
		images:      make(map[string]crawler.Image),
		tags:        make(map[string]int),
		albums:      make(map[string]crawler.Album),
		collections: make(map[string]crawler.Collection),
		hashes:      make(map[string]string),
		submissions: make(map[string]crawler.ArchiveSubmission),
	}
}

// clone copies every table. Image slices are copied so a rolled back
// transaction cannot leak membership edits.
func (s *state) clone() *state {
	out := &state{
		pages:       maps.Clone(s.pages),
		failed:      maps.Clone(s.failed),
		kv:          maps.Clone(s.kv),
		authors:     maps.Clone(s.authors),
		images:      make(map[string]crawler.Image, len(s.images)),
		tags:        maps.Clone(s.tags),
		albums:      maps.Clone(s.albums),
		collections: maps.Clone(s.collections),
		hashes:      maps.Clone(s.hashes),
		submissions: maps.Clone(s.submissions),
	}
	for id, img := range s.images {
		out.images[id] = copyImage(img)
	}
	return out
}

// SetCommitHook installs fn to run right before each commit. A non-nil error
// rolls the transaction back; tests use it to simulate commit failures.
func (s *Store) SetCommitHook(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = fn
}

// InTx runs fn against a snapshot-protected view of the store.
func (s *Store) InTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return crawler.StoreErr("begin tx", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every transaction copies the whole state, O(rows) per call. Fine for
	// tests and small dev archives; use postgres for real crawls.
	snapshot := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			s.st = snapshot
			return crawler.StoreErr("commit tx", err)
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

type tx struct {
	st *state
}

func (t *tx) GetPage(_ context.Context, id crawler.PageID) (crawler.Page, bool, error) {
	p, ok := t.st.pages[id]
	return p, ok, nil
}

func (t *tx) SavePage(_ context.Context, page crawler.Page) error {
	t.st.pages[page.ID] = page
	return nil
}

func (t *tx) GetFailedPage(_ context.Context, id crawler.PageID) (crawler.FailedPage, bool, error) {
	r, ok := t.st.failed[id]
	return r, ok, nil
}

func (t *tx) SaveFailedPage(_ context.Context, record crawler.FailedPage) error {
	t.st.failed[record.PageID] = record
	return nil
}

func (t *tx) ListFailedPages(_ context.Context, limit int) ([]crawler.FailedPage, error) {
	out := slices.Collect(maps.Values(t.st.failed))
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) HighestFetchedPage(_ context.Context) (crawler.PageID, bool, error) {
	var (
		best  crawler.PageID
		found bool
	)
	for id, p := range t.st.pages {
		if p.Status == crawler.PageStatusFetched && (!found || id > best) {
			best, found = id, true
		}
	}
	return best, found, nil
}

func (t *tx) ListRetryablePages(_ context.Context, maxAttempts int) ([]crawler.Page, error) {
	var out []crawler.Page
	for _, p := range t.st.pages {
		if p.Status == crawler.PageStatusFailed && p.AttemptCount < maxAttempts {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptCount != out[j].AttemptCount {
			return out[i].AttemptCount < out[j].AttemptCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) GetState(_ context.Context, key string) (string, bool, error) {
	v, ok := t.st.kv[key]
	return v, ok, nil
}

func (t *tx) SetState(_ context.Context, key, value string) error {
	t.st.kv[key] = value
	return nil
}

func (t *tx) UpsertAuthor(_ context.Context, author crawler.Author) error {
	existing, ok := t.st.authors[author.Name]
	if !ok {
		existing = crawler.Author{Name: author.Name}
	}
	if author.URL != "" {
		existing.URL = author.URL
	}
	if author.Details != nil {
		d := *author.Details
		d.TagCloud = append([]crawler.CloudTag(nil), d.TagCloud...)
		existing.Details = &d
	}
	t.st.authors[author.Name] = existing
	return nil
}

func (t *tx) GetAuthor(_ context.Context, name string) (crawler.Author, bool, error) {
	a, ok := t.st.authors[name]
	return a, ok, nil
}

func (t *tx) SetAuthorBan(_ context.Context, name string, banned bool, reason string, at *time.Time) error {
	a, ok := t.st.authors[name]
	if !ok {
		a = crawler.Author{Name: name}
	}
	a.Banned = banned
	a.BanReason = reason
	a.BanDate = nil
	if at != nil {
		ts := *at
		a.BanDate = &ts
	}
	t.st.authors[name] = a
	return nil
}

func (t *tx) ListBannedAuthors(_ context.Context) ([]string, error) {
	var out []string
	for name, a := range t.st.authors {
		if a.Banned {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) UpsertImage(_ context.Context, record crawler.ImageRecord) error {
	if record.ID == "" {
		return fmt.Errorf("upsert image: empty id")
	}
	img, ok := t.st.images[record.ID]
	if !ok {
		img = crawler.Image{DownloadStatus: crawler.DownloadPending}
	}
	img.ImageRecord = copyRecord(record)
	t.st.images[record.ID] = img

	for _, tag := range record.Tags {
		if _, seen := t.st.tags[tag.Name]; !seen || tag.Count > 0 {
			t.st.tags[tag.Name] = tag.Count
		}
	}
	for _, a := range record.Albums {
		t.st.albums[a.ID] = a
	}
	for _, c := range record.Collections {
		t.st.collections[c.ID] = c
	}
	return nil
}

func (t *tx) GetImage(_ context.Context, id string) (crawler.Image, bool, error) {
	img, ok := t.st.images[id]
	if !ok {
		return crawler.Image{}, false, nil
	}
	return t.hydrate(img), true, nil
}

func (t *tx) FindSuccessByURL(_ context.Context, sourceURL string) (crawler.Image, bool, error) {
	matches := t.sortedImages(func(img crawler.Image) bool {
		return img.SourceURL == sourceURL && img.DownloadStatus == crawler.DownloadSuccess
	})
	if len(matches) == 0 {
		return crawler.Image{}, false, nil
	}
	return matches[0], true, nil
}

func (t *tx) UpdateDownload(
	_ context.Context,
	id string,
	status crawler.DownloadStatus,
	hash, path, errText string,
) error {
	img, ok := t.st.images[id]
	if !ok {
		return fmt.Errorf("update download %s: image not found", id)
	}
	img.DownloadStatus = status
	img.ContentHash = hash
	img.LocalPath = path
	img.DownloadError = errText
	t.st.images[id] = img
	return nil
}

func (t *tx) ListImagesByAuthor(_ context.Context, author string) ([]crawler.Image, error) {
	return t.sortedImages(func(img crawler.Image) bool { return img.Author == author }), nil
}

func (t *tx) ListImagesByHash(_ context.Context, hash string) ([]crawler.Image, error) {
	return t.sortedImages(func(img crawler.Image) bool { return img.ContentHash == hash }), nil
}

func (t *tx) ListImagesByPath(_ context.Context, path string) ([]crawler.Image, error) {
	return t.sortedImages(func(img crawler.Image) bool { return img.LocalPath == path }), nil
}

func (t *tx) ListImagesByStatus(_ context.Context, status crawler.DownloadStatus) ([]crawler.Image, error) {
	return t.sortedImages(func(img crawler.Image) bool { return img.DownloadStatus == status }), nil
}

func (t *tx) DeleteImagesByAuthor(_ context.Context, author string) (int, error) {
	removed := 0
	for id, img := range t.st.images {
		if img.Author == author {
			delete(t.st.images, id)
			removed++
		}
	}
	t.pruneOrphans()
	return removed, nil
}

func (t *tx) CountImagesByAuthor(_ context.Context, author string) (int, error) {
	n := 0
	for _, img := range t.st.images {
		if img.Author == author {
			n++
		}
	}
	return n, nil
}

func (t *tx) LookupHash(_ context.Context, hash string) (string, bool, error) {
	p, ok := t.st.hashes[hash]
	return p, ok, nil
}

func (t *tx) RegisterHash(_ context.Context, hash, path string) (string, error) {
	if existing, ok := t.st.hashes[hash]; ok {
		return existing, nil
	}
	t.st.hashes[hash] = path
	return path, nil
}

func (t *tx) MoveHash(_ context.Context, hash, path string) error {
	if _, ok := t.st.hashes[hash]; !ok {
		return fmt.Errorf("move hash %s: not registered", hash)
	}
	t.st.hashes[hash] = path
	for id, img := range t.st.images {
		if img.ContentHash == hash {
			img.LocalPath = path
			t.st.images[id] = img
		}
	}
	return nil
}

func (t *tx) DeleteHash(_ context.Context, hash string) error {
	delete(t.st.hashes, hash)
	return nil
}

func (t *tx) InsertSubmission(_ context.Context, submission crawler.ArchiveSubmission) (bool, error) {
	if _, ok := t.st.submissions[submission.TargetURL]; ok {
		return false, nil
	}
	t.st.submissions[submission.TargetURL] = submission
	return true, nil
}

func (t *tx) Stats(_ context.Context) (crawler.StoreStats, error) {
	stats := crawler.StoreStats{
		Pages:  make(map[crawler.PageStatus]int),
		Images: make(map[crawler.DownloadStatus]int),
	}
	for _, p := range t.st.pages {
		stats.Pages[p.Status]++
	}
	for _, img := range t.st.images {
		stats.Images[img.DownloadStatus]++
	}
	return stats, nil
}

// Submissions returns the recorded archive submissions ordered by target URL.
func (s *Store) Submissions() []crawler.ArchiveSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.st.submissions))
	sort.Slice(out, func(i, j int) bool { return out[i].TargetURL < out[j].TargetURL })
	return out
}

// TagNames returns every stored tag name in sorted order.
func (s *Store) TagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.st.tags))
}

func (t *tx) sortedImages(keep func(crawler.Image) bool) []crawler.Image {
	var out []crawler.Image
	for _, img := range t.st.images {
		if keep(img) {
			out = append(out, t.hydrate(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hydrate refreshes tag counts and membership details from their own tables.
func (t *tx) hydrate(img crawler.Image) crawler.Image {
	out := copyImage(img)
	for i := range out.Tags {
		out.Tags[i].Count = t.st.tags[out.Tags[i].Name]
	}
	for i := range out.Albums {
		if a, ok := t.st.albums[out.Albums[i].ID]; ok {
			out.Albums[i] = a
		}
	}
	for i := range out.Collections {
		if c, ok := t.st.collections[out.Collections[i].ID]; ok {
			out.Collections[i] = c
		}
	}
	return out
}

func (t *tx) pruneOrphans() {
	usedTags := map[string]bool{}
	usedAlbums := map[string]bool{}
	usedCollections := map[string]bool{}
	for _, img := range t.st.images {
		for _, tag := range img.Tags {
			usedTags[tag.Name] = true
		}
		for _, a := range img.Albums {
			usedAlbums[a.ID] = true
		}
		for _, c := range img.Collections {
			usedCollections[c.ID] = true
		}
	}
	maps.DeleteFunc(t.st.tags, func(name string, _ int) bool { return !usedTags[name] })
	maps.DeleteFunc(t.st.albums, func(id string, _ crawler.Album) bool { return !usedAlbums[id] })
	maps.DeleteFunc(t.st.collections, func(id string, _ crawler.Collection) bool { return !usedCollections[id] })
}

func copyImage(img crawler.Image) crawler.Image {
	img.ImageRecord = copyRecord(img.ImageRecord)
	return img
}

func copyRecord(r crawler.ImageRecord) crawler.ImageRecord {
	r.Tags = slices.Clone(r.Tags)
	r.Albums = slices.Clone(r.Albums)
	r.Collections = slices.Clone(r.Collections)
	return r
}
