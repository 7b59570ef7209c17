package extract

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

const testListing = "https://photos.example.com/search?page_offset={offset}"

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

// fakeFetcher serves canned bodies by URL; unknown URLs return 404.
type fakeFetcher struct {
	pages  map[string][]byte
	errs   map[string]error
	called []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.called = append(f.called, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: body}, nil
}

func TestParseListing(t *testing.T) {
	t.Parallel()

	listing, err := ParseListing(DefaultSchema, "https://photos.example.com/search", fixture(t, "listing.html"))
	require.NoError(t, err)

	require.Len(t, listing.Entries, 2, "duplicates and non-https sources are dropped")
	assert.Equal(t, ListingEntry{
		SourceURL: "https://img.example.com/1001_l.jpg",
		DetailURL: "https://photos.example.com/jane/image/1001-balaton",
		Caption:   "Balaton naplemente",
	}, listing.Entries[0])
	assert.Equal(t, "https://photos.example.com/bob/image/1002-duna", listing.Entries[1].DetailURL)
	assert.Empty(t, listing.Entries[1].Caption)
	assert.Equal(t, 14873, listing.LastPage)
}

func TestParseListingEmpty(t *testing.T) {
	t.Parallel()

	listing, err := ParseListing(DefaultSchema, "u", []byte("<html><body><p>Nincs találat</p></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, listing.Entries)
	assert.Zero(t, listing.LastPage)
}

func TestParseDetail(t *testing.T) {
	t.Parallel()

	entry := ListingEntry{
		SourceURL: "https://img.example.com/1001_l.jpg",
		DetailURL: "https://photos.example.com/jane/image/1001-balaton",
		Caption:   "Balaton naplemente",
	}
	rec, err := ParseDetail(DefaultSchema, entry, fixture(t, "detail.html"))
	require.NoError(t, err)

	assert.Equal(t, "1001", rec.ID)
	assert.Equal(t, "Balaton naplemente", rec.Title)
	assert.Equal(t, "jane", rec.Author)
	assert.Equal(t, "https://photos.example.com/jane", rec.AuthorURL)
	assert.Equal(t, "CC BY-NC 2.5", rec.License)
	assert.Equal(t, "https://img.example.com/1001_xxl.jpg", rec.SourceURL, "high-res link wins")
	assert.Equal(t, entry.DetailURL, rec.PageURL)
	require.NotNil(t, rec.Description)
	assert.Equal(t, "Nyári este a parton", *rec.Description)

	require.NotNil(t, rec.CameraMake)
	assert.Equal(t, "Canon", *rec.CameraMake)
	assert.Equal(t, "EOS 450D", *rec.CameraModel)
	assert.Equal(t, "55 mm", *rec.FocalLength)
	assert.Equal(t, "f/5.6", *rec.Aperture)
	assert.Equal(t, "1/250", *rec.Shutter)
	require.NotNil(t, rec.TakenAt)
	assert.Equal(t, time.Date(2010, 7, 21, 19, 42, 5, 0, time.UTC), *rec.TakenAt)
	require.NotNil(t, rec.UploadedAt)
	assert.Equal(t, time.Date(2011, 3, 14, 0, 0, 0, 0, time.UTC), *rec.UploadedAt)

	assert.Equal(t, []crawler.Tag{{Name: "naplemente", Count: 12}, {Name: "balaton"}}, rec.Tags)
	require.Len(t, rec.Albums, 2)
	assert.Equal(t, crawler.Album{
		ID: "77-nyar", Title: "Nyár", URL: "https://photos.example.com/jane/album/77-nyar/", Public: true,
	}, rec.Albums[0])
	assert.False(t, rec.Albums[1].Public)
	require.Len(t, rec.Collections, 1)
	assert.Equal(t, "5-tajak", rec.Collections[0].ID)
}

func TestParseDetailMissingRequiredField(t *testing.T) {
	t.Parallel()

	_, err := ParseDetail(DefaultSchema, ListingEntry{
		SourceURL: "https://img.example.com/2.jpg",
		DetailURL: "https://photos.example.com/bob/image/2",
	}, fixture(t, "detail_missing_license.html"))
	require.ErrorIs(t, err, crawler.ErrParse)

	var parseErr *crawler.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, FieldLicense, parseErr.Field)
}

func TestParseDetailMalformedOptionalIsNull(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><meta property="og:title" content="t"></head><body>
<span class="photo-author">bob</span><span class="photo-license">CC</span>
<span class="photo-date">2011. foo. 44.</span>
<table><tr><td>Készült:</td><td>2010:02:30 10:00:00</td></tr><tr><td>Gyártó:</td><td>-</td></tr></table>
</body></html>`)
	rec, err := ParseDetail(DefaultSchema, ListingEntry{
		SourceURL: "https://img.example.com/3.jpg",
		DetailURL: "https://photos.example.com/bob/page",
	}, body)
	require.NoError(t, err)
	assert.Nil(t, rec.TakenAt)
	assert.Nil(t, rec.UploadedAt)
	assert.Nil(t, rec.CameraMake)
	assert.Nil(t, rec.Description)
	assert.Equal(t, "https://img.example.com/3.jpg", rec.SourceURL)
	assert.Equal(t, "https://photos.example.com/bob/page", rec.ID, "no numeric id falls back to the URL")
}

func TestParseUploadDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"Feltöltve: 2012. máj. 3.", time.Date(2012, 5, 3, 0, 0, 0, 0, time.UTC), true},
		{"2009. Dec. 24.", time.Date(2009, 12, 24, 0, 0, 0, 0, time.UTC), true},
		{"2014. szept. 1.", time.Date(2014, 9, 1, 0, 0, 0, 0, time.UTC), true},
		{"2015.06.30.", time.Date(2015, 6, 30, 0, 0, 0, 0, time.UTC), true},
		{"2015.13.01.", time.Time{}, false},
		{"nothing here", time.Time{}, false},
	}
	for _, tc := range tests {
		got, ok := parseUploadDate(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestExtractorFetch(t *testing.T) {
	t.Parallel()

	detail := fixture(t, "detail.html")
	bob := []byte(`<html><head><meta property="og:title" content="Duna"></head><body>
<span class="photo-author">bob</span><span class="photo-license">CC</span></body></html>`)
	fetcher := &fakeFetcher{pages: map[string][]byte{
		"https://photos.example.com/search?page_offset=5":   fixture(t, "listing.html"),
		"https://photos.example.com/jane/image/1001-balaton": detail,
		"https://photos.example.com/bob/image/1002-duna":     bob,
	}}
	ex, err := New(Config{ListingURL: testListing}, fetcher, zap.NewNop())
	require.NoError(t, err)

	out, err := ex.Fetch(context.Background(), 5, map[string]bool{"bob": true})
	require.NoError(t, err)
	assert.Equal(t, crawler.PageID(5), out.Page)
	assert.Equal(t, crawler.PageID(14873), out.LastPage)
	assert.Equal(t, 1, out.SkippedBanned)
	require.Len(t, out.Images, 1)
	assert.Equal(t, "jane", out.Images[0].Author)
	assert.Equal(t, crawler.PageID(5), out.Images[0].PageID)
	assert.Equal(t, "Balaton naplemente", out.Images[0].Caption)
	assert.Len(t, fetcher.called, 3)
}

func TestExtractorListingNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	ex, err := New(Config{ListingURL: testListing}, &fakeFetcher{}, nil)
	require.NoError(t, err)

	_, err = ex.Fetch(context.Background(), 9, nil)
	require.ErrorIs(t, err, crawler.ErrPermanentHTTP)
}

func TestExtractorDetailNotFoundIsRetryable(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string][]byte{
		"https://photos.example.com/search?page_offset=5": fixture(t, "listing.html"),
	}}
	ex, err := New(Config{ListingURL: testListing}, fetcher, nil)
	require.NoError(t, err)

	out, err := ex.Fetch(context.Background(), 5, nil)
	require.ErrorIs(t, err, crawler.ErrNetwork)
	assert.NotErrorIs(t, err, crawler.ErrPermanentHTTP)
	assert.Empty(t, out.Images, "no partial results")
}

func TestExtractorParseFailureFailsPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string][]byte{
		"https://photos.example.com/search?page_offset=5":   fixture(t, "listing.html"),
		"https://photos.example.com/jane/image/1001-balaton": fixture(t, "detail.html"),
		"https://photos.example.com/bob/image/1002-duna":     fixture(t, "detail_missing_license.html"),
	}}
	ex, err := New(Config{ListingURL: testListing}, fetcher, nil)
	require.NoError(t, err)

	out, err := ex.Fetch(context.Background(), 5, nil)
	require.ErrorIs(t, err, crawler.ErrParse)
	assert.Empty(t, out.Images)
}

func TestNewValidatesTemplate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ListingURL: "https://photos.example.com/search"}, &fakeFetcher{}, nil)
	require.Error(t, err)
	_, err = New(Config{ListingURL: testListing}, nil, nil)
	require.Error(t, err)
}

func TestParseAuthorDetails(t *testing.T) {
	t.Parallel()

	got, err := ParseAuthorDetails(DefaultSchema, "https://photos.example.com/jane/details", fixture(t, "author_details.html"))
	require.NoError(t, err)

	assert.Equal(t, "https://photos.example.com/jane/details", got.URL)
	assert.Equal(t, "Tájképek a Balatonról.", got.Bio)
	assert.Equal(t, "https://jane.example.org/", got.Website)
	require.NotNil(t, got.RegisteredAt)
	assert.Equal(t, time.Date(2009, 3, 15, 0, 0, 0, 0, time.UTC), *got.RegisteredAt)
	require.NotNil(t, got.ImageCount)
	assert.Equal(t, 85976, *got.ImageCount)
	require.NotNil(t, got.AlbumCount)
	assert.Equal(t, 725, *got.AlbumCount)
	assert.Equal(t, []crawler.CloudTag{
		{Name: "balaton", URL: "https://photos.example.com/tag/balaton", Weight: 5},
		{Name: "naplemente", URL: "https://photos.example.com/tag/naplemente", Weight: 2},
		{Name: "tó", URL: "https://photos.example.com/tag/to"},
	}, got.TagCloud)
}

func TestParseAuthorDetailsWithoutTableIsParseError(t *testing.T) {
	t.Parallel()

	_, err := ParseAuthorDetails(DefaultSchema, "https://photos.example.com/jane/details", []byte(`<html><body><p>gone</p></body></html>`))
	require.ErrorIs(t, err, crawler.ErrParse)
	assert.ErrorContains(t, err, "user_properties")
}

func TestExtractorFetchAuthorDetails(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string][]byte{
		"https://photos.example.com/jane/details": fixture(t, "author_details.html"),
	}}
	ex, err := New(Config{ListingURL: testListing}, fetcher, nil)
	require.NoError(t, err)

	got, err := ex.FetchAuthorDetails(context.Background(), "https://photos.example.com/jane/")
	require.NoError(t, err)
	assert.Equal(t, "Tájképek a Balatonról.", got.Bio)
	assert.Equal(t, []string{"https://photos.example.com/jane/details"}, fetcher.called)

	_, err = ex.FetchAuthorDetails(context.Background(), "https://photos.example.com/bob")
	require.ErrorIs(t, err, crawler.ErrPermanentHTTP)

	_, err = ex.FetchAuthorDetails(context.Background(), "")
	require.Error(t, err)
}
