package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

var (
	imageIDPattern  = regexp.MustCompile(`/image/(\d+)`)
	tagCountPattern = regexp.MustCompile(`^(.*?)\s*\((\d+)\)$`)
)

// ParseDetail reads one detail page into an image record. entry supplies the
// listing-level source URL and caption.
func ParseDetail(schema Schema, entry ListingEntry, body []byte) (crawler.ImageRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.ImageRecord{}, &crawler.ParseError{URL: entry.DetailURL, Field: "document", Reason: err.Error()}
	}
	base, _ := url.Parse(entry.DetailURL)

	rec := crawler.ImageRecord{
		ID:      ImageID(entry.DetailURL),
		PageURL: entry.DetailURL,
		Caption: entry.Caption,
	}

	required := []struct {
		field string
		dst   *string
		value string
	}{
		{FieldTitle, &rec.Title, attrText(doc, schema.Title, "content")},
		{FieldAuthor, &rec.Author, squash(doc.Find(schema.Author).First().Text())},
		{FieldLicense, &rec.License, squash(doc.Find(schema.License).First().Text())},
		{FieldSourceURL, &rec.SourceURL, sourceURL(doc, schema, base, entry.SourceURL)},
	}
	for _, r := range required {
		if r.value == "" {
			return crawler.ImageRecord{}, &crawler.ParseError{URL: entry.DetailURL, Field: r.field, Reason: "is missing"}
		}
		*r.dst = r.value
	}

	rec.Description = optional(attrText(doc, schema.Description, "content"))
	if href, ok := doc.Find(schema.AuthorLink).First().Attr("href"); ok {
		rec.AuthorURL = resolve(base, href)
	}

	exif := exifTable(doc, schema.ExifRows)
	rec.CameraMake = optional(exif[exifMake])
	rec.CameraModel = optional(exif[exifModel])
	rec.FocalLength = optional(exif[exifFocal])
	rec.Aperture = optional(exif[exifAperture])
	rec.Shutter = optional(exif[exifShutter])
	if t, ok := parseTakenAt(exif[exifTaken]); ok {
		rec.TakenAt = &t
	}
	if t, ok := uploadDate(doc, schema); ok {
		rec.UploadedAt = &t
	}

	rec.Tags = tags(doc, schema.Tags)
	rec.Albums = albums(doc, schema.Albums, base)
	rec.Collections = collections(doc, schema.Collections, base)
	return rec, nil
}

// ImageID returns the numeric id embedded in a detail URL, or the URL itself
// when it carries none.
func ImageID(detailURL string) string {
	if m := imageIDPattern.FindStringSubmatch(detailURL); m != nil {
		return m[1]
	}
	return detailURL
}

func sourceURL(doc *goquery.Document, schema Schema, base *url.URL, fallback string) string {
	if href, ok := doc.Find(schema.HighRes).First().Attr("href"); ok {
		if u := resolve(base, href); strings.HasPrefix(u, "http") {
			return u
		}
	}
	return strings.TrimSpace(fallback)
}

func uploadDate(doc *goquery.Document, schema Schema) (time.Time, bool) {
	if schema.UploadDate != "" {
		if t, ok := parseUploadDate(doc.Find(schema.UploadDate).First().Text()); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func exifTable(doc *goquery.Document, selector string) map[string]string {
	out := make(map[string]string)
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		cols := row.Find("td")
		if cols.Length() != 2 {
			return
		}
		key := strings.TrimSpace(strings.TrimRight(squash(cols.Eq(0).Text()), ":"))
		if key == "" {
			return
		}
		if _, exists := out[key]; !exists {
			out[key] = squash(cols.Eq(1).Text())
		}
	})
	return out
}

func tags(doc *goquery.Document, selector string) []crawler.Tag {
	var out []crawler.Tag
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		name := squash(s.Text())
		count := 0
		if m := tagCountPattern.FindStringSubmatch(name); m != nil {
			name = m[1]
			count, _ = strconv.Atoi(m[2])
		}
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, crawler.Tag{Name: name, Count: count})
	})
	return out
}

type grouping struct {
	id     string
	title  string
	url    string
	public bool
}

func groupings(doc *goquery.Document, selector, marker string, base *url.URL) []grouping {
	var out []grouping
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := groupingID(href, marker)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, grouping{
			id:     id,
			title:  squash(s.Text()),
			url:    resolve(base, href),
			public: !s.HasClass("private") && !s.Parent().HasClass("private"),
		})
	})
	return out
}

func albums(doc *goquery.Document, selector string, base *url.URL) []crawler.Album {
	var out []crawler.Album
	for _, g := range groupings(doc, selector, "/album/", base) {
		out = append(out, crawler.Album{ID: g.id, Title: g.title, URL: g.url, Public: g.public})
	}
	return out
}

func collections(doc *goquery.Document, selector string, base *url.URL) []crawler.Collection {
	var out []crawler.Collection
	for _, g := range groupings(doc, selector, "/collection/", base) {
		out = append(out, crawler.Collection{ID: g.id, Title: g.title, URL: g.url, Public: g.public})
	}
	return out
}

// groupingID returns the path segment after marker, e.g. "123-summer" for
// ".../album/123-summer/".
func groupingID(href, marker string) string {
	_, after, found := strings.Cut(href, marker)
	if !found {
		return ""
	}
	if end := strings.IndexAny(after, "/?#"); end >= 0 {
		after = after[:end]
	}
	return after
}

func attrText(doc *goquery.Document, selector, attr string) string {
	v, _ := doc.Find(selector).First().Attr(attr)
	return squash(v)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" || v == "-" {
		return nil
	}
	return &v
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// squash trims s and collapses inner whitespace runs.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
