package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// DetailsURL returns the profile details page of an author page URL.
func DetailsURL(authorURL string) string {
	return strings.TrimRight(strings.TrimSpace(authorURL), "/") + "/details"
}

// FetchAuthorDetails reads the details page behind authorURL. A page without
// the properties table is a *crawler.ParseError.
func (e *Extractor) FetchAuthorDetails(ctx context.Context, authorURL string) (crawler.AuthorDetails, error) {
	if strings.TrimSpace(authorURL) == "" {
		return crawler.AuthorDetails{}, fmt.Errorf("author url is required")
	}
	detailsURL := DetailsURL(authorURL)
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{URL: detailsURL})
	if err != nil {
		return crawler.AuthorDetails{}, fmt.Errorf("fetch author details %s: %w", detailsURL, err)
	}
	details, err := ParseAuthorDetails(e.cfg.Schema, detailsURL, resp.Body)
	if err != nil {
		return crawler.AuthorDetails{}, err
	}
	e.logger.Debug("author details extracted",
		zap.String("url", detailsURL),
		zap.Int("tags", len(details.TagCloud)),
	)
	return details, nil
}

// ParseAuthorDetails reads an author details page. Rows that are absent or
// unparsable leave their field empty.
func ParseAuthorDetails(schema Schema, detailsURL string, body []byte) (crawler.AuthorDetails, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.AuthorDetails{}, &crawler.ParseError{URL: detailsURL, Field: "document", Reason: err.Error()}
	}
	rows := doc.Find(schema.AuthorProperties)
	if rows.Length() == 0 {
		return crawler.AuthorDetails{}, &crawler.ParseError{URL: detailsURL, Field: "user_properties", Reason: "is missing"}
	}
	base, _ := url.Parse(detailsURL)

	details := crawler.AuthorDetails{URL: detailsURL}
	rows.Each(func(_ int, row *goquery.Selection) {
		label := squash(row.Find("th").First().Text())
		cell := row.Find("td").First()
		switch {
		case label == "" || cell.Length() == 0:
		case strings.Contains(label, authorBio):
			details.Bio = squash(cell.Text())
		case strings.Contains(label, authorWebsite):
			if href, ok := cell.Find("a").First().Attr("href"); ok {
				details.Website = resolve(base, href)
			}
		case strings.Contains(label, authorRegistered):
			if t, ok := parseUploadDate(cell.Text()); ok {
				details.RegisteredAt = &t
			}
		case strings.Contains(label, authorImages):
			details.ImageCount = countOf(cell.Find("a").First().Text())
		case strings.Contains(label, authorAlbums):
			details.AlbumCount = countOf(cell.Find("a").First().Text())
		}
	})
	details.TagCloud = tagCloud(doc, schema.AuthorTagCloud, base)
	return details, nil
}

// countOf reads "85 976 db" style counters.
func countOf(text string) *int {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, text)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &n
}

func tagCloud(doc *goquery.Document, selector string, base *url.URL) []crawler.CloudTag {
	if selector == "" {
		return nil
	}
	var out []crawler.CloudTag
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		name := squash(s.Text())
		if name == "" {
			return
		}
		tag := crawler.CloudTag{Name: name}
		if href, ok := s.Attr("href"); ok {
			tag.URL = resolve(base, href)
		}
		class, _ := s.Attr("class")
		for _, c := range strings.Fields(class) {
			if w, err := strconv.Atoi(strings.TrimPrefix(c, "tag-")); err == nil && strings.HasPrefix(c, "tag-") {
				tag.Weight = w
				break
			}
		}
		out = append(out, tag)
	})
	return out
}
