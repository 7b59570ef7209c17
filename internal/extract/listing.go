package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ListingEntry is one image advertised by a listing page.
type ListingEntry struct {
	SourceURL string
	DetailURL string
	Caption   string
}

// Listing is the parsed content of one listing page.
type Listing struct {
	Entries []ListingEntry
	// LastPage is the highest page_offset linked from the pager, 0 when absent.
	LastPage int
}

// ParseListing reads share links and the pager from a listing page. Links
// without an https source or a detail URL are skipped; repeated detail URLs
// are collapsed to their first occurrence.
func ParseListing(schema Schema, pageURL string, body []byte) (Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Listing{}, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}

	var listing Listing
	seen := make(map[string]struct{})
	doc.Find(schema.ShareLinks).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		entry, ok := parseShareLink(href)
		if !ok {
			return
		}
		if _, dup := seen[entry.DetailURL]; dup {
			return
		}
		seen[entry.DetailURL] = struct{}{}
		listing.Entries = append(listing.Entries, entry)
	})

	doc.Find(schema.Pager).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if n, ok := pageOffset(href); ok && n > listing.LastPage {
			listing.LastPage = n
		}
	})
	return listing, nil
}

// parseShareLink decodes the source, clickthru and caption parameters. The
// site encodes them twice.
func parseShareLink(href string) (ListingEntry, bool) {
	query := href
	if i := strings.Index(href, "?"); i >= 0 {
		query = href[i+1:]
	}
	params := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if _, exists := params[key]; !exists {
			params[key] = doubleUnescape(value)
		}
	}

	source := params["source"]
	detail := params["clickthru"]
	if !strings.HasPrefix(source, "https://") || detail == "" {
		return ListingEntry{}, false
	}
	return ListingEntry{
		SourceURL: source,
		DetailURL: detail,
		Caption:   strings.TrimSpace(params["caption"]),
	}, true
}

func doubleUnescape(value string) string {
	for range 2 {
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			return value
		}
		value = decoded
	}
	return value
}

func pageOffset(href string) (int, bool) {
	_, after, found := strings.Cut(href, "page_offset=")
	if !found {
		return 0, false
	}
	end := strings.IndexFunc(after, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		after = after[:end]
	}
	n, err := strconv.Atoi(after)
	if err != nil {
		return 0, false
	}
	return n, true
}
