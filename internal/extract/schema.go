// Package extract turns listing and detail pages into image records using an
// explicit selector schema. Required fields fail the page with a
// *crawler.ParseError; malformed optional fields are dropped.
package extract

// Schema holds the CSS selectors used to read listing and detail pages.
type Schema struct {
	// ShareLinks selects listing anchors that carry the image source and detail URL.
	ShareLinks string
	// Pager selects pagination anchors whose page_offset marks the last page.
	Pager string

	Title       string
	Description string
	Author      string
	AuthorLink  string
	License     string
	HighRes     string
	UploadDate  string
	ExifRows    string
	Tags        string
	Albums      string
	Collections string

	// AuthorProperties selects the label/value rows of an author's details page.
	AuthorProperties string
	// AuthorTagCloud selects the weighted tag links of an author's details page.
	AuthorTagCloud string
}

// DefaultSchema matches the markup of the archived photo site.
var DefaultSchema = Schema{
	ShareLinks: `a[href*="tumblr.com/share/photo"]`,
	Pager:      `.pager a[href*="page_offset="]`,

	Title:       `meta[property="og:title"]`,
	Description: `meta[property="og:description"]`,
	Author:      `.photo-author`,
	AuthorLink:  `.photo-author a[href]`,
	License:     `.photo-license`,
	HighRes:     `a[href*="_xxl.jpg"]`,
	UploadDate:  `.photo-date`,
	ExifRows:    `table tr`,
	Tags:        `a[href*="/tag/"]`,
	Albums:      `a[href*="/album/"]`,
	Collections: `a[href*="/collection/"]`,

	AuthorProperties: `table.user-properties tr`,
	AuthorTagCloud:   `div.tag-row div.tags div.content a[class*="tag-"]`,
}

// Row labels of the author details table.
const (
	authorBio        = "Bemutatkozás"
	authorWebsite    = "Weboldal"
	authorRegistered = "Regisztrált"
	authorImages     = "Képei"
	authorAlbums     = "Albumai"
)

// exifFields maps the EXIF table labels to record fields.
const (
	exifMake     = "Gyártó"
	exifModel    = "Model"
	exifFocal    = "Fókusztáv"
	exifAperture = "Rekesz"
	exifShutter  = "Zársebesség"
	exifTaken    = "Készült"
)

// Field names reported in parse errors.
const (
	FieldTitle     = "title"
	FieldAuthor    = "author"
	FieldLicense   = "license"
	FieldSourceURL = "source_url"
)
