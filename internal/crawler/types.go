package crawler

import (
	"net/http"
	"time"
)

// PageID is the sequential listing offset that identifies a page.
type PageID int

// PageStatus represents the lifecycle state of a listing page.
type PageStatus string

// Page status values persisted in the store.
const (
	PageStatusPending   PageStatus = "pending"
	PageStatusFetched   PageStatus = "fetched"
	PageStatusFailed    PageStatus = "failed"
	PageStatusExhausted PageStatus = "exhausted"
)

// DefaultMaxAttempts bounds page retries when no override is configured.
const DefaultMaxAttempts = 3

// Page is the persisted processing state of one listing page.
type Page struct {
	ID            PageID     `json:"id"`
	Status        PageStatus `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
}

// FailedPage is the audit record kept for every page that failed at least once.
type FailedPage struct {
	PageID        PageID    `json:"page_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	Exhausted     bool      `json:"exhausted"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DownloadStatus tracks the binary side of an image independently of its metadata.
type DownloadStatus string

// Download status values persisted in the store.
const (
	DownloadPending   DownloadStatus = "pending"
	DownloadSuccess   DownloadStatus = "success"
	DownloadDuplicate DownloadStatus = "duplicate"
	DownloadFailed    DownloadStatus = "failed"
)

// Tag is a free-form label attached to images.
type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Album groups images under an author-defined album.
type Album struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Public bool   `json:"is_public"`
}

// Collection groups images across authors.
type Collection struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Public bool   `json:"is_public"`
}

// ImageRecord is the metadata extracted for one listed image.
// Optional fields are nil when absent or malformed.
type ImageRecord struct {
	ID          string       `json:"id"`
	PageID      PageID       `json:"page_id"`
	PageURL     string       `json:"page_url"`
	SourceURL   string       `json:"source_url"`
	Author      string       `json:"author"`
	AuthorURL   string       `json:"author_url,omitempty"`
	Title       string       `json:"title"`
	License     string       `json:"license"`
	Caption     string       `json:"caption,omitempty"`
	Description *string      `json:"description,omitempty"`
	CameraMake  *string      `json:"camera_make,omitempty"`
	CameraModel *string      `json:"camera_model,omitempty"`
	FocalLength *string      `json:"focal_length,omitempty"`
	Aperture    *string      `json:"aperture,omitempty"`
	Shutter     *string      `json:"shutter_speed,omitempty"`
	TakenAt     *time.Time   `json:"taken_at,omitempty"`
	UploadedAt  *time.Time   `json:"uploaded_at,omitempty"`
	Tags        []Tag        `json:"tags,omitempty"`
	Albums      []Album      `json:"albums,omitempty"`
	Collections []Collection `json:"collections,omitempty"`
}

// Image is the catalog row for an image: metadata plus download state.
type Image struct {
	ImageRecord
	ContentHash    string         `json:"content_hash,omitempty"`
	LocalPath      string         `json:"local_path,omitempty"`
	DownloadStatus DownloadStatus `json:"download_status"`
	DownloadError  string         `json:"download_error,omitempty"`
}

// Author is referenced by images and carries the ban list.
type Author struct {
	Name      string     `json:"name"`
	URL       string     `json:"url,omitempty"`
	Banned    bool       `json:"banned"`
	BanReason string     `json:"ban_reason,omitempty"`
	BanDate   *time.Time `json:"ban_date,omitempty"`

	// Details is nil until the author's profile page has been read.
	Details *AuthorDetails `json:"details,omitempty"`
}

// AuthorDetails is the profile an author publishes on their details page.
// Every field is optional.
type AuthorDetails struct {
	URL          string     `json:"url"`
	Bio          string     `json:"bio,omitempty"`
	Website      string     `json:"website,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	ImageCount   *int       `json:"image_count,omitempty"`
	AlbumCount   *int       `json:"album_count,omitempty"`
	TagCloud     []CloudTag `json:"tag_cloud,omitempty"`
	FetchedAt    time.Time  `json:"fetched_at"`
}

// CloudTag is one entry of an author's tag cloud. Weight is the display size
// class, higher meaning more used; 0 when the page gives none.
type CloudTag struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// Submission types written for the external archive submitter.
const (
	SubmissionTypeAuthor = "author"
	SubmissionTypeImage  = "image"
)

// ArchiveSubmission is a pending request for a third-party archive snapshot.
type ArchiveSubmission struct {
	ID             string    `json:"id"`
	TargetURL      string    `json:"target_url"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	SubmissionDate time.Time `json:"submission_date"`
}

// PageOutcome is the result of fetching and extracting one listing page.
type PageOutcome struct {
	Page          PageID        `json:"page"`
	URL           string        `json:"url"`
	Images        []ImageRecord `json:"images"`
	LastPage      PageID        `json:"last_page,omitempty"`
	SkippedBanned int           `json:"skipped_banned"`

	// AuthorDetails holds profiles read for this page's authors, keyed by name.
	AuthorDetails map[string]AuthorDetails `json:"author_details,omitempty"`
}

// DownloadTask is one unit of work for the download pool.
type DownloadTask struct {
	Image ImageRecord
	// Force skips the URL-level duplicate check and rewrites a missing canonical file.
	Force bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StoreStats is a snapshot of page and image counts by status.
type StoreStats struct {
	Pages  map[PageStatus]int     `json:"pages"`
	Images map[DownloadStatus]int `json:"images"`
}

// Keys of the crawl_state table.
const (
	StateLastPage          = "last_page"
	StateLastCompletedPage = "last_completed_page"
)
