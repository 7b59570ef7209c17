package crawler

import (
	"context"
	"time"
)

// Store is the persisted catalog and work queue. Every state transition runs
// inside InTx; implementations retry the callback on transient conflicts, so fn
// must not keep side effects it cannot redo.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx exposes the store operations available inside one transaction.
type Tx interface {
	GetPage(ctx context.Context, id PageID) (Page, bool, error)
	SavePage(ctx context.Context, page Page) error
	GetFailedPage(ctx context.Context, id PageID) (FailedPage, bool, error)
	SaveFailedPage(ctx context.Context, record FailedPage) error
	ListFailedPages(ctx context.Context, limit int) ([]FailedPage, error)
	HighestFetchedPage(ctx context.Context) (PageID, bool, error)
	ListRetryablePages(ctx context.Context, maxAttempts int) ([]Page, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	UpsertAuthor(ctx context.Context, author Author) error
	GetAuthor(ctx context.Context, name string) (Author, bool, error)
	SetAuthorBan(ctx context.Context, name string, banned bool, reason string, at *time.Time) error
	ListBannedAuthors(ctx context.Context) ([]string, error)

	UpsertImage(ctx context.Context, record ImageRecord) error
	GetImage(ctx context.Context, id string) (Image, bool, error)
	FindSuccessByURL(ctx context.Context, sourceURL string) (Image, bool, error)
	UpdateDownload(ctx context.Context, id string, status DownloadStatus, hash, path, errText string) error
	ListImagesByAuthor(ctx context.Context, author string) ([]Image, error)
	ListImagesByHash(ctx context.Context, hash string) ([]Image, error)
	ListImagesByPath(ctx context.Context, path string) ([]Image, error)
	ListImagesByStatus(ctx context.Context, status DownloadStatus) ([]Image, error)
	DeleteImagesByAuthor(ctx context.Context, author string) (int, error)
	CountImagesByAuthor(ctx context.Context, author string) (int, error)

	LookupHash(ctx context.Context, hash string) (string, bool, error)
	RegisterHash(ctx context.Context, hash, path string) (string, error)
	MoveHash(ctx context.Context, hash, path string) error
	DeleteHash(ctx context.Context, hash string) error

	InsertSubmission(ctx context.Context, submission ArchiveSubmission) (bool, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// BlobStore persists archived image files under slash-separated keys.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	DeleteObject(ctx context.Context, path string) error
	MoveObject(ctx context.Context, from, to string) error
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes archive events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Limiter gates outbound requests to the source site.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Queue provides enqueue/dequeue semantics for download tasks.
type Queue interface {
	Enqueue(ctx context.Context, task DownloadTask) error
	Dequeue(ctx context.Context) (DownloadTask, error)
}

// Hasher computes content digests for deduplication and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
