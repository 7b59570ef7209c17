// Package dedup answers "have we stored this already" at two levels: by image
// source URL and by content hash. The store is authoritative; the in-process
// cache only learns hashes whose registering transaction has committed.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// Index wraps the store lookups with a committed-hash cache.
type Index struct {
	mu    sync.RWMutex
	known map[string]string
}

// New returns an empty Index.
func New() *Index {
	return &Index{known: make(map[string]string)}
}

// LookupURL returns the successfully downloaded image that already used
// sourceURL, if any.
func (i *Index) LookupURL(ctx context.Context, tx crawler.Tx, sourceURL string) (crawler.Image, bool, error) {
	img, ok, err := tx.FindSuccessByURL(ctx, sourceURL)
	if err != nil {
		return crawler.Image{}, false, fmt.Errorf("lookup source url: %w", err)
	}
	return img, ok, nil
}

// LookupHash returns the canonical object key for hash.
func (i *Index) LookupHash(ctx context.Context, tx crawler.Tx, hash string) (string, bool, error) {
	if path, ok := i.Cached(hash); ok {
		return path, true, nil
	}
	path, ok, err := tx.LookupHash(ctx, hash)
	if err != nil {
		return "", false, fmt.Errorf("lookup content hash: %w", err)
	}
	return path, ok, nil
}

// Register inserts hash -> path unless another writer got there first, and
// returns the canonical path. Call Learn once the transaction commits.
func (i *Index) Register(ctx context.Context, tx crawler.Tx, hash, path string) (string, error) {
	canonical, err := tx.RegisterHash(ctx, hash, path)
	if err != nil {
		return "", fmt.Errorf("register content hash: %w", err)
	}
	return canonical, nil
}

// Cached reports a committed hash without touching the store.
func (i *Index) Cached(hash string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	path, ok := i.known[hash]
	return path, ok
}

// Learn records a committed hash.
func (i *Index) Learn(hash, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.known[hash] = path
}

// Forget drops a cached hash after its file moved or was removed.
func (i *Index) Forget(hash string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.known, hash)
}

// Len returns the number of cached hashes.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.known)
}
