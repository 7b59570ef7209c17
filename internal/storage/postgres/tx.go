package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

type tx struct {
	tx pgx.Tx
}

var _ crawler.Tx = (*tx)(nil)

const imageSelect = `
SELECT i.id, i.page_id, i.page_url, i.source_url, i.author, COALESCE(a.url, ''),
	i.title, i.license, COALESCE(i.caption, ''), i.description,
	i.camera_make, i.camera_model, i.focal_length, i.aperture, i.shutter_speed,
	i.taken_at, i.uploaded_at,
	COALESCE(i.content_hash, ''), COALESCE(i.local_path, ''), i.download_status, COALESCE(i.download_error, '')
FROM images i
LEFT JOIN authors a ON a.name = i.author`

func (t *tx) GetPage(ctx context.Context, id crawler.PageID) (crawler.Page, bool, error) {
	var (
		pageID    int
		status    string
		attempts  int
		lastError pgtype.Text
		lastAt    pgtype.Timestamptz
	)
	err := t.tx.QueryRow(ctx, `
SELECT id, status, attempt_count, last_error, last_attempt_at
FROM pages WHERE id = $1`, int(id)).Scan(&pageID, &status, &attempts, &lastError, &lastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, false, nil
	}
	if err != nil {
		return crawler.Page{}, false, crawler.StoreErr("get page", err)
	}
	return crawler.Page{
		ID:            crawler.PageID(pageID),
		Status:        crawler.PageStatus(status),
		AttemptCount:  attempts,
		LastError:     lastError.String,
		LastAttemptAt: lastAt.Time,
	}, true, nil
}

func (t *tx) SavePage(ctx context.Context, page crawler.Page) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO pages (id, status, attempt_count, last_error, last_attempt_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	attempt_count = EXCLUDED.attempt_count,
	last_error = EXCLUDED.last_error,
	last_attempt_at = EXCLUDED.last_attempt_at`,
		int(page.ID), string(page.Status), page.AttemptCount, nullText(page.LastError), nullTime(page.LastAttemptAt))
	if err != nil {
		return crawler.StoreErr("save page", err)
	}
	return nil
}

func (t *tx) GetFailedPage(ctx context.Context, id crawler.PageID) (crawler.FailedPage, bool, error) {
	rows, err := t.tx.Query(ctx, `
SELECT page_id, attempts, COALESCE(last_error, ''), exhausted, first_failed_at, last_failed_at
FROM failed_pages WHERE page_id = $1`, int(id))
	if err != nil {
		return crawler.FailedPage{}, false, crawler.StoreErr("get failed page", err)
	}
	records, err := collectFailedPages(rows)
	if err != nil {
		return crawler.FailedPage{}, false, err
	}
	if len(records) == 0 {
		return crawler.FailedPage{}, false, nil
	}
	return records[0], true, nil
}

func (t *tx) SaveFailedPage(ctx context.Context, r crawler.FailedPage) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO failed_pages (page_id, attempts, last_error, exhausted, first_failed_at, last_failed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (page_id) DO UPDATE SET
	attempts = EXCLUDED.attempts,
	last_error = EXCLUDED.last_error,
	exhausted = EXCLUDED.exhausted,
	last_failed_at = EXCLUDED.last_failed_at`,
		int(r.PageID), r.Attempts, nullText(r.LastError), r.Exhausted, r.FirstFailedAt, r.LastFailedAt)
	if err != nil {
		return crawler.StoreErr("save failed page", err)
	}
	return nil
}

func (t *tx) ListFailedPages(ctx context.Context, limit int) ([]crawler.FailedPage, error) {
	rows, err := t.tx.Query(ctx, `
SELECT page_id, attempts, COALESCE(last_error, ''), exhausted, first_failed_at, last_failed_at
FROM failed_pages ORDER BY page_id LIMIT $1`, pgtype.Int8{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, crawler.StoreErr("list failed pages", err)
	}
	return collectFailedPages(rows)
}

func collectFailedPages(rows pgx.Rows) ([]crawler.FailedPage, error) {
	defer rows.Close()
	var out []crawler.FailedPage
	for rows.Next() {
		var (
			r      crawler.FailedPage
			pageID int
		)
		if err := rows.Scan(&pageID, &r.Attempts, &r.LastError, &r.Exhausted, &r.FirstFailedAt, &r.LastFailedAt); err != nil {
			return nil, crawler.StoreErr("scan failed page", err)
		}
		r.PageID = crawler.PageID(pageID)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreErr("iterate failed pages", err)
	}
	return out, nil
}

func (t *tx) HighestFetchedPage(ctx context.Context) (crawler.PageID, bool, error) {
	var high pgtype.Int8
	err := t.tx.QueryRow(ctx, `SELECT max(id) FROM pages WHERE status = $1`,
		string(crawler.PageStatusFetched)).Scan(&high)
	if err != nil {
		return 0, false, crawler.StoreErr("highest fetched page", err)
	}
	if !high.Valid {
		return 0, false, nil
	}
	return crawler.PageID(high.Int64), true, nil
}

func (t *tx) ListRetryablePages(ctx context.Context, maxAttempts int) ([]crawler.Page, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, attempt_count, last_error, last_attempt_at
FROM pages
WHERE status = $1 AND attempt_count < $2
ORDER BY attempt_count, id`, string(crawler.PageStatusFailed), maxAttempts)
	if err != nil {
		return nil, crawler.StoreErr("list retryable pages", err)
	}
	defer rows.Close()
	var out []crawler.Page
	for rows.Next() {
		var (
			id        int
			attempts  int
			lastError pgtype.Text
			lastAt    pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &attempts, &lastError, &lastAt); err != nil {
			return nil, crawler.StoreErr("scan page", err)
		}
		out = append(out, crawler.Page{
			ID:            crawler.PageID(id),
			Status:        crawler.PageStatusFailed,
			AttemptCount:  attempts,
			LastError:     lastError.String,
			LastAttemptAt: lastAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreErr("iterate pages", err)
	}
	return out, nil
}

func (t *tx) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRow(ctx, `SELECT value FROM crawl_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, crawler.StoreErr("get state", err)
	}
	return value, true, nil
}

func (t *tx) SetState(ctx context.Context, key, value string) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO crawl_state (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return crawler.StoreErr("set state", err)
	}
	return nil
}

func (t *tx) UpsertAuthor(ctx context.Context, author crawler.Author) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO authors (name, url) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET url = COALESCE(EXCLUDED.url, authors.url)`,
		author.Name, nullText(author.URL))
	if err != nil {
		return crawler.StoreErr("upsert author", err)
	}
	if author.Details == nil {
		return nil
	}
	d := author.Details
	cloud, err := json.Marshal(d.TagCloud)
	if err != nil {
		return fmt.Errorf("marshal tag cloud: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
UPDATE authors SET
	bio = $2, website = $3, registered_at = $4, image_count = $5, album_count = $6,
	tag_cloud = $7::jsonb, details_url = $8, details_fetched_at = $9
WHERE name = $1`,
		author.Name, nullText(d.Bio), nullText(d.Website), d.RegisteredAt, d.ImageCount, d.AlbumCount,
		string(cloud), nullText(d.URL), d.FetchedAt)
	if err != nil {
		return crawler.StoreErr("save author details", err)
	}
	return nil
}

func (t *tx) GetAuthor(ctx context.Context, name string) (crawler.Author, bool, error) {
	var (
		a          crawler.Author
		url        pgtype.Text
		reason     pgtype.Text
		banDate    pgtype.Timestamptz
		bio        pgtype.Text
		website    pgtype.Text
		registered pgtype.Timestamptz
		images     pgtype.Int4
		albums     pgtype.Int4
		cloud      []byte
		detailsURL pgtype.Text
		fetchedAt  pgtype.Timestamptz
	)
	err := t.tx.QueryRow(ctx, `
SELECT name, url, banned, ban_reason, ban_date,
	bio, website, registered_at, image_count, album_count, tag_cloud, details_url, details_fetched_at
FROM authors WHERE name = $1`, name).
		Scan(&a.Name, &url, &a.Banned, &reason, &banDate,
			&bio, &website, &registered, &images, &albums, &cloud, &detailsURL, &fetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Author{}, false, nil
	}
	if err != nil {
		return crawler.Author{}, false, crawler.StoreErr("get author", err)
	}
	a.URL = url.String
	a.BanReason = reason.String
	a.BanDate = timePtr(banDate)
	if fetchedAt.Valid {
		d := &crawler.AuthorDetails{
			URL:          detailsURL.String,
			Bio:          bio.String,
			Website:      website.String,
			RegisteredAt: timePtr(registered),
			ImageCount:   intPtr(images),
			AlbumCount:   intPtr(albums),
			FetchedAt:    fetchedAt.Time,
		}
		if len(cloud) > 0 {
			if err := json.Unmarshal(cloud, &d.TagCloud); err != nil {
				return crawler.Author{}, false, fmt.Errorf("decode tag cloud of %q: %w", name, err)
			}
		}
		a.Details = d
	}
	return a, true, nil
}

func (t *tx) SetAuthorBan(ctx context.Context, name string, banned bool, reason string, at *time.Time) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO authors (name, banned, ban_reason, ban_date) VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET
	banned = EXCLUDED.banned,
	ban_reason = EXCLUDED.ban_reason,
	ban_date = EXCLUDED.ban_date`,
		name, banned, nullText(reason), at)
	if err != nil {
		return crawler.StoreErr("set author ban", err)
	}
	return nil
}

func (t *tx) ListBannedAuthors(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT name FROM authors WHERE banned ORDER BY name`)
	if err != nil {
		return nil, crawler.StoreErr("list banned authors", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, crawler.StoreErr("scan author", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreErr("iterate authors", err)
	}
	return out, nil
}

// UpsertImage inserts or refreshes metadata and memberships. Download columns
// are left untouched on conflict.
func (t *tx) UpsertImage(ctx context.Context, r crawler.ImageRecord) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO images (
	id, page_id, page_url, source_url, author, title, description, license, caption,
	camera_make, camera_model, focal_length, aperture, shutter_speed, taken_at, uploaded_at,
	download_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET
	page_id = EXCLUDED.page_id,
	page_url = EXCLUDED.page_url,
	source_url = EXCLUDED.source_url,
	author = EXCLUDED.author,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	license = EXCLUDED.license,
	caption = EXCLUDED.caption,
	camera_make = EXCLUDED.camera_make,
	camera_model = EXCLUDED.camera_model,
	focal_length = EXCLUDED.focal_length,
	aperture = EXCLUDED.aperture,
	shutter_speed = EXCLUDED.shutter_speed,
	taken_at = EXCLUDED.taken_at,
	uploaded_at = EXCLUDED.uploaded_at,
	updated_at = now()`,
		r.ID, int(r.PageID), r.PageURL, r.SourceURL, r.Author, r.Title, r.Description, r.License,
		nullText(r.Caption), r.CameraMake, r.CameraModel, r.FocalLength, r.Aperture, r.Shutter,
		r.TakenAt, r.UploadedAt, string(crawler.DownloadPending))
	if err != nil {
		return crawler.StoreErr("upsert image", err)
	}

	for _, stmt := range []string{
		`DELETE FROM image_tags WHERE image_id = $1`,
		`DELETE FROM image_albums WHERE image_id = $1`,
		`DELETE FROM image_collections WHERE image_id = $1`,
	} {
		if _, err := t.tx.Exec(ctx, stmt, r.ID); err != nil {
			return crawler.StoreErr("reset image memberships", err)
		}
	}
	for _, tag := range r.Tags {
		if _, err := t.tx.Exec(ctx, `
INSERT INTO tags (name, count) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET count = CASE WHEN EXCLUDED.count > 0 THEN EXCLUDED.count ELSE tags.count END`,
			tag.Name, tag.Count); err != nil {
			return crawler.StoreErr("upsert tag", err)
		}
		if _, err := t.tx.Exec(ctx, `
INSERT INTO image_tags (image_id, tag_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, r.ID, tag.Name); err != nil {
			return crawler.StoreErr("link tag", err)
		}
	}
	for _, a := range r.Albums {
		if _, err := t.tx.Exec(ctx, `
INSERT INTO albums (id, title, url, is_public) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, url = EXCLUDED.url, is_public = EXCLUDED.is_public`,
			a.ID, a.Title, nullText(a.URL), a.Public); err != nil {
			return crawler.StoreErr("upsert album", err)
		}
		if _, err := t.tx.Exec(ctx, `
INSERT INTO image_albums (image_id, album_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, r.ID, a.ID); err != nil {
			return crawler.StoreErr("link album", err)
		}
	}
	for _, c := range r.Collections {
		if _, err := t.tx.Exec(ctx, `
INSERT INTO collections (id, title, url, is_public) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, url = EXCLUDED.url, is_public = EXCLUDED.is_public`,
			c.ID, c.Title, nullText(c.URL), c.Public); err != nil {
			return crawler.StoreErr("upsert collection", err)
		}
		if _, err := t.tx.Exec(ctx, `
INSERT INTO image_collections (image_id, collection_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, r.ID, c.ID); err != nil {
			return crawler.StoreErr("link collection", err)
		}
	}
	return nil
}

// GetImage loads one image including its tags, albums and collections.
func (t *tx) GetImage(ctx context.Context, id string) (crawler.Image, bool, error) {
	images, err := t.queryImages(ctx, imageSelect+` WHERE i.id = $1`, id)
	if err != nil {
		return crawler.Image{}, false, err
	}
	if len(images) == 0 {
		return crawler.Image{}, false, nil
	}
	img := images[0]
	if err := t.loadMemberships(ctx, &img); err != nil {
		return crawler.Image{}, false, err
	}
	return img, true, nil
}

func (t *tx) FindSuccessByURL(ctx context.Context, sourceURL string) (crawler.Image, bool, error) {
	images, err := t.queryImages(ctx, imageSelect+`
WHERE i.source_url = $1 AND i.download_status = $2 ORDER BY i.id LIMIT 1`,
		sourceURL, string(crawler.DownloadSuccess))
	if err != nil {
		return crawler.Image{}, false, err
	}
	if len(images) == 0 {
		return crawler.Image{}, false, nil
	}
	return images[0], true, nil
}

func (t *tx) UpdateDownload(
	ctx context.Context,
	id string,
	status crawler.DownloadStatus,
	hash, path, errText string,
) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE images SET download_status = $2, content_hash = $3, local_path = $4, download_error = $5, updated_at = now()
WHERE id = $1`, id, string(status), nullText(hash), nullText(path), nullText(errText))
	if err != nil {
		return crawler.StoreErr("update download", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.StoreErr("update download", fmt.Errorf("image %s not found", id))
	}
	return nil
}

// ListImagesByAuthor returns the author's images without memberships.
func (t *tx) ListImagesByAuthor(ctx context.Context, author string) ([]crawler.Image, error) {
	return t.queryImages(ctx, imageSelect+` WHERE i.author = $1 ORDER BY i.id`, author)
}

func (t *tx) ListImagesByHash(ctx context.Context, hash string) ([]crawler.Image, error) {
	return t.queryImages(ctx, imageSelect+` WHERE i.content_hash = $1 ORDER BY i.id`, hash)
}

func (t *tx) ListImagesByPath(ctx context.Context, path string) ([]crawler.Image, error) {
	return t.queryImages(ctx, imageSelect+` WHERE i.local_path = $1 ORDER BY i.id`, path)
}

func (t *tx) ListImagesByStatus(ctx context.Context, status crawler.DownloadStatus) ([]crawler.Image, error) {
	return t.queryImages(ctx, imageSelect+` WHERE i.download_status = $1 ORDER BY i.id`, string(status))
}

// DeleteImagesByAuthor removes the author's images, their memberships and any
// tags, albums or collections no other image references.
func (t *tx) DeleteImagesByAuthor(ctx context.Context, author string) (int, error) {
	for _, stmt := range []string{
		`DELETE FROM image_tags WHERE image_id IN (SELECT id FROM images WHERE author = $1)`,
		`DELETE FROM image_albums WHERE image_id IN (SELECT id FROM images WHERE author = $1)`,
		`DELETE FROM image_collections WHERE image_id IN (SELECT id FROM images WHERE author = $1)`,
	} {
		if _, err := t.tx.Exec(ctx, stmt, author); err != nil {
			return 0, crawler.StoreErr("delete image memberships", err)
		}
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM images WHERE author = $1`, author)
	if err != nil {
		return 0, crawler.StoreErr("delete images", err)
	}
	for _, stmt := range []string{
		`DELETE FROM tags t WHERE NOT EXISTS (SELECT 1 FROM image_tags it WHERE it.tag_name = t.name)`,
		`DELETE FROM albums a WHERE NOT EXISTS (SELECT 1 FROM image_albums ia WHERE ia.album_id = a.id)`,
		`DELETE FROM collections c WHERE NOT EXISTS (SELECT 1 FROM image_collections ic WHERE ic.collection_id = c.id)`,
	} {
		if _, err := t.tx.Exec(ctx, stmt); err != nil {
			return 0, crawler.StoreErr("delete orphans", err)
		}
	}
	return int(tag.RowsAffected()), nil
}

func (t *tx) CountImagesByAuthor(ctx context.Context, author string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM images WHERE author = $1`, author).Scan(&n); err != nil {
		return 0, crawler.StoreErr("count images", err)
	}
	return n, nil
}

func (t *tx) LookupHash(ctx context.Context, hash string) (string, bool, error) {
	var path string
	err := t.tx.QueryRow(ctx, `SELECT path FROM content_hashes WHERE hash = $1`, hash).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, crawler.StoreErr("lookup hash", err)
	}
	return path, true, nil
}

// RegisterHash inserts hash→path unless the hash is already registered and
// returns the canonical path either way.
func (t *tx) RegisterHash(ctx context.Context, hash, path string) (string, error) {
	var canonical string
	err := t.tx.QueryRow(ctx, `
WITH ins AS (
	INSERT INTO content_hashes (hash, path) VALUES ($1, $2)
	ON CONFLICT (hash) DO NOTHING
	RETURNING path
)
SELECT path FROM ins
UNION ALL
SELECT path FROM content_hashes WHERE hash = $1
LIMIT 1`, hash, path).Scan(&canonical)
	if err != nil {
		return "", crawler.StoreErr("register hash", err)
	}
	return canonical, nil
}

func (t *tx) MoveHash(ctx context.Context, hash, path string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE content_hashes SET path = $2 WHERE hash = $1`, hash, path)
	if err != nil {
		return crawler.StoreErr("move hash", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.StoreErr("move hash", fmt.Errorf("hash %s not registered", hash))
	}
	if _, err := t.tx.Exec(ctx, `
UPDATE images SET local_path = $2, updated_at = now() WHERE content_hash = $1`, hash, path); err != nil {
		return crawler.StoreErr("repoint images", err)
	}
	return nil
}

func (t *tx) DeleteHash(ctx context.Context, hash string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM content_hashes WHERE hash = $1`, hash); err != nil {
		return crawler.StoreErr("delete hash", err)
	}
	return nil
}

func (t *tx) InsertSubmission(ctx context.Context, s crawler.ArchiveSubmission) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO archive_submissions (id, target_url, type, status, submission_date)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (target_url) DO NOTHING`, s.ID, s.TargetURL, s.Type, s.Status, s.SubmissionDate)
	if err != nil {
		return false, crawler.StoreErr("insert submission", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) Stats(ctx context.Context) (crawler.StoreStats, error) {
	stats := crawler.StoreStats{
		Pages:  make(map[crawler.PageStatus]int),
		Images: make(map[crawler.DownloadStatus]int),
	}
	if err := t.countBy(ctx, `SELECT status, count(*) FROM pages GROUP BY status`, func(k string, n int) {
		stats.Pages[crawler.PageStatus(k)] = n
	}); err != nil {
		return crawler.StoreStats{}, err
	}
	if err := t.countBy(ctx, `SELECT download_status, count(*) FROM images GROUP BY download_status`, func(k string, n int) {
		stats.Images[crawler.DownloadStatus(k)] = n
	}); err != nil {
		return crawler.StoreStats{}, err
	}
	return stats, nil
}

func (t *tx) countBy(ctx context.Context, query string, set func(key string, n int)) error {
	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return crawler.StoreErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return crawler.StoreErr("scan stats", err)
		}
		set(key, n)
	}
	if err := rows.Err(); err != nil {
		return crawler.StoreErr("iterate stats", err)
	}
	return nil
}

func (t *tx) queryImages(ctx context.Context, query string, args ...any) ([]crawler.Image, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, crawler.StoreErr("query images", err)
	}
	defer rows.Close()
	var out []crawler.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreErr("iterate images", err)
	}
	return out, nil
}

func scanImage(row pgx.Row) (crawler.Image, error) {
	var (
		img         crawler.Image
		pageID      int
		status      string
		description pgtype.Text
		camMake     pgtype.Text
		model       pgtype.Text
		focal       pgtype.Text
		aperture    pgtype.Text
		shutter     pgtype.Text
		takenAt     pgtype.Timestamptz
		uploadedAt  pgtype.Timestamptz
	)
	err := row.Scan(
		&img.ID, &pageID, &img.PageURL, &img.SourceURL, &img.Author, &img.AuthorURL,
		&img.Title, &img.License, &img.Caption, &description,
		&camMake, &model, &focal, &aperture, &shutter,
		&takenAt, &uploadedAt,
		&img.ContentHash, &img.LocalPath, &status, &img.DownloadError,
	)
	if err != nil {
		return crawler.Image{}, crawler.StoreErr("scan image", err)
	}
	img.PageID = crawler.PageID(pageID)
	img.DownloadStatus = crawler.DownloadStatus(status)
	img.Description = textPtr(description)
	img.CameraMake = textPtr(camMake)
	img.CameraModel = textPtr(model)
	img.FocalLength = textPtr(focal)
	img.Aperture = textPtr(aperture)
	img.Shutter = textPtr(shutter)
	img.TakenAt = timePtr(takenAt)
	img.UploadedAt = timePtr(uploadedAt)
	return img, nil
}

func (t *tx) loadMemberships(ctx context.Context, img *crawler.Image) error {
	rows, err := t.tx.Query(ctx, `
SELECT t.name, t.count FROM image_tags it JOIN tags t ON t.name = it.tag_name
WHERE it.image_id = $1 ORDER BY t.name`, img.ID)
	if err != nil {
		return crawler.StoreErr("load tags", err)
	}
	img.Tags, err = collect(rows, func(r pgx.Rows) (crawler.Tag, error) {
		var tag crawler.Tag
		err := r.Scan(&tag.Name, &tag.Count)
		return tag, err
	})
	if err != nil {
		return err
	}

	rows, err = t.tx.Query(ctx, `
SELECT a.id, a.title, COALESCE(a.url, ''), a.is_public FROM image_albums ia JOIN albums a ON a.id = ia.album_id
WHERE ia.image_id = $1 ORDER BY a.id`, img.ID)
	if err != nil {
		return crawler.StoreErr("load albums", err)
	}
	img.Albums, err = collect(rows, func(r pgx.Rows) (crawler.Album, error) {
		var a crawler.Album
		err := r.Scan(&a.ID, &a.Title, &a.URL, &a.Public)
		return a, err
	})
	if err != nil {
		return err
	}

	rows, err = t.tx.Query(ctx, `
SELECT c.id, c.title, COALESCE(c.url, ''), c.is_public FROM image_collections ic JOIN collections c ON c.id = ic.collection_id
WHERE ic.image_id = $1 ORDER BY c.id`, img.ID)
	if err != nil {
		return crawler.StoreErr("load collections", err)
	}
	img.Collections, err = collect(rows, func(r pgx.Rows) (crawler.Collection, error) {
		var c crawler.Collection
		err := r.Scan(&c.ID, &c.Title, &c.URL, &c.Public)
		return c, err
	})
	return err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, crawler.StoreErr("scan row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreErr("iterate rows", err)
	}
	return out, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}

func intPtr(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}
