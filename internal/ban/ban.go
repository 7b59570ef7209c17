// Package ban manages banned authors and removes everything a banned author
// left in the archive.
//
// Cleanup runs inside one store transaction. File moves cannot join that
// transaction, so every move is recorded and undone if the transaction does
// not commit; removed files are parked under .trash/<cleanup-id>/ and purged
// only after commit.
package ban

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/dedup"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

// TrashDir is the key prefix holding files staged for deletion.
const TrashDir = ".trash"

// ErrNotBanned is returned by Cleanup for an author that is not banned.
var ErrNotBanned = errors.New("author is not banned")

// Report summarizes one cleanup.
type Report struct {
	Author        string `json:"author"`
	CleanupID     string `json:"cleanup_id"`
	ImagesRemoved int    `json:"images_removed"`
	FilesRemoved  int    `json:"files_removed"`
	FilesRehomed  int    `json:"files_rehomed"`
}

// Service bans authors and cleans up after them.
type Service struct {
	store  crawler.Store
	blobs  crawler.BlobStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	index  *dedup.Index
	logger *zap.Logger
}

// New builds a Service. index may be nil when no worker shares the process.
func New(
	store crawler.Store,
	blobs crawler.BlobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	index *dedup.Index,
	logger *zap.Logger,
) (*Service, error) {
	if store == nil || blobs == nil {
		return nil, fmt.Errorf("ban service requires a store and a blob store")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("ban service requires an id generator and a clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		blobs:  blobs,
		ids:    ids,
		clock:  clock,
		index:  index,
		logger: logger.Named("ban"),
	}, nil
}

// Ban marks author as banned. Future extractions skip the author's images.
func (s *Service) Ban(ctx context.Context, author, reason string) error {
	author = strings.TrimSpace(author)
	if author == "" {
		return fmt.Errorf("author is required")
	}
	at := s.clock.Now().UTC()
	err := s.store.InTx(ctx, func(tx crawler.Tx) error {
		if err := tx.UpsertAuthor(ctx, crawler.Author{Name: author}); err != nil {
			return crawler.StoreErr("upsert author", err)
		}
		return crawler.StoreErr("ban author", tx.SetAuthorBan(ctx, author, true, reason, &at))
	})
	if err != nil {
		return err
	}
	s.logger.Info("author banned", zap.String("author", author), zap.String("reason", reason))
	return nil
}

// Unban clears the ban on author.
func (s *Service) Unban(ctx context.Context, author string) error {
	author = strings.TrimSpace(author)
	if author == "" {
		return fmt.Errorf("author is required")
	}
	err := s.store.InTx(ctx, func(tx crawler.Tx) error {
		return crawler.StoreErr("unban author", tx.SetAuthorBan(ctx, author, false, "", nil))
	})
	if err != nil {
		return err
	}
	s.logger.Info("author unbanned", zap.String("author", author))
	return nil
}

// Banned returns the set of banned author names.
func (s *Service) Banned(ctx context.Context) (map[string]bool, error) {
	var names []string
	err := s.store.InTx(ctx, func(tx crawler.Tx) error {
		var err error
		names, err = tx.ListBannedAuthors(ctx)
		return crawler.StoreErr("list banned authors", err)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = true
	}
	return out, nil
}

type move struct {
	from, to string
}

// plan tracks the file moves of one cleanup attempt.
type plan struct {
	trash   string
	moves   []move
	forget  []string
	keep    map[string]bool
	report  Report
	service *Service
}

func (p *plan) move(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	if err := p.service.blobs.MoveObject(ctx, from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	p.moves = append(p.moves, move{from: from, to: to})
	return nil
}

// stage parks key under the trash prefix. A missing file is not an error.
func (p *plan) stage(ctx context.Context, key string) (bool, error) {
	err := p.move(ctx, key, path.Join(p.trash, key))
	if errors.Is(err, crawler.ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// undo reverses every recorded move, newest first.
func (p *plan) undo(ctx context.Context) {
	for i := len(p.moves) - 1; i >= 0; i-- {
		m := p.moves[i]
		if err := p.service.blobs.MoveObject(ctx, m.to, m.from); err != nil {
			p.service.logger.Error("undo file move failed",
				zap.String("from", m.to), zap.String("to", m.from), zap.Error(err))
		}
	}
	p.moves = nil
}

func (p *plan) reset(ctx context.Context, author string) {
	p.undo(ctx)
	p.forget = nil
	p.keep = make(map[string]bool)
	p.report = Report{Author: author, CleanupID: p.report.CleanupID}
}

// Cleanup removes every image row and archive file that belongs to the banned
// author. Files whose content another author also references are re-homed
// under that author's directory instead of removed.
func (s *Service) Cleanup(ctx context.Context, author string) (Report, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return Report{}, fmt.Errorf("author is required")
	}
	cleanupID, err := s.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("cleanup id: %w", err)
	}
	p := &plan{
		trash:   path.Join(TrashDir, cleanupID),
		report:  Report{Author: author, CleanupID: cleanupID},
		service: s,
	}
	log := s.logger.With(zap.String("author", author), zap.String("cleanup_id", cleanupID))

	err = s.store.InTx(ctx, func(tx crawler.Tx) error {
		p.reset(ctx, author)
		return s.cleanupTx(ctx, tx, author, p)
	})
	if err != nil {
		p.undo(ctx)
		log.Error("cleanup rolled back", zap.Error(err))
		return Report{}, err
	}

	s.purge(ctx, p, log)
	if s.index != nil {
		for _, hash := range p.forget {
			s.index.Forget(hash)
		}
	}
	metrics.ObserveCleanupRemoved(p.report.ImagesRemoved)
	log.Info("cleanup finished",
		zap.Int("images_removed", p.report.ImagesRemoved),
		zap.Int("files_removed", p.report.FilesRemoved),
		zap.Int("files_rehomed", p.report.FilesRehomed))
	return p.report, nil
}

func (s *Service) cleanupTx(ctx context.Context, tx crawler.Tx, author string, p *plan) error {
	a, ok, err := tx.GetAuthor(ctx, author)
	if err != nil {
		return crawler.StoreErr("get author", err)
	}
	if !ok || !a.Banned {
		return fmt.Errorf("cleanup %q: %w", author, ErrNotBanned)
	}

	images, err := tx.ListImagesByAuthor(ctx, author)
	if err != nil {
		return crawler.StoreErr("list author images", err)
	}
	seen := make(map[string]bool)
	for _, img := range images {
		if img.ContentHash == "" || seen[img.ContentHash] {
			continue
		}
		seen[img.ContentHash] = true
		if err := s.releaseHash(ctx, tx, author, img.ContentHash, p); err != nil {
			return err
		}
	}

	leftovers, err := s.blobs.List(ctx, dedup.AuthorDir(author))
	if err != nil {
		return fmt.Errorf("list author files: %w", err)
	}
	for _, key := range leftovers {
		if p.keep[key] {
			continue
		}
		owned, err := referencedByOthers(ctx, tx, author, key)
		if err != nil {
			return err
		}
		if owned {
			s.logger.Warn("leftover file referenced by another author, keeping it",
				zap.String("author", author), zap.String("key", key))
			continue
		}
		staged, err := p.stage(ctx, key)
		if err != nil {
			return err
		}
		if staged {
			p.report.FilesRemoved++
		}
	}

	removed, err := tx.DeleteImagesByAuthor(ctx, author)
	if err != nil {
		return crawler.StoreErr("delete author images", err)
	}
	remaining, err := tx.CountImagesByAuthor(ctx, author)
	if err != nil {
		return crawler.StoreErr("count author images", err)
	}
	if remaining != 0 {
		return fmt.Errorf("cleanup %q: %d images remain after delete", author, remaining)
	}
	p.report.ImagesRemoved = removed
	return nil
}

// releaseHash hands the canonical file of hash to another author that still
// references it, or stages it for removal when nobody else does.
func (s *Service) releaseHash(ctx context.Context, tx crawler.Tx, author, hash string, p *plan) error {
	canonical, ok, err := tx.LookupHash(ctx, hash)
	if err != nil {
		return crawler.StoreErr("lookup hash", err)
	}
	if !ok {
		return nil
	}
	refs, err := tx.ListImagesByHash(ctx, hash)
	if err != nil {
		return crawler.StoreErr("list images by hash", err)
	}
	var heir *crawler.Image
	for i := range refs {
		if refs[i].Author != author {
			heir = &refs[i]
			break
		}
	}

	if heir == nil {
		staged, err := p.stage(ctx, canonical)
		if err != nil {
			return err
		}
		if staged {
			p.report.FilesRemoved++
		}
		if err := tx.DeleteHash(ctx, hash); err != nil {
			return crawler.StoreErr("delete hash", err)
		}
		p.forget = append(p.forget, hash)
		return nil
	}

	if !strings.HasPrefix(canonical, dedup.AuthorDir(author)) {
		return nil
	}
	dest := dedup.ObjectKey(heir.Author, hash, heir.SourceURL)
	if dest == canonical {
		p.keep[canonical] = true
		return nil
	}
	if err := p.move(ctx, canonical, dest); err != nil {
		return err
	}
	if err := tx.MoveHash(ctx, hash, dest); err != nil {
		return crawler.StoreErr("move hash", err)
	}
	p.keep[dest] = true
	p.report.FilesRehomed++
	p.forget = append(p.forget, hash)
	s.logger.Debug("re-homed shared file",
		zap.String("hash", hash), zap.String("from", canonical), zap.String("to", dest),
		zap.String("heir", heir.Author))
	return nil
}

// referencedByOthers reports whether a row of an author other than author
// points at key.
func referencedByOthers(ctx context.Context, tx crawler.Tx, author, key string) (bool, error) {
	refs, err := tx.ListImagesByPath(ctx, key)
	if err != nil {
		return false, crawler.StoreErr("list images by path", err)
	}
	for _, img := range refs {
		if img.Author != author {
			return true, nil
		}
	}
	return false, nil
}

// purge deletes the staged files of a committed cleanup. Failures only leave
// files behind in the trash.
func (s *Service) purge(ctx context.Context, p *plan, log *zap.Logger) {
	prefix := p.trash + "/"
	for _, m := range p.moves {
		if !strings.HasPrefix(m.to, prefix) {
			continue
		}
		if err := s.blobs.DeleteObject(ctx, m.to); err != nil {
			log.Warn("purge staged file failed", zap.String("key", m.to), zap.Error(err))
		}
	}
}
