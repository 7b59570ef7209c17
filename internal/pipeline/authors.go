package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

// authorDetails reads the profile of every author in images that has a
// profile URL, no stored details and no earlier request from this process.
// A failed profile read is logged and skipped; only store errors are returned.
func (p *Pipeline) authorDetails(ctx context.Context, images []crawler.ImageRecord) (map[string]crawler.AuthorDetails, error) {
	if !p.cfg.AuthorDetails {
		return nil, nil
	}
	candidates := make(map[string]string)
	var order []string
	p.mu.Lock()
	for _, rec := range images {
		if rec.AuthorURL == "" || p.profiled[rec.Author] {
			continue
		}
		if _, dup := candidates[rec.Author]; !dup {
			order = append(order, rec.Author)
		}
		candidates[rec.Author] = rec.AuthorURL
	}
	p.mu.Unlock()
	if len(order) == 0 {
		return nil, nil
	}

	var missing []string
	err := p.deps.Store.InTx(ctx, func(tx crawler.Tx) error {
		missing = missing[:0]
		for _, name := range order {
			a, ok, err := tx.GetAuthor(ctx, name)
			if err != nil {
				return err
			}
			if !ok || a.Details == nil {
				missing = append(missing, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, crawler.StoreErr("load authors", err)
	}

	out := make(map[string]crawler.AuthorDetails, len(missing))
	for _, name := range missing {
		if ctx.Err() != nil {
			break
		}
		p.markProfiled(name)
		details, err := p.deps.Authors.FetchAuthorDetails(ctx, candidates[name])
		if err != nil {
			p.logger.Warn("author details unavailable",
				zap.String("author", name), zap.String("url", candidates[name]), zap.Error(err))
			continue
		}
		details.FetchedAt = p.now()
		out[name] = details
	}
	return out, nil
}

func (p *Pipeline) markProfiled(name string) {
	p.mu.Lock()
	p.profiled[name] = true
	p.mu.Unlock()
}
