package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/photo-archiver/internal/app"
	"github.com/JakeFAU/photo-archiver/internal/config"
)

type crawlOptions struct {
	startOffset      int
	retry            bool
	workers          int
	redownloadAuthor string
	banAuthor        string
	banReason        string
	unbanAuthor      string
	cleanupBanned    string
}

func (o *crawlOptions) maintenance() bool {
	return o.banAuthor != "" || o.unbanAuthor != "" || o.cleanupBanned != "" || o.redownloadAuthor != ""
}

func newCrawlCmd() (*cobra.Command, configOverride) {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl listing pages and archive their images",
		Long: `Walks the listing from the resume point (or the failed pages with --retry)
and downloads every new image. The ban, unban, cleanup and redownload flags run
their maintenance operation and exit without crawling.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.startOffset, "start-offset", 0, "listing page to start from")
	f.BoolVar(&opts.retry, "retry", false, "revisit failed pages instead of walking forward")
	f.IntVar(&opts.workers, "workers", 0, "number of download workers")
	f.StringVar(&opts.redownloadAuthor, "redownload-author", "", "re-fetch the missing files of an author")
	f.StringVar(&opts.banAuthor, "ban-author", "", "ban an author from future crawls")
	f.StringVar(&opts.banReason, "ban-reason", "", "reason recorded with --ban-author")
	f.StringVar(&opts.unbanAuthor, "unban-author", "", "lift the ban on an author")
	f.StringVar(&opts.cleanupBanned, "cleanup-banned", "", "delete every image and file of a banned author")

	override := func(cmd *cobra.Command, cfg *config.Config) {
		if cmd.Flags().Changed("start-offset") {
			cfg.Crawl.StartOffset = opts.startOffset
		}
		if cmd.Flags().Changed("retry") {
			cfg.Crawl.Retry = opts.retry
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers.Count = opts.workers
		}
	}
	return cmd, override
}

func runCrawl(ctx context.Context, a *app.App, opts *crawlOptions, out io.Writer) error {
	if opts.maintenance() {
		return runMaintenance(ctx, a, opts, out)
	}

	crawlCtx, stopServer := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(crawlCtx)
	g.Go(func() error { return a.ServeStatus(gctx) })
	g.Go(func() error {
		defer stopServer()
		summary, err := a.Pipeline().Crawl(gctx)
		summary.Print(out)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("crawl: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// runMaintenance applies ban before cleanup so one invocation can do both.
func runMaintenance(ctx context.Context, a *app.App, opts *crawlOptions, out io.Writer) error {
	bans := a.Bans()
	if opts.banAuthor != "" {
		if err := bans.Ban(ctx, opts.banAuthor, opts.banReason); err != nil {
			return fmt.Errorf("ban %s: %w", opts.banAuthor, err)
		}
		fmt.Fprintf(out, "banned %s\n", opts.banAuthor)
	}
	if opts.unbanAuthor != "" {
		if err := bans.Unban(ctx, opts.unbanAuthor); err != nil {
			return fmt.Errorf("unban %s: %w", opts.unbanAuthor, err)
		}
		fmt.Fprintf(out, "unbanned %s\n", opts.unbanAuthor)
	}
	if opts.cleanupBanned != "" {
		report, err := bans.Cleanup(ctx, opts.cleanupBanned)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", opts.cleanupBanned, err)
		}
		fmt.Fprintf(out, "cleanup %s: removed %d images and %d files, rehomed %d shared files\n",
			report.Author, report.ImagesRemoved, report.FilesRemoved, report.FilesRehomed)
	}
	if opts.redownloadAuthor != "" {
		summary, err := a.Pipeline().Redownload(ctx, opts.redownloadAuthor)
		summary.Print(out)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("redownload %s: %w", opts.redownloadAuthor, err)
		}
	}
	return nil
}
