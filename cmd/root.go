// Package cmd defines the photoarchiver CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/app"
	"github.com/JakeFAU/photo-archiver/internal/config"
	"github.com/JakeFAU/photo-archiver/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// configOverride copies the flags a subcommand set onto the loaded config.
type configOverride func(cmd *cobra.Command, cfg *config.Config)

// newApp is the application factory. Tests replace it to silence logging.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd builds the command tree. The returned func releases the services
// built for the executed command, even when RunE failed.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		current *app.App
	)
	overrides := make(map[*cobra.Command]configOverride)

	cmd := &cobra.Command{
		Use:   "photoarchiver",
		Short: "Resumable crawler and archiver for a photo-hosting site.",
		Long: `photoarchiver walks the site's search listing page by page, records the
metadata of every photo, downloads each image once per content hash and keeps
enough state to resume a multi-day crawl after an interrupt.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if override, ok := overrides[cmd]; ok {
				override(cmd, &cfg)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			current = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	crawl, crawlOverride := newCrawlCmd()
	overrides[crawl] = crawlOverride
	cmd.AddCommand(crawl, newVerifyCmd(), newStatsCmd())

	cleanup := func() {
		if current != nil {
			current.Close()
			_ = current.Logger().Sync()
			current = nil
		}
	}
	return cmd, cleanup
}

// Execute runs the CLI with ctx, which is canceled on SIGINT/SIGTERM.
func Execute(ctx context.Context, args []string) error {
	root, cleanup := newRootCmd()
	defer cleanup()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("photoarchiver: %w", err)
	}
	return nil
}

func appFrom(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
