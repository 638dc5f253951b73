// Package cmd defines the CLI commands for the ingest executable.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/app"
	"github.com/JakeFAU/sentiment-ingest/internal/config"
	"github.com/JakeFAU/sentiment-ingest/internal/logging"
)

// rootOptions carries persistent flags shared by every subcommand.
type rootOptions struct {
	cfgFile  string
	logLevel string
}

// newApp is the application factory. It is a variable so tests can replace
// it with a lighter build.
var newApp = app.New

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Partitioned discussion ingestion for sentiment analysis.",
		Long: `ingest collects news feed entries and community discussion threads
for a keyword across a historical date range. The range is split into
independent windows that run concurrently, each with its own browser and
database session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))

	return cmd
}

// newLogger builds the process logger from config, honoring --log-level.
func (o *rootOptions) newLogger(cfg config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       level,
		Service:     app.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Execute runs the root command with ctx, which should be canceled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
