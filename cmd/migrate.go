package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/config"
	pgstore "github.com/JakeFAU/sentiment-ingest/internal/storage/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand. It applies the embedded
// schema, or drops and rebuilds it with --reset.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(opts.cfgFile, config.WithFlags(cmd.Flags(), map[string]string{
				"db.dsn": "dsn",
			}))
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required")
			}
			logger, err := opts.newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			migrator, err := pgstore.NewMigrator(cfg.DB.DSN, logger.Named("migrate"))
			if err != nil {
				return err
			}
			if reset {
				logger.Warn("dropping and rebuilding schema")
				if err := migrator.Reset(); err != nil {
					return fmt.Errorf("reset schema: %w", err)
				}
			} else if err := migrator.Up(); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("schema ready", zap.Bool("reset", reset))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop every table and re-apply migrations (destructive)")
	cmd.Flags().String("dsn", "", "Postgres connection string")
	return cmd
}
