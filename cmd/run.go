package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/config"
	"github.com/JakeFAU/sentiment-ingest/internal/dispatcher"
	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

// runBindings maps config keys onto the run/plan flags.
var runBindings = map[string]string{
	"ingest.keyword":      "keyword",
	"ingest.subreddit":    "subreddit",
	"ingest.start":        "start",
	"ingest.end":          "end",
	"ingest.window_days":  "window-days",
	"ingest.concurrency":  "concurrency",
	"ingest.reset":        "reset",
	"ingest.dry_run":      "dry-run",
	"browser.mode":        "mode",
	"db.dsn":              "dsn",
	"metrics.listen_addr": "metrics-addr",
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("keyword", "", "search keyword")
	f.String("subreddit", "", "restrict discovery to one community")
	f.String("start", "", "inclusive start date (YYYY-MM-DD)")
	f.String("end", "", "exclusive end date (YYYY-MM-DD)")
	f.Int("window-days", 0, "partition length in days")
	f.Int("concurrency", 0, "partitions running at once")
	f.Bool("reset", false, "drop and rebuild the schema before running (destructive)")
	f.Bool("dry-run", false, "use the in-memory store instead of Postgres")
	f.String("mode", "", "browser mode: headless or static")
	f.String("dsn", "", "Postgres connection string")
	f.String("metrics-addr", "", "listen address for /metrics and /healthz")
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute every partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, opts)
		},
	}
	addRunFlags(cmd)
	return cmd
}

// newPlanCmd creates the 'plan' subcommand, which prints partitions only.
func newPlanCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the partitions a run would execute",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile, config.WithFlags(cmd.Flags(), runBindings))
			if err != nil {
				return err
			}
			parts, err := planPartitions(cfg)
			if err != nil {
				return err
			}
			for _, p := range parts {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n",
					p.Index, p.Start.Format(ingest.DateLayout), p.End.Format(ingest.DateLayout))
			}
			return nil
		},
	}
	addRunFlags(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	cfg, err := config.Load(opts.cfgFile, config.WithFlags(cmd.Flags(), runBindings))
	if err != nil {
		return err
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	parts, err := planPartitions(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := a.Close(shutdownCtx); cerr != nil {
			logger.Warn("shutdown failed", zap.Error(cerr))
		}
	}()

	if cfg.Metrics.ListenAddr != "" {
		a.Server.Start(cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if serr := a.Server.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("admin server shutdown failed", zap.Error(serr))
			}
		}()
	}

	logger.Info("dispatching partitions",
		zap.String("keyword", cfg.Ingest.Keyword),
		zap.Int("partitions", len(parts)),
		zap.Int("concurrency", cfg.Ingest.Concurrency),
		zap.Bool("reset", cfg.Ingest.Reset),
	)
	summary := a.Dispatcher.Run(ctx, parts)

	if err := writeSummary(cmd, summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d partitions failed", summary.Failed, len(summary.Results))
	}
	return nil
}

// planPartitions splits the configured range and stamps the run parameters
// onto each window. Only the first partition carries Reset.
func planPartitions(cfg config.Config) ([]ingest.Partition, error) {
	start, end, err := cfg.Range()
	if err != nil {
		return nil, err
	}
	parts, err := dispatcher.Plan(start, end, cfg.Window())
	if err != nil {
		return nil, fmt.Errorf("plan partitions: %w", err)
	}
	for i := range parts {
		parts[i].Keyword = cfg.Ingest.Keyword
		parts[i].Subreddit = cfg.Ingest.Subreddit
	}
	if cfg.Ingest.Reset && len(parts) > 0 {
		parts[0].Reset = true
	}
	return parts, nil
}

type partitionReport struct {
	Index   int            `json:"index"`
	Start   string         `json:"start"`
	End     string         `json:"end"`
	Outcome ingest.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

func writeSummary(cmd *cobra.Command, s dispatcher.Summary) error {
	report := struct {
		Succeeded  int               `json:"succeeded"`
		Failed     int               `json:"failed"`
		FeedItems  int               `json:"feed_items"`
		References int               `json:"references"`
		Items      int               `json:"items"`
		Replies    int               `json:"replies"`
		Partitions []partitionReport `json:"partitions"`
	}{
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		FeedItems:  s.FeedItems,
		References: s.References,
		Items:      s.Items,
		Replies:    s.Replies,
	}
	for _, r := range s.Results {
		pr := partitionReport{
			Index:   r.Index,
			Start:   r.Partition.Start.Format(ingest.DateLayout),
			End:     r.Partition.End.Format(ingest.DateLayout),
			Outcome: r.Outcome,
		}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		report.Partitions = append(report.Partitions, pr)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
