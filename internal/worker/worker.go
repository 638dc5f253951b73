// Package worker runs one partition end to end: feed, discovery, extraction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/discovery"
	"github.com/JakeFAU/sentiment-ingest/internal/extract"
	"github.com/JakeFAU/sentiment-ingest/internal/feed"
	"github.com/JakeFAU/sentiment-ingest/internal/identity"
	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

// Config controls Worker behavior.
type Config struct {
	Extract extract.Config
	// ArchivePrefix is the blob prefix; each run writes under <prefix>/<run id>.
	ArchivePrefix string
	// Topic receives one notification per successful partition when set.
	Topic string
}

// Notification is the payload published after a partition completes.
type Notification struct {
	RunID      string    `json:"run_id"`
	Keyword    string    `json:"keyword"`
	Subreddit  string    `json:"subreddit,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	References int       `json:"references"`
	Items      int       `json:"items"`
	Replies    int       `json:"replies"`
	FeedItems  int       `json:"feed_items"`
}

// Deps are the collaborators a Worker needs. Feed, Archive and Publisher are
// optional. Now defaults to the UTC wall clock.
type Deps struct {
	Store      store.Store
	Browsers   ingest.BrowserFactory
	Feed       *feed.Fetcher
	Discoverer *discovery.Discoverer
	Resolver   *identity.Resolver
	Archive    ingest.BlobStore
	Publisher  ingest.Publisher
	IDs        ingest.IDGenerator
	Now        func() time.Time
}

// Worker executes partitions. It holds no per-run state, so one Worker can
// serve many concurrent runs.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Store == nil {
		return nil, errors.New("worker requires a store")
	}
	if deps.Browsers == nil {
		return nil, errors.New("worker requires a browser factory")
	}
	if deps.IDs == nil {
		return nil, errors.New("worker requires an id generator")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Discoverer == nil {
		deps.Discoverer = discovery.New(discovery.Config{}, logger.Named("discovery"))
	}
	if deps.Resolver == nil {
		deps.Resolver = identity.NewResolver(logger.Named("identity"))
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run executes one partition. Only failures to open the browser or the
// storage session, a failed reset, or a failed reference flush are returned;
// feed and per-item failures are logged and counted.
func (w *Worker) Run(ctx context.Context, p ingest.Partition) (out ingest.Outcome, err error) {
	started := w.deps.Now()
	runID, err := w.deps.IDs.NewID()
	if err != nil {
		return out, fmt.Errorf("generate run id: %w", err)
	}
	out.RunID = runID
	logger := w.logger.With(
		zap.String("run_id", runID),
		zap.Int("partition", p.Index),
		zap.String("start", p.Start.Format(ingest.DateLayout)),
		zap.String("end", p.End.Format(ingest.DateLayout)),
	)

	ctx, span := otel.Tracer("ingest/worker").Start(ctx, "partition")
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("keyword", p.Keyword),
		attribute.String("range", p.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	metrics.IncActivePartitions()
	defer metrics.DecActivePartitions()

	if p.Reset {
		logger.Warn("resetting schema before run")
		if err := w.deps.Store.Reset(ctx); err != nil {
			return out, fmt.Errorf("reset store: %w", err)
		}
	}

	browser, err := w.deps.Browsers.NewSession(ctx)
	if err != nil {
		return out, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			logger.Warn("close browser", zap.Error(cerr))
		}
	}()

	sess, err := w.deps.Store.OpenSession(ctx)
	if err != nil {
		return out, fmt.Errorf("open store session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close store session", zap.Error(cerr))
		}
	}()

	w.runFeed(ctx, logger, sess, p, &out)

	found, derr := w.deps.Discoverer.Discover(ctx, browser, discovery.Query{
		Keyword:   p.Keyword,
		Subreddit: p.Subreddit,
		Start:     p.Start,
		End:       p.End,
	}, discovery.NewSeenSet())
	out.Discovered = len(found.URLs)
	out.DiscoveryPages = found.Pages
	out.DiscoveryCapped = found.Capped
	if derr != nil {
		logger.Warn("discovery stopped early", zap.Int("found", len(found.URLs)), zap.Error(derr))
	}

	refs, err := sess.AddReferences(ctx, found.URLs)
	if err != nil {
		return out, fmt.Errorf("store references: %w", err)
	}
	out.References = len(refs)
	metrics.AddReferences(len(refs))

	pending, err := sess.UnconsumedReferences(ctx, found.URLs)
	if err != nil {
		logger.Warn("list unconsumed references", zap.Error(err))
		pending = refs
	}
	out.Resumed = countResumed(refs, pending)
	logger.Info("references claimed",
		zap.Int("discovered", len(found.URLs)),
		zap.Int("claimed", len(refs)),
		zap.Int("resumed", out.Resumed),
	)

	extractor := w.extractor(runID, logger)
	tally := extractor.ExtractAll(ctx, sess, browser, pending)
	out.Items = tally.Items
	out.Replies = tally.Replies
	out.ExtractFailures = tally.Failures

	out.Duration = w.deps.Now().Sub(started)
	w.notify(ctx, logger, p, out)
	logger.Info("partition complete",
		zap.Int("feed_items", out.FeedItems),
		zap.Int("references", out.References),
		zap.Int("items", out.Items),
		zap.Int("replies", out.Replies),
		zap.Int("failures", out.ExtractFailures),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// countResumed counts pending references this run did not create. They were
// stored by an earlier run that never consumed them.
func countResumed(created, pending []store.Reference) int {
	ids := make(map[int64]struct{}, len(created))
	for _, ref := range created {
		ids[ref.ID] = struct{}{}
	}
	n := 0
	for _, ref := range pending {
		if _, ok := ids[ref.ID]; !ok {
			n++
		}
	}
	return n
}

func (w *Worker) runFeed(
	ctx context.Context,
	logger *zap.Logger,
	sess store.Session,
	p ingest.Partition,
	out *ingest.Outcome,
) {
	if w.deps.Feed == nil {
		return
	}
	report, err := w.deps.Feed.Fetch(ctx, sess, p.Keyword, p.Start, p.End)
	out.FeedItems = report.Stored
	out.FeedDuplicates = report.Duplicates
	out.FeedMalformed = report.Malformed
	if err != nil {
		logger.Warn("feed fetch failed", zap.Error(err))
	}
}

func (w *Worker) extractor(runID string, logger *zap.Logger) *extract.Extractor {
	cfg := w.cfg.Extract
	var opts []extract.Option
	if w.deps.Archive != nil {
		cfg.ArchivePrefix = path.Join(strings.Trim(w.cfg.ArchivePrefix, "/"), runID)
		opts = append(opts, extract.WithArchive(w.deps.Archive))
	}
	return extract.New(cfg, w.deps.Resolver, logger.Named("extract"), opts...)
}

func (w *Worker) notify(ctx context.Context, logger *zap.Logger, p ingest.Partition, out ingest.Outcome) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, Notification{
		RunID:      out.RunID,
		Keyword:    p.Keyword,
		Subreddit:  p.Subreddit,
		Start:      p.Start,
		End:        p.End,
		References: out.References,
		Items:      out.Items,
		Replies:    out.Replies,
		FeedItems:  out.FeedItems,
	})
	if err != nil {
		logger.Warn("publish partition notification", zap.Error(err))
		return
	}
	logger.Debug("published partition notification", zap.String("message_id", id))
}
