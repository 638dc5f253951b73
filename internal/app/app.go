// Package app builds the long-lived services of an ingestion run from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/browser/headless"
	"github.com/JakeFAU/sentiment-ingest/internal/browser/static"
	"github.com/JakeFAU/sentiment-ingest/internal/config"
	"github.com/JakeFAU/sentiment-ingest/internal/discovery"
	"github.com/JakeFAU/sentiment-ingest/internal/dispatcher"
	"github.com/JakeFAU/sentiment-ingest/internal/extract"
	"github.com/JakeFAU/sentiment-ingest/internal/feed"
	collyfetcher "github.com/JakeFAU/sentiment-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/sentiment-ingest/internal/id/uuid"
	"github.com/JakeFAU/sentiment-ingest/internal/identity"
	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	memorypublisher "github.com/JakeFAU/sentiment-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sentiment-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/sentiment-ingest/internal/server"
	gcsstorage "github.com/JakeFAU/sentiment-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sentiment-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/sentiment-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/sentiment-ingest/internal/storage/postgres"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
	"github.com/JakeFAU/sentiment-ingest/internal/telemetry"
	"github.com/JakeFAU/sentiment-ingest/internal/worker"
)

// ServiceName identifies this process in traces and logs.
const ServiceName = "sentiment-ingest"

// App holds the services shared by every partition of one run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Store      store.Store
	Worker     *worker.Worker
	Dispatcher *dispatcher.Dispatcher
	Server     *server.Server

	closers []func(context.Context) error
	pingers map[string]server.Pinger
}

// New wires every component named by cfg. Partially built services are
// released when construction fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, pingers: make(map[string]server.Pinger)}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("release partial app", zap.Error(cerr))
			}
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	browsers, err := a.setupBrowsers()
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Store:      a.Store,
		Browsers:   browsers,
		Feed:       a.setupFeed(),
		Discoverer: a.setupDiscoverer(),
		Resolver:   identity.NewResolver(logger.Named("identity")),
		Archive:    archive,
		Publisher:  publisher,
		IDs:        uuid.New(),
	}
	a.Worker, err = worker.New(deps, worker.Config{
		Extract: extract.Config{
			MaxBodyLength: cfg.Ingest.MaxBodyLength,
			AuthorWait:    cfg.AuthorWait(),
		},
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         cfg.PubSub.Topic,
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	a.Dispatcher = dispatcher.New(a.Worker, a.Store, cfg.Ingest.Concurrency, logger.Named("dispatcher"))
	a.Server = server.New(a.Dispatcher, a.pingers, logger.Named("admin"))
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Ingest.DryRun {
		a.logger.Warn("dry run: using in-memory store, nothing is persisted")
		a.Store = memorystorage.NewStore()
		return nil
	}
	migrator, err := pgstore.NewMigrator(a.cfg.DB.DSN, a.logger.Named("migrate"))
	if err != nil {
		return fmt.Errorf("migrator init failed: %w", err)
	}
	if a.cfg.DB.Migrate {
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	}, migrator)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.Store = pg
	a.pingers["postgres"] = pg
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.pingers["gcs"] = blobs
		a.closers = append(a.closers, func(context.Context) error { return blobs.Close() })
		a.logger.Info("archiving snapshots to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	default:
		if a.cfg.Ingest.DryRun {
			return memorystorage.NewBlobStore(), nil
		}
		a.logger.Debug("snapshot archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupBrowsers() (ingest.BrowserFactory, error) {
	switch a.cfg.Browser.Mode {
	case "static":
		fetcher := collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.Browser.UserAgent,
			Timeout:   a.cfg.NavTimeout(),
		})
		a.logger.Info("using static browser", zap.Duration("min_delay", a.cfg.MinDelay()))
		return static.NewFactory(fetcher, http.Header{"Accept-Language": []string{"en-US,en;q=0.9"}}, a.cfg.MinDelay()), nil
	case "headless":
		factory, err := headless.NewFactory(headless.Config{
			UserAgent:         a.cfg.Browser.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			MinDelay:          a.cfg.MinDelay(),
			Headless:          a.cfg.Browser.Headless,
			ExecPath:          a.cfg.Browser.ExecPath,
		}, a.logger.Named("browser"))
		if err != nil {
			return nil, fmt.Errorf("headless browser init failed: %w", err)
		}
		a.logger.Info("using headless browser", zap.Duration("min_delay", a.cfg.MinDelay()))
		return factory, nil
	default:
		return nil, fmt.Errorf("unknown browser mode %q", a.cfg.Browser.Mode)
	}
}

func (a *App) setupFeed() *feed.Fetcher {
	if !a.cfg.Feed.Enabled {
		return nil
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Browser.UserAgent,
		Timeout:   a.cfg.FeedTimeout(),
	})
	return feed.New(feed.Config{Endpoint: a.cfg.Feed.Endpoint}, fetcher, a.logger.Named("feed"))
}

func (a *App) setupDiscoverer() *discovery.Discoverer {
	return discovery.New(discovery.Config{
		PageSize: a.cfg.Ingest.PageSize,
		MaxPages: a.cfg.Ingest.MaxDiscoveryPages,
	}, a.logger.Named("discovery"))
}

// Close releases services in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
