// Package extract turns discovered thread pages into persisted discussions
// and replies.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/identity"
	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

var (
	// ErrShapeMismatch means an expected element was missing from the page.
	ErrShapeMismatch = errors.New("page shape mismatch")
	// ErrParse means an element was present but its value could not be parsed.
	ErrParse = errors.New("parse failure")
	// ErrFetch means the page could not be loaded.
	ErrFetch = errors.New("fetch failure")
)

const (
	defaultMaxBodyLength = 200
	defaultAuthorWait    = 5 * time.Second
)

// Config controls extraction.
type Config struct {
	MaxBodyLength int
	// AuthorWait bounds the wait for the author element; absence is not fatal.
	AuthorWait time.Duration
	Selectors  Selectors
	// ArchivePrefix is the blob path prefix for page snapshots.
	ArchivePrefix string
}

// Extractor processes references one at a time.
type Extractor struct {
	cfg      Config
	resolver *identity.Resolver
	archive  ingest.BlobStore
	logger   *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithArchive stores a snapshot of every committed page.
func WithArchive(blobs ingest.BlobStore) Option {
	return func(e *Extractor) {
		e.archive = blobs
	}
}

// New constructs an Extractor.
func New(cfg Config, resolver *identity.Resolver, logger *zap.Logger, opts ...Option) *Extractor {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = defaultMaxBodyLength
	}
	if cfg.AuthorWait <= 0 {
		cfg.AuthorWait = defaultAuthorWait
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = identity.NewResolver(logger)
	}
	e := &Extractor{cfg: cfg, resolver: resolver, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes one persisted thread.
type Result struct {
	Item    store.DiscussionItem
	Replies int
}

// Tally aggregates ExtractAll.
type Tally struct {
	Items      int
	Replies    int
	Failures   int
	Duplicates int
}

// Extract loads ref, parses it and persists the discussion with its replies
// in one transaction. On any error the transaction is rolled back and
// nothing from this reference is stored.
func (e *Extractor) Extract(
	ctx context.Context,
	sess store.Session,
	browser ingest.BrowserSession,
	ref store.Reference,
) (Result, error) {
	doc, err := e.load(ctx, browser, ref.URL)
	if err != nil {
		return Result{}, err
	}
	t, err := parseThread(doc, e.cfg.Selectors, e.cfg.MaxBodyLength)
	if err != nil {
		return Result{}, err
	}

	res, err := e.persist(ctx, sess, ref, t)
	if err != nil {
		return Result{}, err
	}
	e.snapshot(ctx, ref.URL, doc)
	return res, nil
}

// ExtractAll runs Extract over refs in order. Failures are logged and
// counted; they never stop the batch.
func (e *Extractor) ExtractAll(
	ctx context.Context,
	sess store.Session,
	browser ingest.BrowserSession,
	refs []store.Reference,
) Tally {
	var tally Tally
	for i, ref := range refs {
		if ctx.Err() != nil {
			e.logger.Warn("extraction interrupted", zap.Int("remaining", len(refs)-i))
			break
		}
		res, err := e.Extract(ctx, sess, browser, ref)
		if err != nil {
			reason := Classify(err)
			metrics.ObserveExtractionFailure(reason)
			if errors.Is(err, store.ErrConflict) {
				tally.Duplicates++
				e.logger.Debug("reference already extracted", zap.String("url", ref.URL))
				continue
			}
			tally.Failures++
			e.logger.Warn("extraction failed",
				zap.String("url", ref.URL),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		tally.Items++
		tally.Replies += res.Replies
	}
	metrics.AddItems("discussion", tally.Items)
	metrics.AddItems("reply", tally.Replies)
	return tally
}

// Classify maps an extraction error to a short reason label.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrShapeMismatch):
		return "shape"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, store.ErrConflict):
		return "duplicate"
	default:
		return "store"
	}
}

func (e *Extractor) load(ctx context.Context, browser ingest.BrowserSession, url string) (*goquery.Document, error) {
	if err := browser.Navigate(ctx, url); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if !browser.WaitVisible(ctx, e.cfg.Selectors.Author, e.cfg.AuthorWait) {
		e.logger.Debug("author element not visible", zap.String("url", url))
	}
	doc, err := browser.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return doc, nil
}

func (e *Extractor) persist(ctx context.Context, sess store.Session, ref store.Reference, t thread) (res Result, err error) {
	// Authors are committed outside the item transaction so they are visible
	// to concurrent resolvers even when this item rolls back.
	author, err := e.resolver.Resolve(ctx, sess, t.author)
	if err != nil {
		return Result{}, err
	}
	replyAuthors := make([]int64, len(t.replies))
	for i, r := range t.replies {
		a, err := e.resolver.Resolve(ctx, sess, r.author)
		if err != nil {
			return Result{}, err
		}
		replyAuthors[i] = a.ID
	}

	tx, err := sess.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin item transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			e.logger.Error("rollback failed", zap.String("url", ref.URL), zap.Error(rbErr))
		}
	}()

	item, err := tx.AddDiscussion(ctx, store.DiscussionItem{
		ReferenceID: ref.ID,
		AuthorID:    author.ID,
		Title:       t.title,
		Body:        t.body,
		PostedAt:    t.postedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("add discussion: %w", err)
	}
	for i, r := range t.replies {
		if _, err = tx.AddReply(ctx, store.Reply{
			DiscussionID: item.ID,
			AuthorID:     replyAuthors[i],
			Body:         r.body,
			PostedAt:     r.postedAt,
		}); err != nil {
			return Result{}, fmt.Errorf("add reply %d: %w", i, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit item: %w", err)
	}
	return Result{Item: item, Replies: len(t.replies)}, nil
}

func (e *Extractor) snapshot(ctx context.Context, url string, doc *goquery.Document) {
	if e.archive == nil {
		return
	}
	html, err := doc.Html()
	if err != nil {
		e.logger.Warn("render snapshot failed", zap.String("url", url), zap.Error(err))
		return
	}
	objectPath := SnapshotPath(e.cfg.ArchivePrefix, url)
	uri, err := e.archive.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader([]byte(html)))
	if err != nil {
		e.logger.Warn("archive snapshot failed", zap.String("url", url), zap.Error(err))
		return
	}
	e.logger.Debug("archived snapshot", zap.String("url", url), zap.String("uri", uri))
}

// SnapshotPath names the archived copy of url under prefix by the hex SHA-256
// of the URL.
func SnapshotPath(prefix, url string) string {
	sum := sha256.Sum256([]byte(url))
	return path.Join(prefix, hex.EncodeToString(sum[:])+".html")
}
