// Package postgres provides the Postgres-backed ingestion store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

type resetter interface {
	Reset() error
}

// Store implements store.Store on a pgx pool. Sessions share the pool, which
// is safe for concurrent use.
type Store struct {
	pool     pool
	migrator resetter
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, migrator *Migrator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: p}
	if migrator != nil {
		s.migrator = migrator
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, migrator resetter) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, migrator: migrator}, nil
}

// OpenSession returns a session over the shared pool.
func (s *Store) OpenSession(_ context.Context) (store.Session, error) {
	return &session{pool: s.pool}, nil
}

// Reset drops and rebuilds the schema.
func (s *Store) Reset(_ context.Context) error {
	if s.migrator == nil {
		return fmt.Errorf("reset requires a migrator")
	}
	if err := s.migrator.Reset(); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

type session struct {
	pool pool
}

func (ss *session) AuthorByName(ctx context.Context, name string) (store.Author, error) {
	a := store.Author{Name: name}
	err := ss.pool.QueryRow(ctx, `SELECT id FROM authors WHERE name = $1`, name).Scan(&a.ID)
	if err != nil {
		return store.Author{}, mapError("select author", err)
	}
	return a, nil
}

func (ss *session) CreateAuthor(ctx context.Context, name string) (store.Author, error) {
	a := store.Author{Name: name}
	err := ss.pool.QueryRow(ctx, `INSERT INTO authors (name) VALUES ($1) RETURNING id`, name).Scan(&a.ID)
	if err != nil {
		return store.Author{}, mapError("insert author", err)
	}
	return a, nil
}

func (ss *session) AddFeedItem(ctx context.Context, item store.FeedItem) (store.FeedItem, error) {
	query := `
INSERT INTO feed_items (title, publisher, url, published_at, source)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
	err := ss.pool.QueryRow(ctx, query,
		item.Title,
		item.Publisher,
		item.URL,
		item.PublishedAt,
		item.Source,
	).Scan(&item.ID)
	if err != nil {
		return store.FeedItem{}, mapError("insert feed item", err)
	}
	return item, nil
}

// AddReferences inserts the whole batch in one statement. Rows that already
// exist are skipped by the constraint and not returned. Keys are inserted in
// sorted order so overlapping batches lock rows in the same sequence.
func (ss *session) AddReferences(ctx context.Context, urls []string) ([]store.Reference, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	query := `
INSERT INTO links (url)
SELECT unnest($1::text[])
ON CONFLICT (url) DO NOTHING
RETURNING id, url`
	rows, err := ss.pool.Query(ctx, query, sortedUnique(urls))
	if err != nil {
		return nil, mapError("insert links", err)
	}
	created, err := collectReferences(rows)
	if err != nil {
		return nil, mapError("scan links", err)
	}
	return inInputOrder(urls, created), nil
}

// UnconsumedReferences returns stored links among urls that no discussion
// points at yet, such as those left behind by an interrupted run.
func (ss *session) UnconsumedReferences(ctx context.Context, urls []string) ([]store.Reference, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	query := `
SELECT l.id, l.url
FROM links l
WHERE l.url = ANY($1::text[])
  AND NOT EXISTS (SELECT 1 FROM discussions d WHERE d.reference_id = l.id)`
	rows, err := ss.pool.Query(ctx, query, sortedUnique(urls))
	if err != nil {
		return nil, mapError("select unconsumed links", err)
	}
	pending, err := collectReferences(rows)
	if err != nil {
		return nil, mapError("scan links", err)
	}
	return inInputOrder(urls, pending), nil
}

func collectReferences(rows pgx.Rows) ([]store.Reference, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Reference, error) {
		var ref store.Reference
		err := row.Scan(&ref.ID, &ref.URL)
		return ref, err
	})
}

func sortedUnique(urls []string) []string {
	out := slices.Clone(urls)
	slices.Sort(out)
	return slices.Compact(out)
}

// inInputOrder reorders refs to follow urls. Postgres does not promise an
// order for RETURNING or ANY.
func inInputOrder(urls []string, refs []store.Reference) []store.Reference {
	byURL := make(map[string]store.Reference, len(refs))
	for _, ref := range refs {
		byURL[ref.URL] = ref
	}
	out := make([]store.Reference, 0, len(refs))
	for _, u := range urls {
		if ref, ok := byURL[u]; ok {
			out = append(out, ref)
			delete(byURL, u)
		}
	}
	return out
}

func (ss *session) Begin(ctx context.Context) (store.Tx, error) {
	t, err := ss.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &tx{tx: t}, nil
}

func (ss *session) Close(_ context.Context) error {
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) AddDiscussion(ctx context.Context, item store.DiscussionItem) (store.DiscussionItem, error) {
	query := `
INSERT INTO discussions (reference_id, author_id, title, body, posted_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		item.ReferenceID,
		item.AuthorID,
		item.Title,
		item.Body,
		item.PostedAt,
	).Scan(&item.ID)
	if err != nil {
		return store.DiscussionItem{}, mapError("insert discussion", err)
	}
	return item, nil
}

func (t *tx) AddReply(ctx context.Context, reply store.Reply) (store.Reply, error) {
	query := `
INSERT INTO replies (discussion_id, author_id, body, posted_at)
VALUES ($1, $2, $3, $4)
RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		reply.DiscussionID,
		reply.AuthorID,
		reply.Body,
		reply.PostedAt,
	).Scan(&reply.ID)
	if err != nil {
		return store.Reply{}, mapError("insert reply", err)
	}
	return reply, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// mapError translates driver errors into store sentinels.
func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
