// Package identity resolves author names to exactly one persisted Author.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

// UnknownAuthor is the sentinel identity for removed or anonymized authors.
const UnknownAuthor = "[Deleted]"

// Resolver upserts authors optimistically. It holds no lock; the store's
// uniqueness constraint on the name decides races.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Normalize trims and NFC-normalizes a raw name. Empty names map to
// UnknownAuthor.
func Normalize(raw string) string {
	name := strings.TrimSpace(norm.NFC.String(raw))
	if name == "" {
		return UnknownAuthor
	}
	return name
}

// Resolve returns the unique Author for name, creating it if absent. When a
// concurrent writer wins the insert, the winner's row is returned.
func (r *Resolver) Resolve(ctx context.Context, authors store.Authors, name string) (store.Author, error) {
	name = Normalize(name)

	author, err := authors.AuthorByName(ctx, name)
	switch {
	case err == nil:
		return author, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.Author{}, fmt.Errorf("lookup author %q: %w", name, err)
	}

	author, err = authors.CreateAuthor(ctx, name)
	if err == nil {
		return author, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return store.Author{}, fmt.Errorf("create author %q: %w", name, err)
	}

	metrics.IncAuthorConflict()
	r.logger.Debug("author created concurrently, re-reading", zap.String("author", name))
	author, err = authors.AuthorByName(ctx, name)
	if err != nil {
		return store.Author{}, fmt.Errorf("re-read author %q after conflict: %w", name, err)
	}
	return author, nil
}
