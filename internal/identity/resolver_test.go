package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/storage/memory"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

// racingAuthors holds every first lookup until all callers arrived so they
// all miss and race through CreateAuthor.
type racingAuthors struct {
	store.Authors
	mu       sync.Mutex
	waiting  int
	callers  int
	release  chan struct{}
	released bool
	creates  int
}

func newRacingAuthors(inner store.Authors, callers int) *racingAuthors {
	return &racingAuthors{Authors: inner, callers: callers, release: make(chan struct{})}
}

func (r *racingAuthors) AuthorByName(ctx context.Context, name string) (store.Author, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return r.Authors.AuthorByName(ctx, name)
	}
	r.waiting++
	if r.waiting == r.callers {
		r.released = true
		close(r.release)
	}
	r.mu.Unlock()
	<-r.release
	return store.Author{}, store.ErrNotFound
}

func (r *racingAuthors) CreateAuthor(ctx context.Context, name string) (store.Author, error) {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	return r.Authors.CreateAuthor(ctx, name)
}

func TestResolveConcurrentCallersConverge(t *testing.T) {
	t.Parallel()

	const callers = 16
	ctx := context.Background()
	backing := memory.NewStore()
	sess, err := backing.OpenSession(ctx)
	require.NoError(t, err)
	authors := newRacingAuthors(sess, callers)
	resolver := NewResolver(zap.NewNop())

	results := make([]store.Author, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = resolver.Resolve(ctx, authors, "wallstreetbets_fan")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, callers, authors.creates)
	require.Len(t, backing.Authors(), 1)
}

func TestResolveSentinelConvergence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backing := memory.NewStore()
	sess, _ := backing.OpenSession(ctx)
	resolver := NewResolver(nil)

	first, err := resolver.Resolve(ctx, sess, UnknownAuthor)
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, sess, "   ")
	require.NoError(t, err)
	third, err := resolver.Resolve(ctx, sess, "")
	require.NoError(t, err)

	require.Equal(t, UnknownAuthor, first.Name)
	require.Equal(t, first, second)
	require.Equal(t, first, third)
	require.Len(t, backing.Authors(), 1)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "alice", Normalize("  alice \n"))
	require.Equal(t, UnknownAuthor, Normalize("\t"))
	// Decomposed e + combining acute composes to a single rune.
	require.Equal(t, "caf\u00e9", Normalize("cafe\u0301"))
}

type failingAuthors struct {
	lookupErr error
	createErr error
	lookups   int
}

func (f *failingAuthors) AuthorByName(context.Context, string) (store.Author, error) {
	f.lookups++
	if f.lookups > 1 && errors.Is(f.createErr, store.ErrConflict) {
		return store.Author{}, errors.New("still missing")
	}
	return store.Author{}, f.lookupErr
}

func (f *failingAuthors) CreateAuthor(context.Context, string) (store.Author, error) {
	return store.Author{}, f.createErr
}

func TestResolveSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	resolver := NewResolver(zap.NewNop())

	_, err := resolver.Resolve(ctx, &failingAuthors{lookupErr: errors.New("db down")}, "x")
	require.ErrorContains(t, err, "lookup author")

	_, err = resolver.Resolve(ctx, &failingAuthors{lookupErr: store.ErrNotFound, createErr: errors.New("boom")}, "x")
	require.ErrorContains(t, err, "create author")

	_, err = resolver.Resolve(ctx, &failingAuthors{lookupErr: store.ErrNotFound, createErr: store.ErrConflict}, "x")
	require.ErrorContains(t, err, "re-read author")
}
