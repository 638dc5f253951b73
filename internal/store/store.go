package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals that a write lost against a uniqueness constraint.
	ErrConflict = errors.New("unique constraint conflict")
)

// Authors is the identity surface used during author resolution.
type Authors interface {
	// AuthorByName returns the author with the exact name or ErrNotFound.
	AuthorByName(ctx context.Context, name string) (Author, error)
	// CreateAuthor inserts and commits a new author. It returns ErrConflict
	// when another writer already owns the name.
	CreateAuthor(ctx context.Context, name string) (Author, error)
}

// Session is the storage scope owned by a single partition run.
type Session interface {
	Authors
	// AddFeedItem persists a feed entry; ErrConflict when the URL exists.
	AddFeedItem(ctx context.Context, item FeedItem) (FeedItem, error)
	// AddReferences persists the batch and returns only the references this
	// call created, in input order. URLs that already exist are skipped.
	AddReferences(ctx context.Context, urls []string) ([]Reference, error)
	// UnconsumedReferences returns the stored references among urls that no
	// discussion has consumed yet, in input order.
	UnconsumedReferences(ctx context.Context, urls []string) ([]Reference, error)
	// Begin opens an item transaction. Nothing written through it is visible
	// to other sessions until Commit.
	Begin(ctx context.Context) (Tx, error)
	// Close releases the session.
	Close(ctx context.Context) error
}

// Tx groups one discussion with its replies.
type Tx interface {
	// AddDiscussion persists the thread; ErrConflict when its reference was
	// already consumed.
	AddDiscussion(ctx context.Context, item DiscussionItem) (DiscussionItem, error)
	AddReply(ctx context.Context, reply Reply) (Reply, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store hands out sessions and owns the schema.
type Store interface {
	OpenSession(ctx context.Context) (Session, error)
	// Reset drops and rebuilds the schema. Destructive.
	Reset(ctx context.Context) error
	Close()
}
