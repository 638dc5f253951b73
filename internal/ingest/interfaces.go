package ingest

import (
	"context"
	"io"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Fetcher performs a single synchronous GET.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BrowserSession is one stateful browsing context. It is not safe for
// concurrent use and must not be shared between partitions.
type BrowserSession interface {
	// Navigate loads the URL and waits for the document body.
	Navigate(ctx context.Context, url string) error
	// WaitVisible waits at most timeout for selector to become visible and
	// reports whether it did. It never returns an error.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool
	// Document snapshots the current DOM.
	Document(ctx context.Context) (*goquery.Document, error)
	Close() error
}

// BrowserFactory opens isolated browsing sessions.
type BrowserFactory interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces partition run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
