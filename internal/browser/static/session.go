// Package static implements browser sessions over plain HTTP GETs. It does
// not execute JavaScript, so it only suits endpoints that render server-side.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
)

// ErrNoDocument is returned by Document before a successful Navigate.
var ErrNoDocument = errors.New("no document loaded")

// Factory opens sessions sharing one Fetcher.
type Factory struct {
	fetcher  ingest.Fetcher
	headers  http.Header
	minDelay time.Duration
}

var _ ingest.BrowserFactory = (*Factory)(nil)

// NewFactory returns a Factory. headers are sent with every request.
func NewFactory(fetcher ingest.Fetcher, headers http.Header, minDelay time.Duration) *Factory {
	return &Factory{fetcher: fetcher, headers: headers, minDelay: minDelay}
}

// NewSession returns a fresh session with no loaded document.
func (f *Factory) NewSession(_ context.Context) (ingest.BrowserSession, error) {
	if f.fetcher == nil {
		return nil, errors.New("static browser requires a fetcher")
	}
	s := &Session{fetcher: f.fetcher, headers: f.headers.Clone()}
	if f.minDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(f.minDelay), 1)
	}
	return s, nil
}

// Session keeps the most recently fetched page.
type Session struct {
	fetcher ingest.Fetcher
	headers http.Header
	limiter *rate.Limiter
	body    []byte
}

var _ ingest.BrowserSession = (*Session)(nil)

// Navigate fetches url and keeps its body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.limiter != nil {
		start := time.Now()
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("politeness wait: %w", err)
		}
		metrics.ObservePolitenessDelay(url, time.Since(start))
	}
	resp, err := s.fetcher.Fetch(ctx, ingest.FetchRequest{URL: url, Headers: s.headers})
	if err != nil {
		s.body = nil
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		s.body = nil
		return fmt.Errorf("navigate %s: status %d", url, resp.StatusCode)
	}
	s.body = resp.Body
	return nil
}

// WaitVisible reports whether selector is present in the loaded page. The
// page never changes after load, so no waiting happens.
func (s *Session) WaitVisible(ctx context.Context, selector string, _ time.Duration) bool {
	doc, err := s.Document(ctx)
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}

// Document parses the loaded page.
func (s *Session) Document(_ context.Context) (*goquery.Document, error) {
	if s.body == nil {
		return nil, ErrNoDocument
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(s.body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// Close releases the loaded page.
func (s *Session) Close() error {
	s.body = nil
	return nil
}
