// Package browsertest provides a scripted in-memory browser for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

// ErrNotScripted is returned when a URL has no scripted page.
var ErrNotScripted = errors.New("no scripted page for url")

// Site maps URLs to HTML. Lookup falls back to the longest registered prefix
// so tests can script families of URLs such as paginated searches.
type Site struct {
	mu       sync.Mutex
	pages    map[string]string
	prefixes map[string]string
	errs     map[string]error
}

// NewSite returns an empty Site.
func NewSite() *Site {
	return &Site{
		pages:    make(map[string]string),
		prefixes: make(map[string]string),
		errs:     make(map[string]error),
	}
}

// Page scripts the HTML served for url.
func (s *Site) Page(url, html string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = html
	return s
}

// Prefix scripts the HTML served for any URL starting with prefix.
func (s *Site) Prefix(prefix, html string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[prefix] = html
	return s
}

// Fail makes navigation to url return err.
func (s *Site) Fail(url string, err error) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
	return s
}

func (s *Site) lookup(url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[url]; ok {
		return "", err
	}
	if html, ok := s.pages[url]; ok {
		return html, nil
	}
	best := -1
	var html string
	for prefix, page := range s.prefixes {
		if strings.HasPrefix(url, prefix) && len(prefix) > best {
			best = len(prefix)
			html = page
		}
	}
	if best >= 0 {
		return html, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotScripted, url)
}

// Browser is a BrowserSession over a Site.
type Browser struct {
	site *Site

	mu          sync.Mutex
	current     string
	navigations []string
	closed      bool
}

var _ ingest.BrowserSession = (*Browser)(nil)

// NewBrowser returns a session that serves pages from site.
func NewBrowser(site *Site) *Browser {
	return &Browser{site: site}
}

// Navigate records url and loads its scripted page.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.navigations = append(b.navigations, url)
	b.mu.Unlock()

	html, err := b.site.lookup(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.current = ""
		return err
	}
	b.current = html
	return nil
}

// WaitVisible reports whether selector exists in the current page.
func (b *Browser) WaitVisible(ctx context.Context, selector string, _ time.Duration) bool {
	doc, err := b.Document(ctx)
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}

// Document parses the current page.
func (b *Browser) Document(_ context.Context) (*goquery.Document, error) {
	b.mu.Lock()
	html := b.current
	b.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse scripted page: %w", err)
	}
	return doc, nil
}

// Close marks the session closed.
func (b *Browser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Navigations returns every URL passed to Navigate, in order.
func (b *Browser) Navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigations...)
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Factory hands out Browsers over one Site and remembers them.
type Factory struct {
	Site *Site
	// Err, when set, is returned by NewSession.
	Err error

	mu       sync.Mutex
	sessions []*Browser
}

var _ ingest.BrowserFactory = (*Factory)(nil)

// NewSession returns a new Browser.
func (f *Factory) NewSession(_ context.Context) (ingest.BrowserSession, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	b := NewBrowser(f.Site)
	f.mu.Lock()
	f.sessions = append(f.sessions, b)
	f.mu.Unlock()
	return b, nil
}

// Sessions returns the Browsers opened so far.
func (f *Factory) Sessions() []*Browser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Browser(nil), f.sessions...)
}
