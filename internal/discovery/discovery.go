// Package discovery enumerates candidate discussion URLs for one partition by
// paging through a search engine's result pages.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
)

const (
	defaultSearchBase  = "https://www.google.com/search"
	defaultSite        = "reddit.com"
	defaultPageSize    = 10
	defaultMaxPages    = 100
	defaultExhausted   = `p[aria-level="3"]`
	defaultResultLinks = `a[jsname='UWckNb']`
)

// Config controls the search endpoint and pagination.
type Config struct {
	SearchBase string
	Site       string
	PageSize   int
	// MaxPages bounds the loop when the endpoint never signals exhaustion.
	MaxPages int
	// ExhaustedSelector marks a "no results" page.
	ExhaustedSelector string
	// ResultSelector matches result anchors carrying the candidate href.
	ResultSelector string
}

// Query is the search input for one partition.
type Query struct {
	Keyword   string
	Subreddit string
	Start     time.Time
	End       time.Time
}

// Result is the outcome of one discovery loop.
type Result struct {
	// URLs are the newly seen candidates in discovery order.
	URLs       []string
	Pages      int
	Duplicates int
	Exhausted  bool
	Capped     bool
}

// SeenSet is the partition-local record of already discovered URLs. It is
// created per partition and discarded when the partition ends.
type SeenSet struct {
	urls map[string]struct{}
}

// NewSeenSet returns an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{urls: make(map[string]struct{})}
}

// Add records u and reports whether it was new.
func (s *SeenSet) Add(u string) bool {
	if _, ok := s.urls[u]; ok {
		return false
	}
	s.urls[u] = struct{}{}
	return true
}

// Len returns the number of distinct URLs seen.
func (s *SeenSet) Len() int {
	return len(s.urls)
}

// Discoverer drives the paginated search.
type Discoverer struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Discoverer, filling unset config with defaults.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.SearchBase == "" {
		cfg.SearchBase = defaultSearchBase
	}
	if cfg.Site == "" {
		cfg.Site = defaultSite
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.ExhaustedSelector == "" {
		cfg.ExhaustedSelector = defaultExhausted
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = defaultResultLinks
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, logger: logger}
}

// Discover pages through results starting at offset zero until the
// exhaustion indicator appears or MaxPages pages were fetched. A navigation
// failure stops the loop; the URLs found so far are returned with the error.
func (d *Discoverer) Discover(
	ctx context.Context,
	browser ingest.BrowserSession,
	query Query,
	seen *SeenSet,
) (Result, error) {
	if seen == nil {
		seen = NewSeenSet()
	}
	var res Result
	for offset := 0; ; offset += d.cfg.PageSize {
		if res.Pages >= d.cfg.MaxPages {
			res.Capped = true
			d.logger.Warn("discovery page cap reached",
				zap.Int("pages", res.Pages),
				zap.Int("offset", offset),
			)
			return res, nil
		}

		pageURL := d.SearchURL(query, offset)
		doc, err := d.fetchPage(ctx, browser, pageURL)
		res.Pages++
		if err != nil {
			return res, fmt.Errorf("discovery page at offset %d: %w", offset, err)
		}
		metrics.IncDiscoveryPage()

		if doc.Find(d.cfg.ExhaustedSelector).Length() > 0 {
			res.Exhausted = true
			d.logger.Debug("no more results", zap.Int("offset", offset))
			return res, nil
		}

		doc.Find(d.cfg.ResultSelector).Each(func(_ int, sel *goquery.Selection) {
			href, ok := sel.Attr("href")
			href = strings.TrimSpace(href)
			if !ok || href == "" {
				return
			}
			if !seen.Add(href) {
				res.Duplicates++
				d.logger.Debug("duplicate reference", zap.String("url", href))
				return
			}
			res.URLs = append(res.URLs, href)
		})
	}
}

func (d *Discoverer) fetchPage(
	ctx context.Context,
	browser ingest.BrowserSession,
	pageURL string,
) (*goquery.Document, error) {
	d.logger.Debug("fetching search page", zap.String("url", pageURL))
	if err := browser.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}
	doc, err := browser.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot search page: %w", err)
	}
	return doc, nil
}

// SearchURL builds the result page URL for a query at offset.
func (d *Discoverer) SearchURL(query Query, offset int) string {
	site := d.cfg.Site + "/"
	if query.Subreddit != "" {
		site += strings.Trim(query.Subreddit, "/") + "/"
	}
	q := fmt.Sprintf("site:%s %s after:%s before:%s",
		site,
		query.Keyword,
		query.Start.Format(ingest.DateLayout),
		query.End.Format(ingest.DateLayout),
	)
	values := url.Values{}
	values.Set("q", q)
	values.Set("hl", "en")
	values.Set("start", fmt.Sprintf("%02d", offset))
	return d.cfg.SearchBase + "?" + values.Encode()
}
