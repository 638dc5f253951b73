// Package feed ingests news items from a syndication search endpoint.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/rss"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

const (
	defaultEndpoint = "https://news.google.com/rss/search"
	// pubDateLayout applies after the trailing zone name is stripped.
	pubDateLayout = "Mon, 02 Jan 2006 15:04:05"
	headlineSep   = " - "
)

// ErrMalformedItem marks an entry that cannot be mapped to a FeedItem.
var ErrMalformedItem = errors.New("malformed feed item")

// Config controls the syndication request.
type Config struct {
	Endpoint string
	Headers  http.Header
}

// Report counts what one fetch did.
type Report struct {
	Items      int
	Stored     int
	Duplicates int
	Malformed  int
}

// Fetcher issues one feed request per partition and stores its items.
type Fetcher struct {
	cfg     Config
	fetcher ingest.Fetcher
	logger  *zap.Logger
}

// New constructs a Fetcher on top of an HTTP fetcher.
func New(cfg Config, fetcher ingest.Fetcher, logger *zap.Logger) *Fetcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, fetcher: fetcher, logger: logger}
}

// Fetch requests the feed for keyword in [start, end) and persists every
// well-formed item. Malformed items and store conflicts are counted and
// skipped. Only a transport or document-level failure returns an error.
func (f *Fetcher) Fetch(
	ctx context.Context,
	sess store.Session,
	keyword string,
	start, end time.Time,
) (Report, error) {
	var report Report
	feedURL := f.SearchURL(keyword, start, end)
	resp, err := f.fetcher.Fetch(ctx, ingest.FetchRequest{URL: feedURL, Headers: f.cfg.Headers})
	if err != nil {
		return report, fmt.Errorf("fetch feed: %w", err)
	}

	parser := rss.Parser{}
	doc, err := parser.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return report, fmt.Errorf("parse feed: %w", err)
	}

	for _, raw := range doc.Items {
		report.Items++
		item, err := ParseItem(raw)
		if err != nil {
			report.Malformed++
			f.logger.Debug("skipping malformed feed item", zap.Error(err))
			continue
		}
		if _, err := sess.AddFeedItem(ctx, item); err != nil {
			if errors.Is(err, store.ErrConflict) {
				report.Duplicates++
				continue
			}
			return report, fmt.Errorf("store feed item %s: %w", item.URL, err)
		}
		report.Stored++
	}
	metrics.AddItems("feed", report.Stored)
	f.logger.Info("feed ingested",
		zap.String("keyword", keyword),
		zap.Int("items", report.Items),
		zap.Int("stored", report.Stored),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("malformed", report.Malformed),
	)
	return report, nil
}

// SearchURL builds the syndication query for keyword between start and end.
func (f *Fetcher) SearchURL(keyword string, start, end time.Time) string {
	values := url.Values{}
	values.Set("q", fmt.Sprintf("%s after:%s before:%s",
		keyword, start.Format(ingest.DateLayout), end.Format(ingest.DateLayout)))
	values.Set("hl", "en-US")
	values.Set("gl", "US")
	values.Set("ceid", "US:en")
	return f.cfg.Endpoint + "?" + values.Encode()
}

// ParseItem maps one feed entry to a FeedItem. The headline is split on its
// last " - " into title and publisher.
func ParseItem(item *rss.Item) (store.FeedItem, error) {
	if item == nil {
		return store.FeedItem{}, fmt.Errorf("%w: nil item", ErrMalformedItem)
	}
	headline := strings.TrimSpace(item.Title)
	idx := strings.LastIndex(headline, headlineSep)
	if idx < 0 {
		return store.FeedItem{}, fmt.Errorf("%w: headline %q has no publisher", ErrMalformedItem, headline)
	}
	link := strings.TrimSpace(item.Link)
	if link == "" {
		return store.FeedItem{}, fmt.Errorf("%w: missing link", ErrMalformedItem)
	}
	if item.Source == nil || strings.TrimSpace(item.Source.Title) == "" {
		return store.FeedItem{}, fmt.Errorf("%w: missing source", ErrMalformedItem)
	}
	published, err := ParsePubDate(item.PubDate)
	if err != nil {
		return store.FeedItem{}, err
	}
	return store.FeedItem{
		Title:       strings.TrimSpace(headline[:idx]),
		Publisher:   strings.TrimSpace(headline[idx+len(headlineSep):]),
		URL:         link,
		PublishedAt: published,
		Source:      strings.TrimSpace(item.Source.Title),
	}, nil
}

// ParsePubDate parses the feed's RFC 1123 style timestamp in UTC.
func ParsePubDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "GMT", ""))
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: missing pubDate", ErrMalformedItem)
	}
	ts, err := time.Parse(pubDateLayout, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: pubDate %q: %w", ErrMalformedItem, raw, err)
	}
	return ts, nil
}
