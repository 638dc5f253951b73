package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second})
	start := time.Unix(0, 0)
	req := ingest.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}

	collector := f.buildCollector(req, start, &ingest.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be ignored")
	}
	if collector.MaxBodySize != defaultMaxBodySize {
		t.Fatalf("expected default body cap, got %d", collector.MaxBodySize)
	}
	capped := New(Config{MaxBodySize: 512}).buildCollector(req, start, &ingest.FetchResponse{}, new(error))
	if capped.MaxBodySize != 512 {
		t.Fatalf("expected body cap 512, got %d", capped.MaxBodySize)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := ingest.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result ingest.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests}, errors.New("Too Many Requests"))
	if !IsStatus(fetchErr, http.StatusTooManyRequests) {
		t.Fatalf("expected status error 429, got %v", fetchErr)
	}
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(ingest.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, "<rss>%s</rss>", r.Header.Get("X-Trace"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), ingest.FetchRequest{
		URL:     srv.URL + "/feed",
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "<rss>abc</rss>" {
		t.Fatalf("unexpected response: %d %q", resp.StatusCode, resp.Body)
	}

	_, err = f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL + "/missing"})
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 status error, got %v", err)
	}
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: 2 * time.Second})
	if _, err := f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
