// Package headless provides browser sessions backed by chromedp. Every
// session owns its own Chrome process so partitions never share cookies,
// history or tabs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
)

// Config controls the behavior of headless sessions.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// MinDelay is the minimum spacing between navigations in one session.
	MinDelay time.Duration
	Headless bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// Factory opens chromedp sessions.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

var _ ingest.BrowserFactory = (*Factory)(nil)

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if cfg.MinDelay < 0 {
		return nil, fmt.Errorf("min delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// NewSession starts a dedicated browser process.
func (f *Factory) NewSession(ctx context.Context) (ingest.BrowserSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:     f.cfg,
		logger:  f.logger,
		taskCtx: taskCtx,
		cancel: func() {
			taskCancel()
			allocCancel()
		},
		limiter: newLimiter(f.cfg.MinDelay),
		meta:    newResponseMeta(),
	}
	chromedp.ListenTarget(taskCtx, s.meta.captureEvent)

	if err := chromedp.Run(taskCtx, s.setupAction()); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

// Session is one chromedp tab in its own browser process.
type Session struct {
	cfg     Config
	logger  *zap.Logger
	taskCtx context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	meta    *responseMeta

	closeOnce sync.Once
}

var _ ingest.BrowserSession = (*Session)(nil)

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.wait(ctx, url); err != nil {
		return err
	}
	runCtx, cancel := s.runContext(ctx, s.navTimeout())
	defer cancel()

	s.meta.reset()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObserveNavigation(url, "error")
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	status, _, _ := s.meta.snapshotWithFallbacks(url, "")
	metrics.ObserveNavigation(url, strconv.Itoa(status))
	if status >= http.StatusBadRequest {
		return fmt.Errorf("navigate %s: status %d", url, status)
	}
	return nil
}

// WaitVisible polls for selector up to timeout. Timeouts are not errors.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	runCtx, cancel := s.runContext(ctx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err != nil {
		s.logger.Debug("selector not visible",
			zap.String("selector", selector),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Document returns the rendered DOM.
func (s *Session) Document(ctx context.Context) (*goquery.Document, error) {
	runCtx, cancel := s.runContext(ctx, s.navTimeout())
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("snapshot dom: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dom: %w", err)
	}
	return doc, nil
}

// Close shuts down the browser process.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// runContext derives a chromedp context from the session that is also
// canceled when the caller's ctx is done.
func (s *Session) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.taskCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) wait(ctx context.Context, url string) error {
	if s.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("politeness wait canceled: %w", err)
		}
		return fmt.Errorf("politeness wait: %w", err)
	}
	metrics.ObservePolitenessDelay(url, time.Since(start))
	return nil
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func newLimiter(minDelay time.Duration) *rate.Limiter {
	if minDelay <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(minDelay), 1)
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
