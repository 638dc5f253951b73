package static

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

type stubFetcher struct {
	pages    map[string]ingest.FetchResponse
	requests []ingest.FetchRequest
}

func (s *stubFetcher) Fetch(_ context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	s.requests = append(s.requests, req)
	resp, ok := s.pages[req.URL]
	if !ok {
		return ingest.FetchResponse{}, errors.New("connection refused")
	}
	return resp, nil
}

func TestSessionNavigateAndQuery(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]ingest.FetchResponse{
		"https://a": {StatusCode: http.StatusOK, Body: []byte(`<html><body><a class="author-name">bob</a></body></html>`)},
		"https://b": {StatusCode: http.StatusForbidden, Body: []byte("denied")},
	}}
	factory := NewFactory(fetcher, http.Header{"Accept-Language": {"en"}}, 0)
	sess, err := factory.NewSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	ctx := context.Background()
	_, err = sess.Document(ctx)
	require.ErrorIs(t, err, ErrNoDocument)

	require.NoError(t, sess.Navigate(ctx, "https://a"))
	assert.True(t, sess.WaitVisible(ctx, "a.author-name", time.Second))
	assert.False(t, sess.WaitVisible(ctx, "h1", time.Second))
	doc, err := sess.Document(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", doc.Find("a.author-name").Text())
	assert.Equal(t, "en", fetcher.requests[0].Headers.Get("Accept-Language"))

	require.Error(t, sess.Navigate(ctx, "https://b"))
	_, err = sess.Document(ctx)
	require.ErrorIs(t, err, ErrNoDocument, "failed navigation clears the page")

	require.Error(t, sess.Navigate(ctx, "https://missing"))
}

func TestFactoryRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(nil, nil, 0).NewSession(context.Background())
	require.Error(t, err)
}

func TestSessionNavigateCanceledWhileWaiting(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]ingest.FetchResponse{
		"https://a": {StatusCode: http.StatusOK, Body: []byte("<p>x</p>")},
	}}
	sess, err := NewFactory(fetcher, nil, time.Hour).NewSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.Navigate(context.Background(), "https://a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sess.Navigate(ctx, "https://a"))
	assert.Len(t, fetcher.requests, 1)
}
