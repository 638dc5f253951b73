package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactoryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(Config{NavigationTimeout: -time.Second}, nil)
	require.Error(t, err)
	_, err = NewFactory(Config{MinDelay: -time.Second}, nil)
	require.Error(t, err)

	f, err := NewFactory(Config{MinDelay: time.Second}, nil)
	require.NoError(t, err)
	require.NotNil(t, f.logger)
}

func TestSessionNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	s := &Session{}
	assert.Equal(t, 45*time.Second, s.navTimeout())
	s.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, s.navTimeout())
}

func TestNewLimiter(t *testing.T) {
	t.Parallel()

	assert.Nil(t, newLimiter(0))
	l := newLimiter(2 * time.Second)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
	assert.True(t, l.Allow(), "first navigation is not delayed")
	assert.False(t, l.Allow(), "second navigation must wait")
}

func TestSessionWaitWithoutLimiter(t *testing.T) {
	t.Parallel()

	s := &Session{}
	require.NoError(t, s.wait(context.Background(), "https://example.com"))
}

func TestSessionWaitCanceled(t *testing.T) {
	t.Parallel()

	s := &Session{limiter: newLimiter(time.Hour)}
	require.NoError(t, s.wait(context.Background(), "https://example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.wait(ctx, "https://example.com"))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	s := &Session{cancel: func() { calls++ }}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

func TestRunContextFollowsCaller(t *testing.T) {
	t.Parallel()

	s := &Session{taskCtx: context.Background()}
	caller, cancelCaller := context.WithCancel(context.Background())
	runCtx, cancel := s.runContext(caller, time.Minute)
	defer cancel()

	cancelCaller()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context should follow caller cancellation")
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta.reset()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	status, _, url = meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusOK, status, "non-document responses are ignored")
	assert.Equal(t, "https://req", url)
}
