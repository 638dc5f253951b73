package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

type scriptedRunner struct {
	mu      sync.Mutex
	active  int
	peak    int
	seen    []ingest.Partition
	panicOn map[int]bool
	failOn  map[int]error
	delay   time.Duration
}

func (r *scriptedRunner) Run(_ context.Context, p ingest.Partition) (ingest.Outcome, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.seen = append(r.seen, p)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	time.Sleep(r.delay)
	if r.panicOn[p.Index] {
		panic("selector engine exploded")
	}
	if err := r.failOn[p.Index]; err != nil {
		return ingest.Outcome{}, err
	}
	return ingest.Outcome{References: 2, Items: 1, Replies: 3, FeedItems: 1}, nil
}

type countingResetter struct {
	calls atomic.Int32
	err   error
}

func (c *countingResetter) Reset(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func planFive(t *testing.T) []ingest.Partition {
	t.Helper()
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	parts, err := Plan(start, start.AddDate(0, 0, 5*365), 365*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, parts, 5)
	return parts
}

func TestRunIsolatesPanickingPartition(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{panicOn: map[int]bool{2: true}}
	d := New(runner, nil, 3, zap.NewNop())

	summary := d.Run(context.Background(), planFive(t))
	require.Equal(t, 4, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 5)

	for i, res := range summary.Results {
		require.Equal(t, i, res.Index)
		if i == 2 {
			var failure *PartitionFailure
			require.ErrorAs(t, res.Err, &failure)
			require.Equal(t, "selector engine exploded", failure.Panic)
			require.Contains(t, failure.Error(), "panicked")
			continue
		}
		require.NoError(t, res.Err)
		require.Equal(t, 1, res.Outcome.Items)
	}
	require.Equal(t, 8, summary.References)
	require.Equal(t, 4, summary.Items)
	require.Equal(t, 12, summary.Replies)
	require.Equal(t, 4, summary.FeedItems)
}

func TestRunIsolatesFailingPartition(t *testing.T) {
	t.Parallel()

	boom := errors.New("open browser: chrome not found")
	runner := &scriptedRunner{failOn: map[int]error{0: boom, 4: boom}}
	d := New(runner, nil, 2, zap.NewNop())

	summary := d.Run(context.Background(), planFive(t))
	require.Equal(t, 3, summary.Succeeded)
	require.Equal(t, 2, summary.Failed)
	require.ErrorIs(t, summary.Results[0].Err, boom)
	require.ErrorIs(t, summary.Results[4].Err, boom)
	require.Len(t, runner.seen, 5, "siblings keep running after a failure")
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{delay: 20 * time.Millisecond}
	d := New(runner, nil, 2, zap.NewNop())

	summary := d.Run(context.Background(), planFive(t))
	require.Equal(t, 5, summary.Succeeded)
	require.LessOrEqual(t, runner.peak, 2)
}

func TestRunResetsOnceBeforeFanOut(t *testing.T) {
	t.Parallel()

	parts := planFive(t)
	parts[0].Reset = true
	parts[3].Reset = true

	runner := &scriptedRunner{}
	resetter := &countingResetter{}
	d := New(runner, resetter, 3, zap.NewNop())

	summary := d.Run(context.Background(), parts)
	require.Equal(t, 5, summary.Succeeded)
	require.Equal(t, int32(1), resetter.calls.Load())
	for _, p := range runner.seen {
		require.False(t, p.Reset, "workers must not reset again")
	}
	require.True(t, parts[0].Reset, "caller's slice is not modified")
}

func TestRunResetFailureFailsEveryPartition(t *testing.T) {
	t.Parallel()

	parts := planFive(t)
	parts[1].Reset = true
	runner := &scriptedRunner{}
	d := New(runner, &countingResetter{err: errors.New("permission denied")}, 3, zap.NewNop())

	summary := d.Run(context.Background(), parts)
	require.Equal(t, 5, summary.Failed)
	require.Empty(t, runner.seen)

	summary = New(runner, nil, 1, nil).Run(context.Background(), parts)
	require.Equal(t, 5, summary.Failed, "reset without a resetter is refused")
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &scriptedRunner{}
	summary := New(runner, nil, 2, zap.NewNop()).Run(ctx, planFive(t))
	require.Len(t, summary.Results, 5)
	require.Equal(t, 5, summary.Succeeded+summary.Failed)
	for _, res := range summary.Results {
		if res.Err != nil {
			require.ErrorIs(t, res.Err, context.Canceled)
		}
	}
}

func TestRunEmpty(t *testing.T) {
	t.Parallel()

	summary := New(&scriptedRunner{}, nil, 4, zap.NewNop()).Run(context.Background(), nil)
	require.Empty(t, summary.Results)
	require.Zero(t, summary.Succeeded+summary.Failed)
}

func TestProgressTracksRuns(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{failOn: map[int]error{1: errors.New("boom")}}
	d := New(runner, nil, 2, zap.NewNop())
	require.Equal(t, Progress{}, d.Progress())

	d.Run(context.Background(), planFive(t))
	require.Equal(t, Progress{Total: 5, Succeeded: 4, Failed: 1}, d.Progress())
}

// failingStartRunner fails partitions by start date, ignoring Index.
type failingStartRunner struct {
	failStart time.Time
}

func (r failingStartRunner) Run(_ context.Context, p ingest.Partition) (ingest.Outcome, error) {
	if p.Start.Equal(r.failStart) {
		return ingest.Outcome{}, errors.New("search page timed out")
	}
	return ingest.Outcome{References: 1}, nil
}

func TestRunReportsPartitionsSharingAnIndexSeparately(t *testing.T) {
	t.Parallel()

	first := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.AddDate(1, 0, 0)
	parts := []ingest.Partition{
		{Index: 0, Start: first, End: second},
		{Index: 0, Start: second, End: second.AddDate(1, 0, 0)},
	}
	d := New(failingStartRunner{failStart: first}, nil, 2, zap.NewNop())

	summary := d.Run(context.Background(), parts)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.References)
	require.Len(t, summary.Results, 2)

	require.True(t, summary.Results[0].Partition.Start.Equal(first))
	require.ErrorContains(t, summary.Results[0].Err, "search page timed out")
	require.True(t, summary.Results[1].Partition.Start.Equal(second))
	require.NoError(t, summary.Results[1].Err)
}
