package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[ingest.Partition](1)
	result := make(chan ingest.Partition, 1)
	errCh := make(chan error, 1)

	go func() {
		p, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- p
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), ingest.Partition{Index: 4, Keyword: "rivian"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.Index != 4 || got.Keyword != "rivian" {
			t.Fatalf("unexpected partition %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return partition")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[ingest.Partition](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue[ingest.Partition](1)
	if err := qEnqueue.Enqueue(context.Background(), ingest.Partition{Index: 0}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, ingest.Partition{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsBeforeError(t *testing.T) {
	t.Parallel()

	q := NewQueue[ingest.Partition](2)
	if err := q.Enqueue(context.Background(), ingest.Partition{Index: 1}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	p, err := q.Dequeue(context.Background())
	if err != nil || p.Index != 1 {
		t.Fatalf("expected queued partition after close, got %+v err=%v", p, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
