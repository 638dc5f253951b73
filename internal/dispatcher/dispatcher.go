// Package dispatcher fans partitions out to a bounded pool of workers and
// isolates their failures from one another.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
	"github.com/JakeFAU/sentiment-ingest/internal/queue/memory"
)

// Runner executes one partition.
type Runner interface {
	Run(ctx context.Context, p ingest.Partition) (ingest.Outcome, error)
}

// Resetter rebuilds the schema.
type Resetter interface {
	Reset(ctx context.Context) error
}

// PartitionFailure is an error or panic that escaped a partition run.
type PartitionFailure struct {
	Partition ingest.Partition
	Err       error
	// Panic holds the recovered value when the run panicked.
	Panic any
}

func (f *PartitionFailure) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("partition %d (%s) panicked: %v", f.Partition.Index, f.Partition, f.Panic)
	}
	return fmt.Sprintf("partition %d (%s) failed: %v", f.Partition.Index, f.Partition, f.Err)
}

func (f *PartitionFailure) Unwrap() error {
	return f.Err
}

// Result pairs a partition with its outcome.
type Result struct {
	Index     int
	Partition ingest.Partition
	Outcome   ingest.Outcome
	Err       error
}

// Summary aggregates a dispatch.
type Summary struct {
	Results    []Result
	Succeeded  int
	Failed     int
	FeedItems  int
	References int
	Items      int
	Replies    int
}

// Progress is a point-in-time view of a dispatch.
type Progress struct {
	Total     int64 `json:"total"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Dispatcher runs partitions concurrently.
type Dispatcher struct {
	runner      Runner
	resetter    Resetter
	concurrency int
	logger      *zap.Logger

	total     atomic.Int64
	running   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Progress reports counters across every Run on this Dispatcher.
func (d *Dispatcher) Progress() Progress {
	return Progress{
		Total:     d.total.Load(),
		Running:   d.running.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
	}
}

// New creates a Dispatcher. resetter may be nil when no partition resets.
func New(runner Runner, resetter Resetter, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:      runner,
		resetter:    resetter,
		concurrency: concurrency,
		logger:      logger,
	}
}

// job carries a partition with its position in the input slice, so
// partitions sharing an Index still report separately.
type job struct {
	pos  int
	part ingest.Partition
}

// Run executes every partition and blocks until all finish. A failing or
// panicking partition never cancels its siblings. Results are ordered by
// Index, ties keeping input order.
func (d *Dispatcher) Run(ctx context.Context, parts []ingest.Partition) Summary {
	parts = append([]ingest.Partition(nil), parts...)
	d.total.Add(int64(len(parts)))
	if err := d.resetOnce(ctx, parts); err != nil {
		return d.failAll(parts, err)
	}

	queue := memory.NewQueue[job](len(parts))
	for pos, p := range parts {
		if err := queue.Enqueue(ctx, job{pos: pos, part: p}); err != nil {
			d.logger.Error("enqueue partition", zap.Int("partition", p.Index), zap.Error(err))
		}
	}
	queue.Close()

	var (
		results = make([]*Result, len(parts))
		wg      sync.WaitGroup
	)
	workers := min(d.concurrency, len(parts))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := queue.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, memory.ErrClosed) {
						d.logger.Warn("dispatch stopped", zap.Error(err))
					}
					return
				}
				res := d.runOne(ctx, j.part)
				// Each position is dequeued exactly once.
				results[j.pos] = &res
			}
		}()
	}
	wg.Wait()

	return d.summarize(parts, results, ctx.Err())
}

// resetOnce rebuilds the schema before fan-out if any partition asks for it
// and clears the flag so no worker resets while siblings are writing.
func (d *Dispatcher) resetOnce(ctx context.Context, parts []ingest.Partition) error {
	wanted := false
	for i := range parts {
		if parts[i].Reset {
			wanted = true
			parts[i].Reset = false
		}
	}
	if !wanted {
		return nil
	}
	if d.resetter == nil {
		return errors.New("reset requested but no resetter configured")
	}
	d.logger.Warn("resetting schema before dispatch", zap.Int("partitions", len(parts)))
	if err := d.resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	return nil
}

func (d *Dispatcher) runOne(ctx context.Context, p ingest.Partition) (res Result) {
	logger := d.logger.With(
		zap.Int("partition", p.Index),
		zap.String("start", p.Start.Format(ingest.DateLayout)),
		zap.String("end", p.End.Format(ingest.DateLayout)),
	)
	res = Result{Index: p.Index, Partition: p}
	start := time.Now()
	d.running.Add(1)
	defer func() {
		d.running.Add(-1)
		if r := recover(); r != nil {
			res.Err = &PartitionFailure{Partition: p, Panic: r}
			logger.Error("partition panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		outcome := "success"
		if res.Err != nil {
			outcome = "failure"
			d.failed.Add(1)
		} else {
			d.succeeded.Add(1)
		}
		metrics.ObservePartition(outcome, time.Since(start))
	}()

	logger.Info("partition started", zap.String("keyword", p.Keyword))
	out, err := d.runner.Run(ctx, p)
	res.Outcome = out
	if err != nil {
		res.Err = &PartitionFailure{Partition: p, Err: err}
		logger.Error("partition failed", zap.Error(err))
	}
	return res
}

// summarize tallies results, which are indexed by position in parts. A nil
// entry marks a partition that never ran.
func (d *Dispatcher) summarize(parts []ingest.Partition, results []*Result, ctxErr error) Summary {
	var s Summary
	for pos, p := range parts {
		if res := results[pos]; res != nil {
			s.Results = append(s.Results, *res)
			continue
		}
		err := ctxErr
		if err == nil {
			err = errors.New("partition was not run")
		}
		s.Results = append(s.Results, Result{Index: p.Index, Partition: p, Err: &PartitionFailure{Partition: p, Err: err}})
	}
	sort.SliceStable(s.Results, func(i, j int) bool { return s.Results[i].Index < s.Results[j].Index })
	for _, r := range s.Results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		s.FeedItems += r.Outcome.FeedItems
		s.References += r.Outcome.References
		s.Items += r.Outcome.Items
		s.Replies += r.Outcome.Replies
	}
	d.logger.Info("dispatch complete",
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("references", s.References),
		zap.Int("items", s.Items),
	)
	return s
}

func (d *Dispatcher) failAll(parts []ingest.Partition, err error) Summary {
	d.logger.Error("dispatch aborted", zap.Error(err))
	d.failed.Add(int64(len(parts)))
	results := make([]*Result, len(parts))
	for pos, p := range parts {
		results[pos] = &Result{Index: p.Index, Partition: p, Err: &PartitionFailure{Partition: p, Err: err}}
	}
	return d.summarize(parts, results, nil)
}
