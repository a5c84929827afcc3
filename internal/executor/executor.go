// Package executor runs batches of independent phase calls under a bounded
// concurrency limit with per-attempt timeouts and retry.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
)

// Config controls an Executor.
type Config struct {
	// Concurrency is the maximum number of calls in flight. Default: 1.
	Concurrency int
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Retry is the per-item attempt budget.
	Retry resilience.RetryConfig
	// RatePerSec paces call starts. Zero disables pacing.
	RatePerSec float64
	// BatchDelay is waited before every run after the first.
	BatchDelay time.Duration
}

// Task is one unit of work keyed by item id. A positive Timeout overrides
// Config.Timeout for each of its attempts.
type Task[T any] struct {
	ID      string
	Run     func(ctx context.Context) (T, error)
	Timeout time.Duration
}

// Outcome is the per-task result. Every submitted task produces exactly one.
type Outcome[T any] struct {
	ID       string
	Value    T
	Err      error
	Kind     model.FailureKind
	Attempts int
	Elapsed  time.Duration
}

// OK reports whether the task succeeded.
func (o Outcome[T]) OK() bool { return o.Err == nil }

// Stats is a snapshot of executor counters.
type Stats struct {
	Started      int64
	Completed    int64
	PeakInFlight int64
}

// Executor is safe for sequential reuse across batches. Concurrent Execute
// calls share the in-flight counters but not the concurrency limit.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter

	inFlight  atomic.Int64
	peak      atomic.Int64
	started   atomic.Int64
	completed atomic.Int64

	mu   sync.Mutex
	runs int
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	e := &Executor{cfg: cfg}
	if cfg.RatePerSec > 0 {
		burst := cfg.Concurrency
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return e
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Started:      e.started.Load(),
		Completed:    e.completed.Load(),
		PeakInFlight: e.peak.Load(),
	}
}

// Concurrency returns the configured limit.
func (e *Executor) Concurrency() int { return e.cfg.Concurrency }

// Execute runs tasks with at most Config.Concurrency calls in flight and
// returns one outcome per task, in task order. onDone, when non-nil, is
// called once per outcome from the worker goroutine; a non-nil error from it
// is fatal: remaining tasks are not started and get a canceled outcome, and
// the error is returned.
func Execute[T any](ctx context.Context, e *Executor, tasks []Task[T], onDone func(Outcome[T]) error) ([]Outcome[T], error) {
	outcomes := make([]Outcome[T], len(tasks))
	if len(tasks) == 0 {
		return outcomes, nil
	}

	// A context canceled during the pause leaves every task canceled below.
	e.pause(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, task := range tasks {
		g.Go(func() error {
			var out Outcome[T]
			if err := gctx.Err(); err != nil {
				out = canceled[T](task.ID, err)
			} else {
				out = runTask(gctx, e, task)
			}
			outcomes[i] = out
			outcomesTotal.WithLabelValues(outcomeLabel(out.Kind)).Inc()
			if onDone != nil {
				return onDone(out)
			}
			return nil
		})
	}

	err := g.Wait()
	return outcomes, err
}

func runTask[T any](ctx context.Context, e *Executor, task Task[T]) Outcome[T] {
	start := time.Now()
	retry := e.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("executor", zap.String("item_id", task.ID))
	}

	val, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return attempt(ctx, e, task)
	})

	out := Outcome[T]{
		ID:       task.ID,
		Value:    val,
		Err:      err,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
	if err != nil {
		out.Kind = resilience.KindOf(err)
	}
	return out
}

func attempt[T any](ctx context.Context, e *Executor, task Task[T]) (T, error) {
	timeout := e.cfg.Timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	n := e.inFlight.Add(1)
	inFlightGauge.Inc()
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	e.started.Add(1)
	defer func() {
		e.inFlight.Add(-1)
		inFlightGauge.Dec()
		e.completed.Add(1)
	}()

	return task.Run(ctx)
}

// pause applies the inter-batch delay before every run but the first.
func (e *Executor) pause(ctx context.Context) {
	e.mu.Lock()
	first := e.runs == 0
	e.runs++
	e.mu.Unlock()

	if first || e.cfg.BatchDelay <= 0 {
		return
	}
	t := time.NewTimer(e.cfg.BatchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func canceled[T any](id string, err error) Outcome[T] {
	return Outcome[T]{
		ID:   id,
		Err:  resilience.NewFailure(model.FailureCanceled, err),
		Kind: model.FailureCanceled,
	}
}
