// Package workerpool runs keyed jobs on a bounded number of goroutines.
// Claims are independent units of work, so sweeps over many claims fan out here.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds jobs waiting for a worker
	QueueSize int
	// MaxRetries is how often a failed job is run again
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// Retryable decides which errors are worth another attempt. Nil retries
	// everything except context cancellation.
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for a reconciliation sweep
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		QueueSize:  256,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Func processes the job keyed by id.
type Func[T any] func(ctx context.Context, id string) (T, error)

// Result is the outcome of one job.
type Result[T any] struct {
	ID       string
	Value    T
	Err      error
	Attempts int
}

type job struct {
	index int
	id    string
}

type indexed[T any] struct {
	index int
	Result[T]
}

// Pool runs submitted jobs until Close. Results arrive in completion order.
type Pool[T any] struct {
	config Config
	fn     Func[T]
	logger *zap.Logger

	jobs    chan job
	results chan indexed[T]
	wg      sync.WaitGroup
	next    int
	closed  atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

func New[T any](cfg Config, fn Func[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &Pool[T]{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		jobs:    make(chan job, cfg.QueueSize),
		results: make(chan indexed[T], cfg.QueueSize),
	}, nil
}

// Start launches the workers. They stop once Close is called and the queue
// drains; jobs still queued when ctx ends fail with ctx's error.
func (p *Pool[T]) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	p.logger.Debug("worker pool started", zap.Int("workers", p.config.Workers))
}

// Submit queues a job, waiting for room until ctx is done. It must not be
// called concurrently with Close.
func (p *Pool[T]) Submit(ctx context.Context, id string) error {
	if p.closed.Load() {
		return fmt.Errorf("pool is closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job{index: p.next, id: id}:
		p.next++
		p.submitted.Add(1)
		return nil
	}
}

// Close stops accepting jobs. Results is closed after the last one finishes.
func (p *Pool[T]) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
	}
}

// Results yields every finished job.
func (p *Pool[T]) Results() <-chan Result[T] {
	out := make(chan Result[T])
	go func() {
		defer close(out)
		for r := range p.results {
			out <- r.Result
		}
	}()
	return out
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.results <- indexed[T]{index: j.index, Result: p.run(ctx, j.id)}
	}
}

func (p *Pool[T]) run(ctx context.Context, id string) Result[T] {
	res := Result[T]{ID: id}
	for {
		res.Attempts++
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Value, res.Err = p.fn(ctx, id)
		if res.Err == nil || res.Attempts > p.config.MaxRetries || !p.config.Retryable(res.Err) {
			break
		}
		p.retried.Add(1)
		p.logger.Debug("retrying job", zap.String("id", id), zap.Int("attempt", res.Attempts), zap.Error(res.Err))
		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(res.Attempts)):
		}
	}

	if res.Err != nil {
		p.failed.Add(1)
		p.logger.Warn("job failed", zap.String("id", id), zap.Int("attempts", res.Attempts), zap.Error(res.Err))
	} else {
		p.completed.Add(1)
	}
	return res
}

// Stats returns current pool statistics
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Workers   int
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Workers:   p.config.Workers,
	}
}

// Run processes ids on a fresh pool and returns one result per id in input
// order. When ctx ends first the unfinished jobs carry ctx's error and Run
// returns it too.
func Run[T any](ctx context.Context, cfg Config, ids []string, fn Func[T], logger *zap.Logger) ([]Result[T], error) {
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start(ctx)

	go func() {
		defer pool.Close()
		for _, id := range ids {
			if err := pool.Submit(ctx, id); err != nil {
				return
			}
		}
	}()

	out := make([]Result[T], len(ids))
	done := make([]bool, len(ids))
	for r := range pool.results {
		out[r.index], done[r.index] = r.Result, true
	}
	for i, ok := range done {
		if !ok {
			out[i] = Result[T]{ID: ids[i], Err: ctx.Err()}
		}
	}

	stats := pool.Stats()
	pool.logger.Debug("worker pool finished",
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("retried", stats.Retried))
	return out, ctx.Err()
}
