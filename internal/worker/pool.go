// Package worker implements the crawl execution loop: a fixed pool of
// executors draining the shared task queue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

// Pool fans tasks out to a fixed number of executors. Each executor skips
// already-done targets, invokes the handler, and routes the outcome to the
// progress store or the failure ledger. A task-level failure never shrinks
// the pool.
type Pool struct {
	queue    crawl.Queue
	handler  crawl.Handler
	progress crawl.ProgressStore
	ledger   crawl.FailureLedger
	sink     crawl.ResultSink
	clock    crawl.Clock
	logger   *zap.Logger
	size     int

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	fatalOnce sync.Once
	fatalErr  error
	cancel    context.CancelFunc
}

// NewPool constructs a Pool. Size defaults to the available parallelism when
// not positive; sink may be nil when results are discarded.
func NewPool(
	size int,
	queue crawl.Queue,
	handler crawl.Handler,
	progress crawl.ProgressStore,
	ledger crawl.FailureLedger,
	sink crawl.ResultSink,
	clock crawl.Clock,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:    queue,
		handler:  handler,
		progress: progress,
		ledger:   ledger,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		size:     size,
	}
}

// Run blocks until the queue is exhausted or the context is canceled. It
// returns the first fatal storage error, if any; task-level failures are
// recorded in the ledger and do not fail the run.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(runCtx, id)
		}(i)
	}
	wg.Wait()
	return p.fatalErr
}

// Counters returns the success/failure/skip tallies so far.
func (p *Pool) Counters() (succeeded, failed, skipped int64) {
	return p.succeeded.Load(), p.failed.Load(), p.skipped.Load()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		target, err := p.queue.Dequeue(ctx)
		if err != nil {
			// Queue exhausted or run canceled; either way this executor is done.
			p.logger.Debug("executor exiting", zap.Int("worker", id), zap.Error(err))
			return
		}
		p.process(ctx, target)
	}
}

func (p *Pool) process(ctx context.Context, target crawl.Target) {
	key := target.Key()
	if p.progress.Contains(key) {
		p.skipped.Add(1)
		crawl.TasksSkipped.Inc()
		p.logger.Debug("exists, skipping", zap.String("key", key))
		return
	}

	// An executor finishes the task it already started even while the run is
	// being canceled; only the dequeue observes cancellation.
	taskCtx := context.WithoutCancel(ctx)

	stores, err := p.invoke(taskCtx, target)
	if err == nil && p.sink != nil {
		err = p.sink.SaveCity(taskCtx, target, stores)
	}
	if err != nil {
		p.recordFailure(target, err)
		return
	}

	if err := p.progress.MarkDone(key); err != nil {
		p.fail(err)
		return
	}
	p.succeeded.Add(1)
	crawl.TasksSucceeded.Inc()
	p.logger.Info("saved",
		zap.String("key", key),
		zap.String("country", target.Country),
		zap.Int("stores", len(stores)),
	)
}

// invoke calls the handler with a panic boundary: a handler that dies must
// surface as a classified failure, never as a lost executor.
func (p *Pool) invoke(ctx context.Context, target crawl.Target) (stores []crawl.Store, err error) {
	defer func() {
		if r := recover(); r != nil {
			stores = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, target)
}

func (p *Pool) recordFailure(target crawl.Target, taskErr error) {
	kind := crawl.Classify(taskErr)
	crawl.TasksFailed.WithLabelValues(string(kind)).Inc()
	p.logger.Error("target failed",
		zap.String("key", target.Key()),
		zap.String("kind", string(kind)),
		zap.Error(taskErr),
	)
	if err := p.ledger.RecordFailure(target, kind, p.clock.Now()); err != nil {
		p.fail(err)
		return
	}
	p.failed.Add(1)
}

// fail records the first fatal error and cancels the run; workers drain out
// after finishing their current task.
func (p *Pool) fail(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		p.logger.Error("fatal storage error, stopping run", zap.Error(err))
		p.cancel()
	})
}
