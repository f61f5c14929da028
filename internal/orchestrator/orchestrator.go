// Package orchestrator owns the crawl run lifecycle: task-list building,
// worker fan-out, interrupt handling, and the flush-exactly-once shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
	"github.com/feedcart/storefront-crawler/internal/queue/memory"
	"github.com/feedcart/storefront-crawler/internal/worker"
)

// State is the orchestrator's lifecycle phase.
type State string

// Lifecycle states. Interrupted replaces Draining when a signal arrives; both
// paths converge on Flushed before Done.
const (
	StateInit        State = "init"
	StateLoading     State = "loading"
	StateRunning     State = "running"
	StateDraining    State = "draining"
	StateInterrupted State = "interrupted"
	StateFlushed     State = "flushed"
	StateDone        State = "done"
)

// Config controls one run.
type Config struct {
	Mode       crawl.RunMode
	Countries  []string
	Workers    int
	QueueDepth int
}

// Stats is a point-in-time snapshot served by the status API.
type Stats struct {
	RunID     string        `json:"run_id"`
	Mode      crawl.RunMode `json:"mode"`
	State     State         `json:"state"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Skipped   int64         `json:"skipped"`
}

// Orchestrator drives a single crawl run to a consistent terminal state on
// every exit path.
type Orchestrator struct {
	cfg      Config
	source   crawl.TargetSource
	handler  crawl.Handler
	progress crawl.ProgressStore
	ledger   crawl.FailureLedger
	sink     crawl.ResultSink
	clock    crawl.Clock
	logger   *zap.Logger
	runID    string

	mu    sync.Mutex
	state State
	pool  *worker.Pool

	cancel        context.CancelFunc
	interruptOnce sync.Once
	flushOnce     sync.Once
	flushErr      error
}

// New validates the wiring and builds an Orchestrator.
func New(
	cfg Config,
	runID string,
	source crawl.TargetSource,
	handler crawl.Handler,
	progress crawl.ProgressStore,
	ledger crawl.FailureLedger,
	sink crawl.ResultSink,
	clock crawl.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	switch cfg.Mode {
	case crawl.RunModeFull, crawl.RunModeResume:
	default:
		return nil, fmt.Errorf("unknown run mode %q", cfg.Mode)
	}
	if cfg.Mode == crawl.RunModeFull && source == nil {
		return nil, fmt.Errorf("a target source is required for a full crawl")
	}
	if cfg.Mode == crawl.RunModeFull && len(cfg.Countries) == 0 {
		return nil, fmt.Errorf("at least one country is required for a full crawl")
	}
	if handler == nil || progress == nil || ledger == nil || clock == nil {
		return nil, fmt.Errorf("handler, progress store, ledger, and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		source:   source,
		handler:  handler,
		progress: progress,
		ledger:   ledger,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		runID:    runID,
		state:    StateInit,
	}, nil
}

// Run executes the crawl and returns the final summary. Whatever happens, the
// stores are flushed exactly once before Run returns.
func (o *Orchestrator) Run(ctx context.Context) (crawl.Summary, error) {
	started := o.clock.Now()
	o.logger.Info("crawl starting",
		zap.String("run_id", o.runID),
		zap.String("mode", string(o.cfg.Mode)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	o.setState(StateLoading)
	targets, err := o.buildTargets(runCtx)
	if err != nil {
		// Best-effort flush of whatever is already in memory, then bail.
		flushErr := o.flush()
		o.setState(StateFlushed)
		o.setState(StateDone)
		return o.summary(started, nil), errors.Join(err, flushErr)
	}
	o.logger.Info("task list built", zap.Int("targets", len(targets)))

	stop := o.installInterrupt()
	defer stop()

	queue := memory.NewQueue(queueDepth(o.cfg.QueueDepth, len(targets)))
	pool := worker.NewPool(o.cfg.Workers, queue, o.handler, o.progress, o.ledger, o.sink, o.clock, o.logger)
	o.setPool(pool)
	o.setState(StateRunning)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(runCtx) }()

	for _, target := range targets {
		if err := queue.Enqueue(runCtx, target); err != nil {
			break
		}
	}
	queue.Close()
	o.advance(StateRunning, StateDraining)

	runErr := <-poolDone

	flushErr := o.flush()
	o.setState(StateFlushed)

	s := o.summary(started, pool)
	o.setState(StateDone)
	o.logger.Info("crawl finished",
		zap.String("run_id", o.runID),
		zap.Int64("succeeded", s.Succeeded),
		zap.Int64("failed", s.Failed),
		zap.Int64("skipped", s.Skipped),
		zap.Duration("elapsed", s.Elapsed()),
	)
	return s, errors.Join(runErr, flushErr)
}

// Interrupt triggers the shutdown sequence. The first call cancels the run;
// workers finish their current task and drain out. Subsequent calls are
// no-ops: shutdown is already underway.
func (o *Orchestrator) Interrupt() {
	crawl.InterruptsReceived.Inc()
	o.interruptOnce.Do(func() {
		o.logger.Info("interrupt received, cancelling crawl", zap.String("run_id", o.runID))
		o.setState(StateInterrupted)
		if o.cancel != nil {
			o.cancel()
		}
	})
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats snapshots the run for the status API.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	pool := o.pool
	state := o.state
	o.mu.Unlock()

	stats := Stats{RunID: o.runID, Mode: o.cfg.Mode, State: state}
	if pool != nil {
		stats.Succeeded, stats.Failed, stats.Skipped = pool.Counters()
	}
	return stats
}

func (o *Orchestrator) buildTargets(ctx context.Context) ([]crawl.Target, error) {
	if o.cfg.Mode == crawl.RunModeResume {
		return o.resumeTargets()
	}
	return o.fullTargets(ctx)
}

// resumeTargets takes the previous run's ledger as the task list, then clears
// the ledger so new failures do not merge with already-replayed ones.
func (o *Orchestrator) resumeTargets() ([]crawl.Target, error) {
	entries := o.ledger.Snapshot()
	if len(entries) == 0 {
		o.logger.Info("no failed targets to resume")
	}
	targets := make([]crawl.Target, 0, len(entries))
	for _, entry := range entries {
		targets = append(targets, entry.Target())
	}
	if err := o.ledger.Reset(); err != nil {
		return nil, fmt.Errorf("reset ledger for resume: %w", err)
	}
	return targets, nil
}

func (o *Orchestrator) fullTargets(ctx context.Context) ([]crawl.Target, error) {
	seen := make(map[string]struct{})
	var targets []crawl.Target
	for _, raw := range o.cfg.Countries {
		country := crawl.NormalizeCountry(raw)
		if _, ok := seen[country]; ok {
			continue
		}
		seen[country] = struct{}{}

		enumerated, err := o.source.Enumerate(ctx, country)
		if err != nil {
			if rerr := o.recordEnumerationFailure(country, err); rerr != nil {
				return nil, rerr
			}
			continue
		}
		for _, target := range enumerated {
			if o.progress.Contains(target.Key()) {
				o.logger.Debug("exists, skipping", zap.String("key", target.Key()))
				continue
			}
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// recordEnumerationFailure books a failed country listing into the ledger so
// a resume run retries it.
func (o *Orchestrator) recordEnumerationFailure(country string, err error) error {
	o.logger.Error("country enumeration failed", zap.String("country", country), zap.Error(err))
	target := crawl.Target{Country: country, City: "location"}
	var enumErr *crawl.EnumerationError
	if errors.As(err, &enumErr) {
		target = enumErr.Target
	}
	return o.ledger.RecordFailure(target, crawl.Classify(err), o.clock.Now())
}

// installInterrupt wires the process interrupt signals to the shutdown
// sequence. signal.Notify stays active for the whole run, so a second signal
// is swallowed instead of killing the process mid-flush.
func (o *Orchestrator) installInterrupt() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				o.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// flush writes both stores exactly once regardless of which exit path
// reaches it first.
func (o *Orchestrator) flush() error {
	o.flushOnce.Do(func() {
		o.logger.Info("flushing stores", zap.String("run_id", o.runID))
		var errs []error
		if err := o.progress.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := o.ledger.Flush(); err != nil {
			errs = append(errs, err)
		}
		o.flushErr = errors.Join(errs...)
	})
	return o.flushErr
}

func (o *Orchestrator) summary(started time.Time, pool *worker.Pool) crawl.Summary {
	s := crawl.Summary{
		RunID:    o.runID,
		Mode:     o.cfg.Mode,
		Started:  started,
		Finished: o.clock.Now(),
	}
	if pool != nil {
		s.Succeeded, s.Failed, s.Skipped = pool.Counters()
	}
	return s
}

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	o.state = next
	o.mu.Unlock()
}

// advance moves to next only when the current state matches from; it keeps
// an interrupt's state transition from being clobbered by the drain path.
func (o *Orchestrator) advance(from, next State) {
	o.mu.Lock()
	if o.state == from {
		o.state = next
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setPool(pool *worker.Pool) {
	o.mu.Lock()
	o.pool = pool
	o.mu.Unlock()
}

func queueDepth(configured, targets int) int {
	if configured > 0 {
		return configured
	}
	if targets > 0 {
		return targets
	}
	return 1
}
