package crawl

import (
	"context"
	"time"
)

// Handler scrapes one target and returns its records. Implementations are
// external collaborators; the worker classifies whatever error comes back.
type Handler interface {
	Handle(ctx context.Context, target Target) ([]Store, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, target Target) ([]Store, error)

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, target Target) ([]Store, error) {
	return f(ctx, target)
}

// ProgressStore is the durable set of successfully processed target keys.
// Implementations synchronize internally; workers call Contains and MarkDone
// concurrently.
type ProgressStore interface {
	Contains(key string) bool
	// MarkDone records a success. Marking the same key twice is a no-op.
	MarkDone(key string) error
	// Flush writes the current set to durable storage atomically. Calling it
	// twice in a row produces identical output.
	Flush() error
}

// FailureLedger is the durable set of targets that failed on the current run.
type FailureLedger interface {
	// RecordFailure appends one entry. The entry is durable when the call
	// returns; a crash before Flush loses nothing.
	RecordFailure(target Target, kind ErrorKind, at time.Time) error
	// Snapshot returns the current entries ordered by key.
	Snapshot() []FailureEntry
	// Reset clears the ledger before a resume run reuses it.
	Reset() error
	Flush() error
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, target Target) error
	Dequeue(ctx context.Context) (Target, error)
	Close()
}

// IdentityRotator supplies an opaque per-request identity token.
type IdentityRotator interface {
	Next() string
}

// ResultSink persists the records a handler produced for a target.
type ResultSink interface {
	SaveCity(ctx context.Context, target Target, stores []Store) error
}

// TargetSource enumerates the crawlable targets for one country.
type TargetSource interface {
	Enumerate(ctx context.Context, country string) ([]Target, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
