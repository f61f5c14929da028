package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
	"github.com/feedcart/storefront-crawler/internal/queue/memory"
)

type fakeProgress struct {
	mu      sync.Mutex
	done    map[string]struct{}
	markErr error
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{done: make(map[string]struct{})}
}

func (f *fakeProgress) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.done[key]
	return ok
}

func (f *fakeProgress) MarkDone(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.done[key] = struct{}{}
	return nil
}

func (f *fakeProgress) Flush() error { return nil }

type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]crawl.FailureEntry
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]crawl.FailureEntry)}
}

func (f *fakeLedger) RecordFailure(target crawl.Target, kind crawl.ErrorKind, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	key := target.Key()
	if _, ok := f.entries[key]; !ok {
		f.entries[key] = crawl.FailureEntry{
			Key: key, Country: target.Country, City: target.City, URL: target.URL, Kind: kind, At: at,
		}
	}
	return nil
}

func (f *fakeLedger) Snapshot() []crawl.FailureEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawl.FailureEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakeLedger) Reset() error { return nil }
func (f *fakeLedger) Flush() error { return nil }

func (f *fakeLedger) kindOf(key string) crawl.ErrorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key].Kind
}

type fakeSink struct {
	mu    sync.Mutex
	saves map[string][]crawl.Store
	err   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{saves: make(map[string][]crawl.Store)}
}

func (f *fakeSink) SaveCity(_ context.Context, target crawl.Target, stores []crawl.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves[target.Key()] = stores
	return nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func enqueueAll(t *testing.T, q *memory.Queue, targets ...crawl.Target) {
	t.Helper()
	for _, target := range targets {
		require.NoError(t, q.Enqueue(context.Background(), target))
	}
	q.Close()
}

func city(cc, name string) crawl.Target {
	return crawl.Target{Country: cc, City: name, URL: "https://example.com/" + cc + "/city/" + name}
}

func TestPoolSuccessFlow(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	enqueueAll(t, q, city("gb", "london"), city("gb", "york"))

	progress := newFakeProgress()
	ledger := newFakeLedger()
	sink := newFakeSink()
	handler := crawl.HandlerFunc(func(_ context.Context, target crawl.Target) ([]crawl.Store, error) {
		return []crawl.Store{{Name: "Shop " + target.City, Link: target.URL + "/shop"}}, nil
	})

	pool := NewPool(2, q, handler, progress, ledger, sink, fakeClock{}, zap.NewNop())
	require.NoError(t, pool.Run(context.Background()))

	succeeded, failed, skipped := pool.Counters()
	require.Equal(t, int64(2), succeeded)
	require.Zero(t, failed)
	require.Zero(t, skipped)

	require.True(t, progress.Contains("gb/london"))
	require.True(t, progress.Contains("gb/york"))
	require.Len(t, sink.saves, 2)
	require.Empty(t, ledger.Snapshot())
}

func TestPoolRoutesFailuresToLedger(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	enqueueAll(t, q, city("fr", "lyon"), city("fr", "nice"), city("fr", "paris"))

	progress := newFakeProgress()
	ledger := newFakeLedger()
	now := time.Unix(1700000000, 0)
	handler := crawl.HandlerFunc(func(_ context.Context, target crawl.Target) ([]crawl.Store, error) {
		switch target.City {
		case "lyon":
			return nil, &crawl.StatusError{URL: target.URL, Code: http.StatusTooManyRequests}
		case "nice":
			return nil, fmt.Errorf("no store links: %w", crawl.ErrParse)
		default:
			return []crawl.Store{{Name: "Bistro", Link: target.URL + "/bistro"}}, nil
		}
	})

	pool := NewPool(2, q, handler, progress, ledger, nil, fakeClock{now: now}, zap.NewNop())
	require.NoError(t, pool.Run(context.Background()))

	succeeded, failed, _ := pool.Counters()
	require.Equal(t, int64(1), succeeded)
	require.Equal(t, int64(2), failed)

	require.Equal(t, crawl.KindRateLimit, ledger.kindOf("fr/lyon"))
	require.Equal(t, crawl.KindParse, ledger.kindOf("fr/nice"))
	require.True(t, progress.Contains("fr/paris"))
	require.False(t, progress.Contains("fr/lyon"))
}

func TestPoolSurvivesHandlerPanic(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	enqueueAll(t, q, city("jp", "osaka"), city("jp", "kyoto"))

	progress := newFakeProgress()
	ledger := newFakeLedger()
	handler := crawl.HandlerFunc(func(_ context.Context, target crawl.Target) ([]crawl.Store, error) {
		if target.City == "osaka" {
			panic("nil dereference in extractor")
		}
		return nil, nil
	})

	// A single executor must survive the panic and finish the second task.
	pool := NewPool(1, q, handler, progress, ledger, nil, fakeClock{}, zap.NewNop())
	require.NoError(t, pool.Run(context.Background()))

	succeeded, failed, _ := pool.Counters()
	require.Equal(t, int64(1), succeeded)
	require.Equal(t, int64(1), failed)
	require.Equal(t, crawl.KindUnknown, ledger.kindOf("jp/osaka"))
	require.True(t, progress.Contains("jp/kyoto"))
}

func TestPoolSkipsDoneTargets(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	enqueueAll(t, q, city("de", "berlin"), city("de", "hamburg"))

	progress := newFakeProgress()
	require.NoError(t, progress.MarkDone("de/berlin"))

	var handled int64
	var mu sync.Mutex
	handler := crawl.HandlerFunc(func(_ context.Context, _ crawl.Target) ([]crawl.Store, error) {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil, nil
	})

	pool := NewPool(2, q, handler, progress, newFakeLedger(), nil, fakeClock{}, zap.NewNop())
	require.NoError(t, pool.Run(context.Background()))

	succeeded, _, skipped := pool.Counters()
	require.Equal(t, int64(1), succeeded)
	require.Equal(t, int64(1), skipped)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int64(1), handled)
}

func TestPoolSinkFailureIsTaskFailure(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	enqueueAll(t, q, city("es", "madrid"))

	progress := newFakeProgress()
	ledger := newFakeLedger()
	sink := newFakeSink()
	sink.err = errors.New("merge conflict in country file")
	handler := crawl.HandlerFunc(func(_ context.Context, _ crawl.Target) ([]crawl.Store, error) {
		return []crawl.Store{{Name: "Tapas", Link: "https://example.com/t"}}, nil
	})

	pool := NewPool(1, q, handler, progress, ledger, sink, fakeClock{}, zap.NewNop())
	require.NoError(t, pool.Run(context.Background()))

	_, failed, _ := pool.Counters()
	require.Equal(t, int64(1), failed)
	require.False(t, progress.Contains("es/madrid"))
	require.Equal(t, crawl.KindUnknown, ledger.kindOf("es/madrid"))
}

func TestPoolFatalStorageErrorStopsRun(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(8)
	targets := make([]crawl.Target, 0, 8)
	for i := 0; i < 8; i++ {
		targets = append(targets, city("pt", fmt.Sprintf("city-%d", i)))
	}
	enqueueAll(t, q, targets...)

	progress := newFakeProgress()
	progress.markErr = &crawl.StorageError{Op: "append", Path: "progress.txt", Err: errors.New("read-only fs")}
	handler := crawl.HandlerFunc(func(_ context.Context, _ crawl.Target) ([]crawl.Store, error) {
		return nil, nil
	})

	pool := NewPool(2, q, handler, progress, newFakeLedger(), nil, fakeClock{}, zap.NewNop())
	err := pool.Run(context.Background())
	require.Error(t, err)
	require.True(t, crawl.IsFatal(err))
}

func TestPoolStopsOnCancellation(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	for i := 0; i < 16; i++ {
		require.NoError(t, q.Enqueue(context.Background(), city("se", fmt.Sprintf("city-%d", i))))
	}
	// Queue intentionally left open: only cancellation can stop the pool.

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	handler := crawl.HandlerFunc(func(_ context.Context, _ crawl.Target) ([]crawl.Store, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})

	progress := newFakeProgress()
	pool := NewPool(2, q, handler, progress, newFakeLedger(), nil, fakeClock{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// Two tasks are in flight; cancel, then let them finish.
	<-started
	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	// The in-flight tasks were completed, not aborted mid-task.
	succeeded, failed, _ := pool.Counters()
	require.Equal(t, int64(2), succeeded+failed)
	require.Equal(t, 2, len(progress.done))
}
