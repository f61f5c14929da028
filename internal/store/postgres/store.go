// Package postgres provides Postgres-backed progress and ledger stores.
//
// Both stores write each change through to Postgres as it happens, so unlike
// the file-backed stores there is nothing left to do at flush time. The done
// set and the failure entries are also mirrored in memory so reads never hit
// the database on the hot path.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

const (
	progressSchema = `
CREATE TABLE IF NOT EXISTS crawl_progress (
	key TEXT PRIMARY KEY,
	done_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	ledgerSchema = `
CREATE TABLE IF NOT EXISTS failed_targets (
	key TEXT PRIMARY KEY,
	country TEXT NOT NULL,
	city TEXT NOT NULL,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
)`
)

// querier is the slice of pgxpool.Pool the stores need. pgxmock satisfies it
// in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// ProgressStore implements crawl.ProgressStore on a Postgres table. Every
// MarkDone is an individually committed insert, so Flush has nothing to write.
type ProgressStore struct {
	pool querier
	ctx  context.Context

	mu   sync.RWMutex
	done map[string]struct{}
}

// NewProgressStore connects to Postgres, creates the progress table when it
// does not exist, and loads the done set.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, progressSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create progress table: %w", err)
	}
	s, err := NewProgressStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily
// for testing) and loads the done set from it.
func NewProgressStoreWithPool(ctx context.Context, pool querier) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &ProgressStore{pool: pool, ctx: ctx, done: make(map[string]struct{})}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProgressStore) load(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT key FROM crawl_progress`)
	if err != nil {
		return fmt.Errorf("load progress keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan progress key: %w", err)
		}
		s.done[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read progress keys: %w", err)
	}
	return nil
}

// Contains reports whether the key has already been completed.
func (s *ProgressStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.done[key]
	return ok
}

// MarkDone records a completed key. The insert commits before MarkDone
// returns, so an abrupt exit cannot lose it.
func (s *ProgressStore) MarkDone(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[key]; ok {
		return nil
	}
	_, err := s.pool.Exec(s.ctx,
		`INSERT INTO crawl_progress (key, done_at) VALUES ($1, NOW()) ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return &crawl.StorageError{Op: "mark done", Path: "crawl_progress", Err: err}
	}
	s.done[key] = struct{}{}
	return nil
}

// Flush is a no-op. Rows are committed as they are written.
func (s *ProgressStore) Flush() error { return nil }

// Len returns the number of completed keys.
func (s *ProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.done)
}

// Close releases the underlying pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ledger implements crawl.FailureLedger on a Postgres table, deduplicating
// entries by target key. The first failure for a key wins.
type Ledger struct {
	pool querier
	ctx  context.Context

	mu      sync.Mutex
	entries map[string]crawl.FailureEntry
}

// NewLedger connects to Postgres, creates the ledger table when it does not
// exist, and loads the surviving entries.
func NewLedger(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	l, err := NewLedgerWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for
// testing) and loads the entries from it.
func NewLedgerWithPool(ctx context.Context, pool querier) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	l := &Ledger{pool: pool, ctx: ctx, entries: make(map[string]crawl.FailureEntry)}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT key, country, city, url, kind, failed_at FROM failed_targets`,
	)
	if err != nil {
		return fmt.Errorf("load failed targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entry crawl.FailureEntry
			kind  string
		)
		if err := rows.Scan(&entry.Key, &entry.Country, &entry.City, &entry.URL, &kind, &entry.At); err != nil {
			return fmt.Errorf("scan failed target: %w", err)
		}
		entry.Kind = crawl.ErrorKind(kind)
		l.entries[entry.Key] = entry
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read failed targets: %w", err)
	}
	return nil
}

// RecordFailure books a failed target. The row commits before RecordFailure
// returns. Repeat failures for the same key keep the original entry.
func (l *Ledger) RecordFailure(target crawl.Target, kind crawl.ErrorKind, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := target.Key()
	if _, ok := l.entries[key]; ok {
		return nil
	}
	_, err := l.pool.Exec(l.ctx,
		`INSERT INTO failed_targets (key, country, city, url, kind, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (key) DO NOTHING`,
		key, target.Country, target.City, target.URL, string(kind), at,
	)
	if err != nil {
		return &crawl.StorageError{Op: "record failure", Path: "failed_targets", Err: err}
	}
	l.entries[key] = crawl.FailureEntry{
		Key:     key,
		Country: target.Country,
		City:    target.City,
		URL:     target.URL,
		Kind:    kind,
		At:      at,
	}
	return nil
}

// Snapshot returns the current entries sorted by key.
func (l *Ledger) Snapshot() []crawl.FailureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]crawl.FailureEntry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset clears the ledger table and the in-memory entries.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.pool.Exec(l.ctx, `DELETE FROM failed_targets`); err != nil {
		return &crawl.StorageError{Op: "reset", Path: "failed_targets", Err: err}
	}
	l.entries = make(map[string]crawl.FailureEntry)
	return nil
}

// Flush is a no-op. Rows are committed as they are written.
func (l *Ledger) Flush() error { return nil }

// Len returns the number of ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close releases the underlying pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}
