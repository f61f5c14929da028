// Package ledger implements the durable failure ledger. Every failure a
// worker reports is on disk before RecordFailure returns, so the ledger is
// complete even if the process dies before the final flush.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/feedcart/storefront-crawler/internal/crawl"
	"github.com/feedcart/storefront-crawler/internal/fileutil"
)

// Ledger is a file-backed crawl.FailureLedger. Entries are JSON lines; the
// live append log may hold duplicates after crashes, Flush compacts it into a
// deduplicated, sorted atomic rewrite.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]crawl.FailureEntry
}

// Open loads the ledger file at path. Lines that do not parse (a torn write
// from a crash mid-append) are skipped rather than failing the load.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	l := &Ledger{
		path:    path,
		entries: make(map[string]crawl.FailureEntry),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, &crawl.StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry crawl.FailureEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Key == "" {
			continue
		}
		if _, ok := l.entries[entry.Key]; !ok {
			l.entries[entry.Key] = entry
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &crawl.StorageError{Op: "read", Path: path, Err: err}
	}
	return l, nil
}

// RecordFailure appends one entry and syncs it to disk before returning. A
// key already recorded this run is not written again, so the ledger holds
// exactly one entry per failed target no matter which worker reported it.
func (l *Ledger) RecordFailure(target crawl.Target, kind crawl.ErrorKind, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := target.Key()
	if _, ok := l.entries[key]; ok {
		return nil
	}
	entry := crawl.FailureEntry{
		Key:     key,
		Country: target.Country,
		City:    target.City,
		URL:     target.URL,
		Kind:    kind,
		At:      at.UTC(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')
	if err := fileutil.AppendFile(l.path, line, 0o644); err != nil {
		return &crawl.StorageError{Op: "append", Path: l.path, Err: err}
	}
	l.entries[key] = entry
	return nil
}

// Snapshot returns the current entries ordered by key.
func (l *Ledger) Snapshot() []crawl.FailureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

func (l *Ledger) sortedLocked() []crawl.FailureEntry {
	out := make([]crawl.FailureEntry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset clears the ledger for a new run. A resume run calls this after taking
// its task list, so new failures do not merge with already-replayed ones.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := fileutil.WriteFileAtomic(l.path, nil, 0o644); err != nil {
		return &crawl.StorageError{Op: "reset", Path: l.path, Err: err}
	}
	l.entries = make(map[string]crawl.FailureEntry)
	return nil
}

// Flush compacts the append log into a sorted atomic rewrite. The output is
// deterministic, so flushing twice produces byte-identical files.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, entry := range l.sortedLocked() {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := fileutil.WriteFileAtomic(l.path, []byte(b.String()), 0o644); err != nil {
		return &crawl.StorageError{Op: "flush", Path: l.path, Err: err}
	}
	return nil
}

// Len returns the number of distinct failed targets.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
