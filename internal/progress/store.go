// Package progress implements the durable set of completed target keys.
package progress

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/feedcart/storefront-crawler/internal/crawl"
	"github.com/feedcart/storefront-crawler/internal/fileutil"
)

// Store is a file-backed crawl.ProgressStore. Marks are appended durably as
// they happen; Flush compacts the file into a sorted atomic rewrite.
type Store struct {
	path string

	mu   sync.RWMutex
	done map[string]struct{}
}

// Open loads the progress file at path, creating state lazily if it does not
// exist yet.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("progress path is required")
	}
	s := &Store{
		path: path,
		done: make(map[string]struct{}),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &crawl.StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		s.done[key] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, &crawl.StorageError{Op: "read", Path: path, Err: err}
	}
	return s, nil
}

// Contains reports whether key was already processed successfully.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.done[key]
	return ok
}

// MarkDone records a success and appends it durably to the backing file.
// Marking the same key twice is a no-op.
func (s *Store) MarkDone(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[key]; ok {
		return nil
	}
	if err := fileutil.AppendFile(s.path, []byte(key+"\n"), 0o644); err != nil {
		return &crawl.StorageError{Op: "append", Path: s.path, Err: err}
	}
	s.done[key] = struct{}{}
	return nil
}

// Flush rewrites the backing file atomically with the sorted set. The output
// is deterministic, so flushing twice produces byte-identical files.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.done))
	for key := range s.done {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('\n')
	}
	if err := fileutil.WriteFileAtomic(s.path, []byte(b.String()), 0o644); err != nil {
		return &crawl.StorageError{Op: "flush", Path: s.path, Err: err}
	}
	return nil
}

// Len returns the number of completed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.done)
}
