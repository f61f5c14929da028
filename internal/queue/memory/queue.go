// Package memory provides the in-process task queue the worker pool drains.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawl.Target
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawl.Target, capacity),
	}
}

// Enqueue pushes a target into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, target crawl.Target) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- target:
		return nil
	}
}

// Dequeue pops the next target, respecting context cancellation. It returns
// ErrClosed once the queue is closed and exhausted. Cancellation wins over
// queued work, so executors observe it between tasks.
func (q *Queue) Dequeue(ctx context.Context) (crawl.Target, error) {
	select {
	case <-ctx.Done():
		return crawl.Target{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	default:
	}
	select {
	case <-ctx.Done():
		return crawl.Target{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case target, ok := <-q.ch:
		if !ok {
			return crawl.Target{}, ErrClosed
		}
		return target, nil
	}
}

// Close closes the underlying channel so workers drain out. Safe to call
// more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
