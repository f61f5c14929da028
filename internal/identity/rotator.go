// Package identity supplies rotating per-request identity tokens.
package identity

import (
	"fmt"
	"sync"
)

// Rotator hands out tokens from a fixed pool, round-robin. It is stateless
// aside from the cursor and safe for concurrent callers.
type Rotator struct {
	mu     sync.Mutex
	pool   []string
	cursor int
}

// NewRotator validates the pool and builds a Rotator. An empty pool is a
// fatal configuration error.
func NewRotator(pool []string) (*Rotator, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("identity pool must not be empty")
	}
	return &Rotator{pool: append([]string(nil), pool...)}, nil
}

// Next returns the next token, wrapping around the pool.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.pool[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.pool)
	return token
}
