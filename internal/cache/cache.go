// Package cache provides a tiny single-value TTL memo. The GUI shell polls
// health and model listings aggressively; the memo keeps that from turning
// into a request storm against the backend.
package cache

import (
	"sync"
	"time"
)

// Memo holds one cached value with an expiry.
type Memo[T any] struct {
	mu      sync.Mutex
	value   T
	ttl     time.Duration
	fetched time.Time
}

func NewMemo[T any](ttl time.Duration) *Memo[T] {
	return &Memo[T]{ttl: ttl}
}

// Get returns the cached value if it is still fresh.
func (m *Memo[T]) Get() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.fetched.IsZero() || time.Since(m.fetched) > m.ttl {
		return zero, false
	}
	return m.value, true
}

// Put stores a fresh value.
func (m *Memo[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
	m.fetched = time.Now()
}

// Invalidate drops the cached value.
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = time.Time{}
}
