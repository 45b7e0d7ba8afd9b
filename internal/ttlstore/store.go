// Package ttlstore is an in-memory map of single-use entries that expire.
//
// Entries are consumed with Take, which removes them atomically, so a key can
// be redeemed at most once. A sweeper started with Run purges expired entries
// on a fixed interval whether or not they were ever taken, and stops when its
// context is cancelled.
package ttlstore

import (
	"context"
	"sync"
	"time"
)

const DefaultSweepInterval = 30 * time.Second

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

type Store[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	now     func() time.Time
}

type Option[T any] func(*Store[T])

// WithClock overrides time.Now, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(s *Store[T]) {
		s.now = now
	}
}

func New[T any](opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		entries: map[string]entry[T]{},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Put stores value under key until ttl elapses, replacing any previous value.
func (s *Store[T]) Put(key string, value T, ttl time.Duration) time.Time {
	expiresAt := s.now().Add(ttl)

	s.mu.Lock()
	s.entries[key] = entry[T]{value: value, expiresAt: expiresAt}
	s.mu.Unlock()

	return expiresAt
}

// Take removes and returns the value for key. Expired entries are reported as
// missing.
func (s *Store[T]) Take(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T

	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}

	delete(s.entries, key)

	if !s.now().Before(e.expiresAt) {
		return zero, false
	}

	return e.value, true
}

// Peek returns the value for key without consuming it.
func (s *Store[T]) Peek(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return zero, false
	}

	return e.value, true
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store[T]) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}

	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Store[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
