// ABOUTME: Counter stores backing the admission gate: atomic increment with a TTL
// ABOUTME: MemoryCounterStore serves single-process deployments and tests

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore atomically increments key and returns the post-increment count
// and the time left before the key expires. The TTL is set when the key is
// created and is not extended by later increments.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

// MemoryCounterStore is an in-process CounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
	ops      int
}

// NewMemoryCounterStore creates an empty in-process store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// Incr implements CounterStore.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.ops++
	if s.ops%1024 == 0 {
		s.evictLocked(now)
	}

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &memoryCounter{expires: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.expires.Sub(now), nil
}

func (s *MemoryCounterStore) evictLocked(now time.Time) {
	for key, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, key)
		}
	}
}
