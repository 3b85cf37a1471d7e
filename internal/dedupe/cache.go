// ABOUTME: Thread-safe TTL cache remembering which client message ids were already relayed
// ABOUTME: Maps (user, clientMessageId) to the server message id; duplicates can wait for the first send to settle

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults used by the gateway.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 100_000
)

// claim is one remembered key. settled is closed once the claimer confirms
// or forgets it, or the entry leaves the cache.
type claim struct {
	value     string
	claimedAt time.Time
	elem      *list.Element
	confirmed bool
	settled   chan struct{}
}

func (cl *claim) settle() {
	select {
	case <-cl.settled:
	default:
		close(cl.settled)
	}
}

// Cache is a TTL-based, size-limited map from keys to the first value claimed
// for them. The list holds keys oldest first for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	stopped bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine removes expired entries every minute.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Key builds the cache key for a client-supplied message id. Keys are scoped
// per user so two users can reuse the same client id.
func Key(userID, clientMessageID string) string {
	return userID + "\x00" + clientMessageID
}

func (c *Cache) liveLocked(key string) (*claim, bool) {
	cl, ok := c.claims[key]
	if !ok || c.now().Sub(cl.claimedAt) >= c.ttl {
		return nil, false
	}
	return cl, true
}

// Lookup returns the value remembered for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.liveLocked(key); ok {
		return cl.value, true
	}
	return "", false
}

// Claim atomically records value for key unless a live entry exists.
// It returns the remembered value and true for a duplicate, or value and
// false when this call claimed the key. The claimer must later call Confirm
// or Forget.
func (c *Cache) Claim(key, value string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.liveLocked(key); ok {
		return cl.value, true
	}
	c.removeLocked(key)
	if len(c.claims) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.claims[key] = &claim{
		value:     value,
		claimedAt: c.now(),
		elem:      c.order.PushBack(key),
		settled:   make(chan struct{}),
	}
	return value, false
}

// Confirm marks key's claim as done; waiters see it as a duplicate.
func (c *Cache) Confirm(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		cl.confirmed = true
		cl.settle()
	}
}

// Forget removes key so a later send with the same id is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Wait blocks until key's claim settles. It returns the remembered value and
// true if the claim was confirmed, or false if it was forgotten, expired or
// evicted, in which case the caller may claim the key itself.
func (c *Cache) Wait(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	cl, ok := c.liveLocked(key)
	c.mu.Unlock()
	if !ok {
		return "", false, nil
	}

	select {
	case <-cl.settled:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl.confirmed && c.claims[key] == cl {
		return cl.value, true, nil
	}
	return "", false, nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) removeLocked(key string) {
	cl, ok := c.claims[key]
	if !ok {
		return
	}
	c.order.Remove(cl.elem)
	delete(c.claims, key)
	cl.settle()
}

func (c *Cache) evictOldestLocked() {
	if front := c.order.Front(); front != nil {
		c.removeLocked(front.Value.(string))
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired entries. Entries are in claim order, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key := e.Value.(string)
		if now.Sub(c.claims[key].claimedAt) < c.ttl {
			return
		}
		c.removeLocked(key)
		e = next
	}
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		close(c.stop)
		c.stopped = true
	}
}
