// ABOUTME: Thread-safe TTL cache that remembers the result stored under a key.
// ABOUTME: Used to replay idempotent message posts instead of storing duplicates.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, its timestamp and list element for a cached key.
// While the value is being computed, ready is open and other callers wait on it.
type cacheEntry[V any] struct {
	value     V
	err       error
	timestamp time.Time
	element   *list.Element
	ready     chan struct{}
}

// Cache provides a thread-safe, TTL-based, size-limited map from keys to the
// result first produced for them. Uses a doubly-linked list to maintain
// insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Do returns the value stored under key, or runs fn and stores its result.
// Concurrent callers with the same key wait for the first one and share its
// result. Errors are returned to every waiter but not cached, so a later call
// retries. cached reports whether the value came from an earlier call.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (value V, cached bool, err error) {
	c.mu.Lock()
	if entry, ok := c.seen[key]; ok && !c.expiredLocked(entry) {
		ready := entry.ready
		c.mu.Unlock()
		<-ready
		if entry.err != nil {
			return entry.value, false, entry.err
		}
		return entry.value, true, nil
	}

	entry := c.markLocked(key)
	c.mu.Unlock()

	value, err = fn()

	c.mu.Lock()
	entry.value = value
	entry.err = err
	entry.timestamp = c.now()
	if err != nil {
		c.removeLocked(key, entry)
	}
	close(entry.ready)
	c.mu.Unlock()

	return value, false, err
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[V]) completeLocked(entry *cacheEntry[V]) bool {
	select {
	case <-entry.ready:
		return true
	default:
		return false
	}
}

// expiredLocked reports whether a completed entry is past its TTL.
// In-flight entries never expire.
func (c *Cache[V]) expiredLocked(entry *cacheEntry[V]) bool {
	if !c.completeLocked(entry) {
		return false
	}
	return c.now().Sub(entry.timestamp) >= c.ttl
}

// markLocked adds a pending entry for key. Must be called with mu held.
// If the cache is at capacity, the oldest entry is evicted to make room.
func (c *Cache[V]) markLocked(key string) *cacheEntry[V] {
	if old, exists := c.seen[key]; exists {
		c.removeLocked(key, old)
	}

	// Evict oldest if at capacity
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[V]{
		timestamp: c.now(),
		ready:     make(chan struct{}),
	}
	entry.element = c.order.PushBack(key)
	c.seen[key] = entry
	return entry
}

// removeLocked drops key if it still maps to entry. Must be called with mu held.
func (c *Cache[V]) removeLocked(key string, entry *cacheEntry[V]) {
	if current, ok := c.seen[key]; ok && current == entry {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
// An evicted in-flight entry still completes for its waiters.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if c.expiredLocked(entry) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
