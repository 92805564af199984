// ABOUTME: Thread-safe expiry map used as the inbound message idempotency store.
// ABOUTME: Marks carry their own TTL; a background sweep drops expired keys.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired keys are removed when no interval is configured.
const DefaultSweepInterval = time.Minute

// cacheEntry stores the expiry and list element for a marked key.
type cacheEntry struct {
	expiresAt time.Time
	element   *list.Element
}

// Cache tracks message keys that were already handled. Each mark has its own
// expiry; Seen treats expired marks as absent and evicts them lazily. The map is
// bounded by maxSize, evicting the oldest mark (insertion order) when full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in mark order (oldest at front)
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Options configures a Cache.
type Options struct {
	MaxSize       int           // 0 disables the size bound
	SweepInterval time.Duration // defaults to DefaultSweepInterval
}

// New creates a cache and starts its background sweep.
func New(opts Options) *Cache {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: opts.MaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(opts.SweepInterval)
	return c
}

// Seen reports whether key has a mark that has not expired yet.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(key, c.now())
}

// Mark records key as handled until ttl elapses. Re-marking refreshes the expiry.
func (c *Cache) Mark(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.now().Add(ttl))
}

// CheckAndMark atomically checks key and marks it when absent.
// Returns true if the key was already seen (duplicate), false if it is new and now marked.
func (c *Cache) CheckAndMark(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.seenLocked(key, now) {
		return true
	}
	c.markLocked(key, now.Add(ttl))
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// seenLocked must be called with mu held.
func (c *Cache) seenLocked(key string, now time.Time) bool {
	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	if !now.Before(entry.expiresAt) {
		c.removeLocked(key, entry)
		return false
	}
	return true
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, expiresAt time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.expiresAt = expiresAt
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		expiresAt: expiresAt,
		element:   elem,
	}
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

// runSweep removes every expired entry regardless of lookups.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if !now.Before(entry.expiresAt) {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
