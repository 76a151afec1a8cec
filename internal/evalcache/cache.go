// Package evalcache is a bounded LRU cache with time based expiry for
// resolved position evaluations.
package evalcache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freeeve/endgametrainer/api/internal/position"
)

const (
	DefaultCapacity = 200
	DefaultTTL      = 5 * time.Minute
)

// Config configures a cache.
type Config struct {
	Capacity int
	TTL      time.Duration

	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

type entry[V any] struct {
	key            position.Key
	value          V
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// Cache maps position keys to values. Entries expire TTL after they were
// last Set and are purged lazily when touched. When full, Set evicts the
// least recently used entry.
type Cache[V any] struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List // front = most recently used
	items map[position.Key]*list.Element

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Stats are observability counters, not part of the cache's contract.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
}

// New validates cfg and creates an empty cache.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[V]{
		cap:   cfg.Capacity,
		ttl:   cfg.TTL,
		now:   cfg.Now,
		ll:    list.New(),
		items: make(map[position.Key]*list.Element, cfg.Capacity),
	}, nil
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key position.Key) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e, now) {
		c.removeElement(el)
		atomic.AddUint64(&c.expirations, 1)
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}
	e.lastAccessedAt = now
	c.ll.MoveToFront(el)
	atomic.AddUint64(&c.hits, 1)
	return e.value, true
}

// Peek is Get without touching recency or counters.
func (c *Cache[V]) Peek(key position.Key) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e, now) {
		return zero, false
	}
	return e.value, true
}

// Set inserts or refreshes key.
func (c *Cache[V]) Set(key position.Key, value V) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(key, value, now, now)
}

// insert must be called with mu held.
func (c *Cache[V]) insert(key position.Key, value V, insertedAt, lastAccessedAt time.Time) {
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.insertedAt = insertedAt
		e.lastAccessedAt = lastAccessedAt
		c.ll.MoveToFront(el)
		return
	}

	for c.ll.Len() >= c.cap {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		atomic.AddUint64(&c.evictions, 1)
	}

	e := &entry[V]{key: key, value: value, insertedAt: insertedAt, lastAccessedAt: lastAccessedAt}
	c.items[key] = c.ll.PushFront(e)
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[V]) Delete(key position.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[position.Key]*list.Element, c.cap)
}

// Len returns the number of stored entries, including expired ones that have
// not been touched since expiring.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// TTL returns the configured time to live.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := c.ll.Len()
	c.mu.Unlock()
	return Stats{
		Hits:        atomic.LoadUint64(&c.hits),
		Misses:      atomic.LoadUint64(&c.misses),
		Evictions:   atomic.LoadUint64(&c.evictions),
		Expirations: atomic.LoadUint64(&c.expirations),
		Size:        size,
		Capacity:    c.cap,
	}
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*entry[V])
	delete(c.items, e.key)
}
