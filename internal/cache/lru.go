package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a bounded map with least-recently-used eviction and a TTL per entry.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time
	onEvict  func(key K, value V, expired bool)
	stats    Stats
}

// Stats counts lookups and capacity evictions.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates a cache holding at most capacity entries, each living for
// ttl unless stored with its own TTL. A non-positive capacity is treated as 1.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// OnEvict registers fn for entries pushed out to make room. expired tells
// whether the entry had already outlived its TTL.
func (c *LRU[K, V]) OnEvict(fn func(key K, value V, expired bool)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key, c.nowFn())
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.order.MoveToFront(c.items[key])
	c.stats.Hits++
	return e.value, true
}

// Put stores value under key with the default TTL, replacing any entry.
func (c *LRU[K, V]) Put(key K, value V) {
	c.PutWithTTL(key, value, 0)
}

// PutWithTTL is Put with a per-entry ttl. A non-positive ttl uses the
// default.
func (c *LRU[K, V]) PutWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := c.nowFn().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}
	c.insert(key, value, expiresAt)
}

// PutIfAbsent stores value only when key is missing or expired and reports
// whether it did. A non-positive ttl uses the default.
func (c *LRU[K, V]) PutIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if _, ok := c.live(key, now); ok {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.insert(key, value, now.Add(ttl))
	return true
}

func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

// Len counts stored entries, including expired ones not yet reclaimed.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// live returns the entry for key if it has not expired, dropping it if it has.
func (c *LRU[K, V]) live(key K, now time.Time) (*entry[K, V], bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry[K, V])
	if now.After(e.expiresAt) {
		c.remove(elem)
		return nil, false
	}
	return e, true
}

func (c *LRU[K, V]) insert(key K, value V, expiresAt time.Time) {
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			e := c.remove(oldest)
			c.stats.Evictions++
			if c.onEvict != nil {
				c.onEvict(e.key, e.value, c.nowFn().After(e.expiresAt))
			}
		}
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

func (c *LRU[K, V]) remove(elem *list.Element) *entry[K, V] {
	c.order.Remove(elem)
	e := elem.Value.(*entry[K, V])
	delete(c.items, e.key)
	return e
}
