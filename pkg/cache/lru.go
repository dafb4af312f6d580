package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultMaxSize = 1000
	DefaultTTL     = 5 * time.Minute
)

type Options struct {
	// MaxSize bounds the number of live entries. Zero uses DefaultMaxSize.
	MaxSize int
	// TTL applies to Set calls that pass ttl <= 0. Zero uses DefaultTTL.
	TTL time.Duration
	Now func() time.Time
}

// Entry is a single cached value with its lifetime.
type Entry[K comparable, V any] struct {
	Key       K
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Size        int
	MaxSize     int
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// LRU is a bounded cache with per-entry expiry. The front of the recency
// list is the most recently used entry.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	onEvict func(key K, value V)
}

func New[K comparable, V any](options Options) *LRU[K, V] {
	if options.MaxSize <= 0 {
		options.MaxSize = DefaultMaxSize
	}
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &LRU[K, V]{
		items:   make(map[K]*list.Element),
		order:   list.New(),
		maxSize: options.MaxSize,
		ttl:     options.TTL,
		now:     options.Now,
	}
}

// OnEvict registers a callback invoked, under the cache lock, whenever an
// entry leaves the cache for any reason other than Clear. The callback must
// not call back into the cache.
func (c *LRU[K, V]) OnEvict(fn func(key K, value V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *LRU[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*Entry[K, V])
		entry.Value = value
		entry.CreatedAt = now
		entry.ExpiresAt = now.Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		c.removeElement(c.order.Back())
		c.evictions++
	}

	entry := &Entry[K, V]{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.items[key] = c.order.PushFront(entry)
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}

	entry := elem.Value.(*Entry[K, V])
	if !c.now().Before(entry.ExpiresAt) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.Value, true
}

// Peek reads an entry without touching recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*Entry[K, V])
	if !c.now().Before(entry.ExpiresAt) {
		return zero, false
	}
	return entry.Value, true
}

func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Purge drops every expired entry and returns how many were removed.
func (c *LRU[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if !now.Before(elem.Value.(*Entry[K, V]).ExpiresAt) {
			c.removeElement(elem)
			c.expirations++
			removed++
		}
	}
	return removed
}

// Keys returns live keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry[K, V])
		if now.Before(entry.ExpiresAt) {
			keys = append(keys, entry.Key)
		}
	}
	return keys
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.order.Len(),
		MaxSize:     c.maxSize,
	}
}

// removeElement must be called with c.mu held.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*Entry[K, V])
	delete(c.items, entry.Key)
	c.order.Remove(elem)
	if c.onEvict != nil {
		c.onEvict(entry.Key, entry.Value)
	}
}
