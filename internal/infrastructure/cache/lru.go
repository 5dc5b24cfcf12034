package cache

import (
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU is a fixed-capacity key/value cache with strict least-recently-used eviction.
// Reads and writes both refresh recency. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[K, V]
	equal func(a, b V) bool
	size  int
}

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithEqual overrides the deep equality used by Set to detect unchanged values.
func WithEqual[K comparable, V any](eq func(a, b V) bool) Option[K, V] {
	return func(c *LRU[K, V]) {
		c.equal = eq
	}
}

// New creates an LRU holding at most capacity entries.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("lru capacity must be positive, got %d", capacity)
	}
	inner, err := simplelru.NewLRU[K, V](capacity, nil)
	if err != nil {
		return nil, err
	}
	c := &LRU[K, V]{
		lru:  inner,
		size: capacity,
		equal: func(a, b V) bool {
			return cmp.Equal(a, b)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Set inserts or overwrites key and marks it most recently used. It reports whether the
// stored value changed: overwriting with an equal value only refreshes recency.
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok && c.equal(old, value) {
		c.lru.Get(key)
		return false
	}
	c.lru.Add(key, value)
	return true
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Peek returns the value for key without touching recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

// Touch marks key most recently used. It reports whether key was present.
func (c *LRU[K, V]) Touch(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(key)
	return ok
}

// Remove deletes key. It reports whether key was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Cap returns the configured capacity.
func (c *LRU[K, V]) Cap() int { return c.size }

// Keys returns the cached keys from least to most recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
