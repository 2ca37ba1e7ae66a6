// Package cache provides a small in-process TTL cache.
//
// It backs the cost service's lookup cache and the Azure token cache. It is
// deliberately per-process: the values it holds are cheap to recompute, so
// replicas warming independently is fine.
package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe cache with per-entry expiry. A background
// goroutine evicts expired entries so the map never grows unbounded.
type TTL[V any] struct {
	mu    sync.RWMutex
	items map[string]item[V]

	defaultTTL time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewTTL creates a TTL cache and starts the cleanup loop. The loop stops when
// ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, defaultTTL time.Duration) *TTL[V] {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	c := &TTL[V]{
		items:      make(map[string]item[V]),
		defaultTTL: defaultTTL,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key, or the zero value and false on a miss
// or expiry. Expired entries are removed lazily on access.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(it.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return zero, false
	}
	return it.value, true
}

// Set stores value under key for the cache's default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.SetFor(key, value, c.defaultTTL)
}

// SetFor stores value under key for an explicit ttl.
func (c *TTL[V]) SetFor(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.items[key] = item[V]{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Purge drops all entries. Used after configuration reloads so stale costs
// never outlive the snapshot that produced them.
func (c *TTL[V]) Purge() {
	c.mu.Lock()
	c.items = make(map[string]item[V])
	c.mu.Unlock()
}

// Len returns the number of entries currently held (including expired entries
// not yet evicted).
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *TTL[V]) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *TTL[V]) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
