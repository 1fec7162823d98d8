// Package memorycache provides an in-memory linkcache.Cache backed by
// github.com/hashicorp/golang-lru/v2. Suitable for single-process
// deployments and tests; a multi-node server needs the Redis backend so
// both the attach and command phases see the same entries.
package memorycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ssokit/ssolink/linkcache"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiration
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache implements linkcache.Cache in process memory.
type Cache struct {
	mu    sync.RWMutex
	lru   *lru.Cache[string, *entry]
	stop  chan struct{}
	close sync.Once
}

// New creates an in-memory cache holding at most maxEntries linkages.
func New(maxEntries int) (*Cache, error) {
	inner, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}

	c := &Cache{lru: inner, stop: make(chan struct{})}
	go c.cleanupExpired()
	return c, nil
}

// Get implements linkcache.Cache.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.lru.Get(key)
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if e.expired(time.Now()) {
		c.mu.Lock()
		c.lru.Remove(key)
		c.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements linkcache.Cache.
func (c *Cache) Set(_ context.Context, key, value string, opts ...linkcache.Option) error {
	options := &linkcache.Options{}
	for _, opt := range opts {
		opt(options)
	}

	e := &entry{value: value}
	if options.TTL != nil {
		e.expiresAt = time.Now().Add(*options.TTL)
	}

	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
	return nil
}

// Close implements linkcache.Cache.
func (c *Cache) Close() error {
	c.close.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.lru.Purge()
		c.mu.Unlock()
	})
	return nil
}

// cleanupExpired periodically evicts expired entries so they don't occupy
// LRU slots until they happen to be read.
func (c *Cache) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		c.mu.Lock()
		for _, key := range c.lru.Keys() {
			if e, ok := c.lru.Peek(key); ok && e.expired(now) {
				c.lru.Remove(key)
			}
		}
		c.mu.Unlock()
	}
}
