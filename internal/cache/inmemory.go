package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds an InMemoryCache created with max <= 0.
const DefaultMaxEntries = 4096

// InMemoryCache is a bounded map cache. When full, Set evicts the entry
// closest to expiry (entries without TTL go last).
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	max     int
	done    chan struct{}
	closed  bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewInMemoryCache creates a cache holding at most max entries, with a
// background sweep of expired entries until Close.
func NewInMemoryCache(max int) *InMemoryCache {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	c := &InMemoryCache{
		entries: make(map[string]*memEntry),
		max:     max,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(30 * time.Second)
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOne()
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = &memEntry{value: cp, expiresAt: expiresAt}
	return nil
}

// evictOne drops an expired entry if any, else the soonest to expire.
// Must be called under lock.
func (c *InMemoryCache) evictOne() {
	now := time.Now()
	var victim string
	var victimAt time.Time
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			return
		}
		if victim == "" || (!e.expiresAt.IsZero() && (victimAt.IsZero() || e.expiresAt.Before(victimAt))) {
			victim, victimAt = k, e.expiresAt
		}
	}
	delete(c.entries, victim)
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return ok && !entry.expired(time.Now()), nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	close(c.done)
	return nil
}

func (c *InMemoryCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
