package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
)

// RuntimeCache stores RuntimeMetadata keyed by RuntimeKey.
type RuntimeCache struct {
	c           Cache
	ttl         time.Duration
	invalidator *invalidator
}

// NewRuntimeCache wraps c. A nil c yields a cache that always misses.
func NewRuntimeCache(c Cache, ttl time.Duration) *RuntimeCache {
	return &RuntimeCache{c: c, ttl: ttl}
}

// Open builds the configured tiers. With cache.redis.addr set it returns a
// tiered cache whose L1 is kept coherent by a Redis invalidator; the caller
// runs Start on the returned cache in the background.
func Open(cfg config.CacheConfig) *RuntimeCache {
	if !cfg.Enabled {
		return NewRuntimeCache(nil, 0)
	}
	l1 := NewInMemoryCache(DefaultMaxEntries)
	if cfg.Redis.Addr == "" {
		return NewRuntimeCache(l1, cfg.TTL)
	}
	l2 := NewRedisCache(cfg.Redis)
	rc := NewRuntimeCache(NewTieredCache(l1, l2, cfg.L1TTL), cfg.TTL)
	rc.invalidator = newInvalidator(l1, l2.Client())
	return rc
}

func cacheKey(k domain.RuntimeKey) string {
	return "runtime:" + k.String()
}

// Get returns ErrNotFound on a miss.
func (r *RuntimeCache) Get(ctx context.Context, k domain.RuntimeKey) (*domain.RuntimeMetadata, error) {
	if r == nil || r.c == nil {
		return nil, ErrNotFound
	}
	data, err := r.c.Get(ctx, cacheKey(k))
	if err != nil {
		return nil, err
	}
	var meta domain.RuntimeMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		_ = r.c.Delete(ctx, cacheKey(k))
		return nil, ErrNotFound
	}
	return &meta, nil
}

func (r *RuntimeCache) Put(ctx context.Context, k domain.RuntimeKey, meta *domain.RuntimeMetadata) error {
	if r == nil || r.c == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal runtime meta: %w", err)
	}
	return r.c.Set(ctx, cacheKey(k), data, r.ttl)
}

// Invalidate drops k here and, with an invalidator, in every other
// executor sharing the L2.
func (r *RuntimeCache) Invalidate(ctx context.Context, k domain.RuntimeKey) error {
	if r == nil || r.c == nil {
		return nil
	}
	if err := r.c.Delete(ctx, cacheKey(k)); err != nil {
		return err
	}
	if r.invalidator != nil {
		return r.invalidator.publish(ctx, cacheKey(k))
	}
	return nil
}

// Start runs the invalidation listener, if any, until ctx is done.
func (r *RuntimeCache) Start(ctx context.Context) {
	if r == nil || r.invalidator == nil {
		return
	}
	r.invalidator.listen(ctx)
}

func (r *RuntimeCache) Close() error {
	if r == nil || r.c == nil {
		return nil
	}
	if r.invalidator != nil {
		r.invalidator.stop()
	}
	return r.c.Close()
}
