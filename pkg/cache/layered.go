package cache

import (
	"context"
	"time"
)

// LayeredOption configures the layered cache.
type LayeredOption func(*layeredConfig)

type layeredConfig struct {
	memorySize int
}

// WithLayeredMemorySize caps the L1 memory layer. Zero or negative keeps
// the default.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *layeredConfig) { c.memorySize = size }
}

// LayeredCache reads through a process-local memory layer in front of Redis.
// Writes go to Redis first so other instances never see an entry that only
// exists locally.
type LayeredCache struct {
	local  *MemoryCache
	shared *RedisCache
}

// NewLayeredCache builds the two layers around an existing Redis cache.
func NewLayeredCache(shared *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &layeredConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		local:  NewMemoryCache(WithMemoryMaxSize(cfg.memorySize)),
		shared: shared,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.shared.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	_ = lc.local.Set(ctx, key, value, expiration)
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.local.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.shared.Get(ctx, key, dest); err != nil {
		return err
	}
	// Backfill L1 with whatever was decoded so the next read stays local.
	_ = lc.local.Set(ctx, key, dest, 0)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.local.Delete(ctx, keys...)
	return lc.shared.Delete(ctx, keys...)
}

// Exists consults Redis only; the memory layer can be behind on deletes.
func (lc *LayeredCache) Exists(ctx context.Context, keys ...string) (bool, error) {
	return lc.shared.Exists(ctx, keys...)
}

// Close shuts down both layers.
func (lc *LayeredCache) Close() error {
	_ = lc.local.Close()
	return lc.shared.Close()
}
