package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	defaultMemoryMaxSize = 1000
	memoryCleanupEvery   = 5 * time.Minute
	// Entries written without an expiration still age out eventually.
	memoryFallbackTTL = 7 * 24 * time.Hour
)

// MemoryOption configures the in-process cache.
type MemoryOption func(*MemoryCache)

// WithMemoryMaxSize caps the number of entries before LRU eviction kicks in.
// Zero or negative keeps the default.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(mc *MemoryCache) {
		if size > 0 {
			mc.maxSize = size
		}
	}
}

type memEntry struct {
	data     []byte
	expireAt time.Time
	touched  time.Time
}

// MemoryCache is a process-local Service with LRU eviction. Values are kept
// marshaled so Get decodes into any dest exactly like the Redis cache does.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	maxSize int
	done    chan struct{}
	once    sync.Once
}

// NewMemoryCache creates the cache and starts a janitor that sweeps expired
// entries until Close.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	mc := &MemoryCache{
		entries: make(map[string]memEntry),
		maxSize: defaultMemoryMaxSize,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mc)
	}
	go mc.janitor()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = memoryFallbackTTL
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.entries[key]; !ok && len(mc.entries) >= mc.maxSize {
		mc.evictOldest()
	}
	now := time.Now()
	mc.entries[key] = memEntry{data: data, expireAt: now.Add(expiration), touched: now}
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.entries[key]
	if !ok {
		return ErrCacheMiss
	}
	if time.Now().After(e.expireAt) {
		delete(mc.entries, key)
		return ErrCacheMiss
	}
	e.touched = time.Now()
	mc.entries[key] = e
	return decodeValue(e.data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		delete(mc.entries, key)
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	now := time.Now()
	for _, key := range keys {
		if e, ok := mc.entries[key]; ok && now.Before(e.expireAt) {
			return true, nil
		}
	}
	return false, nil
}

// Close stops the janitor. The cache stays usable afterwards; entries just
// linger until evicted or hit past their expiry.
func (mc *MemoryCache) Close() error {
	mc.once.Do(func() { close(mc.done) })
	return nil
}

// evictOldest drops the least recently touched entry. Caller holds mu.
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range mc.entries {
		if oldestKey == "" || e.touched.Before(oldest) {
			oldestKey = key
			oldest = e.touched
		}
	}
	if oldestKey != "" {
		delete(mc.entries, oldestKey)
	}
}

func (mc *MemoryCache) janitor() {
	ticker := time.NewTicker(memoryCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
			mc.sweep()
		}
	}
}

func (mc *MemoryCache) sweep() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	now := time.Now()
	for key, e := range mc.entries {
		if now.After(e.expireAt) {
			delete(mc.entries, key)
		}
	}
}

func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(value)
	}
}

func decodeValue(data []byte, dest interface{}) error {
	switch d := dest.(type) {
	case *[]byte:
		*d = append([]byte(nil), data...)
		return nil
	case *string:
		*d = string(data)
		return nil
	default:
		return json.Unmarshal(data, dest)
	}
}
