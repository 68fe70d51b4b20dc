package cache

import "time"

// BytesCache stores raw response bodies under string keys with a TTL. The
// in-memory and Redis implementations are interchangeable behind it.
type BytesCache interface {
	GetBytes(key string) (b []byte, ok bool, err error)
	SetBytes(key string, value []byte, ttl time.Duration) error
}
