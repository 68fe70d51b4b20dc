package features

import (
	"context"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	pkgcache "github.com/obertruper/BOT-AI-V3-sub001/pkg/cache"
)

// computer is the engine surface CachedEngine wraps.
type computer interface {
	Compute(window []models.Candle) (*models.FeatureVector, error)
	Lookback() int
}

// CachedEngine memoizes feature vectors per closed window. Consecutive
// scheduler passes over an unchanged window, or replicas sharing the
// layered cache's Redis tier, compute the indicators once.
type CachedEngine struct {
	inner computer
	cache pkgcache.Service
	ttl   time.Duration
}

var _ computer = (*CachedEngine)(nil)

// NewCachedEngine wraps an engine with a feature vector cache.
func NewCachedEngine(inner computer, c pkgcache.Service, ttl time.Duration) *CachedEngine {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedEngine{inner: inner, cache: c, ttl: ttl}
}

// Lookback returns the wrapped engine's required window length.
func (e *CachedEngine) Lookback() int { return e.inner.Lookback() }

// Compute returns the cached vector for the window when present, computing
// and storing it otherwise. Cache failures fall through to a plain compute.
func (e *CachedEngine) Compute(window []models.Candle) (*models.FeatureVector, error) {
	if e.cache == nil || len(window) == 0 {
		return e.inner.Compute(window)
	}

	tail := window[len(window)-1]
	key := pkgcache.Key("features",
		tail.Symbol, string(tail.Timeframe), tail.OpenTime.Unix(), len(window))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var hit models.FeatureVector
	if err := e.cache.Get(ctx, key, &hit); err == nil && hit.Dim() > 0 {
		return &hit, nil
	}

	fv, err := e.inner.Compute(window)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Set(ctx, key, fv, e.ttl)
	return fv, nil
}
