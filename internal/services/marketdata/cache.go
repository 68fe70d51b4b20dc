package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

var (
	// ErrInsufficientHistory means the source did not yield enough candles;
	// the symbol is new or the exchange history is short. Retry later.
	ErrInsufficientHistory = errors.New("marketdata: insufficient history")

	// ErrDataUnavailable means the fetch failed and the cached series was too
	// stale to serve. The caller should skip this run for the symbol.
	ErrDataUnavailable = errors.New("marketdata: data unavailable")
)

const evictSweepInterval = time.Minute

// CacheOption configures Cache.
type CacheOption func(*Cache)

// Cache keeps a bounded candle series per symbol and timeframe, refreshed
// on demand from the candle source. Concurrent window requests for the same
// series share a single upstream fetch.
type Cache struct {
	source repository.CandleSource
	log    *logger.Logger

	mu     sync.RWMutex
	series map[string]*series
	flight singleflight.Group

	maxCandles     int
	staleTolerance time.Duration
	fetchTimeout   time.Duration
	evictAfter     time.Duration
	archive        func(batch []models.Candle)
	now            func() time.Time

	done chan struct{}
	once sync.Once
}

// NewCache creates a Cache and starts its idle-eviction janitor.
func NewCache(source repository.CandleSource, log *logger.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		source:         source,
		log:            log,
		series:         make(map[string]*series),
		maxCandles:     500,
		staleTolerance: 5 * time.Minute,
		fetchTimeout:   10 * time.Second,
		evictAfter:     30 * time.Minute,
		now:            time.Now,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.evictLoop()
	return c
}

// WithMaxCandles bounds the per-series candle count.
func WithMaxCandles(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxCandles = n
		}
	}
}

// WithStaleTolerance sets how far past its period the newest candle may be
// and still get served after a failed refresh.
func WithStaleTolerance(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.staleTolerance = d
	}
}

// WithFetchTimeout bounds a single upstream fetch.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithEvictAfter sets the idle TTL after which a series is dropped.
func WithEvictAfter(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.evictAfter = d
		}
	}
}

// WithArchiver registers a sink for fetched batches. Called on a separate
// goroutine, failures never reach the window path.
func WithArchiver(fn func(batch []models.Candle)) CacheOption {
	return func(c *Cache) {
		c.archive = fn
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// GetWindow returns exactly length candles for the symbol and timeframe,
// ordered most-recent-last. A miss or a stale tail triggers a coalesced
// upstream fetch; a failed fetch falls back to the cached series when it is
// within the staleness tolerance.
func (c *Cache) GetWindow(ctx context.Context, symbol string, tf models.Timeframe, length int) ([]models.Candle, error) {
	if length <= 0 {
		return nil, fmt.Errorf("marketdata: window length must be positive, got %d", length)
	}

	s := c.getOrCreate(symbol, tf)
	s.touch(c.now())

	if w, ok := s.window(length); ok && !s.stale(c.now(), tf) {
		return w, nil
	}

	if err := c.refresh(ctx, symbol, tf, s); err != nil {
		if w, ok := s.window(length); ok && s.withinTolerance(c.now(), tf, c.staleTolerance) {
			c.log.Warn("serving stale candle window after failed refresh",
				logger.String("symbol", symbol),
				logger.String("timeframe", string(tf)),
				logger.Error(err))
			return w, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}

	if w, ok := s.window(length); ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: have %d candles for %s %s, want %d",
		ErrInsufficientHistory, s.size(), symbol, tf, length)
}

// Remove drops every cached series for the symbol.
func (c *Cache) Remove(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tf := range []models.Timeframe{models.TF1m, models.TF5m, models.TF15m, models.TF1h} {
		delete(c.series, seriesKey(symbol, tf))
	}
}

// Close stops the eviction janitor.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// refresh fetches newer candles for the series. Concurrent calls for the
// same key share one upstream request; the winner is the only series writer.
func (c *Cache) refresh(ctx context.Context, symbol string, tf models.Timeframe, s *series) error {
	_, err, _ := c.flight.Do(seriesKey(symbol, tf), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		since := s.fetchSince(c.now(), tf)
		batch, err := c.source.FetchCandles(fctx, symbol, tf, since, c.maxCandles)
		if err != nil {
			return nil, err
		}

		added := s.merge(batch)
		if c.archive != nil && len(batch) > 0 {
			go c.archive(batch)
		}
		c.log.Debug("candle series refreshed",
			logger.String("symbol", symbol),
			logger.String("timeframe", string(tf)),
			logger.Int("fetched", len(batch)),
			logger.Int("added", added))
		return added, nil
	})
	return err
}

func (c *Cache) getOrCreate(symbol string, tf models.Timeframe) *series {
	key := seriesKey(symbol, tf)

	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[key]; ok {
		return s
	}
	s = newSeries(c.maxCandles, c.now())
	c.series[key] = s
	return s
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictIdle(c.now())
		}
	}
}

func (c *Cache) evictIdle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.series {
		if s.idleFor(now) > c.evictAfter {
			delete(c.series, key)
			c.log.Debug("evicted idle candle series", logger.String("series", key))
		}
	}
}

func seriesKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}
