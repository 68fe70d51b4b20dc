package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

type stubSource struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, symbol string, tf models.Timeframe, since time.Time) ([]models.Candle, error)
}

func (s *stubSource) FetchCandles(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, _ int) ([]models.Candle, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, symbol, tf, since)
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return l
}

// genCandles builds n candles ending with one that opens at end.
func genCandles(symbol string, tf models.Timeframe, n int, end time.Time) []models.Candle {
	step := tf.Duration()
	out := make([]models.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		open := end.Add(-time.Duration(i) * step)
		price := 100 + float64(n-i)*0.1
		out = append(out, models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  open,
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price + 0.2,
			Volume:    1000,
		})
	}
	return out
}

func TestGetWindowExactLengthMostRecentLast(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	w, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)
	require.Len(t, w, 96)

	for i := 1; i < len(w); i++ {
		assert.True(t, w[i].OpenTime.After(w[i-1].OpenTime), "window must be ordered ascending")
	}
	assert.Equal(t, clk.Now(), w[95].OpenTime, "newest candle must be last")
}

func TestGetWindowInsufficientHistory(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 10, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestFreshWindowServedFromCache(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)
	_, err = c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)

	assert.Equal(t, 1, src.callCount(), "fresh window must not refetch")
}

func TestStaleWindowRefetchesAndMerges(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	first := clk.Now()
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, first), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)

	// One period later the tail candle has closed and a new one is forming.
	clk.Advance(16 * time.Minute)
	var gotSince time.Time
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, since time.Time) ([]models.Candle, error) {
		gotSince = since
		final := genCandles(symbol, tf, 1, first)[0]
		final.Close = 42 // tail rewritten with its final value
		next := genCandles(symbol, tf, 1, first.Add(tf.Duration()))[0]
		return []models.Candle{final, next}, nil
	}

	w, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)
	assert.Equal(t, 2, src.callCount())
	assert.Equal(t, first, gotSince, "refetch must resume from the stored tail")
	assert.Equal(t, 42.0, w[94].Close, "refetched tail must replace the stored one")
	assert.Equal(t, first.Add(15*time.Minute), w[95].OpenTime)
}

func TestFetchFailureFallsBackWithinTolerance(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now), WithStaleTolerance(5*time.Minute))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)

	src.fn = func(context.Context, string, models.Timeframe, time.Time) ([]models.Candle, error) {
		return nil, repository.ErrUnavailable
	}

	// Stale but inside the tolerance: serve the cached series.
	clk.Advance(17 * time.Minute)
	w, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)
	assert.Len(t, w, 96)

	// Beyond the tolerance the failure propagates.
	clk.Advance(10 * time.Minute)
	_, err = c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.ErrorIs(t, err, repository.ErrUnavailable)
}

func TestRateLimitedFetchKeepsCause(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(context.Context, string, models.Timeframe, time.Time) ([]models.Candle, error) {
		return nil, repository.ErrRateLimited
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.ErrorIs(t, err, repository.ErrRateLimited, "retry classification must survive wrapping")
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	request := func() {
		defer wg.Done()
		_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
		errs <- err
	}

	wg.Add(1)
	go request()
	<-entered // fetch is in flight

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go request()
	}
	time.Sleep(50 * time.Millisecond) // let the followers join the flight
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.callCount(), "concurrent callers must share one fetch")
}

func TestRingBufferDropsOldest(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 150, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now), WithMaxCandles(100))
	defer c.Close()

	w, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 100)
	require.NoError(t, err)

	s := c.getOrCreate("BTCUSDT", models.TF15m)
	assert.Equal(t, 100, s.size())

	// The 50 oldest candles were dropped on overflow.
	oldest, ok := s.oldest()
	require.True(t, ok)
	expected := clk.Now().Add(-99 * 15 * time.Minute)
	assert.Equal(t, expected, oldest.OpenTime)
	assert.Equal(t, expected, w[0].OpenTime)
}

func TestEvictIdleSeries(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now), WithEvictAfter(30*time.Minute))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)
	_, err = c.GetWindow(context.Background(), "ETHUSDT", models.TF15m, 96)
	require.NoError(t, err)

	clk.Advance(29 * time.Minute)
	_, err = c.GetWindow(context.Background(), "ETHUSDT", models.TF15m, 96) // keeps ETH warm
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	c.evictIdle(clk.Now())

	c.mu.RLock()
	_, btc := c.series[seriesKey("BTCUSDT", models.TF15m)]
	_, eth := c.series[seriesKey("ETHUSDT", models.TF15m)]
	c.mu.RUnlock()
	assert.False(t, btc, "idle series must be evicted")
	assert.True(t, eth, "recently used series must survive")
}

func TestRemoveDropsSymbol(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}
	c := NewCache(src, testLogger(t), WithClock(clk.Now))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)

	c.Remove("BTCUSDT")

	c.mu.RLock()
	_, ok := c.series[seriesKey("BTCUSDT", models.TF15m)]
	c.mu.RUnlock()
	assert.False(t, ok)
}

func TestArchiverReceivesBatches(t *testing.T) {
	clk := newTestClock()
	src := &stubSource{}
	src.fn = func(_ context.Context, symbol string, tf models.Timeframe, _ time.Time) ([]models.Candle, error) {
		return genCandles(symbol, tf, 120, clk.Now()), nil
	}

	archived := make(chan int, 1)
	c := NewCache(src, testLogger(t), WithClock(clk.Now),
		WithArchiver(func(batch []models.Candle) { archived <- len(batch) }))
	defer c.Close()

	_, err := c.GetWindow(context.Background(), "BTCUSDT", models.TF15m, 96)
	require.NoError(t, err)

	select {
	case n := <-archived:
		assert.Equal(t, 120, n)
	case <-time.After(time.Second):
		t.Fatal("archiver was not invoked")
	}
}
