package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

type stubMetrics struct {
	mu     sync.Mutex
	errors map[string]int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{errors: make(map[string]int)}
}

func (m *stubMetrics) RecordSignal(string, string) {}
func (m *stubMetrics) RecordRun(string, string) {}
func (m *stubMetrics) RecordLastPrice(string, float64) {}
func (m *stubMetrics) RecordLatency(string, float64) {}
func (m *stubMetrics) RecordOpenPositions(int) {}

func (m *stubMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *stubMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

type stubProc struct {
	mu    sync.Mutex
	ticks []*models.Tick
	fail  int // fail this many calls before succeeding
}

func (p *stubProc) Process(_ context.Context, t *models.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("downstream down")
	}
	p.ticks = append(p.ticks, t)
	return nil
}

func (p *stubProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ticks)
}

func tick(symbol string, price float64, ts int64) *models.Tick {
	return &models.Tick{Symbol: symbol, Price: price, Volume: 1, Timestamp: ts}
}

func TestPipelineForwardsValidTicks(t *testing.T) {
	proc := &stubProc{}
	p := NewTickPipeline(proc, newStubMetrics())

	err := p.Process(context.Background(), tick("BTCUSDT", 50000, 1748779200))
	require.NoError(t, err)
	assert.Equal(t, 1, proc.count())
}

func TestPipelineRejectsInvalidTicks(t *testing.T) {
	proc := &stubProc{}
	m := newStubMetrics()
	p := NewTickPipeline(proc, m)

	cases := []*models.Tick{
		nil,
		{Symbol: "", Price: 50000, Volume: 1, Timestamp: 1},
		{Symbol: "BTCUSDT", Price: 0, Volume: 1, Timestamp: 1},
		{Symbol: "BTCUSDT", Price: 50000, Volume: -1, Timestamp: 1},
		{Symbol: "BTCUSDT", Price: 50000, Volume: 1, Timestamp: 0},
	}
	for _, tc := range cases {
		assert.Error(t, p.Process(context.Background(), tc))
	}
	assert.Equal(t, 0, proc.count())
	assert.Equal(t, len(cases), m.errorCount("pipeline_validate"))
}

func TestPipelineThrottlesPerSymbol(t *testing.T) {
	proc := &stubProc{}
	m := newStubMetrics()
	p := NewTickPipeline(proc, m, WithMaxRPS(1))

	// second tick for the same symbol inside the window is dropped without error
	require.NoError(t, p.Process(context.Background(), tick("BTCUSDT", 50000, 1748779200)))
	require.NoError(t, p.Process(context.Background(), tick("BTCUSDT", 50001, 1748779200)))
	// a different symbol is not affected
	require.NoError(t, p.Process(context.Background(), tick("ETHUSDT", 2600, 1748779200)))

	assert.Equal(t, 2, proc.count())
	assert.Equal(t, 1, m.errorCount("pipeline_throttle"))
}

func TestPipelineBuffersOnDownstreamFailure(t *testing.T) {
	proc := &stubProc{fail: 1}
	m := newStubMetrics()
	p := NewTickPipeline(proc, m, WithBufferSize(8))

	err := p.Process(context.Background(), tick("BTCUSDT", 50000, 1748779200))
	require.Error(t, err)
	assert.Equal(t, 0, proc.count())

	// the flush loop retries the buffered tick once downstream recovers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for proc.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("buffered tick never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, 1, proc.count())
}

func TestPipelineTransformHook(t *testing.T) {
	proc := &stubProc{}
	p := NewTickPipeline(proc, newStubMetrics(), WithTransform(func(t *models.Tick) *models.Tick {
		t.Symbol = "BTCUSDT"
		return t
	}))

	require.NoError(t, p.Process(context.Background(), tick("btcusdt-alias", 50000, 1748779200)))
	require.Equal(t, 1, proc.count())
	assert.Equal(t, "BTCUSDT", proc.ticks[0].Symbol)
}
