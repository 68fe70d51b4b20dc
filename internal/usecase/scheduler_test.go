package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/marketdata"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/predictor"
)

type stubWindows struct {
	mu     sync.Mutex
	window []models.Candle
	err    error
	gate   chan struct{} // when set, GetWindow blocks until closed
	calls  int
}

func (w *stubWindows) GetWindow(_ context.Context, _ string, _ models.Timeframe, _ int) ([]models.Candle, error) {
	w.mu.Lock()
	w.calls++
	gate := w.gate
	err := w.err
	window := w.window
	w.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return window, nil
}

func (w *stubWindows) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type stubEngine struct {
	lookback int
	err      error
}

func (e *stubEngine) Compute(window []models.Candle) (*models.FeatureVector, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &models.FeatureVector{Symbol: window[0].Symbol, Values: []float64{1, 2, 3}}, nil
}

func (e *stubEngine) Lookback() int { return e.lookback }

type stubInferrer struct {
	err error
}

func (i *stubInferrer) Infer(_ context.Context, fv *models.FeatureVector) (*models.ModelPrediction, error) {
	if i.err != nil {
		return nil, i.err
	}
	return &models.ModelPrediction{Symbol: fv.Symbol}, nil
}

type stubReconciler struct {
	mu       sync.Mutex
	sigType  models.SignalType
	err      error
	refPrice float64
}

func (r *stubReconciler) Reconcile(pred *models.ModelPrediction, refPrice float64) (*models.Signal, error) {
	r.mu.Lock()
	r.refPrice = refPrice
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &models.Signal{
		Symbol:      pred.Symbol,
		Type:        r.sigType,
		Fingerprint: "fp:" + pred.Symbol,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (r *stubReconciler) lastRefPrice() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refPrice
}

type stubSink struct {
	mu      sync.Mutex
	signals []*models.Signal
	failN   int
}

func (s *stubSink) EmitSignal(_ context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("backend down")
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *stubSink) emitted() []*models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Signal(nil), s.signals...)
}

type schedHarness struct {
	s       *Scheduler
	windows *stubWindows
	recon   *stubReconciler
	sink    *stubSink
	metrics *countMetrics
}

func newSchedHarness(t *testing.T, symbols []string, opts ...SchedulerOption) *schedHarness {
	t.Helper()
	window := make([]models.Candle, 64)
	for i := range window {
		window[i] = models.Candle{Symbol: symbols[0], Close: 49000 + float64(i)}
	}
	window[len(window)-1].Close = 50000

	h := &schedHarness{
		windows: &stubWindows{window: window},
		recon:   &stubReconciler{sigType: models.SignalLong},
		sink:    &stubSink{},
		metrics: newCountMetrics(),
	}
	base := []SchedulerOption{
		WithSchedulerWorkers(2),
		WithFetchRetry(1, time.Millisecond, 2*time.Millisecond),
		WithRunTimeout(5 * time.Second),
	}
	h.s = NewScheduler(symbols, h.windows, &stubEngine{lookback: 64}, &stubInferrer{}, h.recon, h.sink,
		h.metrics, testLogger(t), append(base, opts...)...)
	return h
}

// runPass dispatches one scheduling pass and waits for every run to finish.
func (h *schedHarness) runPass(ctx context.Context) {
	h.s.runDue(ctx)
	h.s.wg.Wait()
}

func TestRunEmitsActionableSignal(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})

	h.runPass(context.Background())

	sigs := h.sink.emitted()
	require.Len(t, sigs, 1)
	assert.NotEmpty(t, sigs[0].ID, "signal id assigned at emission")
	assert.Equal(t, "BTCUSDT", sigs[0].Symbol)
	assert.InDelta(t, 50000.0, h.recon.lastRefPrice(), 1e-9)

	st := h.s.Status()["BTCUSDT"]
	assert.Equal(t, outcomeOK, st.LastOutcome)
	assert.Equal(t, "idle", st.Stage)
	assert.False(t, st.Running)
}

func TestRunSuppressesDuplicateFingerprint(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})

	h.runPass(context.Background())
	h.runPass(context.Background())

	assert.Len(t, h.sink.emitted(), 1, "same fingerprint must emit once")
	assert.Equal(t, []string{outcomeOK, outcomeDuplicate}, h.metrics.outcomes("BTCUSDT"))
}

func TestRunNeutralSignalNotEmitted(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	h.recon.sigType = models.SignalNeutral

	h.runPass(context.Background())

	assert.Empty(t, h.sink.emitted())
	assert.Equal(t, []string{outcomeNeutral}, h.metrics.outcomes("BTCUSDT"))
}

func TestRunRateLimitedRetriesThenFails(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	h.windows.err = repository.ErrRateLimited

	h.runPass(context.Background())

	assert.Equal(t, 2, h.windows.callCount(), "one retry after the rate limit")
	assert.Equal(t, []string{outcomeRateLimited}, h.metrics.outcomes("BTCUSDT"))

	st := h.s.Status()["BTCUSDT"]
	assert.Equal(t, "failed", st.Stage)
	assert.NotEmpty(t, st.LastError)

	// The failure is contained to the run: once the limiter clears, the next
	// pass emits as usual.
	h.windows.mu.Lock()
	h.windows.err = nil
	h.windows.mu.Unlock()
	h.runPass(context.Background())

	assert.Len(t, h.sink.emitted(), 1)
	assert.Equal(t, []string{outcomeRateLimited, outcomeOK}, h.metrics.outcomes("BTCUSDT"))
	assert.Equal(t, "idle", h.s.Status()["BTCUSDT"].Stage)
}

func TestRunInsufficientHistorySkipsUntilNextTick(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	h.windows.err = fmt.Errorf("warmup: %w", marketdata.ErrInsufficientHistory)

	h.runPass(context.Background())

	assert.Equal(t, 1, h.windows.callCount(), "insufficient history is not retried in-run")
	assert.Equal(t, []string{outcomeNoData}, h.metrics.outcomes("BTCUSDT"))

	// The symbol stays eligible: once data shows up the next pass emits.
	h.windows.mu.Lock()
	h.windows.err = nil
	h.windows.mu.Unlock()
	h.runPass(context.Background())
	assert.Len(t, h.sink.emitted(), 1)
}

func TestRunShapeMismatchFailsLoud(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	h.s.model = &stubInferrer{err: fmt.Errorf("decode: %w", predictor.ErrShapeMismatch)}

	h.runPass(context.Background())

	assert.Equal(t, []string{outcomeShapeMismatch}, h.metrics.outcomes("BTCUSDT"))
	assert.Empty(t, h.sink.emitted())
}

func TestRunEmitFailureIsRetriedNextTick(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	h.sink.failN = 1

	h.runPass(context.Background())
	h.runPass(context.Background())

	assert.Equal(t, []string{outcomeEmitFailed, outcomeOK}, h.metrics.outcomes("BTCUSDT"))
	assert.Len(t, h.sink.emitted(), 1, "failed emission must not mark the fingerprint")
}

func TestRunDueSkipsSaturatedSymbols(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT", "ETHUSDT"}, WithSchedulerWorkers(1))
	gate := make(chan struct{})
	h.windows.gate = gate

	h.s.runDue(context.Background())

	saturated := 0
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		for _, o := range h.metrics.outcomes(sym) {
			if o == outcomeSaturated {
				saturated++
			}
		}
	}
	assert.Equal(t, 1, saturated, "exactly one symbol is skipped on a full pool")

	close(gate)
	h.s.wg.Wait()
}

func TestRunDueSkipsInFlightSymbol(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})
	gate := make(chan struct{})
	h.windows.gate = gate

	h.s.runDue(context.Background())
	h.s.runDue(context.Background())

	assert.Equal(t, []string{outcomeInFlight}, h.metrics.outcomes("BTCUSDT"))

	close(gate)
	h.s.wg.Wait()
	assert.Equal(t, 1, h.windows.callCount(), "in-flight symbol runs once")
}

func TestAddRemoveSymbol(t *testing.T) {
	h := newSchedHarness(t, []string{"BTCUSDT"})

	assert.True(t, h.s.AddSymbol("ETHUSDT"))
	assert.False(t, h.s.AddSymbol("ETHUSDT"), "duplicate add")
	assert.False(t, h.s.AddSymbol(""), "empty symbol")
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, h.s.Symbols())

	assert.True(t, h.s.RemoveSymbol("ETHUSDT"))
	assert.False(t, h.s.RemoveSymbol("ETHUSDT"), "unknown symbol")
	assert.ElementsMatch(t, []string{"BTCUSDT"}, h.s.Symbols())
}
