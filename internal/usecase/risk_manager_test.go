package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domsvc "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/risk"
)

type closeCall struct {
	id       string
	fraction float64
}

type stopCall struct {
	id   string
	stop float64
}

type stubExecutor struct {
	mu         sync.Mutex
	closes     []closeCall
	stops      []stopCall
	closeErr   error
	failCloses int // fail this many closes before succeeding
}

func (e *stubExecutor) OpenPosition(context.Context, *models.Signal, float64) (*models.Position, error) {
	return nil, nil
}

func (e *stubExecutor) ClosePosition(_ context.Context, id string, fraction float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeErr != nil {
		return e.closeErr
	}
	if e.failCloses > 0 {
		e.failCloses--
		return errors.New("transient execution error")
	}
	e.closes = append(e.closes, closeCall{id: id, fraction: fraction})
	return nil
}

func (e *stubExecutor) UpdateStop(_ context.Context, id string, newStop float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, stopCall{id: id, stop: newStop})
	return nil
}

func (e *stubExecutor) closeCalls() []closeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]closeCall(nil), e.closes...)
}

func (e *stubExecutor) stopCalls() []stopCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stopCall(nil), e.stops...)
}

type recordAlerter struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordAlerter) Critical(_ context.Context, key, _ string, _ map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
}

func (a *recordAlerter) criticalKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

type riskHarness struct {
	rm      *RiskManager
	exec    *stubExecutor
	alerter *recordAlerter
	pub     *memPublisher
	metrics *countMetrics
}

func newRiskHarness(t *testing.T, opts ...RiskOption) *riskHarness {
	t.Helper()
	exec := &stubExecutor{}
	alerter := &recordAlerter{}
	pub := &memPublisher{}
	metrics := newCountMetrics()
	emitter := NewSignalEmitter(pub, &memSignalStore{}, &memEventStore{}, nil, metrics, testLogger(t), "kafka")
	eval := risk.NewEvaluator(risk.WithActivation(0.02), risk.WithTrailDistance(0.01))
	base := []RiskOption{WithCloseRetry(2, time.Millisecond, 2*time.Millisecond)}
	rm := NewRiskManager(exec, alerter, eval, emitter, metrics, testLogger(t), append(base, opts...)...)
	return &riskHarness{rm: rm, exec: exec, alerter: alerter, pub: pub, metrics: metrics}
}

func longPosition(id string) *models.Position {
	return &models.Position{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   95,
		TakeProfits: []models.TakeProfitLevel{
			{Price: 105, Fraction: 0.5},
			{Price: 110, Fraction: 0.5},
		},
		Status:   models.PositionOpen,
		OpenedAt: time.Now().UTC(),
	}
}

func tickAt(price float64) *models.Tick {
	return &models.Tick{Symbol: "BTCUSDT", Price: price, Timestamp: time.Now().Unix()}
}

func TestTrackEmitsOpenedEvent(t *testing.T) {
	h := newRiskHarness(t)

	h.rm.Track(context.Background(), longPosition("p1"))

	require.Len(t, h.rm.Positions(), 1)
	assert.Equal(t, []models.EventKind{models.EventOpened}, h.pub.eventKinds())
}

func TestTakeProfitPartialClose(t *testing.T) {
	h := newRiskHarness(t)
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), tickAt(106)))

	calls := h.exec.closeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "p1", calls[0].id)
	assert.InDelta(t, 0.5, calls[0].fraction, 1e-9)

	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, models.PositionPartiallyClosed, ps[0].Status)
	assert.True(t, ps[0].TakeProfits[0].Filled)
	assert.False(t, ps[0].TakeProfits[1].Filled)
	assert.Contains(t, h.pub.eventKinds(), models.EventPartialClose)
}

func TestStopLossFullCloseRemovesPosition(t *testing.T) {
	h := newRiskHarness(t)
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), tickAt(94)))

	calls := h.exec.closeCalls()
	require.Len(t, calls, 1)
	assert.InDelta(t, 1.0, calls[0].fraction, 1e-9)
	assert.Empty(t, h.rm.Positions(), "closed position must leave the book")
	assert.Contains(t, h.pub.eventKinds(), models.EventFullClose)
}

func TestTrailingActivationUpdatesStop(t *testing.T) {
	h := newRiskHarness(t)
	p := longPosition("p1")
	p.TakeProfits = nil
	h.rm.Track(context.Background(), p)

	// +3% unrealized profit arms the trail; candidate stop 103*0.99 beats 95.
	require.NoError(t, h.rm.Process(context.Background(), tickAt(103)))

	stops := h.exec.stopCalls()
	require.Len(t, stops, 1)
	assert.InDelta(t, 103*0.99, stops[0].stop, 1e-9)

	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Trailing.Active)
	assert.InDelta(t, 103*0.99, ps[0].StopLoss, 1e-9)

	kinds := h.pub.eventKinds()
	assert.Contains(t, kinds, models.EventTrailingActivated)
	assert.Contains(t, kinds, models.EventStopUpdated)
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	h := newRiskHarness(t)
	p := longPosition("p1")
	p.TakeProfits = nil
	h.rm.Track(context.Background(), p)

	require.NoError(t, h.rm.Process(context.Background(), tickAt(103)))
	// Pullback above the trailed stop: no new stop order, stop keeps its level.
	require.NoError(t, h.rm.Process(context.Background(), tickAt(102.5)))

	require.Len(t, h.exec.stopCalls(), 1)
	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.InDelta(t, 103*0.99, ps[0].StopLoss, 1e-9)
}

func TestTrailedStopClosesOnPullback(t *testing.T) {
	h := newRiskHarness(t)
	p := longPosition("p1")
	p.TakeProfits = nil
	h.rm.Track(context.Background(), p)

	// 100 -> 103 ratchets the stop to 101.97; the drop to 101 crosses it.
	require.NoError(t, h.rm.Process(context.Background(), tickAt(103)))
	require.NoError(t, h.rm.Process(context.Background(), tickAt(101)))

	stops := h.exec.stopCalls()
	require.Len(t, stops, 1)
	assert.InDelta(t, 103*0.99, stops[0].stop, 1e-9)

	calls := h.exec.closeCalls()
	require.Len(t, calls, 1)
	assert.InDelta(t, 1.0, calls[0].fraction, 1e-9)
	assert.Empty(t, h.rm.Positions())
	assert.Contains(t, h.pub.eventKinds(), models.EventFullClose)
}

func TestRejectedDispatchLeavesPositionUntouched(t *testing.T) {
	h := newRiskHarness(t)
	h.exec.closeErr = domsvc.ErrExecutionRejected
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), tickAt(106)))

	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, models.PositionOpen, ps[0].Status)
	assert.False(t, ps[0].TakeProfits[0].Filled)
	assert.Equal(t, 1, h.metrics.errorCount("execution_rejected"))
	assert.NotContains(t, h.pub.eventKinds(), models.EventPartialClose)
	assert.Empty(t, h.alerter.criticalKeys(), "rejection is not an alert")
}

func TestCloseFailureBeyondBudgetAlerts(t *testing.T) {
	h := newRiskHarness(t)
	h.exec.closeErr = errors.New("execution service down")
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), tickAt(94)))

	keys := h.alerter.criticalKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "close_dispatch_failed:p1", keys[0])

	// Untouched: the next tick re-evaluates the same stop hit.
	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, models.PositionOpen, ps[0].Status)
}

func TestCloseRetriesTransientFailure(t *testing.T) {
	h := newRiskHarness(t)
	h.exec.failCloses = 1
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), tickAt(94)))

	require.Len(t, h.exec.closeCalls(), 1, "second attempt must land")
	assert.Empty(t, h.rm.Positions())
	assert.Empty(t, h.alerter.criticalKeys())
}

func TestProcessIgnoresOtherSymbols(t *testing.T) {
	h := newRiskHarness(t)
	h.rm.Track(context.Background(), longPosition("p1"))

	require.NoError(t, h.rm.Process(context.Background(), &models.Tick{
		Symbol: "ETHUSDT", Price: 1, Timestamp: time.Now().Unix(),
	}))

	assert.Empty(t, h.exec.closeCalls())
	assert.Empty(t, h.exec.stopCalls())
}
