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
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return l
}

type memPublisher struct {
	mu      sync.Mutex
	signals []*models.Signal
	events  []*models.PositionEvent
	failPub error
}

func (p *memPublisher) PublishSignal(_ context.Context, s *models.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPub != nil {
		return p.failPub
	}
	p.signals = append(p.signals, s)
	return nil
}

func (p *memPublisher) PublishEvent(_ context.Context, e *models.PositionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPub != nil {
		return p.failPub
	}
	p.events = append(p.events, e)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func (p *memPublisher) eventKinds() []models.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type memSignalStore struct {
	mu       sync.Mutex
	saved    []*models.Signal
	latest   []models.Signal
	failSave error
}

func (s *memSignalStore) SaveSignal(_ context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.saved = append(s.saved, sig)
	return nil
}

func (s *memSignalStore) LatestSignals(_ context.Context, _ string, _ int) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *memSignalStore) Close() error { return nil }

func (s *memSignalStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type memEventStore struct {
	mu    sync.Mutex
	saved []*models.PositionEvent
}

func (s *memEventStore) SaveEvent(_ context.Context, e *models.PositionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, e)
	return nil
}

func (s *memEventStore) Close() error { return nil }

func (s *memEventStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type countMetrics struct {
	mu     sync.Mutex
	errors map[string]int
	runs   map[string][]string
	sigs   int
}

func newCountMetrics() *countMetrics {
	return &countMetrics{errors: make(map[string]int), runs: make(map[string][]string)}
}

func (m *countMetrics) RecordSignal(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigs++
}

func (m *countMetrics) RecordRun(symbol, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[symbol] = append(m.runs[symbol], outcome)
}

func (m *countMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *countMetrics) RecordLastPrice(string, float64) {}
func (m *countMetrics) RecordLatency(string, float64) {}
func (m *countMetrics) RecordOpenPositions(int) {}

func (m *countMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

func (m *countMetrics) outcomes(symbol string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs[symbol]...)
}

func (m *countMetrics) signalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sigs
}

type memQueue struct {
	mu        sync.Mutex
	published []string
	fail      error
}

func (q *memQueue) PublishMessage(_ context.Context, msgType string, _ interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.published = append(q.published, msgType)
	return nil
}

func (q *memQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

// eventually polls cond until it holds or the deadline passes. Used for the
// fire-and-forget persistence paths.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testSignalFixture() *models.Signal {
	now := time.Now().UTC()
	return &models.Signal{
		ID:             "sig-1",
		Symbol:         "BTCUSDT",
		Type:           models.SignalLong,
		Confidence:     0.8,
		AgreementRatio: 0.75,
		Score:          1.6,
		PrimaryHorizon: models.Horizon1h,
		ReferencePrice: 50000,
		StopLoss:       49000,
		TakeProfits:    []float64{50500, 51000},
		StrategyID:     "ml-v1",
		Fingerprint:    "fp-1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func TestEmitSignalKafkaBackendPublishesAndAudits(t *testing.T) {
	pub := &memPublisher{}
	store := &memSignalStore{}
	metrics := newCountMetrics()
	e := NewSignalEmitter(pub, store, &memEventStore{}, nil, metrics, testLogger(t), "kafka")

	require.NoError(t, e.EmitSignal(context.Background(), testSignalFixture()))

	assert.Equal(t, 1, pub.signalCount())
	assert.Equal(t, 1, metrics.signalCount())
	eventually(t, func() bool { return store.savedCount() == 1 }, "audit copy never persisted")
}

func TestEmitSignalClickHouseBackendSavesDirect(t *testing.T) {
	pub := &memPublisher{}
	store := &memSignalStore{}
	e := NewSignalEmitter(pub, store, &memEventStore{}, nil, newCountMetrics(), testLogger(t), "clickhouse")

	require.NoError(t, e.EmitSignal(context.Background(), testSignalFixture()))

	assert.Equal(t, 1, store.savedCount())
	assert.Zero(t, pub.signalCount())
}

func TestEmitSignalUnknownBackendErrors(t *testing.T) {
	metrics := newCountMetrics()
	e := NewSignalEmitter(&memPublisher{}, &memSignalStore{}, &memEventStore{}, nil, metrics, testLogger(t), "sqlite")

	err := e.EmitSignal(context.Background(), testSignalFixture())

	require.Error(t, err)
	assert.Equal(t, 1, metrics.errorCount("emit_signal"))
}

func TestEmitSignalPublishFailureFailsRun(t *testing.T) {
	pub := &memPublisher{failPub: errors.New("broker down")}
	metrics := newCountMetrics()
	e := NewSignalEmitter(pub, &memSignalStore{}, &memEventStore{}, nil, metrics, testLogger(t), "kafka")

	err := e.EmitSignal(context.Background(), testSignalFixture())

	require.Error(t, err)
	assert.Zero(t, metrics.signalCount())
	assert.Equal(t, 1, metrics.errorCount("emit_signal"))
}

func TestEmitSignalPrefersJobQueueForAudit(t *testing.T) {
	store := &memSignalStore{}
	jobs := &memQueue{}
	e := NewSignalEmitter(&memPublisher{}, store, &memEventStore{}, jobs, newCountMetrics(), testLogger(t), "kafka")

	require.NoError(t, e.EmitSignal(context.Background(), testSignalFixture()))

	assert.Equal(t, []string{jobSaveSignal}, jobs.types())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, store.savedCount(), "queued payloads must not also be written directly")
}

func TestEmitSignalFallsBackWhenQueueFails(t *testing.T) {
	store := &memSignalStore{}
	jobs := &memQueue{fail: errors.New("redis gone")}
	metrics := newCountMetrics()
	e := NewSignalEmitter(&memPublisher{}, store, &memEventStore{}, jobs, metrics, testLogger(t), "kafka")

	require.NoError(t, e.EmitSignal(context.Background(), testSignalFixture()))

	eventually(t, func() bool { return store.savedCount() == 1 }, "direct fallback never fired")
	assert.Equal(t, 1, metrics.errorCount("queue_publish"))
}

func TestEmitEventSurvivesPublishFailure(t *testing.T) {
	pub := &memPublisher{failPub: errors.New("broker down")}
	events := &memEventStore{}
	metrics := newCountMetrics()
	e := NewSignalEmitter(pub, &memSignalStore{}, events, nil, metrics, testLogger(t), "kafka")

	e.EmitEvent(context.Background(), &models.PositionEvent{
		ID:         "ev-1",
		PositionID: "pos-1",
		Symbol:     "BTCUSDT",
		Kind:       models.EventStopUpdated,
		Timestamp:  time.Now().UTC(),
	})

	assert.Equal(t, 1, metrics.errorCount("publish_event"))
	eventually(t, func() bool { return events.savedCount() == 1 }, "event never persisted")
}
