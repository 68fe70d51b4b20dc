package repository

import (
	"context"
	"errors"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

var (
	// ErrRateLimited is returned by a CandleSource when the upstream throttles
	// the caller. Retryable with backoff.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable is returned by a CandleSource when the upstream cannot be
	// reached or answers with a server error.
	ErrUnavailable = errors.New("data source unavailable")
)

// CandleSource fetches candles from the upstream exchange.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error)
}

// TickStream delivers live price ticks over a persistent connection.
type TickStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Read(ctx context.Context) (<-chan *models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// SignalStore persists reconciled signals and serves recent ones.
type SignalStore interface {
	SaveSignal(ctx context.Context, s *models.Signal) error
	LatestSignals(ctx context.Context, symbol string, limit int) ([]models.Signal, error)
	Close() error
}

// PositionEventStore persists position lifecycle events.
type PositionEventStore interface {
	SaveEvent(ctx context.Context, e *models.PositionEvent) error
	Close() error
}

// CandleArchive stores fetched candle batches for offline analysis.
type CandleArchive interface {
	ArchiveCandles(ctx context.Context, candles []models.Candle) error
	GetLatestNCandles(ctx context.Context, symbol string, n int, tf models.Timeframe) ([]models.Candle, error)
}

// Publisher emits signals and position events to the message bus.
type Publisher interface {
	PublishSignal(ctx context.Context, s *models.Signal) error
	PublishEvent(ctx context.Context, e *models.PositionEvent) error
	Close() error
}

// Metrics records pipeline observability counters.
type Metrics interface {
	RecordSignal(backend, symbol string)
	RecordRun(symbol, outcome string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordOpenPositions(n int)
}
