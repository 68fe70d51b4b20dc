package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	drepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/queue"
)

const (
	jobSaveSignal = "save_signal"
	jobSaveEvent  = "save_position_event"
)

// SignalEmitter routes reconciled signals and position events to the
// configured backend. Emission (kafka or clickhouse) is synchronous and its
// error fails the run; the audit copy in ClickHouse is fire-and-forget,
// through the Redis job queue when enabled, a direct async write otherwise.
type SignalEmitter struct {
	pub     drepo.Publisher
	store   drepo.SignalStore
	events  drepo.PositionEventStore
	jobs    queue.QueueService // optional
	metrics drepo.Metrics
	log     *logger.Logger
	backend string
}

// NewSignalEmitter creates a new SignalEmitter instance.
func NewSignalEmitter(
	pub drepo.Publisher,
	store drepo.SignalStore,
	events drepo.PositionEventStore,
	jobs queue.QueueService,
	metrics drepo.Metrics,
	log *logger.Logger,
	backend string,
) *SignalEmitter {
	return &SignalEmitter{
		pub:     pub,
		store:   store,
		events:  events,
		jobs:    jobs,
		metrics: metrics,
		log:     log,
		backend: backend,
	}
}

// EmitSignal publishes a signal to the configured backend.
func (e *SignalEmitter) EmitSignal(ctx context.Context, s *models.Signal) error {
	if s == nil {
		return fmt.Errorf("signal is nil")
	}

	start := time.Now()
	var err error

	switch e.backend {
	case "kafka":
		err = e.pub.PublishSignal(ctx, s)
	case "clickhouse":
		err = e.store.SaveSignal(ctx, s)
	default:
		err = fmt.Errorf("unknown backend: %s", e.backend)
	}

	if err != nil {
		e.metrics.RecordError("emit_signal")
		return fmt.Errorf("emit signal: %w", err)
	}

	// audit copy; the kafka backend does not persist by itself
	if e.backend != "clickhouse" {
		e.persistAsync(jobSaveSignal, s, func(ctx context.Context) error {
			return e.store.SaveSignal(ctx, s)
		})
	}

	e.metrics.RecordSignal(e.backend, s.Symbol)
	e.metrics.RecordLatency("emit_signal", time.Since(start).Seconds())
	return nil
}

// EmitEvent records a position event. Never blocks the risk loop: failures
// are logged and counted, not returned.
func (e *SignalEmitter) EmitEvent(ctx context.Context, ev *models.PositionEvent) {
	if ev == nil {
		return
	}
	if err := e.pub.PublishEvent(ctx, ev); err != nil {
		e.metrics.RecordError("publish_event")
		e.log.Warn("publish event failed",
			logger.String("position_id", ev.PositionID),
			logger.String("kind", string(ev.Kind)),
			logger.Error(err),
		)
	}
	e.persistAsync(jobSaveEvent, ev, func(ctx context.Context) error {
		return e.events.SaveEvent(ctx, ev)
	})
}

// persistAsync enqueues the payload when the job queue is configured and
// falls back to a direct asynchronous write.
func (e *SignalEmitter) persistAsync(jobType string, payload interface{}, direct func(context.Context) error) {
	if e.jobs != nil {
		err := e.jobs.PublishMessage(context.Background(), jobType, payload)
		if err == nil {
			return
		}
		e.metrics.RecordError("queue_publish")
		e.log.Warn("queue publish failed, writing directly",
			logger.String("job", jobType),
			logger.Error(err),
		)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := direct(ctx); err != nil {
			e.metrics.RecordError("persist_" + jobType)
			e.log.Warn("async persist failed",
				logger.String("job", jobType),
				logger.Error(err),
			)
		}
	}()
}

// Close closes underlying resources if available.
func (e *SignalEmitter) Close() {
	if e.pub != nil {
		_ = e.pub.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.events != nil {
		_ = e.events.Close()
	}
}
