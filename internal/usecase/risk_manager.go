package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	drepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	domsvc "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/risk"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// managedPosition serializes all transitions of one position. The mutex is
// held for the whole evaluate-dispatch-apply cycle, so two ticks can never
// interleave on the same position.
type managedPosition struct {
	mu  sync.Mutex
	pos *models.Position
}

// RiskManager drives tracked positions from live ticks. Positions are
// evaluated concurrently with each other and serially with themselves; every
// acknowledged transition produces a position event.
type RiskManager struct {
	exec    domsvc.Executor
	alerter domsvc.Alerter
	eval    *risk.Evaluator
	emitter *SignalEmitter
	metrics drepo.Metrics
	log     *logger.Logger

	retryMax   int
	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.RWMutex
	positions map[string]*managedPosition
}

// RiskOption configures RiskManager.
type RiskOption func(*RiskManager)

// WithCloseRetry bounds dispatch retries for close intents.
func WithCloseRetry(max int, min, maxDelay time.Duration) RiskOption {
	return func(m *RiskManager) {
		if max > 0 {
			m.retryMax = max
		}
		if min > 0 {
			m.backoffMin = min
		}
		if maxDelay > 0 {
			m.backoffMax = maxDelay
		}
	}
}

// NewRiskManager creates a new RiskManager instance.
func NewRiskManager(
	exec domsvc.Executor,
	alerter domsvc.Alerter,
	eval *risk.Evaluator,
	emitter *SignalEmitter,
	metrics drepo.Metrics,
	log *logger.Logger,
	opts ...RiskOption,
) *RiskManager {
	m := &RiskManager{
		exec:       exec,
		alerter:    alerter,
		eval:       eval,
		emitter:    emitter,
		metrics:    metrics,
		log:        log,
		retryMax:   3,
		backoffMin: 100 * time.Millisecond,
		backoffMax: 2 * time.Second,
		positions:  make(map[string]*managedPosition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts managing a position. Called by the fills handler when an
// entry fill arrives.
func (m *RiskManager) Track(ctx context.Context, p *models.Position) {
	if p == nil || p.ID == "" {
		return
	}
	m.mu.Lock()
	m.positions[p.ID] = &managedPosition{pos: p}
	n := len(m.positions)
	m.mu.Unlock()

	m.metrics.RecordOpenPositions(n)
	m.log.Info("position tracked",
		logger.String("position_id", p.ID),
		logger.String("symbol", p.Symbol),
		logger.String("side", string(p.Side)),
		logger.Float64("entry", p.EntryPrice),
	)
	m.emitter.EmitEvent(ctx, &models.PositionEvent{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       models.EventOpened,
		Price:      p.EntryPrice,
		Fraction:   1,
		StopPrice:  p.StopLoss,
		Timestamp:  time.Now().UTC(),
	})
}

// Positions returns a snapshot of all managed positions. The registry lock
// is released before the per-position locks are taken, same order as step.
func (m *RiskManager) Positions() []models.Position {
	m.mu.RLock()
	mps := make([]*managedPosition, 0, len(m.positions))
	for _, mp := range m.positions {
		mps = append(mps, mp)
	}
	m.mu.RUnlock()

	out := make([]models.Position, 0, len(mps))
	for _, mp := range mps {
		mp.mu.Lock()
		snap := *mp.pos
		snap.TakeProfits = append([]models.TakeProfitLevel(nil), mp.pos.TakeProfits...)
		mp.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Process evaluates one tick against every position on its symbol. Satisfies
// the tick pipeline's downstream interface.
func (m *RiskManager) Process(ctx context.Context, t *models.Tick) error {
	m.mu.RLock()
	matched := make([]*managedPosition, 0, 4)
	for _, mp := range m.positions {
		if mp.pos.Symbol == t.Symbol {
			matched = append(matched, mp)
		}
	}
	m.mu.RUnlock()
	if len(matched) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, mp := range matched {
		wg.Add(1)
		go func(mp *managedPosition) {
			defer wg.Done()
			m.step(ctx, mp, t.Price)
		}(mp)
	}
	wg.Wait()
	return nil
}

// step runs one evaluate-dispatch-apply cycle under the position lock.
func (m *RiskManager) step(ctx context.Context, mp *managedPosition, price float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	p := mp.pos
	if p.Status == models.PositionClosed {
		return
	}
	wasActive := p.Trailing.Active

	d := m.eval.Evaluate(p, price)

	if d.Intent != nil {
		if err := m.dispatch(ctx, p, d.Intent); err != nil {
			if errors.Is(err, domsvc.ErrExecutionRejected) {
				m.metrics.RecordError("execution_rejected")
				m.log.Warn("execution rejected, position unchanged",
					logger.String("position_id", p.ID),
					logger.String("kind", string(d.Intent.Kind)),
					logger.Error(err),
				)
				return
			}
			m.metrics.RecordError("dispatch_" + string(d.Intent.Kind))
			if d.Intent.Kind == models.EventFullClose || d.Intent.Kind == models.EventPartialClose {
				m.alerter.Critical(ctx, "close_dispatch_failed:"+p.ID,
					"close dispatch failed beyond retry budget",
					map[string]interface{}{
						"position_id": p.ID,
						"symbol":      p.Symbol,
						"kind":        string(d.Intent.Kind),
						"price":       d.Intent.Price,
						"error":       err.Error(),
					})
			} else {
				m.log.Warn("stop update dispatch failed",
					logger.String("position_id", p.ID),
					logger.Error(err),
				)
			}
			return
		}
	}

	risk.Apply(p, d, time.Now().UTC())

	if !wasActive && p.Trailing.Active {
		m.emitEvent(ctx, p, &models.ExitIntent{
			Kind:   models.EventTrailingActivated,
			Price:  price,
			Reason: "trailing_activated",
		})
	}
	if d.Intent != nil {
		m.emitEvent(ctx, p, d.Intent)
		if p.Status == models.PositionClosed {
			m.remove(p.ID)
			m.log.Info("position closed",
				logger.String("position_id", p.ID),
				logger.String("symbol", p.Symbol),
				logger.String("reason", d.Intent.Reason),
				logger.Float64("price", price),
			)
		}
	}
}

// dispatch sends the intent to the execution service. Close intents get a
// bounded retry with exponential backoff; rejections are permanent.
func (m *RiskManager) dispatch(ctx context.Context, p *models.Position, intent *models.ExitIntent) error {
	switch intent.Kind {
	case models.EventFullClose, models.EventPartialClose:
		return m.withRetry(ctx, func() error {
			return m.exec.ClosePosition(ctx, p.ID, intent.Fraction)
		})
	case models.EventStopUpdated:
		return m.exec.UpdateStop(ctx, p.ID, intent.StopPrice)
	default:
		return nil
	}
}

func (m *RiskManager) withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domsvc.ErrExecutionRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffMin
	bo.MaxInterval = m.backoffMax
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.retryMax)), ctx))
}

func (m *RiskManager) emitEvent(ctx context.Context, p *models.Position, intent *models.ExitIntent) {
	m.emitter.EmitEvent(ctx, &models.PositionEvent{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       intent.Kind,
		Price:      intent.Price,
		Fraction:   intent.Fraction,
		StopPrice:  intent.StopPrice,
		Reason:     intent.Reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (m *RiskManager) remove(id string) {
	m.mu.Lock()
	delete(m.positions, id)
	n := len(m.positions)
	m.mu.Unlock()
	m.metrics.RecordOpenPositions(n)
}
