package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domsvc "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// RiskAlerter publishes critical risk conditions as alert events and mirrors
// them into the error log, which feeds the log alert collector. Repeats of
// the same key inside the dedup window are logged but not re-published.
type RiskAlerter struct {
	emitter *SignalEmitter
	log     *logger.Logger
	window  time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

var _ domsvc.Alerter = (*RiskAlerter)(nil)

func NewRiskAlerter(emitter *SignalEmitter, log *logger.Logger) *RiskAlerter {
	return &RiskAlerter{
		emitter: emitter,
		log:     log,
		window:  5 * time.Minute,
		seen:    make(map[string]time.Time),
	}
}

// SetWindow overrides the dedup window.
func (a *RiskAlerter) SetWindow(d time.Duration) {
	if d > 0 {
		a.window = d
	}
}

func (a *RiskAlerter) Critical(ctx context.Context, key, message string, fields map[string]interface{}) {
	lf := make([]logger.Field, 0, len(fields)+1)
	lf = append(lf, logger.String("alert_key", key))
	for k, v := range fields {
		lf = append(lf, logger.Any(k, v))
	}
	a.log.Error(message, lf...)

	a.mu.Lock()
	last, dup := a.seen[key]
	now := time.Now()
	if dup && now.Sub(last) < a.window {
		a.mu.Unlock()
		return
	}
	a.seen[key] = now
	for k, t := range a.seen {
		if now.Sub(t) >= a.window {
			delete(a.seen, k)
		}
	}
	a.mu.Unlock()

	ev := &models.PositionEvent{
		ID:        uuid.NewString(),
		Kind:      models.EventAlert,
		Reason:    message,
		Timestamp: now.UTC(),
	}
	if s, ok := fields["symbol"].(string); ok {
		ev.Symbol = s
	}
	if id, ok := fields["position_id"].(string); ok {
		ev.PositionID = id
	}
	if p, ok := fields["price"].(float64); ok {
		ev.Price = p
	}
	a.emitter.EmitEvent(ctx, ev)
}
