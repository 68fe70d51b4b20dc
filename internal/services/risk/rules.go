package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// ErrBadLevels is returned when a take-profit schedule is malformed.
var ErrBadLevels = errors.New("risk: invalid take-profit schedule")

const fractionEpsilon = 1e-9

// EvaluatorOption configures Evaluator.
type EvaluatorOption func(*Evaluator)

// Evaluator holds the pure tick-evaluation rules for open positions. It never
// mutates a position itself: Evaluate produces a Decision, the caller
// dispatches the intent to the execution collaborator and commits the
// decision with Apply only after the dispatch was acknowledged.
type Evaluator struct {
	activation float64
	distance   float64
}

// NewEvaluator creates an Evaluator with default trailing parameters
// (activation at +2 percent unrealized profit, 1 percent trail distance).
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		activation: 0.02,
		distance:   0.01,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithActivation sets the unrealized-profit fraction that arms the trailing
// stop.
func WithActivation(frac float64) EvaluatorOption {
	return func(e *Evaluator) {
		e.activation = frac
	}
}

// WithTrailDistance sets the default trail distance as a fraction of the
// water mark. A position carrying its own distance keeps it.
func WithTrailDistance(frac float64) EvaluatorOption {
	return func(e *Evaluator) {
		e.distance = frac
	}
}

// Decision is the outcome of evaluating one tick against one position.
// Intent is nil when no order needs to be placed; Trailing and Stop always
// carry the advanced ratchet state to commit.
type Decision struct {
	Intent   *models.ExitIntent
	Trailing models.TrailingState
	Stop     float64
}

// Evaluate applies the exit rules to a single tick. At most one intent is
// produced: a stop hit yields a full close and wins over everything else,
// then the nearest unfilled take-profit level, then a trailing stop move.
// The stop check runs against the stop as ratcheted by this same tick, so a
// position whose earlier stop updates were lost still closes at the level
// the trail implies rather than the stale stored one.
func (e *Evaluator) Evaluate(p *models.Position, price float64) Decision {
	if p == nil {
		return Decision{}
	}
	d := Decision{Trailing: p.Trailing, Stop: p.StopLoss}
	if p.Status == models.PositionClosed || price <= 0 {
		return d
	}

	d.Trailing, d.Stop = advanceTrailing(p, price, e.activation, e.distance)

	if stopHit(p.Side, price, d.Stop) {
		d.Intent = &models.ExitIntent{
			Kind:      models.EventFullClose,
			Fraction:  remainingFraction(p),
			StopPrice: d.Stop,
			Price:     price,
			Reason:    "stop_loss",
		}
		return d
	}

	if idx, ok := nextTakeProfit(p, price); ok {
		d.Intent = &models.ExitIntent{
			Kind:     models.EventPartialClose,
			Fraction: p.TakeProfits[idx].Fraction,
			Level:    idx,
			Price:    price,
			Reason:   "take_profit",
		}
		return d
	}

	if tightened(p.Side, p.StopLoss, d.Stop) {
		d.Intent = &models.ExitIntent{
			Kind:      models.EventStopUpdated,
			StopPrice: d.Stop,
			Price:     price,
			Reason:    "trailing_stop",
		}
	}
	return d
}

// Apply commits a decision to the position. Callers must only apply a
// decision whose intent was acknowledged by the execution collaborator; a
// rejected dispatch leaves the position untouched by skipping Apply.
func Apply(p *models.Position, d Decision, now time.Time) {
	p.Trailing = d.Trailing

	if d.Intent == nil {
		return
	}

	switch d.Intent.Kind {
	case models.EventFullClose:
		p.Status = models.PositionClosed
		p.ClosedAt = now

	case models.EventPartialClose:
		if d.Intent.Level >= 0 && d.Intent.Level < len(p.TakeProfits) {
			p.TakeProfits[d.Intent.Level].Filled = true
		}
		if remainingFraction(p) <= fractionEpsilon {
			p.Status = models.PositionClosed
			p.ClosedAt = now
		} else {
			p.Status = models.PositionPartiallyClosed
		}

	case models.EventStopUpdated:
		// Ratchet on commit as well: the stop moves only toward profit.
		if p.Side == models.SideLong {
			if d.Stop > p.StopLoss {
				p.StopLoss = d.Stop
			}
		} else {
			if p.StopLoss <= 0 || d.Stop < p.StopLoss {
				p.StopLoss = d.Stop
			}
		}
	}
}

// BuildLevels pairs take-profit prices with quantity fractions into a level
// schedule. Prices must already be ordered nearest-first (ascending for a
// long, descending for a short); fractions must be positive and sum to at
// most 1.0. A missing trailing fraction list defaults to an even split.
func BuildLevels(prices []float64, fractions []float64) ([]models.TakeProfitLevel, error) {
	if len(prices) == 0 {
		return nil, nil
	}
	if len(fractions) == 0 {
		fractions = evenSplit(len(prices))
	}
	if len(fractions) != len(prices) {
		return nil, fmt.Errorf("%w: %d prices but %d fractions", ErrBadLevels, len(prices), len(fractions))
	}

	var sum float64
	levels := make([]models.TakeProfitLevel, 0, len(prices))
	for i, price := range prices {
		if price <= 0 {
			return nil, fmt.Errorf("%w: level %d has price %v", ErrBadLevels, i, price)
		}
		if fractions[i] <= 0 {
			return nil, fmt.Errorf("%w: level %d has fraction %v", ErrBadLevels, i, fractions[i])
		}
		sum += fractions[i]
		levels = append(levels, models.TakeProfitLevel{Price: price, Fraction: fractions[i]})
	}
	if sum > 1.0+fractionEpsilon {
		return nil, fmt.Errorf("%w: fractions sum to %.4f", ErrBadLevels, sum)
	}
	return levels, nil
}

func evenSplit(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0 / float64(n)
	}
	return out
}

func stopHit(side models.PositionSide, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == models.SideLong {
		return price <= stop
	}
	return price >= stop
}

// nextTakeProfit returns the first unfilled level the price has reached.
// Levels are stored nearest-first, so slice order is priority order.
func nextTakeProfit(p *models.Position, price float64) (int, bool) {
	for i, lvl := range p.TakeProfits {
		if lvl.Filled {
			continue
		}
		if p.Side == models.SideLong && price >= lvl.Price {
			return i, true
		}
		if p.Side == models.SideShort && price <= lvl.Price {
			return i, true
		}
		return 0, false
	}
	return 0, false
}

func tightened(side models.PositionSide, oldStop, newStop float64) bool {
	if side == models.SideLong {
		return newStop > oldStop
	}
	return oldStop <= 0 && newStop > 0 || newStop < oldStop && newStop > 0
}

func remainingFraction(p *models.Position) float64 {
	return 1.0 - p.FilledFraction()
}
