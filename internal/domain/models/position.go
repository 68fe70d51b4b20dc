package models

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PositionStatus tracks a position through its exit lifecycle.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// TakeProfitLevel is one partial-exit target. Levels fire at most once.
type TakeProfitLevel struct {
	Price    float64
	Fraction float64 // fraction of the original quantity to close
	Filled   bool
}

// TrailingState holds the ratchet state of a trailing stop. Once Active, the
// stop only ever tightens toward the water mark, never loosens.
type TrailingState struct {
	Active    bool
	HighWater float64 // highest price seen since activation (long)
	LowWater  float64 // lowest price seen since activation (short)
	Distance  float64 // trail distance as a fraction of the water mark
}

// Position is one tracked exchange position. Created when an entry fill
// arrives; owned exclusively by the risk manager afterwards.
type Position struct {
	ID          string
	Symbol      string
	Side        PositionSide
	EntryPrice  float64
	Quantity    float64
	StopLoss    float64
	TakeProfits []TakeProfitLevel // ascending targets for long, descending for short
	Trailing    TrailingState
	Status      PositionStatus
	SignalID    string
	OpenedAt    time.Time
	ClosedAt    time.Time // zero until fully closed
}

// FilledFraction returns the total fraction already closed via take-profits.
func (p *Position) FilledFraction() float64 {
	var sum float64
	for _, tp := range p.TakeProfits {
		if tp.Filled {
			sum += tp.Fraction
		}
	}
	return sum
}

// ProfitFraction returns the unrealized move from entry at price, signed so
// that favorable moves are positive for both sides.
func (p *Position) ProfitFraction(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		move = -move
	}
	return move
}

// EventKind classifies position lifecycle events.
type EventKind string

const (
	EventOpened            EventKind = "opened"
	EventPartialClose      EventKind = "partial_close"
	EventFullClose         EventKind = "full_close"
	EventStopUpdated       EventKind = "stop_updated"
	EventTrailingActivated EventKind = "trailing_activated"
	EventAlert             EventKind = "alert"
)

// PositionEvent is an audit record emitted for every risk-manager decision.
// Persistence of events is fire-and-forget.
type PositionEvent struct {
	ID         string
	PositionID string
	Symbol     string
	Kind       EventKind
	Price      float64
	Fraction   float64
	StopPrice  float64
	Reason     string
	Timestamp  time.Time
}

// ExitIntent is a single decision the risk manager wants executed. At most
// one intent per position is produced per tick; a full close always wins
// over a partial close or a stop move.
type ExitIntent struct {
	Kind      EventKind // full_close, partial_close or stop_updated
	Fraction  float64   // quantity fraction for partial_close
	Level     int       // take-profit level index for partial_close
	StopPrice float64   // new stop for stop_updated
	Price     float64   // tick price that triggered the intent
	Reason    string
}
