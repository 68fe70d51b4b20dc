package risk

import (
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// advanceTrailing returns the trailing state and effective stop for a tick at
// price. Activation requires unrealized profit above the activation fraction;
// afterwards the water mark follows favorable price moves and the stop is the
// max (long) or min (short) of the stored stop and the trailed candidate. The
// ratchet is a comparison, never an assignment, so the stop cannot loosen.
func advanceTrailing(p *models.Position, price, activation, distance float64) (models.TrailingState, float64) {
	ts := p.Trailing
	stop := p.StopLoss

	if !ts.Active {
		if p.ProfitFraction(price) <= activation {
			return ts, stop
		}
		ts.Active = true
		if ts.Distance <= 0 {
			ts.Distance = distance
		}
		if p.Side == models.SideLong {
			ts.HighWater = price
		} else {
			ts.LowWater = price
		}
	} else {
		if p.Side == models.SideLong && price > ts.HighWater {
			ts.HighWater = price
		}
		if p.Side == models.SideShort && price < ts.LowWater {
			ts.LowWater = price
		}
	}

	if p.Side == models.SideLong {
		candidate := ts.HighWater * (1 - ts.Distance)
		if candidate > stop {
			stop = candidate
		}
		return ts, stop
	}

	candidate := ts.LowWater * (1 + ts.Distance)
	if stop <= 0 || candidate < stop {
		stop = candidate
	}
	return ts, stop
}
