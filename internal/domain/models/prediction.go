package models

import "time"

// Direction is a per-horizon directional class. The integer values matter:
// the reconciler scores horizons as weight * int(direction).
type Direction int

const (
	DirDown Direction = 0
	DirFlat Direction = 1
	DirUp   Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirDown:
		return "down"
	case DirUp:
		return "up"
	default:
		return "flat"
	}
}

// Horizon is a forward-looking prediction window.
type Horizon string

const (
	Horizon15m Horizon = "15m"
	Horizon1h  Horizon = "1h"
	Horizon4h  Horizon = "4h"
	Horizon12h Horizon = "12h"
)

// Horizons returns the model's horizons in ascending order. Output decoding
// and horizon weights both rely on this ordering.
func Horizons() []Horizon {
	return []Horizon{Horizon15m, Horizon1h, Horizon4h, Horizon12h}
}

// Minutes returns the horizon length in minutes.
func (h Horizon) Minutes() int {
	switch h {
	case Horizon15m:
		return 15
	case Horizon1h:
		return 60
	case Horizon4h:
		return 240
	case Horizon12h:
		return 720
	default:
		return 0
	}
}

// HorizonPrediction is the decoded model output for a single horizon.
type HorizonPrediction struct {
	Horizon    Horizon
	Return     float64    // predicted fractional return over the horizon
	Direction  Direction  // argmax over Probs
	Probs      [3]float64 // class probabilities: down, flat, up
	Confidence float64    // max class probability
}

// ModelPrediction is one inference result. Immutable once produced.
type ModelPrediction struct {
	Symbol    string
	Timestamp time.Time
	Horizons  []HorizonPrediction // ascending horizon order
}
