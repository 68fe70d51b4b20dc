package reconcile

import (
	"errors"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// ErrEmptyPrediction is returned when a prediction carries no horizons or
// none of them has a configured weight.
var ErrEmptyPrediction = errors.New("reconcile: prediction has no weighted horizons")

// ReconcilerOption configures Reconciler.
type ReconcilerOption func(*Reconciler)

// Reconciler folds per-horizon predictions into one signal. Configuration is
// immutable after construction; reloading means building a new instance, so
// concurrent symbol runs never observe weights mid-change.
type Reconciler struct {
	weights       map[models.Horizon]float64
	lowThreshold  float64
	highThreshold float64
	minConfidence float64
	minAgreement  float64
	minLevelFrac  float64
	maxLevelFrac  float64
	tpLadder      []float64
	strategyID    string
	signalTTL     time.Duration
	now           func() time.Time
}

// NewReconciler creates a reconciler with defaults: weights favor the
// shortest horizon, symmetric thresholds around the neutral midpoint 1.0.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		weights: map[models.Horizon]float64{
			models.Horizon15m: 0.4,
			models.Horizon1h:  0.3,
			models.Horizon4h:  0.2,
			models.Horizon12h: 0.1,
		},
		lowThreshold:  0.5,
		highThreshold: 1.5,
		minConfidence: 0.35,
		minAgreement:  0.5,
		minLevelFrac:  0.005,
		maxLevelFrac:  0.05,
		tpLadder:      []float64{0.5, 0.75, 1.0},
		strategyID:    "patchtst-v1",
		signalTTL:     15 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithWeights sets per-horizon weights.
func WithWeights(w map[models.Horizon]float64) ReconcilerOption {
	return func(r *Reconciler) {
		if len(w) > 0 {
			r.weights = w
		}
	}
}

// WithThresholds sets the direction score thresholds.
func WithThresholds(low, high float64) ReconcilerOption {
	return func(r *Reconciler) {
		if low < high {
			r.lowThreshold = low
			r.highThreshold = high
		}
	}
}

// WithFloors sets the minimum confidence and agreement floors.
func WithFloors(minConfidence, minAgreement float64) ReconcilerOption {
	return func(r *Reconciler) {
		r.minConfidence = minConfidence
		r.minAgreement = minAgreement
	}
}

// WithLevelBand sets the SL/TP distance clamp band as price fractions.
func WithLevelBand(min, max float64) ReconcilerOption {
	return func(r *Reconciler) {
		if min > 0 && max >= min {
			r.minLevelFrac = min
			r.maxLevelFrac = max
		}
	}
}

// WithTakeProfitLadder sets the take-profit rungs as fractions of the full
// clamped take-profit distance, ascending.
func WithTakeProfitLadder(ladder []float64) ReconcilerOption {
	return func(r *Reconciler) {
		if len(ladder) > 0 {
			r.tpLadder = ladder
		}
	}
}

// WithStrategyID sets the strategy identifier baked into fingerprints.
func WithStrategyID(id string) ReconcilerOption {
	return func(r *Reconciler) {
		if id != "" {
			r.strategyID = id
		}
	}
}

// WithSignalTTL sets how long an emitted signal stays actionable.
func WithSignalTTL(ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if ttl > 0 {
			r.signalTTL = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconcile folds the prediction into a signal. refPrice anchors the
// suggested stop-loss and take-profit prices and is normally the close of
// the window's last candle. Given identical inputs and clock bucket the
// output is identical except for the caller-assigned ID.
func (r *Reconciler) Reconcile(pred *models.ModelPrediction, refPrice float64) (*models.Signal, error) {
	if pred == nil || len(pred.Horizons) == 0 {
		return nil, ErrEmptyPrediction
	}

	var (
		totalWeight  float64
		score        float64
		weightedConf float64
		votes        = make(map[models.Direction]int, 3)
		voteWeight   = make(map[models.Direction]float64, 3)
		minReturn    = pred.Horizons[0].Return
		maxReturn    = pred.Horizons[0].Return
	)

	for _, h := range pred.Horizons {
		w, ok := r.weights[h.Horizon]
		if !ok || w <= 0 {
			continue
		}
		totalWeight += w
		score += w * float64(h.Direction)
		weightedConf += w * h.Confidence
		votes[h.Direction]++
		voteWeight[h.Direction] += w
		if h.Return < minReturn {
			minReturn = h.Return
		}
		if h.Return > maxReturn {
			maxReturn = h.Return
		}
	}
	if totalWeight <= 0 {
		return nil, ErrEmptyPrediction
	}

	// Normalizing by total weight keeps the score in [0,2] with midpoint 1.0
	// even when the configured weights do not sum exactly to 1.
	score /= totalWeight
	weightedConf /= totalWeight

	majority := majorityDirection(votes, voteWeight)
	agreement := float64(votes[majority]) / float64(countVotes(votes))

	confidence := weightedConf * agreement
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	sigType := models.SignalNeutral
	switch {
	case score < r.lowThreshold:
		sigType = models.SignalShort
	case score > r.highThreshold:
		sigType = models.SignalLong
	}

	// Floors demote rather than reject: a weak LONG is a NEUTRAL, not an error.
	if sigType != models.SignalNeutral {
		if confidence < r.minConfidence || agreement < r.minAgreement {
			sigType = models.SignalNeutral
		}
	}

	now := r.now()
	sig := &models.Signal{
		Symbol:         pred.Symbol,
		Type:           sigType,
		Confidence:     confidence,
		AgreementRatio: agreement,
		Score:          score,
		PrimaryHorizon: r.primaryHorizon(pred, sigType),
		ReferencePrice: refPrice,
		StrategyID:     r.strategyID,
		Fingerprint:    Fingerprint(pred.Symbol, sigType, r.strategyID, now),
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.signalTTL),
	}

	if sigType != models.SignalNeutral && refPrice > 0 {
		stopDist, tpDist := r.levelDistances(sigType, minReturn, maxReturn)
		if sigType == models.SignalLong {
			sig.StopLoss = refPrice * (1 - stopDist)
			sig.TakeProfits = r.ladderPrices(refPrice, tpDist, true)
		} else {
			sig.StopLoss = refPrice * (1 + stopDist)
			sig.TakeProfits = r.ladderPrices(refPrice, tpDist, false)
		}
	}

	return sig, nil
}

// levelDistances derives stop and take-profit distances from the extreme
// predicted returns, clamped to the configured band.
func (r *Reconciler) levelDistances(sigType models.SignalType, minReturn, maxReturn float64) (stopDist, tpDist float64) {
	if sigType == models.SignalLong {
		stopDist = clampFrac(abs(minReturn), r.minLevelFrac, r.maxLevelFrac)
		tpDist = clampFrac(abs(maxReturn), r.minLevelFrac, r.maxLevelFrac)
		return stopDist, tpDist
	}
	stopDist = clampFrac(abs(maxReturn), r.minLevelFrac, r.maxLevelFrac)
	tpDist = clampFrac(abs(minReturn), r.minLevelFrac, r.maxLevelFrac)
	return stopDist, tpDist
}

// ladderPrices spreads the take-profit distance over the configured rungs.
func (r *Reconciler) ladderPrices(refPrice, tpDist float64, long bool) []float64 {
	out := make([]float64, 0, len(r.tpLadder))
	for _, frac := range r.tpLadder {
		d := tpDist * frac
		if long {
			out = append(out, refPrice*(1+d))
		} else {
			out = append(out, refPrice*(1-d))
		}
	}
	return out
}

// primaryHorizon picks the highest-weight horizon agreeing with the final
// direction, falling back to the highest-weight horizon overall.
func (r *Reconciler) primaryHorizon(pred *models.ModelPrediction, sigType models.SignalType) models.Horizon {
	var (
		best       models.Horizon
		bestW      = -1.0
		bestAny    models.Horizon
		bestAnyW   = -1.0
		wantedDir  models.Direction
		haveWanted bool
	)
	switch sigType {
	case models.SignalLong:
		wantedDir, haveWanted = models.DirUp, true
	case models.SignalShort:
		wantedDir, haveWanted = models.DirDown, true
	}

	for _, h := range pred.Horizons {
		w := r.weights[h.Horizon]
		if w > bestAnyW {
			bestAnyW = w
			bestAny = h.Horizon
		}
		if haveWanted && h.Direction == wantedDir && w > bestW {
			bestW = w
			best = h.Horizon
		}
	}
	if haveWanted && bestW >= 0 {
		return best
	}
	return bestAny
}

func majorityDirection(votes map[models.Direction]int, voteWeight map[models.Direction]float64) models.Direction {
	best := models.DirFlat
	bestVotes := -1
	for _, d := range []models.Direction{models.DirDown, models.DirFlat, models.DirUp} {
		v, ok := votes[d]
		if !ok {
			continue
		}
		if v > bestVotes || (v == bestVotes && voteWeight[d] > voteWeight[best]) {
			best = d
			bestVotes = v
		}
	}
	return best
}

func countVotes(votes map[models.Direction]int) int {
	n := 0
	for _, v := range votes {
		n += v
	}
	if n == 0 {
		return 1
	}
	return n
}

func clampFrac(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
