package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mkPred(symbol string, dirs []models.Direction, confs, rets []float64) *models.ModelPrediction {
	horizons := models.Horizons()
	pred := &models.ModelPrediction{
		Symbol:    symbol,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	for i, h := range horizons {
		probs := [3]float64{}
		probs[dirs[i]] = confs[i]
		pred.Horizons = append(pred.Horizons, models.HorizonPrediction{
			Horizon:    h,
			Return:     rets[i],
			Direction:  dirs[i],
			Probs:      probs,
			Confidence: confs[i],
		})
	}
	return pred
}

func TestReconcileRisingClosesYieldsLong(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)
	r := NewReconciler(WithClock(fixedClock(at)))

	// Three horizons vote up, the longest votes flat.
	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirUp, models.DirFlat},
		[]float64{0.8, 0.7, 0.65, 0.5},
		[]float64{0.012, 0.018, 0.025, 0.004},
	)

	sig, err := r.Reconcile(pred, 150.0)
	require.NoError(t, err)

	assert.Equal(t, models.SignalLong, sig.Type)
	assert.GreaterOrEqual(t, sig.Confidence, 0.35)
	assert.InDelta(t, 0.75, sig.AgreementRatio, 1e-9)
	assert.InDelta(t, 1.9, sig.Score, 1e-9)
	assert.Equal(t, models.Horizon15m, sig.PrimaryHorizon)

	// Long: stop below reference, targets above, ascending.
	assert.Less(t, sig.StopLoss, 150.0)
	require.Len(t, sig.TakeProfits, 3)
	assert.Greater(t, sig.TakeProfits[0], 150.0)
	assert.Less(t, sig.TakeProfits[0], sig.TakeProfits[1])
	assert.Less(t, sig.TakeProfits[1], sig.TakeProfits[2])

	assert.True(t, sig.Actionable())
	assert.Equal(t, at, sig.CreatedAt)
	assert.Equal(t, at.Add(15*time.Minute), sig.ExpiresAt)
}

func TestReconcileIsPure(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)
	r := NewReconciler(WithClock(fixedClock(at)))

	pred := mkPred("ETHUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirFlat, models.DirDown},
		[]float64{0.6, 0.55, 0.5, 0.4},
		[]float64{0.01, 0.008, 0.001, -0.006},
	)

	a, err := r.Reconcile(pred, 2000)
	require.NoError(t, err)
	b, err := r.Reconcile(pred, 2000)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestReconcileConfidenceFloorDemotes(t *testing.T) {
	r := NewReconciler(WithClock(fixedClock(time.Now())))

	// All horizons agree but the model is unsure: confidence 0.2 < 0.35 floor.
	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirUp, models.DirUp},
		[]float64{0.2, 0.2, 0.2, 0.2},
		[]float64{0.01, 0.01, 0.01, 0.01},
	)

	sig, err := r.Reconcile(pred, 100)
	require.NoError(t, err)

	assert.Equal(t, models.SignalNeutral, sig.Type)
	assert.Zero(t, sig.StopLoss)
	assert.Empty(t, sig.TakeProfits)
	assert.False(t, sig.Actionable())
}

func TestReconcileAgreementFloorDemotes(t *testing.T) {
	r := NewReconciler(
		WithClock(fixedClock(time.Now())),
		WithFloors(0.1, 0.8),
	)

	// Score crosses the LONG threshold but only 3 of 4 horizons agree.
	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirUp, models.DirDown},
		[]float64{0.9, 0.9, 0.9, 0.9},
		[]float64{0.02, 0.02, 0.02, -0.02},
	)

	sig, err := r.Reconcile(pred, 100)
	require.NoError(t, err)
	assert.Equal(t, models.SignalNeutral, sig.Type)
}

func TestReconcileShortLevels(t *testing.T) {
	r := NewReconciler(WithClock(fixedClock(time.Now())))

	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirDown, models.DirDown, models.DirDown, models.DirDown},
		[]float64{0.8, 0.8, 0.7, 0.6},
		[]float64{-0.30, -0.10, -0.05, 0.20},
	)

	sig, err := r.Reconcile(pred, 100)
	require.NoError(t, err)
	require.Equal(t, models.SignalShort, sig.Type)

	// Short: stop above reference clamped to the 5% band cap.
	assert.InDelta(t, 105.0, sig.StopLoss, 1e-9)
	require.Len(t, sig.TakeProfits, 3)
	assert.InDelta(t, 97.5, sig.TakeProfits[0], 1e-9)
	assert.InDelta(t, 96.25, sig.TakeProfits[1], 1e-9)
	assert.InDelta(t, 95.0, sig.TakeProfits[2], 1e-9)
}

func TestReconcileClampsDegenerateLevels(t *testing.T) {
	r := NewReconciler(WithClock(fixedClock(time.Now())))

	// Near-zero predicted returns must not produce a zero-width stop.
	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirUp, models.DirUp},
		[]float64{0.9, 0.9, 0.9, 0.9},
		[]float64{0.0001, 0.0001, 0.0001, 0.0001},
	)

	sig, err := r.Reconcile(pred, 100)
	require.NoError(t, err)
	require.Equal(t, models.SignalLong, sig.Type)
	assert.InDelta(t, 99.5, sig.StopLoss, 1e-9)
	assert.InDelta(t, 100.5, sig.TakeProfits[2], 1e-9)
}

func TestReconcileThresholdBoundaryIsNeutral(t *testing.T) {
	r := NewReconciler(
		WithClock(fixedClock(time.Now())),
		WithWeights(map[models.Horizon]float64{
			models.Horizon15m: 0.25,
			models.Horizon1h:  0.25,
			models.Horizon4h:  0.25,
			models.Horizon12h: 0.25,
		}),
	)

	// Score lands exactly on the high threshold: strictly-greater applies.
	pred := mkPred("BTCUSDT",
		[]models.Direction{models.DirUp, models.DirUp, models.DirFlat, models.DirFlat},
		[]float64{0.9, 0.9, 0.9, 0.9},
		[]float64{0.01, 0.01, 0, 0},
	)

	sig, err := r.Reconcile(pred, 100)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sig.Score, 1e-9)
	assert.Equal(t, models.SignalNeutral, sig.Type)
}

func TestReconcileEmptyPrediction(t *testing.T) {
	r := NewReconciler()

	_, err := r.Reconcile(nil, 100)
	assert.ErrorIs(t, err, ErrEmptyPrediction)

	_, err = r.Reconcile(&models.ModelPrediction{Symbol: "BTCUSDT"}, 100)
	assert.ErrorIs(t, err, ErrEmptyPrediction)
}

func TestFingerprintBuckets(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)

	a := Fingerprint("BTCUSDT", models.SignalLong, "patchtst-v1", base)
	b := Fingerprint("BTCUSDT", models.SignalLong, "patchtst-v1", base.Add(2*time.Minute))
	assert.Equal(t, a, b, "same 5-minute bucket must collide")

	c := Fingerprint("BTCUSDT", models.SignalLong, "patchtst-v1", base.Add(5*time.Minute))
	assert.NotEqual(t, a, c, "next bucket must differ")

	d := Fingerprint("BTCUSDT", models.SignalShort, "patchtst-v1", base)
	assert.NotEqual(t, a, d, "signal type is part of the fingerprint")

	e := Fingerprint("ETHUSDT", models.SignalLong, "patchtst-v1", base)
	assert.NotEqual(t, a, e, "symbol is part of the fingerprint")
}
