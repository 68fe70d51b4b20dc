package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

func makeWindow(symbol string, n int, closeAt func(i int) float64) []models.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := closeAt(i)
		out = append(out, models.Candle{
			Symbol:    symbol,
			Timeframe: models.TF15m,
			OpenTime:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c * 0.999,
			High:      c * 1.002,
			Low:       c * 0.997,
			Close:     c,
			Volume:    1000 + float64(i%7)*50,
		})
	}
	return out
}

func TestComputeRejectsWrongWindowLength(t *testing.T) {
	e := NewEngine(WithLookback(96))

	_, err := e.Compute(makeWindow("BTCUSDT", 95, func(i int) float64 { return 100 }))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientWindow))

	_, err = e.Compute(makeWindow("BTCUSDT", 97, func(i int) float64 { return 100 }))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientWindow))
}

func TestComputeFixedLengthNoNaN(t *testing.T) {
	e := NewEngine(WithLookback(96), WithTimeframe(models.TF15m))

	window := makeWindow("BTCUSDT", 96, func(i int) float64 {
		return 100 + 5*math.Sin(float64(i)/7) + float64(i)*0.1
	})

	fv, err := e.Compute(window)
	require.NoError(t, err)
	require.NotNil(t, fv)

	assert.Equal(t, "BTCUSDT", fv.Symbol)
	assert.Equal(t, e.Dim(), fv.Dim())
	assert.Equal(t, len(e.Names()), fv.Dim())
	assert.Equal(t, window[95].OpenTime, fv.AsOf)

	for i, v := range fv.Values {
		assert.False(t, math.IsNaN(v), "feature %s is NaN", e.Names()[i])
		assert.False(t, math.IsInf(v, 0), "feature %s is Inf", e.Names()[i])
	}
}

func TestComputeIsPure(t *testing.T) {
	e := NewEngine(WithLookback(96))
	window := makeWindow("ETHUSDT", 96, func(i int) float64 {
		return 2000 + 30*math.Cos(float64(i)/5)
	})

	a, err := e.Compute(window)
	require.NoError(t, err)
	b, err := e.Compute(window)
	require.NoError(t, err)

	assert.Equal(t, a.Values, b.Values)
}

func TestComputeDistinctHistoriesDiffer(t *testing.T) {
	e := NewEngine(WithLookback(96))

	rising := makeWindow("BTCUSDT", 96, func(i int) float64 { return 100 + float64(i) })
	falling := makeWindow("ETHUSDT", 96, func(i int) float64 { return 200 - float64(i) })

	a, err := e.Compute(rising)
	require.NoError(t, err)
	b, err := e.Compute(falling)
	require.NoError(t, err)

	differs := false
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			differs = true
			break
		}
	}
	assert.True(t, differs, "distinct histories produced identical vectors")
}

func TestComputeFlatWindowUsesSentinels(t *testing.T) {
	e := NewEngine(WithLookback(96))

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	window := make([]models.Candle, 0, 96)
	for i := 0; i < 96; i++ {
		window = append(window, models.Candle{
			Symbol:    "FLATUSDT",
			Timeframe: models.TF15m,
			OpenTime:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      100,
			High:      100,
			Low:       100,
			Close:     100,
			Volume:    0,
		})
	}

	fv, err := e.Compute(window)
	require.NoError(t, err)

	byName := make(map[string]float64, fv.Dim())
	for i, name := range e.Names() {
		byName[name] = fv.Values[i]
	}

	assert.Equal(t, NeutralRSI, byName["rsi_14"])
	assert.Equal(t, NeutralBBPos, byName["bb_position_20"])
	assert.Equal(t, NeutralStochK, byName["stoch_k_14"])
	assert.Equal(t, NeutralWilliams, byName["williams_r_14"])
	assert.Equal(t, 0.0, byName["macd"])
	assert.Equal(t, 0.0, byName["volume_zscore_24"])

	for i, v := range fv.Values {
		assert.False(t, math.IsNaN(v), "feature %s is NaN", e.Names()[i])
		assert.False(t, math.IsInf(v, 0), "feature %s is Inf", e.Names()[i])
	}
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	assert.InDelta(t, 100, RSI(rising, 14), 1e-9)

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	assert.InDelta(t, 0, RSI(falling, 14), 1e-9)

	short := []float64{1, 2, 3}
	assert.Equal(t, NeutralRSI, RSI(short, 14))
}

func TestBollingerPositionBounds(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + 3*math.Sin(float64(i))
	}
	width, pos := Bollinger(closes, 20, 2.0)
	assert.Greater(t, width, 0.0)
	assert.GreaterOrEqual(t, pos, 0.0)
	assert.LessOrEqual(t, pos, 1.0)
}
