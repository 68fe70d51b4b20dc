package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// ErrInsufficientWindow is returned when the supplied window does not match
// the engine's configured lookback.
var ErrInsufficientWindow = errors.New("features: window shorter than lookback")

// featureNames is the fixed output schema. Order is part of the contract:
// the model input layout depends on it.
var featureNames = []string{
	"log_return_1",
	"log_return_4",
	"log_return_16",
	"momentum_10",
	"sma_8_ratio",
	"sma_21_ratio",
	"ema_8_ratio",
	"ema_21_ratio",
	"rsi_14",
	"macd",
	"macd_signal",
	"macd_hist",
	"bb_width_20",
	"bb_position_20",
	"atr_14",
	"realized_vol_24",
	"stoch_k_14",
	"williams_r_14",
	"vwap_ratio",
	"volume_ratio_8",
	"volume_zscore_24",
	"range_norm",
	"close_in_range",
	"body_ratio",
	"upper_shadow",
	"lower_shadow",
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// Engine computes a fixed-size feature vector from a candle window.
// Compute is a pure function of its input: no market state is read or
// written, which keeps concurrent per-symbol runs independent.
type Engine struct {
	lookback  int
	timeframe models.Timeframe
}

// NewEngine creates a feature engine for the given lookback.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		lookback:  96,
		timeframe: models.DefaultTimeframe(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithLookback sets the required window length.
func WithLookback(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.lookback = n
		}
	}
}

// WithTimeframe sets the timeframe used for volatility annualization.
func WithTimeframe(tf models.Timeframe) EngineOption {
	return func(e *Engine) {
		e.timeframe = tf
	}
}

// Lookback returns the required window length.
func (e *Engine) Lookback() int {
	return e.lookback
}

// Dim returns the output vector length.
func (e *Engine) Dim() int {
	return len(featureNames)
}

// Names returns the ordered feature names.
func (e *Engine) Names() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Compute derives the feature vector from a window of exactly Lookback()
// candles, most-recent-last. The result never contains NaN or Inf: any
// indicator lacking history inside the window yields its neutral sentinel,
// and a final sweep replaces residual non-finite values with 0.
func (e *Engine) Compute(window []models.Candle) (*models.FeatureVector, error) {
	if len(window) != e.lookback {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInsufficientWindow, len(window), e.lookback)
	}

	closes := make([]float64, len(window))
	volumes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	last := window[len(window)-1]
	logReturns := ComputeLogReturns(window)

	macd, macdSig, macdHist := MACD(closes)
	bbWidth, bbPos := Bollinger(closes, 20, 2.0)

	values := make([]float64, 0, len(featureNames))
	values = append(values,
		lastLogReturn(logReturns, 1),
		lastLogReturn(logReturns, 4),
		lastLogReturn(logReturns, 16),
		momentum(closes, 10),
		smaRatio(closes, 8),
		smaRatio(closes, 21),
		emaRatio(closes, 8),
		emaRatio(closes, 21),
		RSI(closes, 14),
		macd,
		macdSig,
		macdHist,
		bbWidth,
		bbPos,
		ATR(window, 14),
		RealizedVolatility(logReturns, 24, BarsPerYearForTF(e.timeframe)),
		StochasticK(window, 14),
		WilliamsR(window, 14),
		VWAPRatio(window),
		volumeRatio(volumes, 8),
		VolumeZScore(volumes, 24),
		rangeNorm(last),
		closeInRange(last),
		bodyRatio(last),
		upperShadow(last),
		lowerShadow(last),
	)

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = 0
		}
	}

	return &models.FeatureVector{
		Symbol: last.Symbol,
		AsOf:   last.OpenTime,
		Values: values,
	}, nil
}

// lastLogReturn sums the trailing n log returns (log return over n bars).
func lastLogReturn(logReturns []float64, n int) float64 {
	if n <= 0 || len(logReturns) < n {
		return 0
	}
	sum := 0.0
	for i := len(logReturns) - n; i < len(logReturns); i++ {
		sum += logReturns[i]
	}
	return sum
}

func momentum(closes []float64, n int) float64 {
	if len(closes) < n+1 {
		return 0
	}
	base := closes[len(closes)-1-n]
	if base <= 0 {
		return 0
	}
	return closes[len(closes)-1]/base - 1
}

func smaRatio(closes []float64, period int) float64 {
	sma := SMA(closes, period)
	if sma <= 0 {
		return 0
	}
	return closes[len(closes)-1]/sma - 1
}

func emaRatio(closes []float64, period int) float64 {
	ema := EMA(closes, period)
	if ema <= 0 {
		return 0
	}
	return closes[len(closes)-1]/ema - 1
}

func volumeRatio(volumes []float64, period int) float64 {
	avg := SMA(volumes, period)
	if avg <= 0 {
		return 0
	}
	return volumes[len(volumes)-1]/avg - 1
}

func rangeNorm(c models.Candle) float64 {
	if c.Close <= 0 {
		return 0
	}
	return (c.High - c.Low) / c.Close
}

func closeInRange(c models.Candle) float64 {
	r := c.High - c.Low
	if r <= 0 {
		return NeutralBBPos
	}
	return (c.Close - c.Low) / r
}

func bodyRatio(c models.Candle) float64 {
	r := c.High - c.Low
	if r <= 0 {
		return 0
	}
	return math.Abs(c.Close-c.Open) / r
}

func upperShadow(c models.Candle) float64 {
	r := c.High - c.Low
	if r <= 0 {
		return 0
	}
	top := c.Close
	if c.Open > top {
		top = c.Open
	}
	return (c.High - top) / r
}

func lowerShadow(c models.Candle) float64 {
	r := c.High - c.Low
	if r <= 0 {
		return 0
	}
	bottom := c.Close
	if c.Open < bottom {
		bottom = c.Open
	}
	return (bottom - c.Low) / r
}
