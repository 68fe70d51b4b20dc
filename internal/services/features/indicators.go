package features

import (
	"math"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// Neutral sentinel values for indicators that lack enough history inside
// the window. Sentinels keep the vector NaN-free without widening the window.
const (
	NeutralRSI      = 50.0
	NeutralStochK   = 50.0
	NeutralWilliams = -50.0
	NeutralBBPos    = 0.5
)

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(candles)-1, or nil if insufficient data.
func ComputeLogReturns(candles []models.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		cur := candles[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility computes annualized realized volatility over a rolling window
// using the provided number of bars per year. Returns the latest window sigma.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for i := len(logReturns) - window; i < len(logReturns); i++ {
		r := logReturns[i]
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	// annualize
	return math.Sqrt(variance * barsPerYear)
}

// BarsPerYearForTF returns the approximate number of bars per year for a timeframe.
func BarsPerYearForTF(tf models.Timeframe) float64 {
	switch tf {
	case models.TF1m:
		return 365 * 24 * 60
	case models.TF5m:
		return 365 * 24 * 12
	case models.TF15m:
		return 365 * 24 * 4
	case models.TF1h:
		return 365 * 24
	default:
		return 365 * 24 * 4
	}
}

// SMA returns the simple moving average of the last `period` values,
// or 0 if there is not enough data.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of the last value, seeded with
// an SMA over the first `period` values. Returns 0 if not enough data.
func EMA(values []float64, period int) float64 {
	s := emaSeries(values, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// emaSeries computes the EMA series starting at index period-1.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out = append(out, seed)
	k := 2.0 / (float64(period) + 1.0)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1.0-k)
		out = append(out, prev)
	}
	return out
}

// RSI computes the Wilder relative strength index over `period` bars.
// Returns NeutralRSI when the window is too short.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return NeutralRSI
	}
	gain := 0.0
	loss := 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return NeutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD computes the 12/26/9 MACD line, signal line, and histogram,
// each normalized by the last close. All zero when history is too short.
func MACD(closes []float64) (macd, signal, hist float64) {
	const fast, slow, sig = 12, 26, 9
	if len(closes) < slow {
		return 0, 0, 0
	}
	last := closes[len(closes)-1]
	if last <= 0 {
		return 0, 0, 0
	}

	fastS := emaSeries(closes, fast)
	slowS := emaSeries(closes, slow)
	// align: slowS[i] corresponds to fastS[i+(slow-fast)]
	offset := slow - fast
	n := len(slowS)
	macdS := make([]float64, n)
	for i := 0; i < n; i++ {
		macdS[i] = fastS[i+offset] - slowS[i]
	}
	macd = macdS[n-1] / last

	sigS := emaSeries(macdS, sig)
	if len(sigS) == 0 {
		return macd, 0, 0
	}
	signal = sigS[len(sigS)-1] / last
	hist = macd - signal
	return macd, signal, hist
}

// Bollinger computes band width (upper-lower)/mid and the close position
// within the band in [0,1]. Neutral: width 0, position NeutralBBPos.
func Bollinger(closes []float64, period int, k float64) (width, position float64) {
	if period <= 1 || len(closes) < period {
		return 0, NeutralBBPos
	}
	mid := SMA(closes, period)
	if mid <= 0 {
		return 0, NeutralBBPos
	}
	sum2 := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - mid
		sum2 += d * d
	}
	sd := math.Sqrt(sum2 / float64(period))
	upper := mid + k*sd
	lower := mid - k*sd
	width = (upper - lower) / mid
	if upper == lower {
		return 0, NeutralBBPos
	}
	last := closes[len(closes)-1]
	position = (last - lower) / (upper - lower)
	if position < 0 {
		position = 0
	}
	if position > 1 {
		position = 1
	}
	return width, position
}

// ATR computes the Wilder average true range over `period` bars,
// normalized by the last close. Returns 0 when history is too short.
func ATR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h := candles[i].High
		l := candles[i].Low
		pc := candles[i-1].Close
		tr := h - l
		if d := math.Abs(h - pc); d > tr {
			tr = d
		}
		if d := math.Abs(l - pc); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return 0
	}
	return atr / last
}

// StochasticK computes %K over `period` bars. Neutral when flat or short.
func StochasticK(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return NeutralStochK
	}
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for i := len(candles) - period; i < len(candles); i++ {
		if candles[i].High > hi {
			hi = candles[i].High
		}
		if candles[i].Low < lo {
			lo = candles[i].Low
		}
	}
	if hi == lo {
		return NeutralStochK
	}
	last := candles[len(candles)-1].Close
	return 100 * (last - lo) / (hi - lo)
}

// WilliamsR computes %R over `period` bars. Neutral when flat or short.
func WilliamsR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return NeutralWilliams
	}
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for i := len(candles) - period; i < len(candles); i++ {
		if candles[i].High > hi {
			hi = candles[i].High
		}
		if candles[i].Low < lo {
			lo = candles[i].Low
		}
	}
	if hi == lo {
		return NeutralWilliams
	}
	last := candles[len(candles)-1].Close
	return -100 * (hi - last) / (hi - lo)
}

// VWAPRatio computes close/VWAP - 1 over the whole window, using the
// typical price (H+L+C)/3. Returns 0 when total volume is zero.
func VWAPRatio(candles []models.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
	}
	if vol <= 0 {
		return 0
	}
	vwap := pv / vol
	if vwap <= 0 {
		return 0
	}
	return candles[len(candles)-1].Close/vwap - 1
}

// VolumeZScore computes the z-score of the last volume against the trailing
// `window` volumes. Returns 0 when variance is zero or history is too short.
func VolumeZScore(volumes []float64, window int) float64 {
	if window <= 1 || len(volumes) < window {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for i := len(volumes) - window; i < len(volumes); i++ {
		v := volumes[i]
		sum += v
		sum2 += v * v
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance <= 0 {
		return 0
	}
	return (volumes[len(volumes)-1] - mean) / math.Sqrt(variance)
}
