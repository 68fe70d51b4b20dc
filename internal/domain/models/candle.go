package models

import "time"

// Candle represents one OHLCV record. The key is (Symbol, Timeframe, OpenTime).
// A candle is immutable once its period has elapsed; the most recent candle may
// still be rewritten in place until then.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closed reports whether the candle's period has fully elapsed at now.
func (c Candle) Closed(now time.Time) bool {
	return !now.Before(c.OpenTime.Add(c.Timeframe.Duration()))
}

// Tick is a single live price update from the exchange stream.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp int64 // unix seconds
}
