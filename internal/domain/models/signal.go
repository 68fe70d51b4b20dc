package models

import "time"

// SignalType is the consolidated trading direction of a signal.
type SignalType string

const (
	SignalLong    SignalType = "LONG"
	SignalShort   SignalType = "SHORT"
	SignalNeutral SignalType = "NEUTRAL"
)

// Signal is the reconciled output of one inference run. The fingerprint is a
// deterministic hash over (symbol, type, strategy, 5-minute bucket) and
// enforces at-most-one-signal-per-bucket.
type Signal struct {
	ID             string
	Symbol         string
	Type           SignalType
	Confidence     float64 // [0,1], already agreement-discounted
	AgreementRatio float64 // fraction of horizons voting with the majority
	Score          float64 // weighted direction score before thresholding
	PrimaryHorizon Horizon
	ReferencePrice float64   // price the levels were derived from
	StopLoss       float64   // suggested stop price, 0 for NEUTRAL
	TakeProfits    []float64 // suggested target prices, nearest first
	StrategyID     string
	Fingerprint    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the signal's dedup window has passed at now.
func (s *Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Actionable reports whether the signal suggests taking a position.
func (s *Signal) Actionable() bool {
	return s.Type == SignalLong || s.Type == SignalShort
}
