package models

import "time"

// FeatureVector is a fixed-length ordered sequence of numeric features
// computed from a candle window. Derived data: recomputed on demand and
// cached with a short TTL, never treated as a source of truth.
type FeatureVector struct {
	Symbol string    `json:"symbol"`
	AsOf   time.Time `json:"as_of"`
	Values []float64 `json:"values"`
}

// Dim returns the vector length.
func (fv *FeatureVector) Dim() int {
	return len(fv.Values)
}
