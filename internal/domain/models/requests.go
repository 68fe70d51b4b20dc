package models

// Requests for the pipeline HTTP endpoints. Defined in domain for consistency and reuse.

type CandlesRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
	N      int    `query:"n" json:"n" default:"96" validate:"gte=1,lte=1000"`
	TF     string `query:"tf" json:"tf" default:"15m" validate:"oneof=1m 5m 15m 1h"`
}

type SignalsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
	Limit  int    `query:"limit" json:"limit" default:"20" validate:"gte=1,lte=500"`
}

type PositionsRequest struct {
	Symbol string `query:"symbol" json:"symbol"`
	Status string `query:"status" json:"status" default:"OPEN" validate:"oneof=OPEN PARTIALLY_CLOSED CLOSED all"`
}

type AddSymbolRequest struct {
	Symbol string `json:"symbol" validate:"required,min=5,max=20"`
}
