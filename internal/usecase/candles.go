package usecase

import (
	"context"
	"fmt"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
)

// CandlesUseCase serves candle windows to the API. Reads go to the in-memory
// cache first and fall back to the archive when the cache cannot satisfy the
// request, so the endpoint stays useful right after a restart.
type CandlesUseCase struct {
	windows CandleWindows
	archive domrepo.CandleArchive
}

func NewCandlesUseCase(windows CandleWindows, archive domrepo.CandleArchive) *CandlesUseCase {
	return &CandlesUseCase{windows: windows, archive: archive}
}

type GetCandlesParams struct {
	Symbol    string
	Timeframe models.Timeframe
	Limit     int
}

type GetCandlesResult struct {
	Symbol    string
	Timeframe string
	Count     int
	Candles   []models.Candle
}

func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	tf := models.NormalizeTimeframe(string(p.Timeframe))
	if p.Limit <= 0 {
		p.Limit = 200
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}

	candles, err := uc.windows.GetWindow(ctx, p.Symbol, tf, p.Limit)
	if err != nil && uc.archive != nil {
		candles, err = uc.archive.GetLatestNCandles(ctx, p.Symbol, p.Limit, tf)
	}
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}

	return &GetCandlesResult{
		Symbol:    p.Symbol,
		Timeframe: string(tf),
		Count:     len(candles),
		Candles:   candles,
	}, nil
}
