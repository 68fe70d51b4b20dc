package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	icache "github.com/obertruper/BOT-AI-V3-sub001/internal/service/cache"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/service/metrics"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/service/ratelimit"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/usecase"
	xhttp "github.com/obertruper/BOT-AI-V3-sub001/pkg/http"
	xlogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// SchedulerControl is the runtime view the API needs into the scheduler.
type SchedulerControl interface {
	Status() map[string]usecase.SymbolStatus
	Symbols() []string
	AddSymbol(symbol string) bool
	RemoveSymbol(symbol string) bool
}

// PositionBook exposes the live positions snapshot.
type PositionBook interface {
	Positions() []models.Position
}

// StreamStatus reports exchange stream connectivity for health checks.
type StreamStatus interface {
	IsConnected() bool
}

// PipelineHandler serves the pipeline's read API: recent signals, candle
// windows, the live position book and scheduler state, plus runtime symbol
// management.
type PipelineHandler struct {
	logger    *xlogger.Logger
	signals   domrepo.SignalStore
	candles   *usecase.CandlesUseCase
	positions PositionBook
	sched     SchedulerControl
	stream    StreamStatus

	cache      icache.BytesCache
	rl         *ratelimit.Limiter
	rateCap    float64
	rateRefill float64
}

func NewPipelineHandler(
	logger *xlogger.Logger,
	signals domrepo.SignalStore,
	candles *usecase.CandlesUseCase,
	positions PositionBook,
	sched SchedulerControl,
	stream StreamStatus,
) *PipelineHandler {
	metrics.Register()
	return &PipelineHandler{
		logger:     logger,
		signals:    signals,
		candles:    candles,
		positions:  positions,
		sched:      sched,
		stream:     stream,
		rl:         ratelimit.New(),
		rateCap:    5,
		rateRefill: 2,
	}
}

// SetCache enables response caching for the read endpoints.
func (h *PipelineHandler) SetCache(c icache.BytesCache) { h.cache = c }

// SetRateLimit overrides the per-client token bucket parameters.
func (h *PipelineHandler) SetRateLimit(capacity, refillPerSec float64) {
	if capacity > 0 {
		h.rateCap = capacity
	}
	if refillPerSec > 0 {
		h.rateRefill = refillPerSec
	}
}

func (h *PipelineHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api")
	g.GET("/signals", h.Signals)
	g.GET("/candles", h.Candles)
	g.GET("/positions", h.Positions)
	g.GET("/scheduler", h.SchedulerStatus)
	g.POST("/symbols", h.AddSymbol)
	g.DELETE("/symbols/:symbol", h.RemoveSymbol)
}

func (h *PipelineHandler) Signals(c echo.Context) error {
	start := time.Now()
	endpoint := "signals"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.SignalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.allow(c, endpoint) {
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}

	cacheKey := "signals:" + req.Symbol + ":" + strconv.Itoa(req.Limit)
	if raw, ok := h.cached(endpoint, cacheKey); ok {
		return xhttp.SuccessResponse(c, raw)
	}

	rows, err := h.signals.LatestSignals(c.Request().Context(), req.Symbol, req.Limit)
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("signals usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	out := make([]signalDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toSignalDTO(&rows[i]))
	}
	h.store(endpoint, cacheKey, out, 15*time.Second)
	return xhttp.SuccessResponse(c, out)
}

func (h *PipelineHandler) Candles(c echo.Context) error {
	start := time.Now()
	endpoint := "candles"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.allow(c, endpoint) {
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}

	cacheKey := "candles:" + req.Symbol + ":" + req.TF + ":" + strconv.Itoa(req.N)
	if raw, ok := h.cached(endpoint, cacheKey); ok {
		return xhttp.SuccessResponse(c, raw)
	}

	res, err := h.candles.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Symbol:    req.Symbol,
		Timeframe: models.Timeframe(req.TF),
		Limit:     req.N,
	})
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("candles usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	out := toCandlesDTO(res)
	h.store(endpoint, cacheKey, out, 15*time.Second)
	return xhttp.SuccessResponse(c, out)
}

func (h *PipelineHandler) Positions(c echo.Context) error {
	start := time.Now()
	endpoint := "positions"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.PositionsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	// Live book, never cached.
	all := h.positions.Positions()
	out := make([]positionDTO, 0, len(all))
	for i := range all {
		p := &all[i]
		if req.Symbol != "" && p.Symbol != req.Symbol {
			continue
		}
		if req.Status != "all" && string(p.Status) != req.Status {
			continue
		}
		out = append(out, toPositionDTO(p))
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *PipelineHandler) SchedulerStatus(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.sched.Status())
}

func (h *PipelineHandler) AddSymbol(c echo.Context) error {
	req := &models.AddSymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.sched.AddSymbol(req.Symbol) {
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_EXISTS", "symbol", "symbol already scheduled", http.StatusConflict))
	}
	h.logger.Info("symbol added via api", xlogger.String("symbol", req.Symbol))
	return xhttp.CreatedResponse(c, map[string]string{"symbol": req.Symbol})
}

func (h *PipelineHandler) RemoveSymbol(c echo.Context) error {
	symbol := c.Param("symbol")
	if !h.sched.RemoveSymbol(symbol) {
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_NOT_FOUND", "symbol", "symbol not scheduled", http.StatusNotFound))
	}
	h.logger.Info("symbol removed via api", xlogger.String("symbol", symbol))
	return xhttp.NoContentResponse(c)
}

func (h *PipelineHandler) Health(c echo.Context) error {
	status := "ok"
	connected := false
	if h.stream != nil {
		connected = h.stream.IsConnected()
	}
	if !connected {
		status = "degraded"
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status":           status,
		"stream_connected": connected,
		"symbols":          len(h.sched.Symbols()),
		"time":             time.Now().UTC(),
	})
}

func (h *PipelineHandler) allow(c echo.Context, endpoint string) bool {
	if !h.rl.Allow(c.RealIP()+":"+endpoint, h.rateCap, h.rateRefill) {
		h.logger.Warn("api rate limited",
			xlogger.String("endpoint", endpoint),
			xlogger.String("remote", c.RealIP()),
		)
		return false
	}
	return true
}

// cached returns the stored response body for key, raw so it re-serializes
// verbatim inside the response envelope.
func (h *PipelineHandler) cached(endpoint, key string) (json.RawMessage, bool) {
	if h.cache == nil {
		return nil, false
	}
	b, ok, err := h.cache.GetBytes(key)
	if err != nil {
		h.logger.Warn(endpoint+" cache_get_error", xlogger.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return json.RawMessage(b), true
}

func (h *PipelineHandler) store(endpoint, key string, v interface{}, ttl time.Duration) {
	if h.cache == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := h.cache.SetBytes(key, b, ttl); err != nil {
		h.logger.Warn(endpoint+" cache_set_error", xlogger.Error(err))
	}
}

type signalDTO struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Type           string    `json:"type"`
	Confidence     float64   `json:"confidence"`
	Agreement      float64   `json:"agreement"`
	Score          float64   `json:"score"`
	PrimaryHorizon string    `json:"primary_horizon"`
	ReferencePrice float64   `json:"reference_price"`
	StopLoss       float64   `json:"stop_loss,omitempty"`
	TakeProfits    []float64 `json:"take_profits,omitempty"`
	StrategyID     string    `json:"strategy_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func toSignalDTO(s *models.Signal) signalDTO {
	return signalDTO{
		ID:             s.ID,
		Symbol:         s.Symbol,
		Type:           string(s.Type),
		Confidence:     s.Confidence,
		Agreement:      s.AgreementRatio,
		Score:          s.Score,
		PrimaryHorizon: string(s.PrimaryHorizon),
		ReferencePrice: s.ReferencePrice,
		StopLoss:       s.StopLoss,
		TakeProfits:    s.TakeProfits,
		StrategyID:     s.StrategyID,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

type candleDTO struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

type candlesDTO struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Count     int         `json:"count"`
	Candles   []candleDTO `json:"candles"`
}

func toCandlesDTO(res *usecase.GetCandlesResult) candlesDTO {
	rows := make([]candleDTO, 0, len(res.Candles))
	for _, cd := range res.Candles {
		rows = append(rows, candleDTO{
			OpenTime: cd.OpenTime.Unix(),
			Open:     cd.Open,
			High:     cd.High,
			Low:      cd.Low,
			Close:    cd.Close,
			Volume:   cd.Volume,
		})
	}
	return candlesDTO{
		Symbol:    res.Symbol,
		Timeframe: res.Timeframe,
		Count:     res.Count,
		Candles:   rows,
	}
}

type takeProfitDTO struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"`
	Filled   bool    `json:"filled"`
}

type positionDTO struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	EntryPrice     float64         `json:"entry_price"`
	Quantity       float64         `json:"quantity"`
	StopLoss       float64         `json:"stop_loss"`
	TakeProfits    []takeProfitDTO `json:"take_profits,omitempty"`
	TrailingActive bool            `json:"trailing_active"`
	Status         string          `json:"status"`
	SignalID       string          `json:"signal_id,omitempty"`
	OpenedAt       time.Time       `json:"opened_at"`
}

func toPositionDTO(p *models.Position) positionDTO {
	tps := make([]takeProfitDTO, 0, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		tps = append(tps, takeProfitDTO{Price: tp.Price, Fraction: tp.Fraction, Filled: tp.Filled})
	}
	return positionDTO{
		ID:             p.ID,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		EntryPrice:     p.EntryPrice,
		Quantity:       p.Quantity,
		StopLoss:       p.StopLoss,
		TakeProfits:    tps,
		TrailingActive: p.Trailing.Active,
		Status:         string(p.Status),
		SignalID:       p.SignalID,
		OpenedAt:       p.OpenedAt,
	}
}
