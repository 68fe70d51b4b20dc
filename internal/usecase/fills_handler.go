package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/risk"
	pkgkafka "github.com/obertruper/BOT-AI-V3-sub001/pkg/kafka"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// KafkaFillsHandler consumes entry fills and hands the resulting positions
// to the risk manager. A position exists for the pipeline only once its fill
// arrives here.
type KafkaFillsHandler struct {
	topic     string
	rm        *RiskManager
	fractions []float64 // partial-exit split applied to the fill's targets
	metrics   domrepo.Metrics
	log       *logger.Logger
}

var _ pkgkafka.MessageHandler = (*KafkaFillsHandler)(nil)

func NewKafkaFillsHandler(topic string, rm *RiskManager, fractions []float64, metrics domrepo.Metrics, log *logger.Logger) *KafkaFillsHandler {
	return &KafkaFillsHandler{topic: topic, rm: rm, fractions: fractions, metrics: metrics, log: log}
}

func (h *KafkaFillsHandler) Topic() string { return h.topic }

// fill message schema: {position_id, symbol, side, price, quantity,
// signal_id, stop_loss, take_profits, ts}
type fillMessage struct {
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	SignalID    string    `json:"signal_id"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	TS          int64     `json:"ts"`
}

func (h *KafkaFillsHandler) Handle(ctx context.Context, b []byte) error {
	var m fillMessage
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("fill_unmarshal")
		return err
	}
	if m.Symbol == "" || m.Price <= 0 || m.Quantity <= 0 {
		h.metrics.RecordError("fill_invalid")
		return fmt.Errorf("invalid fill: symbol=%q price=%v quantity=%v", m.Symbol, m.Price, m.Quantity)
	}
	if m.TS > 1e11 { // ms
		m.TS = m.TS / 1000
	}
	h.metrics.RecordLatency("fill_e2e_seconds", time.Since(time.Unix(m.TS, 0)).Seconds())

	side := models.SideLong
	if m.Side == "short" || m.Side == "sell" {
		side = models.SideShort
	}
	levels, err := risk.BuildLevels(m.TakeProfits, h.fractions)
	if err != nil {
		h.metrics.RecordError("fill_levels")
		return fmt.Errorf("fill levels: %w", err)
	}

	id := m.PositionID
	if id == "" {
		id = uuid.NewString()
	}
	p := &models.Position{
		ID:          id,
		Symbol:      m.Symbol,
		Side:        side,
		EntryPrice:  m.Price,
		Quantity:    m.Quantity,
		StopLoss:    m.StopLoss,
		TakeProfits: levels,
		Status:      models.PositionOpen,
		SignalID:    m.SignalID,
		OpenedAt:    time.Unix(m.TS, 0).UTC(),
	}
	h.rm.Track(ctx, p)
	h.log.Info("fill consumed",
		logger.String("position_id", p.ID),
		logger.String("symbol", p.Symbol),
		logger.String("side", string(p.Side)),
		logger.Float64("price", p.EntryPrice),
	)
	return nil
}
