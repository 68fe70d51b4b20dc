package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	xhttp "github.com/obertruper/BOT-AI-V3-sub001/pkg/http"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

const defaultExecutionTimeout = 5 * time.Second

// Client talks to the external execution service. It only submits intents;
// entry fills are confirmed asynchronously on the fills topic. Definitive
// refusals surface as service.ErrExecutionRejected and must not be retried.
type Client struct {
	baseURL  string
	http     *xhttp.Client
	retryMax int
	log      *logger.Logger
}

var _ service.Executor = (*Client)(nil)

// NewClient creates an execution service client from config.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	timeout := cfg.Execution.Timeout
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.Execution.URL, "/"),
		http:     xhttp.NewClient(xhttp.WithTimeout(timeout)),
		retryMax: cfg.Execution.RetryMax,
		log:      log,
	}
}

type openPositionRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	EntryHint float64 `json:"entry_hint,omitempty"`
	SignalID  string  `json:"signal_id,omitempty"`
}

type positionResponse struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	OpenedAt   int64   `json:"opened_at"`
}

type closePositionRequest struct {
	Fraction float64 `json:"fraction"`
}

type updateStopRequest struct {
	StopPrice float64 `json:"stop_price"`
}

// OpenPosition submits an entry order for an actionable signal. The returned
// position carries the service-assigned id; the actual entry price may still
// be adjusted by the fill notification.
func (c *Client) OpenPosition(ctx context.Context, s *models.Signal, quantity float64) (*models.Position, error) {
	if s == nil || !s.Actionable() {
		return nil, fmt.Errorf("execution: signal is not actionable")
	}
	side := models.SideLong
	if s.Type == models.SignalShort {
		side = models.SideShort
	}

	req := &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    c.baseURL + "/positions",
		Body: openPositionRequest{
			Symbol:    s.Symbol,
			Side:      string(side),
			Quantity:  quantity,
			EntryHint: s.ReferencePrice,
			SignalID:  s.ID,
		},
	}
	var resp positionResponse
	if err := c.http.SendWithRetry(ctx, req, &resp, c.retryMax); err != nil {
		return nil, c.wrap("open position", err)
	}

	p := &models.Position{
		ID:         resp.PositionID,
		Symbol:     resp.Symbol,
		Side:       side,
		EntryPrice: resp.EntryPrice,
		Quantity:   resp.Quantity,
		Status:     models.PositionOpen,
		SignalID:   s.ID,
		OpenedAt:   time.Unix(resp.OpenedAt, 0).UTC(),
	}
	if p.Symbol == "" {
		p.Symbol = s.Symbol
	}
	if p.Quantity == 0 {
		p.Quantity = quantity
	}

	c.log.Info("position open accepted",
		logger.String("position_id", p.ID),
		logger.String("symbol", p.Symbol),
		logger.String("side", string(p.Side)))
	return p, nil
}

// ClosePosition closes a fraction of the position's original quantity.
// Fraction 1.0 minus already-filled levels closes the remainder.
func (c *Client) ClosePosition(ctx context.Context, positionID string, fraction float64) error {
	req := &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    fmt.Sprintf("%s/positions/%s/close", c.baseURL, positionID),
		Body:   closePositionRequest{Fraction: fraction},
	}
	if err := c.http.SendWithRetry(ctx, req, nil, c.retryMax); err != nil {
		return c.wrap("close position", err)
	}
	return nil
}

// UpdateStop moves the position's stop order.
func (c *Client) UpdateStop(ctx context.Context, positionID string, newStop float64) error {
	req := &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    fmt.Sprintf("%s/positions/%s/stop", c.baseURL, positionID),
		Body:   updateStopRequest{StopPrice: newStop},
	}
	if err := c.http.SendWithRetry(ctx, req, nil, c.retryMax); err != nil {
		return c.wrap("update stop", err)
	}
	return nil
}

// wrap maps definitive 4xx refusals (everything but 429) to
// ErrExecutionRejected so the risk manager keeps the pre-transition state
// instead of retrying.
func (c *Client) wrap(op string, err error) error {
	var se *xhttp.StatusError
	if errors.As(err, &se) &&
		se.StatusCode >= 400 && se.StatusCode < 500 &&
		se.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: %s", op, service.ErrExecutionRejected, se.Body)
	}
	return fmt.Errorf("%s: %w", op, err)
}
