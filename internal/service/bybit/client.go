package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	xhttp "github.com/obertruper/BOT-AI-V3-sub001/pkg/http"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

const (
	defaultRESTURL = "https://api.bybit.com"
	klinePath      = "/v5/market/kline"
	category       = "linear"

	// Bybit "too many visits" application code.
	retCodeRateLimited = 10006

	restRetryMax = 2
)

// Client fetches candles from the Bybit v5 market REST API. Outbound calls
// go through a client-side rate limiter sized below the venue's budget.
type Client struct {
	restURL string
	http    *xhttp.Client
	log     *logger.Logger
}

var _ repository.CandleSource = (*Client)(nil)

// NewClient creates a Bybit REST client from config.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	restURL := strings.TrimRight(cfg.Bybit.RESTURL, "/")
	if restURL == "" {
		restURL = defaultRESTURL
	}
	rps := cfg.Bybit.RateRPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Bybit.RateBurst
	if burst <= 0 {
		burst = int(rps)
	}
	return &Client{
		restURL: restURL,
		http: xhttp.NewClient(
			xhttp.WithTimeout(10*time.Second),
			xhttp.WithRateLimit(rps, burst),
		),
		log: log,
	}
}

type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	} `json:"result"`
}

// FetchCandles returns candles at tf starting at since, oldest first. Bybit
// answers newest-first; the batch is reversed before mapping.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	req := &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.restURL + klinePath,
		QueryParams: map[string][]string{
			"category": {category},
			"symbol":   {symbol},
			"interval": {interval(tf)},
			"start":    {strconv.FormatInt(since.UnixMilli(), 10)},
			"limit":    {strconv.Itoa(limit)},
		},
	}

	var resp klineResponse
	if err := c.http.SendWithRetry(ctx, req, &resp, restRetryMax); err != nil {
		return nil, classify(err)
	}
	if resp.RetCode == retCodeRateLimited {
		return nil, fmt.Errorf("%w: %s", repository.ErrRateLimited, resp.RetMsg)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%w: kline retCode %d: %s", repository.ErrUnavailable, resp.RetCode, resp.RetMsg)
	}

	candles, err := mapKlines(symbol, tf, resp.Result.List)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	c.log.Debug("klines fetched",
		logger.String("symbol", symbol),
		logger.String("timeframe", string(tf)),
		logger.Int("count", len(candles)))
	return candles, nil
}

// mapKlines converts Bybit rows [startMs, open, high, low, close, volume, turnover]
// into candles ordered oldest first.
func mapKlines(symbol string, tf models.Timeframe, rows [][]string) ([]models.Candle, error) {
	out := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kline start time %q: %w", row[0], err)
		}
		vals := make([]float64, 5)
		for j := 1; j <= 5; j++ {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil {
				return nil, fmt.Errorf("kline field %d %q: %w", j, row[j], err)
			}
			vals[j-1] = v
		}
		out = append(out, models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(ms).UTC(),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return out, nil
}

// classify maps transport failures onto the source error taxonomy.
func classify(err error) error {
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: status %d", repository.ErrRateLimited, se.StatusCode)
		}
		return fmt.Errorf("%w: status %d", repository.ErrUnavailable, se.StatusCode)
	}
	return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
}

func interval(tf models.Timeframe) string {
	switch tf {
	case models.TF1m:
		return "1"
	case models.TF5m:
		return "5"
	case models.TF1h:
		return "60"
	default:
		return "15"
	}
}
