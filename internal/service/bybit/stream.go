package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

const tickerTopicPrefix = "tickers."

// Stream implements a TickStream over the Bybit v5 public WebSocket.
type Stream struct {
	wsURL          string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	symbols   []string
}

var _ repository.TickStream = (*Stream)(nil)

// NewStream creates a Bybit WebSocket stream from config.
func NewStream(cfg *config.Config, log *logger.Logger) *Stream {
	reconnect := cfg.Bybit.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	ping := cfg.Bybit.PingInterval
	if ping <= 0 {
		ping = 20 * time.Second
	}
	return &Stream{
		wsURL:          cfg.Bybit.WebSocketURL,
		reconnectDelay: reconnect,
		pingInterval:   ping,
		log:            log,
	}
}

// Connect establishes the WebSocket connection.
func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	s.log.Info("bybit stream connected", logger.String("url", s.wsURL))
	return nil
}

// Subscribe subscribes to ticker topics for the symbols.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.symbols = symbols
	s.mu.Unlock()
	if conn == nil || !connected {
		return fmt.Errorf("bybit not connected")
	}

	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, tickerTopicPrefix+sym)
	}
	msg := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("bybit subscribe: %w", err)
	}
	s.log.Info("bybit subscribed", logger.Strings("topics", args))
	return nil
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"` // ms
	Data  json.RawMessage `json:"data"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

// Read streams ticks and errors. A read failure terminates both channels;
// the consumer decides whether to Reconnect. Ticks are dropped rather than
// blocking when the consumer falls behind.
func (s *Stream) Read(ctx context.Context) (<-chan *models.Tick, <-chan error) {
	ticks := make(chan *models.Tick, 1024)
	errs := make(chan error, 1)

	// ping loop; Bybit expects an application-level ping op
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					_ = conn.WriteJSON(map[string]string{"op": "ping"})
				}
			}
		}
	}()

	// read loop
	go func() {
		defer close(ticks)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				errs <- fmt.Errorf("bybit conn nil")
				return
			}

			_, b, err := conn.ReadMessage()
			if err != nil {
				errs <- fmt.Errorf("bybit read: %w", err)
				return
			}

			tick, ok := parseTick(b)
			if !ok {
				continue
			}
			select {
			case ticks <- tick:
			default:
				// drop on backpressure
			}
		}
	}()

	return ticks, errs
}

// parseTick extracts a tick from a ticker frame. Delta frames without a
// price change are skipped.
func parseTick(b []byte) (*models.Tick, bool) {
	var m wsMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	if !strings.HasPrefix(m.Topic, tickerTopicPrefix) {
		return nil, false
	}

	var d tickerData
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return nil, false
	}
	if d.LastPrice == "" {
		return nil, false
	}
	price, err := strconv.ParseFloat(d.LastPrice, 64)
	if err != nil || price <= 0 {
		return nil, false
	}
	volume, _ := strconv.ParseFloat(d.Volume24h, 64)

	symbol := d.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(m.Topic, tickerTopicPrefix)
	}
	return &models.Tick{
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: m.TS / 1000,
	}, true
}

// Reconnect closes and re-establishes the connection, restoring the
// previous subscriptions.
func (s *Stream) Reconnect(ctx context.Context) error {
	_ = s.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.reconnectDelay):
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	symbols := s.symbols
	s.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}
	return s.Subscribe(ctx, symbols)
}

// Close closes the WebSocket connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// IsConnected indicates status.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
