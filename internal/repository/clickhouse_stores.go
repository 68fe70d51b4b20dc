package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// CHSignalStore implements SignalStore backed by ClickHouse.
type CHSignalStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var (
	_ domrepo.SignalStore        = (*CHSignalStore)(nil)
	_ domrepo.PositionEventStore = (*CHEventStore)(nil)
)

func NewCHSignalStore(db *sql.DB, table string) *CHSignalStore {
	return &CHSignalStore{db: db, table: table}
}

// SetLogger injects a structured logger.
func (s *CHSignalStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHSignalStore) SaveSignal(ctx context.Context, sig *models.Signal) error {
	start := time.Now()
	tps, err := json.Marshal(sig.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s
        (id, symbol, type, confidence, agreement, score, primary_horizon, reference_price, stop_loss, take_profits, strategy_id, fingerprint, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		sig.ID,
		sig.Symbol,
		string(sig.Type),
		sig.Confidence,
		sig.AgreementRatio,
		sig.Score,
		string(sig.PrimaryHorizon),
		sig.ReferencePrice,
		sig.StopLoss,
		string(tps),
		sig.StrategyID,
		sig.Fingerprint,
		sig.CreatedAt,
		sig.ExpiresAt,
	)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse save_signal error",
				applogger.String("table", s.table),
				applogger.String("symbol", sig.Symbol),
				applogger.Error(err),
			)
		}
		return fmt.Errorf("save signal: %w", err)
	}
	if s.l != nil {
		s.l.Info("clickhouse save_signal ok",
			applogger.String("symbol", sig.Symbol),
			applogger.String("type", string(sig.Type)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

// LatestSignals returns up to limit signals for symbol, newest first.
func (s *CHSignalStore) LatestSignals(ctx context.Context, symbol string, limit int) ([]models.Signal, error) {
	start := time.Now()
	q := fmt.Sprintf(`
        SELECT id, symbol, type, confidence, agreement, score, primary_horizon, reference_price, stop_loss, take_profits, strategy_id, fingerprint, created_at, expires_at
        FROM %s
        WHERE symbol = ?
        ORDER BY created_at DESC
        LIMIT ?
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, limit)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse latest_signals query error",
				applogger.String("table", s.table),
				applogger.String("symbol", symbol),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("latest signals: %w", err)
	}
	defer rows.Close()

	out := make([]models.Signal, 0, limit)
	for rows.Next() {
		var (
			sig     models.Signal
			typ     string
			horizon string
			tpsJSON string
		)
		if err := rows.Scan(&sig.ID, &sig.Symbol, &typ, &sig.Confidence, &sig.AgreementRatio, &sig.Score, &horizon, &sig.ReferencePrice, &sig.StopLoss, &tpsJSON, &sig.StrategyID, &sig.Fingerprint, &sig.CreatedAt, &sig.ExpiresAt); err != nil {
			if s.l != nil {
				s.l.Error("clickhouse latest_signals scan error",
					applogger.String("table", s.table),
					applogger.String("symbol", symbol),
					applogger.Error(err),
				)
			}
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Type = models.SignalType(typ)
		sig.PrimaryHorizon = models.Horizon(horizon)
		if tpsJSON != "" {
			if err := json.Unmarshal([]byte(tpsJSON), &sig.TakeProfits); err != nil {
				return nil, fmt.Errorf("unmarshal take profits: %w", err)
			}
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Info("clickhouse latest_signals ok",
			applogger.String("symbol", symbol),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *CHSignalStore) Close() error {
	return nil // pool managed by pkg
}

// CHEventStore implements PositionEventStore backed by ClickHouse.
type CHEventStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHEventStore(db *sql.DB, table string) *CHEventStore {
	return &CHEventStore{db: db, table: table}
}

// SetLogger injects a structured logger.
func (s *CHEventStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHEventStore) SaveEvent(ctx context.Context, e *models.PositionEvent) error {
	q := fmt.Sprintf(`INSERT INTO %s
        (id, position_id, symbol, kind, price, fraction, stop_price, reason, ts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, q,
		e.ID,
		e.PositionID,
		e.Symbol,
		string(e.Kind),
		e.Price,
		e.Fraction,
		e.StopPrice,
		e.Reason,
		e.Timestamp,
	)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse save_event error",
				applogger.String("table", s.table),
				applogger.String("position_id", e.PositionID),
				applogger.String("kind", string(e.Kind)),
				applogger.Error(err),
			)
		}
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *CHEventStore) Close() error {
	return nil
}
