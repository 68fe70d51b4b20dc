package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// CHCandleArchive implements CandleArchive backed by ClickHouse, one table per
// timeframe.
type CHCandleArchive struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

var _ domrepo.CandleArchive = (*CHCandleArchive)(nil)

func NewCHCandleArchive(db *sql.DB, database string) *CHCandleArchive {
	return &CHCandleArchive{db: db, database: database}
}

// SetLogger injects a structured logger.
func (a *CHCandleArchive) SetLogger(l *applogger.Logger) { a.l = l }

// ArchiveCandles batch-inserts candles, chunked to reduce round-trips. The
// batch may mix timeframes; rows are grouped per table first.
func (a *CHCandleArchive) ArchiveCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	byTable := make(map[string][]models.Candle)
	for _, c := range candles {
		if c.Symbol == "" || c.OpenTime.IsZero() {
			continue
		}
		table, err := a.tableForTF(c.Timeframe)
		if err != nil {
			return err
		}
		byTable[table] = append(byTable[table], c)
	}

	const chunkSize = 2000
	for table, rows := range byTable {
		for start := 0; start < len(rows); start += chunkSize {
			end := start + chunkSize
			if end > len(rows) {
				end = len(rows)
			}

			values := make([]string, 0, end-start)
			args := make([]interface{}, 0, (end-start)*7)
			for _, c := range rows[start:end] {
				values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
				args = append(args, c.OpenTime, c.Symbol, c.Open, c.High, c.Low, c.Close, c.Volume)
			}
			q := fmt.Sprintf("INSERT INTO %s (open_time, symbol, open, high, low, close, vol) VALUES %s", table, strings.Join(values, ","))
			if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
				if a.l != nil {
					a.l.Error("clickhouse archive_candles error",
						applogger.String("table", table),
						applogger.Int("rows", end-start),
						applogger.Error(err),
					)
				}
				return fmt.Errorf("archive candles: %w", err)
			}
		}
	}
	return nil
}

func (a *CHCandleArchive) GetLatestNCandles(ctx context.Context, symbol string, n int, tf models.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	table, err := a.tableForTF(tf)
	if err != nil {
		return nil, err
	}
	const qtpl = `
        SELECT open_time, symbol, open, high, low, close, vol
        FROM %s
        WHERE symbol = ?
        ORDER BY open_time DESC
        LIMIT ?
    `
	q := fmt.Sprintf(qtpl, table)
	rows, err := a.db.QueryContext(ctx, q, symbol, n)
	if err != nil {
		if a.l != nil {
			a.l.Error("clickhouse latest_candles query error",
				applogger.String("table", table),
				applogger.String("symbol", symbol),
				applogger.Int("limit", n),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	defer rows.Close()

	tmp := make([]models.Candle, 0, n)
	for rows.Next() {
		c := models.Candle{Timeframe: tf}
		if err := rows.Scan(&c.OpenTime, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		tmp = append(tmp, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	// reverse to ASC
	for i, j := 0, len(tmp)-1; i < j; i, j = i+1, j-1 {
		tmp[i], tmp[j] = tmp[j], tmp[i]
	}
	if a.l != nil {
		a.l.Info("clickhouse latest_candles ok",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Int("rows", len(tmp)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return tmp, nil
}

func (a *CHCandleArchive) tableForTF(tf models.Timeframe) (string, error) {
	switch tf {
	case models.TF1m:
		return a.database + ".candles_1m", nil
	case models.TF5m:
		return a.database + ".candles_5m", nil
	case models.TF15m:
		return a.database + ".candles_15m", nil
	case models.TF1h:
		return a.database + ".candles_1h", nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", tf)
	}
}
