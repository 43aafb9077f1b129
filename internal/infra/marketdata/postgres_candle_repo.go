// File: internal/infra/marketdata/postgres_candle_repo.go
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/infra/metrics"
)

// Compile-time check
var _ adapter.MarketDataProvider = (*candleRepo)(nil)

const pgUndefinedTable = "42P01"

// Connect opens a pgx pool against the given DSN and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// candleRepo serves candles out of the candles_1m table. It doubles as the
// mirror sink when the exchange client is the primary source.
type candleRepo struct {
	pool *pgxpool.Pool
}

func NewCandleRepo(pool *pgxpool.Pool) *candleRepo {
	return &candleRepo{pool: pool}
}

// EnsureSchema creates the candle table when it does not exist yet.
func (r *candleRepo) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS candles_1m (
    symbol  TEXT             NOT NULL,
    ts      TIMESTAMPTZ      NOT NULL,
    open    DOUBLE PRECISION NOT NULL,
    high    DOUBLE PRECISION NOT NULL,
    low     DOUBLE PRECISION NOT NULL,
    close   DOUBLE PRECISION NOT NULL,
    volume  DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (symbol, ts)
)`
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensure candle schema: %w", err)
	}
	return nil
}

// Candles returns the newest rows for an asset, oldest first.
func (r *candleRepo) Candles(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	candles, err := r.query(ctx, asset, limit)
	metrics.IncMarketFetch("postgres", err == nil)
	return candles, err
}

func (r *candleRepo) query(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == "" {
		return nil, fmt.Errorf("query candles: empty asset: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 200
	}
	const q = `
SELECT symbol, ts, open, high, low, close, volume
FROM candles_1m
WHERE symbol = $1
ORDER BY ts DESC
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles %s: %w", symbol, classifyPgError(err))
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query candles %s: %w", symbol, classifyPgError(err))
	}
	// The query reads newest first; flip to the oldest-first contract.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// InsertMany upserts candles in one batch. Replayed rows are dropped by the
// primary key, so overlapping fetches can be mirrored whole.
func (r *candleRepo) InsertMany(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	const q = `
INSERT INTO candles_1m (symbol, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol, ts) DO NOTHING`
	batch := &pgx.Batch{}
	for _, c := range candles {
		symbol := strings.ToUpper(strings.TrimSpace(c.Symbol))
		batch.Queue(q, symbol, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert candles: %w", classifyPgError(err))
		}
	}
	return nil
}

// classifyPgError surfaces a missing candle table as an actionable message.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("candle table missing, run schema setup first: %w", err)
	}
	return err
}
