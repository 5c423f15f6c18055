// Package postgres implements store.Store on PostgreSQL using pgx.
//
// Raw ticks are bulk loaded with COPY inside a transaction, so a batch is
// all-or-nothing. Unique violations (SQLSTATE 23505) surface as store.ErrDuplicate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

// DuplicateKeyErrorCode is the SQLSTATE for unique_violation.
const DuplicateKeyErrorCode = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS raw_ticks (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT        NOT NULL,
	trade_id    BIGINT      NOT NULL,
	event_time  TIMESTAMPTZ NOT NULL,
	trade_time  TIMESTAMPTZ NOT NULL,
	ingest_time TIMESTAMPTZ NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	price       NUMERIC     NOT NULL,
	quantity    NUMERIC     NOT NULL,
	CONSTRAINT raw_ticks_identity UNIQUE (symbol, trade_id, event_time)
);
CREATE INDEX IF NOT EXISTS idx_raw_ticks_symbol_time ON raw_ticks (symbol, event_time);

CREATE TABLE IF NOT EXISTS candles (
	symbol       TEXT        NOT NULL,
	timeframe    TEXT        NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	open         NUMERIC     NOT NULL,
	high         NUMERIC     NOT NULL,
	low          NUMERIC     NOT NULL,
	close        NUMERIC     NOT NULL,
	volume       NUMERIC     NOT NULL,
	trade_count  BIGINT      NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, timeframe, bucket_start)
);
`

var rawTickColumns = []string{
	"symbol", "trade_id", "event_time", "trade_time", "ingest_time", "inserted_at", "price", "quantity",
}

// Store is a pgxpool-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates a connection pool for dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Info().Str("component", "postgres").Msg("postgres store connected")
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) AppendRawTicks(ctx context.Context, ticks []model.RawTick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	var copied int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"raw_ticks"}, rawTickColumns,
			pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
				return tickValues(ticks[i]), nil
			}))
		copied = n
		return err
	})
	if err != nil {
		return 0, wrapError(err)
	}
	return int(copied), nil
}

func (s *Store) InsertRawTick(ctx context.Context, t model.RawTick) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO raw_ticks (symbol, trade_id, event_time, trade_time, ingest_time, inserted_at, price, quantity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tickValues(t)...)
	return wrapError(err)
}

func (s *Store) QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, trade_id, event_time, trade_time, ingest_time, inserted_at, price, quantity
		   FROM raw_ticks
		  WHERE symbol = $1 AND event_time >= $2 AND event_time <= $3
		  ORDER BY event_time, id`,
		symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("query raw ticks: %w", err)
	}
	defer rows.Close()

	var out []model.RawTick
	for rows.Next() {
		var (
			t          model.RawTick
			price, qty pgtype.Numeric
		)
		if err := rows.Scan(&t.Symbol, &t.TradeID, &t.EventTime, &t.TradeTime, &t.IngestTime, &t.InsertedAt, &price, &qty); err != nil {
			return nil, fmt.Errorf("scan raw tick: %w", err)
		}
		if t.Price, err = fromNumeric(price); err != nil {
			return nil, err
		}
		if t.Quantity, err = fromNumeric(qty); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRawTicksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM raw_ticks WHERE event_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete raw ticks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO candles (symbol, timeframe, bucket_start, open, high, low, close, volume, trade_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (symbol, timeframe, bucket_start) DO NOTHING`,
		c.Symbol, string(c.Timeframe), c.BucketStart,
		toNumeric(c.Open), toNumeric(c.High), toNumeric(c.Low), toNumeric(c.Close), toNumeric(c.Volume),
		c.TradeCount)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: candle %s/%s@%s", store.ErrDuplicate, c.Symbol, c.Timeframe, c.BucketStart.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Store) LatestCandleStart(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error) {
	var latest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx,
		`SELECT max(bucket_start) FROM candles WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf)).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, store.ErrNotFound
	}
	return latest.Time.UTC(), nil
}

func (s *Store) QueryCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bucket_start, open, high, low, close, volume, trade_count
		   FROM candles
		  WHERE symbol = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start < $4
		  ORDER BY bucket_start`,
		symbol, string(tf), from, to)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			c                   = model.Candle{Symbol: symbol, Timeframe: tf}
			o, h, l, cl, volume pgtype.Numeric
		)
		if err := rows.Scan(&c.BucketStart, &o, &h, &l, &cl, &volume, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.BucketStart = c.BucketStart.UTC()
		for _, f := range []struct {
			dst *decimal.Decimal
			src pgtype.Numeric
		}{{&c.Open, o}, {&c.High, h}, {&c.Low, l}, {&c.Close, cl}, {&c.Volume, volume}} {
			if *f.dst, err = fromNumeric(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func tickValues(t model.RawTick) []any {
	insertedAt := t.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now()
	}
	return []any{
		t.Symbol, t.TradeID, t.EventTime, t.TradeTime, t.IngestTime, insertedAt,
		toNumeric(t.Price), toNumeric(t.Quantity),
	}
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("non-finite numeric value")
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

// wrapError maps unique violations onto store.ErrDuplicate.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == DuplicateKeyErrorCode {
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	}
	return err
}
