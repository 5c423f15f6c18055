// Package store defines the durable storage contract used by the ingestion
// pipeline. Concrete engines live in the postgres, sqlite and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"tickbars/internal/model"
)

var (
	// ErrDuplicate is returned when a write violates a uniqueness constraint:
	// a raw tick with the same (symbol, trade_id, event_time) or a candle with
	// the same (symbol, timeframe, bucket_start) already exists.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("record not found")
)

// TickStore persists raw ticks.
type TickStore interface {
	// AppendRawTicks inserts all ticks atomically. A uniqueness violation on any
	// row fails the whole call with an error wrapping ErrDuplicate.
	AppendRawTicks(ctx context.Context, ticks []model.RawTick) (int, error)

	// InsertRawTick inserts one tick, returning ErrDuplicate if it already exists.
	InsertRawTick(ctx context.Context, tick model.RawTick) error

	// QueryRawTicks returns the ticks of symbol with from <= event_time <= to,
	// ordered by event time then insertion order.
	QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error)

	// DeleteRawTicksBefore removes ticks with event_time < cutoff and returns how many were removed.
	DeleteRawTicksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CandleStore persists closed candles.
type CandleStore interface {
	// UpsertCandle inserts the candle if absent. An existing row for the same
	// key is left untouched and ErrDuplicate is returned.
	UpsertCandle(ctx context.Context, candle model.Candle) error

	// LatestCandleStart returns the newest bucket_start stored for the pair,
	// or ErrNotFound when none exists.
	LatestCandleStart(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error)

	// QueryCandles returns candles with from <= bucket_start < to ordered by bucket_start.
	QueryCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

// Store is the full durable store used by the pipeline.
type Store interface {
	TickStore
	CandleStore

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error

	Close() error
}

// IsDuplicate reports whether err signals a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
