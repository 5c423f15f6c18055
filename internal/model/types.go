// Package model defines core data types for the tick ingestion pipeline.
//
// This package contains the values that flow between pipeline stages: trade
// events parsed off the exchange feed, their persisted raw tick form, and the
// OHLCV candles derived from them. All monetary values use decimal.Decimal so
// aggregation never accumulates floating-point error.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies the venue a trade event was received from.
type Exchange int

const (
	// BinanceExchange represents the Binance spot trade stream
	BinanceExchange Exchange = iota

	// CoinbaseExchange represents the Coinbase matches channel
	CoinbaseExchange

	// OkxExchange represents the OKX public trades channel
	OkxExchange
)

func (e Exchange) String() string {
	switch e {
	case BinanceExchange:
		return "binance"
	case CoinbaseExchange:
		return "coinbase"
	case OkxExchange:
		return "okx"
	default:
		return "unknown"
	}
}

// TradeEvent is a single executed trade as parsed from the exchange feed.
//
// A TradeEvent is created by the stream client when a message is parsed and is
// never mutated afterwards. The (Symbol, TradeID, EventTime) triple identifies
// the trade for deduplication purposes.
type TradeEvent struct {
	Symbol     string          // Exchange-native symbol (e.g. "BTCUSDT")
	Price      decimal.Decimal // Execution price
	Quantity   decimal.Decimal // Base asset quantity
	TradeID    int64           // Source-assigned trade identifier
	EventTime  time.Time       // Source event timestamp
	TradeTime  time.Time       // Source trade execution timestamp
	IngestTime time.Time       // Local receipt timestamp
	Exchange   Exchange        // Source venue
}

// DedupKey returns the identity used to recognise repeated deliveries of the same trade.
func (e TradeEvent) DedupKey() TradeKey {
	return TradeKey{TradeID: e.TradeID, EventTime: e.EventTime.UnixNano()}
}

// TradeKey identifies a trade within a single symbol.
type TradeKey struct {
	TradeID   int64
	EventTime int64 // unix nanoseconds
}

// RawTick is the persisted form of a TradeEvent.
//
// At most one RawTick exists per (Symbol, TradeID, EventTime). Raw ticks are
// never updated; only the retention janitor deletes them.
type RawTick struct {
	Symbol     string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TradeID    int64
	EventTime  time.Time
	TradeTime  time.Time
	IngestTime time.Time
	InsertedAt time.Time
}

// NewRawTick converts a trade event into its persisted representation.
func NewRawTick(e TradeEvent, insertedAt time.Time) RawTick {
	return RawTick{
		Symbol:     e.Symbol,
		Price:      e.Price,
		Quantity:   e.Quantity,
		TradeID:    e.TradeID,
		EventTime:  e.EventTime,
		TradeTime:  e.TradeTime,
		IngestTime: e.IngestTime,
		InsertedAt: insertedAt,
	}
}

// Candle is an OHLCV bar for one symbol over one closed timeframe bucket.
//
// Fields:
//   - BucketStart: inclusive start of the bucket, aligned to the epoch
//   - Open/Close: price of the first/last trade in the bucket by event time
//   - High/Low: max/min trade price in the bucket
//   - Volume: sum of trade quantities
//   - TradeCount: number of trades aggregated
type Candle struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	BucketStart time.Time       `json:"bucket_start"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	TradeCount  int64           `json:"trade_count"`
}

// BucketEnd returns the exclusive end of the candle's bucket.
func (c Candle) BucketEnd() time.Time {
	return c.BucketStart.Add(c.Timeframe.Duration())
}
