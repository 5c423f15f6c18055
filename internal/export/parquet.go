// Package export writes stored candles to columnar files.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickbars/internal/model"
)

// Row is the Parquet layout of a candle. Prices stay decimal strings so no
// precision is lost; BucketStart is Unix milliseconds.
type Row struct {
	Symbol      string `parquet:"symbol"`
	Timeframe   string `parquet:"timeframe"`
	BucketStart int64  `parquet:"bucket_start"`
	Open        string `parquet:"open"`
	High        string `parquet:"high"`
	Low         string `parquet:"low"`
	Close       string `parquet:"close"`
	Volume      string `parquet:"volume"`
	TradeCount  int64  `parquet:"trade_count"`
}

// CandleReader is the store query the exporter needs.
type CandleReader interface {
	QueryCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

// ToRows converts candles to Parquet rows.
func ToRows(candles []model.Candle) []Row {
	rows := make([]Row, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, Row{
			Symbol:      c.Symbol,
			Timeframe:   c.Timeframe.String(),
			BucketStart: c.BucketStart.UnixMilli(),
			Open:        c.Open.String(),
			High:        c.High.String(),
			Low:         c.Low.String(),
			Close:       c.Close.String(),
			Volume:      c.Volume.String(),
			TradeCount:  c.TradeCount,
		})
	}
	return rows
}

// WriteFile writes the candles of symbol/tf in [from, to) to path and returns
// the number of rows written.
func WriteFile(ctx context.Context, r CandleReader, path, symbol string, tf model.Timeframe, from, to time.Time) (int, error) {
	candles, err := r.QueryCandles(ctx, symbol, tf, from, to)
	if err != nil {
		return 0, fmt.Errorf("query candles: %w", err)
	}
	rows := ToRows(candles)
	if err := parquet.WriteFile(path, rows); err != nil {
		return 0, fmt.Errorf("write parquet: %w", err)
	}
	return len(rows), nil
}

// Write encodes candles to w.
func Write(w io.Writer, candles []model.Candle) error {
	return parquet.Write(w, ToRows(candles))
}
