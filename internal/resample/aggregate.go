package resample

import (
	"slices"
	"time"

	"tickbars/internal/model"
)

// Aggregate partitions ticks into epoch-aligned buckets of tf and returns one
// candle per non-empty bucket in bucket order. Open and Close follow event
// time; ticks sharing an event time keep their input order.
func Aggregate(symbol string, tf model.Timeframe, ticks []model.RawTick) []model.Candle {
	if len(ticks) == 0 {
		return nil
	}

	sorted := slices.Clone(ticks)
	slices.SortStableFunc(sorted, func(a, b model.RawTick) int {
		return a.EventTime.Compare(b.EventTime)
	})

	var (
		candles []model.Candle
		current *model.Candle
	)
	for _, t := range sorted {
		start := tf.BucketStart(t.EventTime)
		if current == nil || !current.BucketStart.Equal(start) {
			candles = append(candles, model.Candle{
				Symbol:      symbol,
				Timeframe:   tf,
				BucketStart: start,
				Open:        t.Price,
				High:        t.Price,
				Low:         t.Price,
				Close:       t.Price,
				Volume:      t.Quantity,
				TradeCount:  1,
			})
			current = &candles[len(candles)-1]
			continue
		}

		if t.Price.GreaterThan(current.High) {
			current.High = t.Price
		}
		if t.Price.LessThan(current.Low) {
			current.Low = t.Price
		}
		current.Close = t.Price
		current.Volume = current.Volume.Add(t.Quantity)
		current.TradeCount++
	}
	return candles
}

// closedCandles drops the most recent bucket, which may still be receiving
// trades, and any bucket that ends after now minus margin.
func closedCandles(candles []model.Candle, now time.Time, margin time.Duration) []model.Candle {
	if len(candles) <= 1 {
		return nil
	}
	cutoff := now.Add(-margin)
	out := candles[:0:0]
	for _, c := range candles[:len(candles)-1] {
		if c.BucketEnd().After(cutoff) {
			break
		}
		out = append(out, c)
	}
	return out
}
