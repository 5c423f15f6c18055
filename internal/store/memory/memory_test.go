package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestTick(symbol string, id int64, offset time.Duration, price string) model.RawTick {
	return model.RawTick{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.NewFromInt(1),
		TradeID:   id,
		EventTime: t0.Add(offset),
		TradeTime: t0.Add(offset),
	}
}

func TestStore_AppendRawTicks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		existing      []model.RawTick
		batch         []model.RawTick
		expectDup     bool
		expectedCount int
		description   string
	}{
		{
			name:          "fresh batch",
			batch:         []model.RawTick{createTestTick("BTCUSDT", 1, 0, "1"), createTestTick("BTCUSDT", 2, time.Second, "2")},
			expectedCount: 2,
			description:   "Should insert every tick",
		},
		{
			name:          "conflict with stored row",
			existing:      []model.RawTick{createTestTick("BTCUSDT", 1, 0, "1")},
			batch:         []model.RawTick{createTestTick("BTCUSDT", 2, time.Second, "2"), createTestTick("BTCUSDT", 1, 0, "1")},
			expectDup:     true,
			expectedCount: 1,
			description:   "Should reject the whole batch",
		},
		{
			name:          "conflict within batch",
			batch:         []model.RawTick{createTestTick("BTCUSDT", 5, 0, "1"), createTestTick("BTCUSDT", 5, 0, "1")},
			expectDup:     true,
			expectedCount: 0,
			description:   "Should detect repeats inside one batch",
		},
		{
			name:          "same trade id different event time",
			existing:      []model.RawTick{createTestTick("BTCUSDT", 1, 0, "1")},
			batch:         []model.RawTick{createTestTick("BTCUSDT", 1, time.Second, "1")},
			expectedCount: 2,
			description:   "Identity is the full triple",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			if len(tt.existing) > 0 {
				_, err := s.AppendRawTicks(ctx, tt.existing)
				require.NoError(t, err)
			}

			_, err := s.AppendRawTicks(ctx, tt.batch)
			if tt.expectDup {
				assert.ErrorIs(t, err, store.ErrDuplicate, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}
			assert.Equal(t, tt.expectedCount, s.TickCount(), tt.description)
		})
	}
}

func TestStore_QueryRawTicks(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.AppendRawTicks(ctx, []model.RawTick{
		createTestTick("BTCUSDT", 3, 30*time.Second, "3"),
		createTestTick("BTCUSDT", 1, 10*time.Second, "1"),
		createTestTick("ETHUSDT", 9, 10*time.Second, "9"),
		createTestTick("BTCUSDT", 2, 20*time.Second, "2"),
		createTestTick("BTCUSDT", 4, 60*time.Second, "4"),
	})
	require.NoError(t, err)

	ticks, err := s.QueryRawTicks(ctx, "BTCUSDT", t0.Add(10*time.Second), t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, ticks, 3, "range is inclusive on both ends")
	assert.Equal(t, []int64{1, 2, 3}, []int64{ticks[0].TradeID, ticks[1].TradeID, ticks[2].TradeID})
}

func TestStore_QueryRawTicks_StableForEqualTimes(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InsertRawTick(ctx, createTestTick("BTCUSDT", 20, 0, "1")))
	require.NoError(t, s.InsertRawTick(ctx, createTestTick("BTCUSDT", 10, 0, "2")))

	ticks, err := s.QueryRawTicks(ctx, "BTCUSDT", t0, t0)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(20), ticks[0].TradeID, "insertion order breaks ties")
}

func TestStore_UpsertCandle(t *testing.T) {
	ctx := context.Background()
	s := New()

	c := model.Candle{Symbol: "BTCUSDT", Timeframe: model.Timeframe1m, BucketStart: t0, Open: decimal.NewFromInt(1)}
	require.NoError(t, s.UpsertCandle(ctx, c))

	changed := c
	changed.Open = decimal.NewFromInt(2)
	err := s.UpsertCandle(ctx, changed)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.QueryCandles(ctx, "BTCUSDT", model.Timeframe1m, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Open.Equal(decimal.NewFromInt(1)), "existing row must be untouched")

	other := c
	other.Timeframe = model.Timeframe5m
	assert.NoError(t, s.UpsertCandle(ctx, other), "different timeframe is a different key")
	assert.Equal(t, 2, s.CandleCount())
}

func TestStore_LatestCandleStart(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LatestCandleStart(ctx, "BTCUSDT", model.Timeframe1m)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertCandle(ctx, model.Candle{
			Symbol: "BTCUSDT", Timeframe: model.Timeframe1m, BucketStart: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.UpsertCandle(ctx, model.Candle{
		Symbol: "BTCUSDT", Timeframe: model.Timeframe5m, BucketStart: t0.Add(time.Hour),
	}))

	latest, err := s.LatestCandleStart(ctx, "BTCUSDT", model.Timeframe1m)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Minute), latest)
}

func TestStore_QueryCandles_HalfOpenRange(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpsertCandle(ctx, model.Candle{
			Symbol: "BTCUSDT", Timeframe: model.Timeframe1m, BucketStart: t0.Add(time.Duration(4-i) * time.Minute),
		}))
	}

	got, err := s.QueryCandles(ctx, "BTCUSDT", model.Timeframe1m, t0.Add(time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(time.Minute), got[0].BucketStart)
	assert.Equal(t, t0.Add(2*time.Minute), got[1].BucketStart)
}

func TestStore_DeleteRawTicksBefore(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.AppendRawTicks(ctx, []model.RawTick{
		createTestTick("BTCUSDT", 1, 0, "1"),
		createTestTick("BTCUSDT", 2, time.Minute, "1"),
		createTestTick("ETHUSDT", 3, 0, "1"),
	})
	require.NoError(t, err)

	removed, err := s.DeleteRawTicksBefore(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 1, s.TickCount())

	// deleted keys may be inserted again
	assert.NoError(t, s.InsertRawTick(ctx, createTestTick("BTCUSDT", 1, 0, "1")))
}

func TestStore_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendRawTicks(ctx, []model.RawTick{createTestTick("BTCUSDT", 1, 0, "1")})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.QueryRawTicks(ctx, "BTCUSDT", t0, t0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.UpsertCandle(ctx, model.Candle{}), context.Canceled)
}
