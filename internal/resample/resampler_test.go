package resample

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickbars/internal/model"
	"tickbars/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func tick(symbol string, id int64, offset time.Duration, price, qty string) model.RawTick {
	at := t0.Add(offset)
	return model.RawTick{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		TradeID:   id,
		EventTime: at,
		TradeTime: at,
	}
}

func seed(t *testing.T, st *memory.Store, ticks ...model.RawTick) {
	t.Helper()
	_, err := st.AppendRawTicks(context.Background(), ticks)
	require.NoError(t, err)
}

func newResampler(t *testing.T, st Store, now time.Time, symbols []string, tfs ...model.Timeframe) *Resampler {
	t.Helper()
	r, err := New(st, Config{Symbols: symbols, Timeframes: tfs, SafetyMargin: 2 * time.Second})
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	return r
}

func candles(t *testing.T, st *memory.Store, symbol string, tf model.Timeframe) []model.Candle {
	t.Helper()
	out, err := st.QueryCandles(context.Background(), symbol, tf, t0.Add(-24*time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	return out
}

// recordingSink collects every published candle.
type recordingSink struct {
	mu      sync.Mutex
	candles []model.Candle
	err     error
}

func (s *recordingSink) Publish(_ context.Context, c []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, c...)
	return s.err
}

// faultyStore fails reads for one symbol and candle writes for one bucket.
type faultyStore struct {
	*memory.Store
	failSymbol string
	failBucket time.Time
}

func (f *faultyStore) QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error) {
	if symbol == f.failSymbol {
		return nil, errors.New("read timeout")
	}
	return f.Store.QueryRawTicks(ctx, symbol, from, to)
}

func (f *faultyStore) UpsertCandle(ctx context.Context, c model.Candle) error {
	if c.BucketStart.Equal(f.failBucket) {
		return errors.New("write timeout")
	}
	return f.Store.UpsertCandle(ctx, c)
}

func TestResampler_OHLCVScenario(t *testing.T) {
	st := memory.New()
	seed(t, st,
		tick("BTCUSDT", 1, 0, "100", "1.5"),
		tick("BTCUSDT", 2, 20*time.Second, "105", "0.25"),
		tick("BTCUSDT", 3, 45*time.Second, "95", "2"),
		tick("BTCUSDT", 4, 61*time.Second, "102", "3"),
	)

	r := newResampler(t, st, t0.Add(70*time.Second), []string{"BTCUSDT"}, model.Timeframe1m)
	require.NoError(t, r.RunOnce(context.Background()))

	got := candles(t, st, "BTCUSDT", model.Timeframe1m)
	require.Len(t, got, 1, "the bucket holding the 61s tick stays open")

	c := got[0]
	assert.Equal(t, t0, c.BucketStart)
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "105", c.High.String())
	assert.Equal(t, "95", c.Low.String())
	assert.Equal(t, "95", c.Close.String())
	assert.Equal(t, "3.75", c.Volume.String())
	assert.Equal(t, int64(3), c.TradeCount)

	assert.Equal(t, t0.Add(time.Minute), r.Watermark("BTCUSDT", model.Timeframe1m))

	s := r.Stats()
	assert.Equal(t, int64(1), s.Runs)
	assert.Equal(t, int64(1), s.CandlesCreated)
	assert.Equal(t, int64(3), s.TicksProcessed)
}

func TestResampler_Idempotent(t *testing.T) {
	st := memory.New()
	seed(t, st,
		tick("BTCUSDT", 1, 0, "100", "1"),
		tick("BTCUSDT", 2, 30*time.Second, "101", "1"),
		tick("BTCUSDT", 3, 90*time.Second, "99", "1"),
		tick("BTCUSDT", 4, 150*time.Second, "98", "1"),
	)
	now := t0.Add(3 * time.Minute)

	r := newResampler(t, st, now, []string{"BTCUSDT"}, model.Timeframe1m)
	require.NoError(t, r.RunOnce(context.Background()))
	first := candles(t, st, "BTCUSDT", model.Timeframe1m)
	require.Len(t, first, 2)

	// same instance: the watermark skips what is already written
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, first, candles(t, st, "BTCUSDT", model.Timeframe1m))
	assert.Equal(t, int64(2), r.Stats().CandlesCreated)

	// fresh instance without recovery re-scans the lookback and finds every candle present
	fresh := newResampler(t, st, now, []string{"BTCUSDT"}, model.Timeframe1m)
	require.NoError(t, fresh.RunOnce(context.Background()))
	assert.Equal(t, first, candles(t, st, "BTCUSDT", model.Timeframe1m))
	assert.Equal(t, int64(0), fresh.Stats().CandlesCreated)
	assert.Equal(t, int64(2), fresh.Stats().CandlesExisting)
	assert.Equal(t, t0.Add(2*time.Minute), fresh.Watermark("BTCUSDT", model.Timeframe1m))
}

func TestResampler_ClosedBucketRules(t *testing.T) {
	tests := []struct {
		name            string
		ticks           []model.RawTick
		now             time.Time
		expectedBuckets []time.Time
		description     string
	}{
		{
			name:            "single bucket never written",
			ticks:           []model.RawTick{tick("ETHUSDT", 1, 5*time.Second, "10", "1")},
			now:             t0.Add(10 * time.Minute),
			expectedBuckets: nil,
			description:     "a lone bucket is always the last one of the scan",
		},
		{
			name: "safety margin holds back a just-ended bucket",
			ticks: []model.RawTick{
				tick("ETHUSDT", 1, 5*time.Second, "10", "1"),
				tick("ETHUSDT", 2, 60*time.Second, "11", "1"),
			},
			now:             t0.Add(61 * time.Second),
			expectedBuckets: nil,
			description:     "bucket ends at 60s which is after now minus 2s",
		},
		{
			name: "gaps produce no empty candles",
			ticks: []model.RawTick{
				tick("ETHUSDT", 1, 5*time.Second, "10", "1"),
				tick("ETHUSDT", 2, 185*time.Second, "11", "1"),
				tick("ETHUSDT", 3, 250*time.Second, "12", "1"),
			},
			now:             t0.Add(5 * time.Minute),
			expectedBuckets: []time.Time{t0, t0.Add(3 * time.Minute)},
			description:     "buckets without trades are skipped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			seed(t, st, tt.ticks...)
			r := newResampler(t, st, tt.now, []string{"ETHUSDT"}, model.Timeframe1m)
			require.NoError(t, r.RunOnce(context.Background()))

			var got []time.Time
			for _, c := range candles(t, st, "ETHUSDT", model.Timeframe1m) {
				got = append(got, c.BucketStart)
			}
			assert.Equal(t, tt.expectedBuckets, got, tt.description)
		})
	}
}

func TestResampler_WatermarkMonotonicLateTicks(t *testing.T) {
	st := memory.New()
	seed(t, st,
		tick("BTCUSDT", 1, 0, "100", "1"),
		tick("BTCUSDT", 2, 20*time.Second, "105", "1"),
		tick("BTCUSDT", 3, 45*time.Second, "95", "1"),
		tick("BTCUSDT", 4, 61*time.Second, "102", "1"),
		tick("BTCUSDT", 5, 125*time.Second, "103", "1"),
	)

	now := t0.Add(130 * time.Second)
	r, err := New(st, Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{model.Timeframe1m}})
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	require.NoError(t, r.RunOnce(context.Background()))
	wm1 := r.Watermark("BTCUSDT", model.Timeframe1m)
	assert.Equal(t, t0.Add(2*time.Minute), wm1)

	// a late tick for the first bucket and a new tick that closes the third
	seed(t, st,
		tick("BTCUSDT", 6, 30*time.Second, "200", "5"),
		tick("BTCUSDT", 7, 190*time.Second, "104", "1"),
	)
	now = t0.Add(200 * time.Second)
	require.NoError(t, r.RunOnce(context.Background()))

	wm2 := r.Watermark("BTCUSDT", model.Timeframe1m)
	assert.False(t, wm2.Before(wm1), "watermark never moves backwards")
	assert.Equal(t, t0.Add(3*time.Minute), wm2)

	got := candles(t, st, "BTCUSDT", model.Timeframe1m)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].TradeCount, "late tick is not merged into a persisted candle")
	assert.Equal(t, "105", got[0].High.String())

	// a rerun at an earlier clock cannot pull the watermark back
	now = t0.Add(100 * time.Second)
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, wm2, r.Watermark("BTCUSDT", model.Timeframe1m))
}

func TestResampler_MultipleTimeframes(t *testing.T) {
	st := memory.New()
	var ticks []model.RawTick
	for i := int64(0); i < 12; i++ {
		ticks = append(ticks, tick("SOLUSDT", i+1, time.Duration(i)*time.Minute, decimal.NewFromInt(10+i).String(), "1"))
	}
	seed(t, st, ticks...)

	r := newResampler(t, st, t0.Add(12*time.Minute), []string{"SOLUSDT"}, model.Timeframe1m, model.Timeframe5m)
	require.NoError(t, r.RunOnce(context.Background()))

	assert.Len(t, candles(t, st, "SOLUSDT", model.Timeframe1m), 11)

	five := candles(t, st, "SOLUSDT", model.Timeframe5m)
	require.Len(t, five, 2)
	assert.Equal(t, int64(5), five[0].TradeCount)
	assert.Equal(t, "10", five[0].Open.String())
	assert.Equal(t, "14", five[0].Close.String())
	assert.Equal(t, "5", five[1].Volume.String())
	assert.Equal(t, t0.Add(10*time.Minute), r.Watermark("SOLUSDT", model.Timeframe5m))
}

func TestResampler_FailureIsolation(t *testing.T) {
	mem := memory.New()
	seed(t, mem,
		tick("BTCUSDT", 1, 0, "1", "1"),
		tick("BTCUSDT", 2, 70*time.Second, "2", "1"),
		tick("BTCUSDT", 3, 130*time.Second, "3", "1"),
		tick("BTCUSDT", 4, 190*time.Second, "4", "1"),
		tick("BADUSDT", 1, 0, "1", "1"),
	)
	st := &faultyStore{Store: mem, failSymbol: "BADUSDT", failBucket: t0.Add(time.Minute)}

	r := newResampler(t, st, t0.Add(4*time.Minute), []string{"BADUSDT", "BTCUSDT"}, model.Timeframe1m)
	err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BADUSDT")

	// the failed bucket is skipped, the one after it is still written
	var got []time.Time
	for _, c := range candles(t, mem, "BTCUSDT", model.Timeframe1m) {
		got = append(got, c.BucketStart)
	}
	assert.Equal(t, []time.Time{t0, t0.Add(2 * time.Minute)}, got)

	// the watermark stops at the end of the contiguous prefix
	assert.Equal(t, t0.Add(time.Minute), r.Watermark("BTCUSDT", model.Timeframe1m))
	assert.True(t, r.Watermark("BADUSDT", model.Timeframe1m).IsZero())
	assert.Equal(t, int64(2), r.Stats().Errors)

	// once the store recovers the gap is filled and the watermark catches up
	st.failBucket = time.Time{}
	st.failSymbol = ""
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Len(t, candles(t, mem, "BTCUSDT", model.Timeframe1m), 3)
	assert.Equal(t, t0.Add(3*time.Minute), r.Watermark("BTCUSDT", model.Timeframe1m))
}

func TestResampler_SkipsOverlappingRun(t *testing.T) {
	r := newResampler(t, memory.New(), t0, []string{"BTCUSDT"}, model.Timeframe1m)

	r.runMu.Lock()
	err := r.RunOnce(context.Background())
	r.runMu.Unlock()

	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int64(1), r.Stats().SkippedRuns)
	assert.Equal(t, int64(0), r.Stats().Runs)
}

func TestResampler_Recover(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.UpsertCandle(context.Background(), model.Candle{
		Symbol:      "BTCUSDT",
		Timeframe:   model.Timeframe5m,
		BucketStart: t0,
		Open:        decimal.NewFromInt(1),
		High:        decimal.NewFromInt(1),
		Low:         decimal.NewFromInt(1),
		Close:       decimal.NewFromInt(1),
		Volume:      decimal.NewFromInt(1),
		TradeCount:  1,
	}))

	r := newResampler(t, st, t0, []string{"BTCUSDT", "ETHUSDT"}, model.Timeframe1m, model.Timeframe5m)
	require.NoError(t, r.Recover(context.Background()))

	assert.Equal(t, t0.Add(5*time.Minute), r.Watermark("BTCUSDT", model.Timeframe5m))
	assert.True(t, r.Watermark("BTCUSDT", model.Timeframe1m).IsZero())
	assert.True(t, r.Watermark("ETHUSDT", model.Timeframe5m).IsZero())
}

func TestResampler_SinkReceivesOnlyNewCandles(t *testing.T) {
	st := memory.New()
	seed(t, st,
		tick("BTCUSDT", 1, 0, "100", "1"),
		tick("BTCUSDT", 2, 70*time.Second, "101", "1"),
		tick("BTCUSDT", 3, 130*time.Second, "102", "1"),
	)
	sink := &recordingSink{err: errors.New("broker unavailable")}

	r, err := New(st, Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{model.Timeframe1m}, Sink: sink})
	require.NoError(t, err)
	r.now = func() time.Time { return t0.Add(3 * time.Minute) }

	require.NoError(t, r.RunOnce(context.Background()), "sink failures do not fail the run")
	require.Len(t, sink.candles, 2)
	assert.Equal(t, t0.Add(2*time.Minute), r.Watermark("BTCUSDT", model.Timeframe1m))

	// already-present candles are not republished
	again, err := New(st, Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{model.Timeframe1m}, Sink: sink})
	require.NoError(t, err)
	again.now = r.now
	require.NoError(t, again.RunOnce(context.Background()))
	assert.Len(t, sink.candles, 2)
}

func TestResampler_StartStop(t *testing.T) {
	st := memory.New()
	seed(t, st,
		tick("BTCUSDT", 1, 0, "100", "1"),
		tick("BTCUSDT", 2, 70*time.Second, "101", "1"),
	)

	r, err := New(st, Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{model.Timeframe1m}, RunInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	r.now = func() time.Time { return t0.Add(3 * time.Minute) }

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return r.Stats().Runs >= 2 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	assert.Equal(t, 1, st.CandleCount())
	runs := r.Stats().Runs
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, runs, r.Stats().Runs, "no runs after Stop")
}

// slowUpsertStore holds every candle write for delay and reports a cancelled context.
type slowUpsertStore struct {
	*memory.Store
	delay   time.Duration
	entered chan struct{}
	once    sync.Once
}

func (s *slowUpsertStore) UpsertCandle(ctx context.Context, c model.Candle) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Store.UpsertCandle(ctx, c)
}

func TestResampler_StopLetsInFlightWriteFinish(t *testing.T) {
	mem := memory.New()
	seed(t, mem,
		tick("BTCUSDT", 1, 0, "100", "1"),
		tick("BTCUSDT", 2, 70*time.Second, "101", "1"),
	)
	st := &slowUpsertStore{Store: mem, delay: 100 * time.Millisecond, entered: make(chan struct{})}

	r, err := New(st, Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{model.Timeframe1m}, RunInterval: time.Hour})
	require.NoError(t, err)
	r.now = func() time.Time { return t0.Add(3 * time.Minute) }

	require.NoError(t, r.Start(context.Background()))
	select {
	case <-st.entered:
	case <-time.After(time.Second):
		t.Fatal("candle write never started")
	}
	r.Stop()

	assert.Equal(t, 1, mem.CandleCount(), "the write in progress at Stop completes")
	assert.Equal(t, int64(1), r.Stats().CandlesCreated)
	assert.Zero(t, r.Stats().Errors)
	assert.Equal(t, t0.Add(time.Minute), r.Watermark("BTCUSDT", model.Timeframe1m))
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no symbols", cfg: Config{Timeframes: []model.Timeframe{model.Timeframe1m}}},
		{name: "no timeframes", cfg: Config{Symbols: []string{"BTCUSDT"}}},
		{name: "unknown timeframe", cfg: Config{Symbols: []string{"BTCUSDT"}, Timeframes: []model.Timeframe{"3m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(memory.New(), tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
