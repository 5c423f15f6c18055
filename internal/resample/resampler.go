// Package resample builds OHLCV candles from persisted raw ticks.
//
// Every run re-scans the ticks of each (symbol, timeframe) pair from its
// watermark, aggregates them into epoch-aligned buckets and writes the
// closed ones with insert-if-absent semantics. The most recent bucket of a
// scan is never written, so a candle is only persisted once later trades
// prove its bucket has ended. The watermark is the end of the newest
// contiguous candle known to be in the store and never moves backwards;
// ticks that arrive for a bucket behind the watermark are not merged.
package resample

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

const (
	defaultRunInterval  = 10 * time.Second
	defaultLookback     = 60 * time.Minute
	defaultSafetyMargin = 2 * time.Second
	defaultStoreTimeout = 10 * time.Second

	// summaryEvery controls how often a run summary is logged at info.
	summaryEvery = 10
)

var (
	// ErrRunInProgress is returned by RunOnce when another run holds the lock.
	ErrRunInProgress = errors.New("resample run already in progress")

	// ErrInvalidConfig indicates a Config that cannot be used.
	ErrInvalidConfig = errors.New("invalid resampler config")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("resampler already started")
)

// Store is the subset of store.Store the resampler reads and writes.
type Store interface {
	QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error)
	UpsertCandle(ctx context.Context, candle model.Candle) error
	LatestCandleStart(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error)
}

// Sink receives candles right after they are first written.
type Sink interface {
	Publish(ctx context.Context, candles []model.Candle) error
}

// Config controls what is resampled and how often.
type Config struct {
	Symbols    []string
	Timeframes []model.Timeframe

	// RunInterval is the period between scheduled runs.
	RunInterval time.Duration

	// Lookback bounds how far back a pair without a watermark is scanned.
	Lookback time.Duration

	// SafetyMargin delays closing a bucket to absorb clock skew and late delivery.
	SafetyMargin time.Duration

	// StoreTimeout bounds every store and sink call.
	StoreTimeout time.Duration

	// Sink is optional.
	Sink Sink
}

func (cfg *Config) applyDefaults() {
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = defaultRunInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = defaultSafetyMargin
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
}

// Stats is a snapshot of resampler counters.
type Stats struct {
	Runs            int64
	SkippedRuns     int64
	CandlesCreated  int64
	CandlesExisting int64
	TicksProcessed  int64
	Errors          int64
	LastRunDuration time.Duration
	LastRunAt       time.Time
}

type pairKey struct {
	symbol    string
	timeframe model.Timeframe
}

// Resampler periodically turns raw ticks into candles.
type Resampler struct {
	cfg    Config
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	// runMu is held for the duration of a run; overlapping runs are skipped.
	runMu sync.Mutex

	wmMu       sync.RWMutex
	watermarks map[pairKey]time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs            atomic.Int64
	skipped         atomic.Int64
	created         atomic.Int64
	existing        atomic.Int64
	ticksProcessed  atomic.Int64
	errs            atomic.Int64
	lastRunDuration atomic.Int64
	lastRunAt       atomic.Int64
}

// New validates cfg and returns a resampler over st.
func New(st Store, cfg Config) (*Resampler, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrInvalidConfig)
	}
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("%w: no timeframes", ErrInvalidConfig)
	}
	for _, tf := range cfg.Timeframes {
		if !tf.Valid() {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, model.ErrUnknownTimeframe, tf)
		}
	}
	cfg.applyDefaults()

	return &Resampler{
		cfg:        cfg,
		store:      st,
		logger:     log.With().Str("component", "resampler").Logger(),
		now:        time.Now,
		watermarks: make(map[pairKey]time.Time),
	}, nil
}

// Watermark returns the end of the last closed bucket written for the pair,
// or the zero time if none is known.
func (r *Resampler) Watermark(symbol string, tf model.Timeframe) time.Time {
	r.wmMu.RLock()
	defer r.wmMu.RUnlock()
	return r.watermarks[pairKey{symbol, tf}]
}

// advance moves the watermark forward; earlier values are ignored.
func (r *Resampler) advance(k pairKey, to time.Time) {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	if to.After(r.watermarks[k]) {
		r.watermarks[k] = to
	}
}

// Recover seeds watermarks from the newest candle stored for each pair.
func (r *Resampler) Recover(ctx context.Context) error {
	var errs []error
	for _, sym := range r.cfg.Symbols {
		for _, tf := range r.cfg.Timeframes {
			qctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
			start, err := r.store.LatestCandleStart(qctx, sym, tf)
			cancel()

			switch {
			case errors.Is(err, store.ErrNotFound):
				continue
			case err != nil:
				errs = append(errs, fmt.Errorf("recover %s/%s: %w", sym, tf, err))
				continue
			}

			wm := start.Add(tf.Duration())
			r.advance(pairKey{sym, tf}, wm)
			r.logger.Debug().Str("symbol", sym).Stringer("timeframe", tf).Time("watermark", wm).Msg("watermark recovered")
		}
	}
	return errors.Join(errs...)
}

// Start recovers watermarks and runs immediately, then every RunInterval
// until Stop or ctx is done.
func (r *Resampler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := r.Recover(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("watermark recovery incomplete, falling back to lookback")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info().
		Strs("symbols", r.cfg.Symbols).
		Dur("interval", r.cfg.RunInterval).
		Dur("lookback", r.cfg.Lookback).
		Msg("resampler started")
	return nil
}

func (r *Resampler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("resample run finished with errors")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (r *Resampler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Int64("runs", r.runs.Load()).Int64("candles_created", r.created.Load()).Msg("resampler stopped")
}

// RunOnce resamples every configured pair. A failing pair is logged and
// counted without affecting the others; their errors are joined in the result.
func (r *Resampler) RunOnce(ctx context.Context) error {
	if !r.runMu.TryLock() {
		r.skipped.Add(1)
		r.logger.Debug().Msg("previous run still in progress, skipping")
		return ErrRunInProgress
	}
	defer r.runMu.Unlock()

	runID := uuid.NewString()
	logger := r.logger.With().Str("run_id", runID).Logger()
	began := time.Now()
	now := r.now().UTC()

	var errs []error
	for _, sym := range r.cfg.Symbols {
		for _, tf := range r.cfg.Timeframes {
			if ctx.Err() != nil {
				return errors.Join(append(errs, ctx.Err())...)
			}
			if err := r.resamplePair(ctx, logger, now, pairKey{sym, tf}); err != nil {
				r.errs.Add(1)
				logger.Error().Err(err).Str("symbol", sym).Stringer("timeframe", tf).Msg("resample failed")
				errs = append(errs, fmt.Errorf("%s/%s: %w", sym, tf, err))
			}
		}
	}

	elapsed := time.Since(began)
	runs := r.runs.Add(1)
	r.lastRunDuration.Store(int64(elapsed))
	r.lastRunAt.Store(now.UnixNano())

	if runs%summaryEvery == 0 {
		s := r.Stats()
		logger.Info().
			Int64("runs", s.Runs).
			Int64("candles_created", s.CandlesCreated).
			Int64("ticks_processed", s.TicksProcessed).
			Int64("errors", s.Errors).
			Dur("last_run", elapsed).
			Msg("resampler summary")
	}
	return errors.Join(errs...)
}

// resamplePair runs its store and sink calls to completion even when ctx is
// cancelled; RunOnce only stops between pairs. Each call is bounded by StoreTimeout.
func (r *Resampler) resamplePair(ctx context.Context, logger zerolog.Logger, now time.Time, k pairKey) error {
	ctx = context.WithoutCancel(ctx)

	scanStart := k.timeframe.BucketStart(now.Add(-r.cfg.Lookback))
	if wm := r.Watermark(k.symbol, k.timeframe); wm.After(scanStart) {
		scanStart = wm
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	ticks, err := r.store.QueryRawTicks(qctx, k.symbol, scanStart, now)
	cancel()
	if err != nil {
		return fmt.Errorf("query ticks: %w", err)
	}
	if len(ticks) == 0 {
		return nil
	}

	candles := closedCandles(Aggregate(k.symbol, k.timeframe, ticks), now, r.cfg.SafetyMargin)
	if len(candles) == 0 {
		return nil
	}

	var (
		fresh      []model.Candle
		watermark  time.Time
		contiguous = true
		failed     int
		processed  int64
	)
	for _, c := range candles {
		uctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		err := r.store.UpsertCandle(uctx, c)
		cancel()

		switch {
		case err == nil:
			r.created.Add(1)
			fresh = append(fresh, c)
		case store.IsDuplicate(err):
			r.existing.Add(1)
		default:
			failed++
			contiguous = false
			logger.Error().Err(err).Str("symbol", c.Symbol).Stringer("timeframe", c.Timeframe).Time("bucket_start", c.BucketStart).Msg("failed to write candle")
			continue
		}

		processed += c.TradeCount
		if contiguous {
			watermark = c.BucketEnd()
		}
	}
	r.ticksProcessed.Add(processed)

	if !watermark.IsZero() {
		r.advance(k, watermark)
	}

	if len(fresh) > 0 {
		logger.Debug().Str("symbol", k.symbol).Stringer("timeframe", k.timeframe).Int("candles", len(fresh)).Msg("candles written")
		if r.cfg.Sink != nil {
			sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
			if err := r.cfg.Sink.Publish(sctx, fresh); err != nil {
				logger.Warn().Err(err).Str("symbol", k.symbol).Stringer("timeframe", k.timeframe).Msg("candle notification failed")
			}
			cancel()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d candles not written", failed, len(candles))
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (r *Resampler) Stats() Stats {
	s := Stats{
		Runs:            r.runs.Load(),
		SkippedRuns:     r.skipped.Load(),
		CandlesCreated:  r.created.Load(),
		CandlesExisting: r.existing.Load(),
		TicksProcessed:  r.ticksProcessed.Load(),
		Errors:          r.errs.Load(),
		LastRunDuration: time.Duration(r.lastRunDuration.Load()),
	}
	if ns := r.lastRunAt.Load(); ns > 0 {
		s.LastRunAt = time.Unix(0, ns).UTC()
	}
	return s
}
