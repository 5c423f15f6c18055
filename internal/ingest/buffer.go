// Package ingest turns a stream of trade events into durable raw ticks.
//
// A Buffer deduplicates events against a small per-symbol cache of recently
// seen trades, collects them into batches and writes each batch to the tick
// store when it reaches BatchSize or when FlushInterval elapses, whichever
// comes first. The store's unique constraint remains the source of truth for
// duplicates; the cache only keeps obvious repeats out of the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBackoff  = time.Second
	defaultDedupCapacity = 1000
	defaultStoreTimeout  = 10 * time.Second
)

var (
	// ErrStopped is returned by Handle and Start after Stop.
	ErrStopped = errors.New("ingest buffer stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("ingest buffer already started")

	// ErrBatchDropped reports a batch abandoned after its retry budget ran out.
	ErrBatchDropped = errors.New("batch dropped after retries")
)

// Config controls batching and the write path. Zero values take defaults.
type Config struct {
	// BatchSize is the number of buffered events that triggers an immediate flush.
	BatchSize int

	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration

	// MaxRetries is the number of bulk write attempts before a batch is dropped.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number to get the wait between attempts.
	RetryBackoff time.Duration

	// DedupCapacity is the number of recent trades remembered per symbol.
	DedupCapacity int

	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = defaultDedupCapacity
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Received       int64
	Inserted       int64
	Duplicates     int64
	Errors         int64
	BatchesFlushed int64
	BatchesDropped int64
	Pending        int
	LastFlushAt    time.Time
	PerSymbol      map[string]int64
}

// Buffer batches trade events into the tick store.
type Buffer struct {
	cfg    Config
	store  store.TickStore
	logger zerolog.Logger
	now    func() time.Time

	// mu guards the batch, the dedup cache and the per-symbol counters.
	mu        sync.Mutex
	batch     []model.RawTick
	recent    map[string]*recentTrades
	perSymbol map[string]int64

	// flushMu serializes flushes so batches reach the store in order.
	flushMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once

	received       atomic.Int64
	inserted       atomic.Int64
	duplicates     atomic.Int64
	errs           atomic.Int64
	batchesFlushed atomic.Int64
	batchesDropped atomic.Int64
	lastFlush      atomic.Int64
}

// New returns a Buffer writing to ts.
func New(ts store.TickStore, cfg Config) *Buffer {
	cfg.applyDefaults()
	return &Buffer{
		cfg:       cfg,
		store:     ts,
		logger:    log.With().Str("component", "ingest").Logger(),
		now:       time.Now,
		batch:     make([]model.RawTick, 0, cfg.BatchSize),
		recent:    make(map[string]*recentTrades),
		perSymbol: make(map[string]int64),
	}
}

// Start launches the periodic flush.
func (b *Buffer) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.flushLoop(ctx)

	b.logger.Info().
		Int("batch_size", b.cfg.BatchSize).
		Dur("flush_interval", b.cfg.FlushInterval).
		Msg("ingest buffer started")
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	// Stop ends the loop between ticks only. A flush already running keeps
	// its retries and store calls, each bounded by StoreTimeout.
	writeCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Flush(writeCtx); err != nil {
				b.logger.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Handle buffers one event. Events already in the recent-trade cache are
// counted as duplicates and discarded. Reaching BatchSize flushes
// synchronously on the caller's goroutine.
func (b *Buffer) Handle(ctx context.Context, ev model.TradeEvent) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if ev.IngestTime.IsZero() {
		ev.IngestTime = b.now().UTC()
	}
	b.received.Add(1)

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		return ErrStopped
	}
	b.perSymbol[ev.Symbol]++
	recent, ok := b.recent[ev.Symbol]
	if !ok {
		recent = newRecentTrades(b.cfg.DedupCapacity)
		b.recent[ev.Symbol] = recent
	}
	key := ev.DedupKey()
	if recent.contains(key) {
		b.mu.Unlock()
		b.duplicates.Add(1)
		b.logger.Debug().Str("symbol", ev.Symbol).Int64("trade_id", ev.TradeID).Msg("duplicate trade skipped")
		return nil
	}
	recent.add(key)
	b.batch = append(b.batch, model.NewRawTick(ev, time.Time{}))
	full := len(b.batch) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Consume feeds events from ch into the buffer until ch is closed or ctx is done.
func (b *Buffer) Consume(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := b.Handle(ctx, ev); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				b.logger.Error().Err(err).Msg("failed to handle trade")
			}
		}
	}
}

// Flush writes the current batch. The batch is detached under the lock and
// written outside it, so Handle is never blocked on the store.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.batch
	b.batch = make([]model.RawTick, 0, b.cfg.BatchSize)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.write(ctx, batch)
}

// write attempts a bulk insert, falls back to row-by-row inserts on a
// uniqueness violation and retries other failures with linear backoff.
func (b *Buffer) write(ctx context.Context, batch []model.RawTick) error {
	insertedAt := b.now().UTC()
	for i := range batch {
		batch[i].InsertedAt = insertedAt
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		n, err := b.appendBatch(ctx, batch)
		if err == nil {
			b.inserted.Add(int64(n))
			b.flushed(len(batch))
			return nil
		}

		if store.IsDuplicate(err) {
			b.logger.Debug().Int("batch", len(batch)).Msg("bulk insert hit duplicate, inserting individually")
			if err := b.insertEach(ctx, batch); err != nil {
				return err
			}
			b.flushed(len(batch))
			return nil
		}

		lastErr = err
		b.logger.Warn().Err(err).Int("attempt", attempt).Int("batch", len(batch)).Msg("batch write failed")

		if attempt == b.cfg.MaxRetries {
			break
		}
		if !sleep(ctx, time.Duration(attempt)*b.cfg.RetryBackoff) {
			lastErr = ctx.Err()
			break
		}
	}

	b.errs.Add(int64(len(batch)))
	b.batchesDropped.Add(1)
	b.logger.Error().Err(lastErr).Int("batch", len(batch)).Msg("data loss: dropping batch after exhausting retries")
	return fmt.Errorf("%w: %d ticks: %w", ErrBatchDropped, len(batch), lastErr)
}

func (b *Buffer) appendBatch(ctx context.Context, batch []model.RawTick) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()
	return b.store.AppendRawTicks(ctx, batch)
}

// insertEach inserts ticks one at a time, counting uniqueness violations as
// duplicates. Other per-row failures are counted as errors.
func (b *Buffer) insertEach(ctx context.Context, batch []model.RawTick) error {
	var dup, failed int64
	for _, t := range batch {
		if ctx.Err() != nil {
			failed++
			continue
		}
		rowCtx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
		err := b.store.InsertRawTick(rowCtx, t)
		cancel()

		switch {
		case err == nil:
			b.inserted.Add(1)
		case store.IsDuplicate(err):
			dup++
		default:
			failed++
			b.logger.Error().Err(err).Str("symbol", t.Symbol).Int64("trade_id", t.TradeID).Msg("failed to insert tick")
		}
	}
	b.duplicates.Add(dup)
	b.errs.Add(failed)

	b.logger.Debug().Int64("duplicates", dup).Int64("failed", failed).Int("batch", len(batch)).Msg("individual insert complete")
	if failed > 0 {
		return fmt.Errorf("individual insert: %d of %d ticks failed", failed, len(batch))
	}
	return nil
}

func (b *Buffer) flushed(n int) {
	b.batchesFlushed.Add(1)
	b.lastFlush.Store(b.now().UnixNano())
	b.logger.Debug().Int("ticks", n).Msg("batch flushed")
}

// Stop cancels the periodic flush, waits for it and flushes what is left.
// Handle returns ErrStopped afterwards.
func (b *Buffer) Stop() error {
	var err error
	b.once.Do(func() {
		// under mu so no Handle can append after the final flush
		b.mu.Lock()
		b.stopped.Store(true)
		b.mu.Unlock()
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
		defer cancel()
		err = b.Flush(ctx)

		s := b.Stats()
		b.logger.Info().
			Int64("received", s.Received).
			Int64("inserted", s.Inserted).
			Int64("duplicates", s.Duplicates).
			Int64("errors", s.Errors).
			Msg("ingest buffer stopped")
	})
	return err
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	pending := len(b.batch)
	perSymbol := make(map[string]int64, len(b.perSymbol))
	for k, v := range b.perSymbol {
		perSymbol[k] = v
	}
	b.mu.Unlock()

	s := Stats{
		Received:       b.received.Load(),
		Inserted:       b.inserted.Load(),
		Duplicates:     b.duplicates.Load(),
		Errors:         b.errs.Load(),
		BatchesFlushed: b.batchesFlushed.Load(),
		BatchesDropped: b.batchesDropped.Load(),
		Pending:        pending,
		PerSymbol:      perSymbol,
	}
	if ns := b.lastFlush.Load(); ns > 0 {
		s.LastFlushAt = time.Unix(0, ns)
	}
	return s
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
