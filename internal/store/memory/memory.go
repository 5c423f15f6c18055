// Package memory implements store.Store in process memory.
//
// It is used by tests and by the server's "memory" driver for local runs. Data
// does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

type tickKey struct {
	symbol    string
	tradeID   int64
	eventTime int64
}

type candleKey struct {
	symbol      string
	timeframe   model.Timeframe
	bucketStart int64
}

// Store is a mutex-guarded map implementation of store.Store.
type Store struct {
	mu       sync.RWMutex
	ticks    map[string][]model.RawTick
	tickKeys map[tickKey]struct{}
	candles  map[candleKey]model.Candle
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		ticks:    make(map[string][]model.RawTick),
		tickKeys: make(map[tickKey]struct{}),
		candles:  make(map[candleKey]model.Candle),
	}
}

func keyOf(t model.RawTick) tickKey {
	return tickKey{symbol: t.Symbol, tradeID: t.TradeID, eventTime: t.EventTime.UnixNano()}
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) AppendRawTicks(ctx context.Context, ticks []model.RawTick) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// all-or-nothing: check every key, including duplicates within the batch
	seen := make(map[tickKey]struct{}, len(ticks))
	for _, t := range ticks {
		k := keyOf(t)
		if _, ok := s.tickKeys[k]; ok {
			return 0, fmt.Errorf("%w: tick %s/%d", store.ErrDuplicate, t.Symbol, t.TradeID)
		}
		if _, ok := seen[k]; ok {
			return 0, fmt.Errorf("%w: tick %s/%d repeated in batch", store.ErrDuplicate, t.Symbol, t.TradeID)
		}
		seen[k] = struct{}{}
	}

	for _, t := range ticks {
		s.tickKeys[keyOf(t)] = struct{}{}
		s.ticks[t.Symbol] = append(s.ticks[t.Symbol], t)
	}
	return len(ticks), nil
}

func (s *Store) InsertRawTick(ctx context.Context, tick model.RawTick) error {
	_, err := s.AppendRawTicks(ctx, []model.RawTick{tick})
	return err
}

func (s *Store) QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RawTick
	for _, t := range s.ticks[symbol] {
		if t.EventTime.Before(from) || t.EventTime.After(to) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTime.Before(out[j].EventTime)
	})
	return out, nil
}

func (s *Store) DeleteRawTicksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for sym, ticks := range s.ticks {
		kept := ticks[:0]
		for _, t := range ticks {
			if t.EventTime.Before(cutoff) {
				delete(s.tickKeys, keyOf(t))
				removed++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(s.ticks, sym)
		} else {
			s.ticks[sym] = kept
		}
	}
	return removed, nil
}

func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := candleKey{symbol: c.Symbol, timeframe: c.Timeframe, bucketStart: c.BucketStart.UnixNano()}
	if _, ok := s.candles[k]; ok {
		return fmt.Errorf("%w: candle %s/%s@%s", store.ErrDuplicate, c.Symbol, c.Timeframe, c.BucketStart.UTC().Format(time.RFC3339))
	}
	s.candles[k] = c
	return nil
}

func (s *Store) LatestCandleStart(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest time.Time
		found  bool
	)
	for k, c := range s.candles {
		if k.symbol != symbol || k.timeframe != tf {
			continue
		}
		if !found || c.BucketStart.After(latest) {
			latest = c.BucketStart
			found = true
		}
	}
	if !found {
		return time.Time{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) QueryCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Candle
	for k, c := range s.candles {
		if k.symbol != symbol || k.timeframe != tf {
			continue
		}
		if c.BucketStart.Before(from) || !c.BucketStart.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out, nil
}

// TickCount returns the number of stored ticks across all symbols.
func (s *Store) TickCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickKeys)
}

// CandleCount returns the number of stored candles.
func (s *Store) CandleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}
