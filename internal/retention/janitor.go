// Package retention deletes raw ticks that have aged out of the retention window.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// Deleter is the store operation the janitor needs.
type Deleter interface {
	DeleteRawTicksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically removes raw ticks older than Days. Candles are kept.
type Janitor struct {
	store    Deleter
	days     int
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a janitor keeping days of raw ticks, sweeping every interval.
func New(st Deleter, days int, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    st,
		days:     days,
		interval: interval,
		logger:   log.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}
}

// Cutoff returns the instant before which ticks are deleted.
func (j *Janitor) Cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.days)
}

// Sweep deletes expired ticks once and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cutoff := j.Cutoff()
	n, err := j.store.DeleteRawTicksBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("expired raw ticks deleted")
	}
	return n, nil
}

// Start sweeps immediately and then every interval. A zero retention
// window disables the janitor.
func (j *Janitor) Start(ctx context.Context) {
	if j.days <= 0 {
		j.logger.Info().Msg("raw tick retention disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error().Err(err).Msg("retention sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}
