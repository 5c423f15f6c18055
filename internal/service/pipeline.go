// Package service wires the ingestion pipeline together and owns its lifecycle.
//
// The Pipeline coordinates:
//   - Stream: the exchange connection producing trade events
//   - ingest.Buffer: batches and persists the events as raw ticks
//   - resample.Resampler: turns persisted ticks into closed candles
//   - retention.Janitor and notify.Dispatcher when configured
//
// Components share nothing but the store and the bounded trade channel.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/ingest"
	"tickbars/internal/model"
	"tickbars/internal/notify"
	"tickbars/internal/resample"
	"tickbars/internal/retention"
	"tickbars/internal/websocket"
)

const (
	defaultConnectBase = 5 * time.Second
	defaultConnectMax  = 60 * time.Second

	// pumpDrainTimeout bounds how long Stop waits for the pump to drain the
	// trade channel after the stream closed it.
	pumpDrainTimeout = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrNotStarted     = errors.New("pipeline not started")
)

// Stream is the exchange connection as seen by the pipeline.
type Stream interface {
	// Start performs the initial handshake without retrying.
	Start(ctx context.Context) error

	// Stop closes the connection and, eventually, the Trades channel.
	Stop()

	Trades() <-chan model.TradeEvent
	State() websocket.State
	Stats() websocket.Stats
}

// Stats aggregates the counters of every pipeline stage.
type Stats struct {
	Stream   websocket.Stats
	Ingest   ingest.Stats
	Resample resample.Stats
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithJanitor runs j alongside the pipeline.
func WithJanitor(j *retention.Janitor) Option {
	return func(p *Pipeline) { p.janitor = j }
}

// WithDispatcher starts d before the resampler so it can receive candles.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// WithConnectBackoff shapes the delays between failed initial handshakes.
func WithConnectBackoff(base, max time.Duration) Option {
	return func(p *Pipeline) {
		if base > 0 && max >= base {
			p.connectBackoff = websocket.Backoff{Base: base, Max: max}
		}
	}
}

// Pipeline owns the start and stop order of all components.
type Pipeline struct {
	stream     Stream
	buffer     *ingest.Buffer
	resampler  *resample.Resampler
	janitor    *retention.Janitor
	dispatcher *notify.Dispatcher

	connectBackoff websocket.Backoff
	logger         zerolog.Logger

	started atomic.Bool
	stopped atomic.Bool

	connectCancel    context.CancelFunc
	pumpCancel       context.CancelFunc
	dispatcherCancel context.CancelFunc
	connectWg        sync.WaitGroup
	pumpDone         chan struct{}
}

// New returns a stopped pipeline. stream, buffer and resampler are required.
func New(stream Stream, buffer *ingest.Buffer, resampler *resample.Resampler, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:         stream,
		buffer:         buffer,
		resampler:      resampler,
		connectBackoff: websocket.Backoff{Base: defaultConnectBase, Max: defaultConnectMax},
		logger:         log.With().Str("component", "pipeline").Logger(),
		pumpDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start brings components up leaves first: dispatcher, buffer, resampler,
// janitor, then the stream. The initial handshake is retried in the
// background, so Start returns as soon as the consumers are ready.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if p.dispatcher != nil {
		dctx, cancel := context.WithCancel(context.Background())
		if err := p.dispatcher.Start(dctx); err != nil {
			cancel()
			p.started.Store(false)
			return fmt.Errorf("failed to start dispatcher: %w", err)
		}
		p.dispatcherCancel = cancel
	}

	if err := p.buffer.Start(ctx); err != nil {
		p.stopDispatcher()
		p.started.Store(false)
		return fmt.Errorf("failed to start ingest buffer: %w", err)
	}

	if err := p.resampler.Start(ctx); err != nil {
		if stopErr := p.buffer.Stop(); stopErr != nil {
			p.logger.Error().Err(stopErr).Msg("failed to stop ingest buffer")
		}
		p.stopDispatcher()
		p.started.Store(false)
		return fmt.Errorf("failed to start resampler: %w", err)
	}

	if p.janitor != nil {
		p.janitor.Start(ctx)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	p.pumpCancel = pumpCancel
	go func() {
		defer close(p.pumpDone)
		p.buffer.Consume(pumpCtx, p.stream.Trades())
	}()

	connectCtx, connectCancel := context.WithCancel(ctx)
	p.connectCancel = connectCancel
	p.connectWg.Add(1)
	go p.connect(connectCtx)

	p.logger.Info().Msg("pipeline started")
	return nil
}

// connect retries the initial handshake until it succeeds, the stream is
// closed or ctx ends. Once connected the stream reconnects on its own.
func (p *Pipeline) connect(ctx context.Context) {
	defer p.connectWg.Done()

	for {
		err := p.stream.Start(ctx)
		switch {
		case err == nil:
			p.connectBackoff.Reset()
			return
		case errors.Is(err, websocket.ErrClientClosed), errors.Is(err, websocket.ErrAlreadyStarted):
			return
		}

		delay := p.connectBackoff.Next()
		p.logger.Warn().Err(err).
			Int("attempt", p.connectBackoff.Attempt()).
			Dur("retry_in", delay).
			Msg("initial connection failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop shuts components down in reverse order. The stream stops first so no
// new events arrive, the pump drains what is queued, and the buffer flushes
// it before the resampler and janitor stop.
func (p *Pipeline) Stop() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	p.connectCancel()
	p.stream.Stop()
	p.connectWg.Wait()

	select {
	case <-p.pumpDone:
	case <-time.After(pumpDrainTimeout):
		p.logger.Warn().Msg("timeout draining trade channel")
		p.pumpCancel()
		<-p.pumpDone
	}
	p.pumpCancel()

	var errs []error
	if err := p.buffer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ingest buffer: %w", err))
	}
	p.resampler.Stop()
	if p.janitor != nil {
		p.janitor.Stop()
	}
	p.stopDispatcher()

	p.logger.Info().Msg("pipeline stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) stopDispatcher() {
	if p.dispatcherCancel == nil {
		return
	}
	p.dispatcherCancel()
	<-p.dispatcher.Done()
	p.dispatcherCancel = nil
}

// Stats returns a snapshot of all stage counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Stream:   p.stream.Stats(),
		Ingest:   p.buffer.Stats(),
		Resample: p.resampler.Stats(),
	}
}

// Connected reports whether the stream is currently up.
func (p *Pipeline) Connected() bool {
	return p.stream.State() == websocket.StateConnected
}
