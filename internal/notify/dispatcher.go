// Package notify delivers freshly closed candles to downstream consumers.
//
// Every notifier implements resample.Sink. The in-process Dispatcher fans
// candles out to local subscribers, RedisPublisher caches the latest candle
// and publishes it on a pub/sub channel, and KafkaPublisher writes it to a
// topic. Fanout combines several of them.
package notify

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
	"tickbars/internal/utils"
)

const (
	defaultMaxSymbols       = 50
	defaultSubscriberBuffer = 100
	defaultInputBuffer      = 1000
)

var (
	// ErrDispatcherNotStarted is returned by Subscribe and Publish before Start.
	ErrDispatcherNotStarted = errors.New("dispatcher not started")

	// ErrDispatcherStarted is returned by a second call to Start.
	ErrDispatcherStarted = errors.New("dispatcher already started")

	// ErrDispatcherBusy is returned when a (un)subscription request cannot be queued.
	ErrDispatcherBusy = errors.New("dispatcher request queue is full")
)

// Subscriber receives candles for a set of symbols.
type Subscriber struct {
	id      string
	ch      chan model.Candle
	symbols map[string]struct{}
	dropped atomic.Int64
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the delivery channel. It is closed on Unsubscribe or when the dispatcher stops.
func (s *Subscriber) C() <-chan model.Candle { return s.ch }

// Dropped returns how many candles were discarded because the subscriber lagged.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum symbols per subscription
	SubscriberBuffer  int // Per-subscriber channel capacity
}

// Dispatcher fans candles out to in-process subscribers.
//
// A single goroutine owns the subscriber map; Subscribe, Unsubscribe and
// Publish only talk to it through channels.
type Dispatcher struct {
	cfg              DispatcherConfig
	logger           zerolog.Logger
	subscribers      map[string]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	candleCh         chan model.Candle
	started          atomic.Bool
	done             chan struct{}
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxSymbolsAllowed <= 0 {
		cfg.MaxSymbolsAllowed = defaultMaxSymbols
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		logger:           log.With().Str("component", "dispatcher").Logger(),
		subscribers:      make(map[string]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		candleCh:         make(chan model.Candle, defaultInputBuffer),
		done:             make(chan struct{}),
	}
}

// Subscribe registers interest in pairs (normalized symbols such as BTCUSDT).
func (d *Dispatcher) Subscribe(pairs []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if err := utils.ValidatePairs(pairs, d.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	symSet := make(map[string]struct{}, len(pairs))
	for _, s := range pairs {
		symSet[utils.NormalizeSymbol(s)] = struct{}{}
	}

	sub := &Subscriber{
		id:      uuid.NewString(),
		ch:      make(chan model.Candle, d.cfg.SubscriberBuffer),
		symbols: symSet,
	}

	select {
	case d.subscriptionCh <- sub:
		return sub, nil
	default:
		return nil, ErrDispatcherBusy
	}
}

// Unsubscribe removes sub and closes its channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Start runs the dispatch goroutine until ctx is done. All subscriber
// channels are closed on exit.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrDispatcherStarted
	}

	go func() {
		defer close(d.done)
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[string]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				d.logger.Info().Msg("dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribers[sub.id] = sub
				d.logger.Debug().Str("subscriber", sub.id).Int("symbols", len(sub.symbols)).Msg("subscriber added")
			case sub := <-d.unsubscriptionCh:
				if _, ok := d.subscribers[sub.id]; ok {
					delete(d.subscribers, sub.id)
					close(sub.ch)
				}
			case candle := <-d.candleCh:
				d.dispatch(candle)
			}
		}
	}()
	return nil
}

// Done is closed once the dispatch goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Publish queues candles for delivery. It blocks only while the input
// queue is full and gives up when ctx is done.
func (d *Dispatcher) Publish(ctx context.Context, candles []model.Candle) error {
	if !d.started.Load() {
		return ErrDispatcherNotStarted
	}
	for _, c := range candles {
		select {
		case d.candleCh <- c:
		case <-d.done:
			return ErrDispatcherNotStarted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dispatch runs on the dispatch goroutine. A full subscriber channel loses
// its oldest candle so the newest is always delivered.
func (d *Dispatcher) dispatch(candle model.Candle) {
	for _, sub := range d.subscribers {
		if _, ok := sub.symbols[candle.Symbol]; !ok {
			continue
		}
		select {
		case sub.ch <- candle:
			continue
		default:
		}

		// channel full: drop the oldest buffered candle for the slow client
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- candle:
		default:
			sub.dropped.Add(1)
		}
		d.logger.Debug().Str("subscriber", sub.id).Msg("subscriber is too slow, dropped oldest buffered candle")
	}
}
