package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"tickbars/internal/config"
	"tickbars/internal/exchange"
	"tickbars/internal/ingest"
	"tickbars/internal/notify"
	"tickbars/internal/resample"
	"tickbars/internal/retention"
	"tickbars/internal/store"
	"tickbars/internal/store/memory"
	"tickbars/internal/store/postgres"
	"tickbars/internal/store/sqlite"
	"tickbars/internal/websocket"
)

// OpenStore connects to the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// App is a fully wired pipeline plus the handles main needs.
type App struct {
	Pipeline   *Pipeline
	Stream     *websocket.Client
	Dispatcher *notify.Dispatcher // nil unless notify.dispatcher is set

	closers []io.Closer
}

// Close releases notifier connections. The store is owned by the caller.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build constructs every component from cfg on top of st. onState, when not
// nil, observes stream state transitions.
func Build(cfg *config.Config, st store.Store, onState func(from, to websocket.State)) (*App, error) {
	feed, err := exchange.NewFeed(cfg.Exchange.Name, &exchange.ExchangeConfig{
		BaseURL:    cfg.Exchange.BaseURL,
		MaxSymbols: cfg.Exchange.MaxSymbols,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange feed: %w", err)
	}

	streamCfg, err := feed.StreamConfig(cfg.Symbols)
	if err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}
	overflow, err := websocket.ParseOverflowPolicy(cfg.Stream.Overflow)
	if err != nil {
		return nil, err
	}
	streamCfg.TLSInsecureSkip = cfg.Stream.TLSInsecureSkip
	streamCfg.IdleTimeout = cfg.Stream.IdleTimeout
	streamCfg.ProbeTimeout = cfg.Stream.ProbeTimeout
	streamCfg.ReconnectBase = cfg.Stream.ReconnectBase
	streamCfg.ReconnectMax = cfg.Stream.ReconnectMax
	streamCfg.QueueSize = cfg.Stream.QueueSize
	streamCfg.Overflow = overflow
	streamCfg.OnStateChange = onState

	stream, err := websocket.New(streamCfg)
	if err != nil {
		return nil, fmt.Errorf("stream client: %w", err)
	}

	buffer := ingest.New(st, ingest.Config{
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval,
		MaxRetries:    cfg.Ingest.MaxRetries,
		RetryBackoff:  cfg.Ingest.RetryBackoff,
		DedupCapacity: cfg.Ingest.DedupCapacity,
		StoreTimeout:  cfg.Ingest.StoreTimeout,
	})

	app := &App{Stream: stream}
	var sinks notify.Fanout
	if cfg.Notify.Dispatcher {
		app.Dispatcher = notify.NewDispatcher(notify.DispatcherConfig{MaxSymbolsAllowed: len(cfg.Symbols)})
		sinks = append(sinks, app.Dispatcher)
	}

	if r := cfg.Notify.Redis; r.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		app.closers = append(app.closers, rdb)
		sinks = append(sinks, notify.NewRedisPublisher(rdb))
	}
	if k := cfg.Notify.Kafka; len(k.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(k.Brokers, k.Topic)
		app.closers = append(app.closers, kp)
		sinks = append(sinks, kp)
	}

	var sink resample.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	resampler, err := resample.New(st, resample.Config{
		Symbols:      cfg.Symbols,
		Timeframes:   cfg.ParsedTimeframes,
		RunInterval:  cfg.Resample.RunInterval,
		Lookback:     cfg.Resample.Lookback,
		SafetyMargin: cfg.Resample.SafetyMargin,
		StoreTimeout: cfg.Ingest.StoreTimeout,
		Sink:         sink,
	})
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("resampler: %w", err)
	}

	opts := []Option{
		WithJanitor(retention.New(st, cfg.Retention.Days, cfg.Retention.Interval)),
		WithConnectBackoff(cfg.Stream.ReconnectBase, cfg.Stream.ReconnectMax),
	}
	if app.Dispatcher != nil {
		opts = append(opts, WithDispatcher(app.Dispatcher))
	}
	app.Pipeline = New(stream, buffer, resampler, opts...)
	return app, nil
}
