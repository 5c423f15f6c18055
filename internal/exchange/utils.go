package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
	"tickbars/internal/websocket"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownExchange is returned by NewFeed for an unsupported exchange name.
	ErrUnknownExchange = errors.New("unknown exchange")
)

// Feed builds stream client configuration for one exchange.
type Feed interface {
	// Name returns the exchange identifier used in configuration and logs.
	Name() string

	// StreamConfig returns endpoint, parser and subscription messages for pairs.
	StreamConfig(pairs []string) (websocket.Config, error)
}

// ExchangeConfig provides common configuration parameters for all feeds.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string

	// MaxSymbols is the maximum number of trading pairs that can be subscribed to simultaneously.
	MaxSymbols int
}

// NewFeed returns the feed registered under name ("binance", "coinbase" or "okx").
func NewFeed(name string, cfg *ExchangeConfig) (Feed, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinanceFeed(cfg)
	case "coinbase":
		return NewCoinbaseFeed(cfg)
	case "okx":
		return NewOkxFeed(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
}

// validateConfig ensures all required configuration fields are present and valid,
// applying defaults for optional fields when possible.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}

	if !strings.HasPrefix(cfg.BaseURL, "ws://") && !strings.HasPrefix(cfg.BaseURL, "wss://") {
		return fmt.Errorf("base URL %q must use ws:// or wss://", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	return nil
}

// dropNonTrade logs a frame that carries no trades, such as a subscription
// ack or heartbeat, and reports it as empty.
func dropNonTrade(exchange, kind string) ([]model.TradeEvent, error) {
	log.Debug().
		Str("component", "exchange").
		Str("exchange", exchange).
		Str("kind", kind).
		Msg("non-trade message dropped")
	return nil, nil
}
