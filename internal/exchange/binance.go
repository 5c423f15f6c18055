// Package exchange adapts exchange trade feeds to the stream client.
//
// Each feed knows how to build its stream endpoint and subscription messages
// for a set of symbols and how to decode its wire messages into
// model.TradeEvent values. Binance is the primary feed.
//
// Key features:
//   - Input validation using struct tags and validator
//   - Financial precision using decimal.Decimal for price/quantity data
//   - Non-trade frames (subscription acks, heartbeats) are logged at debug level, not errors
package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tickbars/internal/model"
	"tickbars/internal/utils"
	"tickbars/internal/websocket"
)

var (
	// defaultBinanceConfig provides sensible default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:    "wss://stream.binance.com:9443",
		MaxSymbols: 200,
	}
)

// BinanceFeed decodes the Binance spot trade stream.
type BinanceFeed struct {
	config   ExchangeConfig      // Configuration parameters for the feed
	validate *validator.Validate // Validator instance for message validation
}

// envelope is the combined-stream wrapper.
//
//	{
//		"stream": "btcusdt@trade",
//		"data": { ...trade event... }
//	}
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// header is decoded first to route a payload without validating it.
type header struct {
	EventType string          `json:"e"`
	ID        json.RawMessage `json:"id"`
}

// binanceTrade is a Binance trade event.
//
// Integer fields are pointers so that an absent field fails the required
// check instead of silently decoding as zero.
//
// Example:
//
//	{
//		"e": "trade", "E": 1672515782136, "s": "BNBBTC", "t": 12345,
//		"p": "0.001", "q": "100", "T": 1672515782136, "m": true
//	}
type binanceTrade struct {
	EventType string `json:"e" validate:"required,eq=trade"`
	EventTime *int64 `json:"E" validate:"required,gt=0"`
	Symbol    string `json:"s" validate:"required"`
	TradeID   *int64 `json:"t" validate:"required,gte=0"`
	Price     string `json:"p" validate:"required,numeric"`
	Quantity  string `json:"q" validate:"required,numeric"`
	TradeTime *int64 `json:"T" validate:"required,gt=0"`
}

// NewBinanceFeed creates a Binance feed with the specified configuration.
//
// If cfg is nil the defaults are used. Missing fields are filled from the defaults.
func NewBinanceFeed(cfg *ExchangeConfig) (*BinanceFeed, error) {
	if cfg == nil {
		c := defaultBinanceConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BinanceFeed{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

func (bf *BinanceFeed) Name() string { return "binance" }

// StreamConfig returns the stream client configuration for pairs. Binance
// encodes the subscription in the URL, so no subscription messages are sent.
func (bf *BinanceFeed) StreamConfig(pairs []string) (websocket.Config, error) {
	if err := utils.ValidatePairs(pairs, bf.config.MaxSymbols); err != nil {
		return websocket.Config{}, err
	}

	streamURL, err := bf.buildStreamUrl(pairs)
	if err != nil {
		return websocket.Config{}, err
	}

	return websocket.Config{
		Endpoint: streamURL,
		Parser:   bf.Parse,
	}, nil
}

// buildStreamUrl constructs the stream URL.
//
// A single symbol uses the raw stream <base>/ws/<symbol>@trade; several
// symbols use the combined stream <base>/stream?streams=a@trade/b@trade.
func (bf *BinanceFeed) buildStreamUrl(pairs []string) (string, error) {
	streams := make([]string, 0, len(pairs))

	for _, s := range pairs {
		if err := utils.ValidateSymbol(s); err != nil {
			return "", err
		}
		streams = append(streams, fmt.Sprintf("%s@trade", strings.ToLower(utils.NormalizeSymbol(s))))
	}

	if len(streams) == 1 {
		return fmt.Sprintf("%s/ws/%s", bf.config.BaseURL, streams[0]), nil
	}

	return fmt.Sprintf("%s/stream?streams=%s",
		bf.config.BaseURL, strings.Join(streams, "/")), nil
}

// Parse decodes a raw or combined-stream message. Subscription acks and
// non-trade events are logged at debug and return (nil, nil).
func (bf *BinanceFeed) Parse(raw []byte) ([]model.TradeEvent, error) {
	payload := raw

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var h header
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	if h.EventType == "" && len(h.ID) > 0 {
		return dropNonTrade(bf.Name(), "ack")
	}
	if h.EventType != "" && h.EventType != "trade" {
		return dropNonTrade(bf.Name(), h.EventType)
	}

	var t binanceTrade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("invalid trade payload: %w", err)
	}

	if err := bf.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("trade validation failed: %w", err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid trade price %q: %w", t.Price, err)
	}

	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid trade quantity %q: %w", t.Quantity, err)
	}

	return []model.TradeEvent{{
		Symbol:    utils.NormalizeSymbol(t.Symbol),
		Price:     price,
		Quantity:  quantity,
		TradeID:   *t.TradeID,
		EventTime: time.UnixMilli(*t.EventTime).UTC(),
		TradeTime: time.UnixMilli(*t.TradeTime).UTC(),
		Exchange:  model.BinanceExchange,
	}}, nil
}
