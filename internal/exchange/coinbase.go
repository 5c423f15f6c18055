package exchange

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tickbars/internal/model"
	"tickbars/internal/utils"
	"tickbars/internal/websocket"
)

var (
	// defaultCoinbaseConfig provides sensible default configuration values for Coinbase connections.
	defaultCoinbaseConfig = ExchangeConfig{
		BaseURL:    "wss://ws-feed.exchange.coinbase.com",
		MaxSymbols: 10,
	}
)

// CoinbaseFeed decodes the Coinbase Exchange "matches" channel.
//
// Coinbase uses a subscription model: after the handshake a subscribe
// message lists the product IDs. Product IDs are dashed ("BTC-USD") on the
// wire and normalized to "BTCUSD" on the way in.
type CoinbaseFeed struct {
	config   ExchangeConfig
	validate *validator.Validate
}

// coinbaseMatch represents a trade execution (match) message.
//
// Example:
//
//	{
//		"type": "match",
//		"trade_id": 12345,
//		"side": "buy",
//		"size": "0.00100000",
//		"price": "50000.00",
//		"product_id": "BTC-USD",
//		"sequence": 987654321,
//		"time": "2023-01-01T12:00:00.123456Z"
//	}
type coinbaseMatch struct {
	Type      string `json:"type" validate:"required,eq=match"`
	TradeID   *int64 `json:"trade_id" validate:"required,gte=0"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

type coinbaseType struct {
	Type string `json:"type"`
}

// NewCoinbaseFeed creates a Coinbase feed. A nil cfg uses the defaults.
func NewCoinbaseFeed(cfg *ExchangeConfig) (*CoinbaseFeed, error) {
	if cfg == nil {
		c := defaultCoinbaseConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultCoinbaseConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &CoinbaseFeed{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

func (cf *CoinbaseFeed) Name() string { return "coinbase" }

// StreamConfig returns the endpoint and subscribe message for pairs.
func (cf *CoinbaseFeed) StreamConfig(pairs []string) (websocket.Config, error) {
	if err := utils.ValidatePairs(pairs, cf.config.MaxSymbols); err != nil {
		return websocket.Config{}, err
	}

	msg, err := cf.buildSubscriptionMessage(pairs)
	if err != nil {
		return websocket.Config{}, fmt.Errorf("marshal subscription: %w", err)
	}

	return websocket.Config{
		Endpoint:             cf.config.BaseURL,
		Parser:               cf.Parse,
		SubscriptionMessages: [][]byte{msg},
	}, nil
}

// buildSubscriptionMessage constructs:
//
//	{"type": "subscribe", "product_ids": ["BTC-USD"], "channels": ["matches"]}
func (cf *CoinbaseFeed) buildSubscriptionMessage(pairs []string) ([]byte, error) {
	products := make([]string, 0, len(pairs))
	for _, p := range pairs {
		products = append(products, utils.ToDashed(p))
	}
	subMsg := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"matches"},
	}
	return json.Marshal(subMsg)
}

// Parse decodes a match message. Other message types (subscriptions,
// heartbeats, last_match snapshots) are ignored.
func (cf *CoinbaseFeed) Parse(raw []byte) ([]model.TradeEvent, error) {
	var kind coinbaseType
	if err := json.Unmarshal(raw, &kind); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if kind.Type != "match" {
		return dropNonTrade(cf.Name(), kind.Type)
	}

	var msg coinbaseMatch
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid match payload: %w", err)
	}

	if err := cf.validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("match validation failed: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid match time %q: %w", msg.Time, err)
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid trade price %q: %w", msg.Price, err)
	}

	quantity, err := decimal.NewFromString(msg.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid trade quantity %q: %w", msg.Size, err)
	}

	return []model.TradeEvent{{
		Symbol:    utils.NormalizeSymbol(msg.ProductID),
		Price:     price,
		Quantity:  quantity,
		TradeID:   *msg.TradeID,
		EventTime: t.UTC(),
		TradeTime: t.UTC(),
		Exchange:  model.CoinbaseExchange,
	}}, nil
}
