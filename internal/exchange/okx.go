package exchange

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tickbars/internal/model"
	"tickbars/internal/utils"
	"tickbars/internal/websocket"
)

var (
	// defaultOkxConfig provides sensible defaults for OKX exchange connections.
	defaultOkxConfig = ExchangeConfig{
		BaseURL:    "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols: 10,
	}
)

// OkxFeed decodes the OKX v5 public "trades" channel.
type OkxFeed struct {
	// config stores the validated exchange configuration.
	config ExchangeConfig

	// validate provides field validation for incoming OKX messages.
	validate *validator.Validate
}

// subscription is the OKX v5 subscribe request.
//
//	{
//	  "op": "subscribe",
//	  "args": [
//	    {"channel": "trades", "instId": "BTC-USDT"},
//	    {"channel": "trades", "instId": "ETH-USDT"}
//	  ]
//	}
type subscription struct {
	Op   string              `json:"op"`
	Args []map[string]string `json:"args"`
}

// okxTradeMessage is a trades push. OKX may batch several trades in one message.
//
//	{
//	  "arg": {"channel": "trades", "instId": "BTC-USDT"},
//	  "data": [
//	    {"instId": "BTC-USDT", "tradeId": "123456789", "px": "50000.00",
//	     "sz": "0.001", "side": "buy", "ts": "1640995200000"}
//	  ]
//	}
type okxTradeMessage struct {
	Arg struct {
		Channel string `json:"channel" validate:"required,eq=trades"`
		InstID  string `json:"instId" validate:"required"`
	} `json:"arg" validate:"required"`

	Data []struct {
		InstID  string `json:"instId" validate:"required"`
		TradeID string `json:"tradeId" validate:"required,numeric"`
		Price   string `json:"px" validate:"required,numeric"`
		Size    string `json:"sz" validate:"required,numeric"`
		Side    string `json:"side" validate:"required,oneof=buy sell"`
		TS      string `json:"ts" validate:"required,numeric"`
	} `json:"data" validate:"required,min=1,dive"`
}

// okxEnvelope tells pushes apart from event replies ({"event":"subscribe",...}).
type okxEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewOkxFeed creates an OKX feed. A nil cfg uses the defaults.
func NewOkxFeed(cfg *ExchangeConfig) (*OkxFeed, error) {
	// Apply default configuration if none provided
	if cfg == nil {
		c := defaultOkxConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultOkxConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &OkxFeed{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

func (of *OkxFeed) Name() string { return "okx" }

// StreamConfig returns the public endpoint and a subscribe message for pairs.
func (of *OkxFeed) StreamConfig(pairs []string) (websocket.Config, error) {
	// Validate trading pairs against connector limits
	if err := utils.ValidatePairs(pairs, of.config.MaxSymbols); err != nil {
		return websocket.Config{}, err
	}

	msg, err := of.buildSubscriptionMessage(pairs)
	if err != nil {
		return websocket.Config{}, fmt.Errorf("marshal subscription: %w", err)
	}

	return websocket.Config{
		Endpoint:             of.config.BaseURL,
		Parser:               of.Parse,
		SubscriptionMessages: [][]byte{msg},
	}, nil
}

func (of *OkxFeed) buildSubscriptionMessage(pairs []string) ([]byte, error) {
	args := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  utils.ToDashed(p),
		})
	}
	return json.Marshal(subscription{Op: "subscribe", Args: args})
}

// Parse decodes a trades push into one event per trade. Event replies such
// as subscribe confirmations return (nil, nil).
func (of *OkxFeed) Parse(raw []byte) ([]model.TradeEvent, error) {
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.Event != "" {
		return dropNonTrade(of.Name(), env.Event)
	}
	if len(env.Data) == 0 {
		return dropNonTrade(of.Name(), "empty")
	}

	var msg okxTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid trades payload: %w", err)
	}

	// Validate message structure and required fields
	if err := of.validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("trades validation failed: %w", err)
	}

	events := make([]model.TradeEvent, 0, len(msg.Data))
	for _, d := range msg.Data {
		tsInt, err := strconv.ParseInt(d.TS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", d.TS, err)
		}

		tradeID, err := strconv.ParseInt(d.TradeID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trade id %q: %w", d.TradeID, err)
		}

		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid trade price %q: %w", d.Price, err)
		}

		quantity, err := decimal.NewFromString(d.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid trade quantity %q: %w", d.Size, err)
		}

		ts := time.UnixMilli(tsInt).UTC()
		events = append(events, model.TradeEvent{
			Symbol:    utils.NormalizeSymbol(d.InstID),
			Price:     price,
			Quantity:  quantity,
			TradeID:   tradeID,
			EventTime: ts,
			TradeTime: ts,
			Exchange:  model.OkxExchange,
		})
	}

	return events, nil
}
