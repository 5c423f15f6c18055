package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "already native", input: "BTCUSDT", expected: "BTCUSDT"},
		{name: "lowercase", input: "ethusdt", expected: "ETHUSDT"},
		{name: "dashed", input: "BTC-USDT", expected: "BTCUSDT"},
		{name: "slashed", input: "sol/usdc", expected: "SOLUSDC"},
		{name: "underscored with spaces", input: " eth_btc ", expected: "ETHBTC"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeSymbol(tt.input))
		})
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		expectedBase  string
		expectedQuote string
		expectError   bool
		description   string
	}{
		{name: "usdt quote", input: "BTCUSDT", expectedBase: "BTC", expectedQuote: "USDT", description: "USDT must win over USD"},
		{name: "usd quote", input: "BTC-USD", expectedBase: "BTC", expectedQuote: "USD"},
		{name: "btc quote", input: "ethbtc", expectedBase: "ETH", expectedQuote: "BTC"},
		{name: "fdusd quote", input: "BNBFDUSD", expectedBase: "BNB", expectedQuote: "FDUSD", description: "longest suffix match"},
		{name: "quote only", input: "USDT", expectError: true, description: "base must not be empty"},
		{name: "unknown quote", input: "BTCEUR", expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, quote, err := SplitSymbol(tt.input)
			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.ErrorIs(t, err, ErrInvalidSymbol)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectedBase, base)
			assert.Equal(t, tt.expectedQuote, quote)
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		expectError bool
	}{
		{name: "native symbol", symbol: "BTCUSDT"},
		{name: "dashed symbol", symbol: "ETH-USDT"},
		{name: "lowercase symbol", symbol: "solusdt"},
		{name: "digits in base", symbol: "1000PEPEUSDT"},
		{name: "empty", symbol: "", expectError: true},
		{name: "whitespace only", symbol: "   ", expectError: true},
		{name: "invalid character", symbol: "BTC$USDT", expectError: true},
		{name: "unsupported quote", symbol: "BTCJPY", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidSymbol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToDashed(t *testing.T) {
	assert.Equal(t, "BTC-USDT", ToDashed("btcusdt"))
	assert.Equal(t, "ETH-BTC", ToDashed("ETH-BTC"))
	assert.Equal(t, "BTC-USD", ToDashed("BTCUSD"))
	assert.Equal(t, "FOOBAR", ToDashed("foobar"), "unknown quote is returned normalized")
}

func TestValidatePairs(t *testing.T) {
	tests := []struct {
		name        string
		pairs       []string
		maxAllowed  int
		expectedErr error
	}{
		{name: "valid pairs", pairs: []string{"BTCUSDT", "ETHUSDT"}, maxAllowed: 5},
		{name: "exactly at limit", pairs: []string{"BTCUSDT", "ETHUSDT"}, maxAllowed: 2},
		{name: "no pairs", pairs: nil, maxAllowed: 5, expectedErr: ErrNoSymbols},
		{name: "too many pairs", pairs: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, maxAllowed: 2, expectedErr: ErrTooManySymbols},
		{name: "non-positive limit", pairs: []string{"BTCUSDT"}, maxAllowed: 0, expectedErr: ErrTooManySymbols},
		{name: "invalid symbol", pairs: []string{"BTCUSDT", "BTC$"}, maxAllowed: 5, expectedErr: ErrInvalidSymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairs(tt.pairs, tt.maxAllowed)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSupportedQuotesOrdering(t *testing.T) {
	require.NotEmpty(t, quotesBySuffixPriority)
	for i := 1; i < len(quotesBySuffixPriority); i++ {
		assert.GreaterOrEqual(t, len(quotesBySuffixPriority[i-1]), len(quotesBySuffixPriority[i]))
	}
	assert.Contains(t, supportedQuotesCache, "USDT")
}
