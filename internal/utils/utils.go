// Package utils provides common helpers for validating and normalizing trading symbols.
//
// Symbols are carried through the pipeline in exchange-native form without a
// separator (e.g. "BTCUSDT"). Feeds that use a dashed form ("BTC-USDT") are
// converted at the edge with ToDashed and NormalizeSymbol.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
var QuoteAssetSet = map[string]bool{
	"USDT":  true, // Tether USD
	"USDC":  true, // USD Coin
	"FDUSD": true,
	"USD":   true,
	"BTC":   true, // Bitcoin
	"ETH":   true, // Ethereum
	"SOL":   true, // Solana
}

// quotesBySuffixPriority holds the quote assets longest first so "USDT" wins over "USD".
var quotesBySuffixPriority = sortQuotes(QuoteAssetSet)

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = strings.Join(quotesBySuffixPriority, ", ")

// NormalizeSymbol upper-cases a symbol and strips "-", "/" and "_" separators.
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// SplitSymbol splits a symbol into base and quote assets by matching a supported quote suffix.
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := NormalizeSymbol(symbol)
	if s == "" {
		return "", "", fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	for _, q := range quotesBySuffixPriority {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, nil
		}
	}

	return "", "", fmt.Errorf("%w: %q has no supported quote asset (supported: %s)",
		ErrInvalidSymbol, symbol, supportedQuotesCache)
}

// ValidateSymbol validates that a trading pair symbol is alphanumeric and ends
// with a supported quote asset.
//
// Both "BTCUSDT" and "BTC-USDT" are accepted. The check is case-insensitive.
func ValidateSymbol(symbol string) error {
	s := NormalizeSymbol(symbol)
	if s == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidSymbol, symbol, c)
		}
	}

	_, _, err := SplitSymbol(s)
	return err
}

// ToDashed converts a symbol to "BASE-QUOTE" form as used by OKX and Coinbase.
// Symbols without a recognised quote asset are returned upper-cased unchanged.
func ToDashed(symbol string) string {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return NormalizeSymbol(symbol)
	}
	return base + "-" + quote
}

// ValidatePairs validates a slice of trading pair symbols and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of pairs is within acceptable limits
//  2. Format validation: Validates each symbol using ValidateSymbol
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

func sortQuotes(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
