// Package normalizer converts exchange-native symbols and payload
// fields into the canonical forms used across the collector. All
// functions are pure; market type is always carried explicitly and
// never inferred from symbol strings.
package normalizer

import (
	"fmt"
	"strings"

	"depthfeed-collector/internal/connector"
)

// quoteAssets is checked longest-first so BTCUSDT splits at USDT, not USD
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "DAI",
	"BTC", "ETH", "BNB", "EUR", "TRY", "BRL", "USD",
}

// derivativeSuffixes are stripped from dashed instrument IDs; the
// market-type label carries the distinction downstream
var derivativeSuffixes = []string{"SWAP", "PERP"}

// StandardizeSymbol converts an exchange-native symbol to BASE-QUOTE:
// BTCUSDT -> BTC-USDT, BTC-USDT-SWAP -> BTC-USDT. Already-standard
// symbols pass through unchanged.
func StandardizeSymbol(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return s
	}

	if strings.Contains(s, "-") {
		parts := strings.Split(s, "-")
		last := parts[len(parts)-1]
		for _, suffix := range derivativeSuffixes {
			if last == suffix && len(parts) >= 3 {
				parts = parts[:len(parts)-1]
				break
			}
		}
		return strings.Join(parts, "-")
	}

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}

	return s
}

// ToBinanceSymbol converts BASE-QUOTE to Binance's concatenated form
func ToBinanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// ToOKXInstID converts BASE-QUOTE to an OKX instrument ID for the market
func ToOKXInstID(symbol string, market connector.MarketType) string {
	instID := strings.ToUpper(symbol)
	if market == connector.MarketPerpetual {
		return instID + "-SWAP"
	}
	return instID
}

// ParseLevel parses one price/quantity string pair into a canonical
// level, preserving the exchange strings verbatim. Zero quantity is
// legal (a delete inside an update); non-positive prices and negative
// quantities are not.
func ParseLevel(price, quantity string) (connector.PriceLevel, error) {
	lv, err := connector.NewPriceLevel(price, quantity)
	if err != nil {
		return connector.PriceLevel{}, err
	}
	if lv.Price.Sign() <= 0 {
		return connector.PriceLevel{}, fmt.Errorf("non-positive price %q", price)
	}
	if lv.Quantity.Sign() < 0 {
		return connector.PriceLevel{}, fmt.Errorf("negative quantity %q", quantity)
	}
	return lv, nil
}

// ParseLevels parses wire rows of the form ["price","qty",...]; extra
// row fields (OKX order counts) are ignored
func ParseLevels(rows [][]string) ([]connector.PriceLevel, error) {
	levels := make([]connector.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("depth row has %d fields, want at least 2", len(row))
		}
		lv, err := ParseLevel(row[0], row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, lv)
	}
	return levels, nil
}

// NormalizeSide maps exchange trade-side spellings to "buy" / "sell"
func NormalizeSide(side string) string {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "b", "bid":
		return "buy"
	case "sell", "s", "ask":
		return "sell"
	default:
		return strings.ToLower(strings.TrimSpace(side))
	}
}
