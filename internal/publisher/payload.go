// Package publisher delivers canonical market-data events to NATS,
// persisting them through JetStream where a provisioned stream claims
// the subject, with an optional Redis latest-book mirror.
package publisher

import (
	"fmt"
	"time"

	"depthfeed-collector/internal/connector"
)

// Subject prefixes. Full subjects append
// ".{exchange}.{market_type}.{symbol}" to a prefix.
const (
	SubjectOrderbook    = "orderbook-data"
	SubjectTrade        = "trade-data"
	SubjectFundingRate  = "funding-rate"
	SubjectOpenInterest = "open-interest"
	SubjectLiquidation  = "liquidation-orders"
	SubjectKline        = "kline-data"
)

// StandardizationVersion stamps every payload with the canonical
// format revision consumers should parse against.
const StandardizationVersion = "1.0.0"

// Message kinds for publish metrics
const (
	KindOrderbook   = "orderbook"
	KindTrade       = "trade"
	KindFundingRate = "funding_rate"
)

// Subject builds the canonical subject for one stream key
func Subject(prefix string, exchange connector.Exchange, market connector.MarketType, symbol string) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, exchange, market, symbol)
}

// BookSubject returns the subject a book view publishes to
func BookSubject(v *connector.BookView) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectOrderbook, v.ExchangeName, v.MarketType, v.Symbol)
}

// TradeSubject returns the subject a trade publishes to
func TradeSubject(t *connector.Trade) string {
	return Subject(SubjectTrade, t.Exchange, t.MarketType, t.Symbol)
}

// FundingSubject returns the subject a funding rate publishes to
func FundingSubject(fr *connector.FundingRate) string {
	return Subject(SubjectFundingRate, fr.Exchange, fr.MarketType, fr.Symbol)
}

// BookPayload is the wire envelope around a book view. The embedded
// view contributes the canonical fields; the rest is provenance.
type BookPayload struct {
	*connector.BookView
	Publisher              string `json:"publisher"`
	StandardizedAt         string `json:"standardized_at"`
	StandardizationVersion string `json:"standardization_version"`
}

// TradePayload is the wire envelope around a trade
type TradePayload struct {
	*connector.Trade
	Publisher              string `json:"publisher"`
	StandardizedAt         string `json:"standardized_at"`
	StandardizationVersion string `json:"standardization_version"`
}

// FundingPayload is the wire envelope around a funding-rate event
type FundingPayload struct {
	*connector.FundingRate
	Publisher              string `json:"publisher"`
	StandardizedAt         string `json:"standardized_at"`
	StandardizationVersion string `json:"standardization_version"`
}

// NewBookPayload stamps a view with provenance fields
func NewBookPayload(view *connector.BookView, client string) *BookPayload {
	return &BookPayload{
		BookView:               view,
		Publisher:              client,
		StandardizedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		StandardizationVersion: StandardizationVersion,
	}
}

// NewTradePayload stamps a trade with provenance fields
func NewTradePayload(t *connector.Trade, client string) *TradePayload {
	return &TradePayload{
		Trade:                  t,
		Publisher:              client,
		StandardizedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		StandardizationVersion: StandardizationVersion,
	}
}

// NewFundingPayload stamps a funding-rate event with provenance fields
func NewFundingPayload(fr *connector.FundingRate, client string) *FundingPayload {
	return &FundingPayload{
		FundingRate:            fr,
		Publisher:              client,
		StandardizedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		StandardizationVersion: StandardizationVersion,
	}
}
