// Package binance implements the market-data feed for Binance spot
// and USD-M futures. Incremental depth arrives over the combined
// WebSocket stream; snapshots come from the REST depth endpoint
// behind the shared rate-limit gate.
package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/normalizer"
	"depthfeed-collector/internal/ratelimit"
)

// Feed is the connector.Feed implementation for one Binance market
type Feed struct {
	*connector.BaseFeed

	cfg    connector.FeedConfig
	rest   *RestClient
	stream *MarketDataStream
}

// New creates a feed for binance_spot or binance_derivatives
func New(cfg connector.FeedConfig, gate *ratelimit.SnapshotGate) (*Feed, error) {
	switch cfg.Exchange {
	case connector.BinanceSpot, connector.BinanceDerivatives:
	default:
		return nil, fmt.Errorf("binance feed cannot serve exchange %q", cfg.Exchange)
	}
	rest, err := NewRestClient(cfg, gate)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		BaseFeed: connector.NewBaseFeed(cfg),
		cfg:      cfg,
		rest:     rest,
	}
	f.stream = NewMarketDataStream(cfg.Exchange, cfg, &MarketDataHandler{
		OnDepth:     f.onDepth,
		OnTrade:     f.onTrade,
		OnMarkPrice: f.onMarkPrice,
		OnError:     f.EmitError,
		OnConnected: func() { f.SetConnected(true) },
		OnResubscribe: func() {
			f.SetConnected(true)
			f.EmitResubscribed()
		},
	})
	return f, nil
}

// Rest exposes the snapshot client, for tests
func (f *Feed) Rest() *RestClient {
	return f.rest
}

// Stream exposes the WebSocket client, for tests
func (f *Feed) Stream() *MarketDataStream {
	return f.stream
}

// Connect dials the combined stream for every configured symbol
func (f *Feed) Connect(ctx context.Context) error {
	return f.stream.Connect(ctx, f.streamNames(f.cfg.Symbols))
}

// Close shuts the stream down
func (f *Feed) Close() error {
	f.SetConnected(false)
	return f.stream.Close()
}

// Subscribe adds subscriptions for standardized symbols
func (f *Feed) Subscribe(symbols []string) error {
	return f.stream.Subscribe(f.streamNames(symbols))
}

// Unsubscribe removes subscriptions for standardized symbols
func (f *Feed) Unsubscribe(symbols []string) error {
	return f.stream.Unsubscribe(f.streamNames(symbols))
}

// streamNames expands standardized symbols into the stream names the
// configured data types need.
func (f *Feed) streamNames(symbols []string) []string {
	streams := make([]string, 0, len(symbols)*len(f.cfg.DataTypes))
	for _, symbol := range symbols {
		native := normalizer.ToBinanceSymbol(symbol)
		for _, dt := range f.cfg.DataTypes {
			switch dt {
			case connector.DataOrderbook:
				streams = append(streams, DepthStreamName(native))
			case connector.DataTrade:
				streams = append(streams, TradeStreamName(native))
			case connector.DataFundingRate:
				if f.cfg.Exchange == connector.BinanceDerivatives {
					streams = append(streams, MarkPriceStreamName(native))
				}
			}
		}
	}
	return streams
}

// FetchSnapshot fetches a REST depth snapshot for a standardized symbol
func (f *Feed) FetchSnapshot(ctx context.Context, symbol string, depth int) (*connector.Snapshot, error) {
	native := normalizer.ToBinanceSymbol(symbol)
	resp, err := f.rest.FetchDepth(ctx, native, depth)
	if err != nil {
		return nil, err
	}
	return snapshotFromDepthResponse(f.Exchange(), f.Market(), symbol, native, resp)
}

func snapshotFromDepthResponse(exchange connector.Exchange, market connector.MarketType, symbol, native string, resp *DepthResponse) (*connector.Snapshot, error) {
	bids, err := normalizer.ParseLevels(resp.Bids)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	asks, err := normalizer.ParseLevels(resp.Asks)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	eventTime := time.Now()
	if resp.E > 0 {
		eventTime = time.UnixMilli(resp.E)
	}
	return &connector.Snapshot{
		Exchange:     exchange,
		MarketType:   market,
		Symbol:       symbol,
		Native:       native,
		LastUpdateID: resp.LastUpdateId,
		Bids:         bids,
		Asks:         asks,
		EventTime:    eventTime,
		Source:       "rest",
	}, nil
}

func (f *Feed) onDepth(ev *WSDepthEvent, receivedAt time.Time) {
	u, err := depthEventToUpdate(f.Exchange(), f.Market(), ev, receivedAt)
	if err != nil {
		f.EmitError(fmt.Errorf("depth event %s: %w", ev.Symbol, err))
		return
	}
	f.EmitDepth(u)
}

// depthEventToUpdate converts a wire depth event to canonical form.
// Zero quantities survive the conversion: they are deletions.
func depthEventToUpdate(exchange connector.Exchange, market connector.MarketType, ev *WSDepthEvent, receivedAt time.Time) (*connector.DepthUpdate, error) {
	bids, err := normalizer.ParseLevels(ev.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := normalizer.ParseLevels(ev.Asks)
	if err != nil {
		return nil, err
	}
	return &connector.DepthUpdate{
		Exchange:          exchange,
		MarketType:        market,
		Symbol:            normalizer.StandardizeSymbol(ev.Symbol),
		Native:            ev.Symbol,
		FirstUpdateID:     ev.FirstUpdateId,
		FinalUpdateID:     ev.FinalUpdateId,
		PrevFinalUpdateID: ev.PrevFinalId,
		Action:            connector.UpdateDelta,
		Bids:              bids,
		Asks:              asks,
		EventTime:         time.UnixMilli(ev.EventTime),
		ReceivedAt:        receivedAt,
	}, nil
}

func (f *Feed) onTrade(ev *WSTradeEvent) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return
	}
	// The buyer being the maker means the aggressor sold
	side := "buy"
	if ev.IsBuyerMaker {
		side = "sell"
	}
	f.EmitTrade(&connector.Trade{
		Exchange:   f.Exchange(),
		MarketType: f.Market(),
		Symbol:     normalizer.StandardizeSymbol(ev.Symbol),
		TradeID:    fmt.Sprintf("%d", ev.TradeId),
		Price:      price,
		Quantity:   qty,
		Side:       side,
		Timestamp:  ev.TradeTime,
	})
}

func (f *Feed) onMarkPrice(ev *WSMarkPriceEvent) {
	rate, err := decimal.NewFromString(ev.FundingRate)
	if err != nil {
		return
	}
	f.EmitFunding(&connector.FundingRate{
		Exchange:        f.Exchange(),
		MarketType:      f.Market(),
		Symbol:          normalizer.StandardizeSymbol(ev.Symbol),
		Rate:            rate,
		NextFundingTime: ev.NextFundingTime,
		Timestamp:       ev.EventTime,
	})
}
