package okx

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/normalizer"
	"depthfeed-collector/internal/ratelimit"
)

// wsSnapshotTimeout bounds the in-band depth request so a silent server
// still leaves time for the REST fallback within the caller's deadline.
const wsSnapshotTimeout = 5 * time.Second

// Feed is the connector.Feed implementation for OKX spot and perpetual
// swap markets. The books channel delivers its own snapshots in-band,
// so explicit snapshot requests ride the live stream when possible and
// fall back to REST.
type Feed struct {
	*connector.BaseFeed
	cfg    connector.FeedConfig
	rest   *RestClient
	stream *MarketDataStream
}

// New creates an OKX feed for one market
func New(cfg connector.FeedConfig, gate *ratelimit.SnapshotGate) (*Feed, error) {
	switch cfg.Exchange {
	case connector.OKXSpot, connector.OKXDerivatives:
	default:
		return nil, fmt.Errorf("okx feed cannot serve exchange %q", cfg.Exchange)
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
	f.stream = NewMarketDataStream(cfg, MarketDataHandler{
		OnBook:        f.onBook,
		OnTrade:       f.onTrade,
		OnFundingRate: f.onFundingRate,
		OnError:       f.EmitError,
		OnConnected: func() {
			f.SetConnected(true)
		},
		OnResubscribe: func() {
			f.SetConnected(true)
			f.EmitResubscribed()
		},
	})
	return f, nil
}

// Rest exposes the REST client for tests
func (f *Feed) Rest() *RestClient {
	return f.rest
}

// Stream exposes the stream client for tests
func (f *Feed) Stream() *MarketDataStream {
	return f.stream
}

// Connect dials the public endpoint and subscribes the configured symbols
func (f *Feed) Connect(ctx context.Context) error {
	return f.stream.Connect(ctx, f.subscribeArgs(f.cfg.Symbols))
}

// Close tears down the stream
func (f *Feed) Close() error {
	f.SetConnected(false)
	return f.stream.Close()
}

// Subscribe adds live subscriptions for standardized symbols
func (f *Feed) Subscribe(symbols []string) error {
	return f.stream.Subscribe(f.subscribeArgs(symbols))
}

// Unsubscribe removes live subscriptions for standardized symbols
func (f *Feed) Unsubscribe(symbols []string) error {
	return f.stream.Unsubscribe(f.subscribeArgs(symbols))
}

// subscribeArgs expands symbols into channel args for every configured
// data type. Funding rates only exist on swaps.
func (f *Feed) subscribeArgs(symbols []string) []WSSubscribeArg {
	market := f.cfg.Exchange.Market()
	args := make([]WSSubscribeArg, 0, len(symbols)*len(f.cfg.DataTypes))
	for _, symbol := range symbols {
		instID := normalizer.ToOKXInstID(symbol, market)
		for _, dt := range f.cfg.DataTypes {
			switch dt {
			case connector.DataOrderbook:
				args = append(args, WSSubscribeArg{Channel: ChannelBooks, InstID: instID})
			case connector.DataTrade:
				args = append(args, WSSubscribeArg{Channel: ChannelTrades, InstID: instID})
			case connector.DataFundingRate:
				if f.cfg.Exchange == connector.OKXDerivatives {
					args = append(args, WSSubscribeArg{Channel: ChannelFundingRate, InstID: instID})
				}
			}
		}
	}
	return args
}

// FetchSnapshot prefers an in-band depth request on the live stream,
// which costs no REST weight and carries a real seqId. REST is the
// fallback; its books endpoints carry no seqId, so there the exchange
// timestamp stands in as the update ID.
func (f *Feed) FetchSnapshot(ctx context.Context, symbol string, depth int) (*connector.Snapshot, error) {
	instID := normalizer.ToOKXInstID(symbol, f.cfg.Exchange.Market())

	if f.stream.IsConnected() {
		wsCtx, cancel := context.WithTimeout(ctx, wsSnapshotTimeout)
		data, err := f.stream.RequestBookSnapshot(wsCtx, instID)
		cancel()
		if err == nil {
			return snapshotFromWSBook(f.cfg.Exchange, f.Market(), symbol, instID, data)
		}
		log.Debug().
			Err(err).
			Str("exchange", string(f.cfg.Exchange)).
			Str("symbol", symbol).
			Msg("ws depth request failed, falling back to rest")
	}

	book, err := f.rest.FetchBooks(ctx, instID, depth)
	if err != nil {
		return nil, err
	}
	return snapshotFromOrderBook(f.cfg.Exchange, f.Market(), symbol, instID, book)
}

func snapshotFromWSBook(exchange connector.Exchange, market connector.MarketType, symbol, instID string, data *WSBookData) (*connector.Snapshot, error) {
	bids, err := levelsToPriceLevels(data.Bids)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	asks, err := levelsToPriceLevels(data.Asks)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	eventTime := time.Now()
	if data.Ts > 0 {
		eventTime = data.Ts.Time()
	}
	return &connector.Snapshot{
		Exchange:     exchange,
		MarketType:   market,
		Symbol:       symbol,
		Native:       instID,
		LastUpdateID: data.SeqID,
		Bids:         bids,
		Asks:         asks,
		EventTime:    eventTime,
		Source:       "ws",
	}, nil
}

func snapshotFromOrderBook(exchange connector.Exchange, market connector.MarketType, symbol, instID string, book *OrderBook) (*connector.Snapshot, error) {
	bids, err := levelsToPriceLevels(book.Bids)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	asks, err := levelsToPriceLevels(book.Asks)
	if err != nil {
		return nil, connector.NewFetchError(connector.FetchParseError, exchange, symbol, err)
	}
	eventTime := time.Now()
	if book.Ts > 0 {
		eventTime = book.Ts.Time()
	}
	return &connector.Snapshot{
		Exchange:     exchange,
		MarketType:   market,
		Symbol:       symbol,
		Native:       instID,
		LastUpdateID: int64(book.Ts),
		Bids:         bids,
		Asks:         asks,
		EventTime:    eventTime,
		Source:       "rest",
	}, nil
}

func (f *Feed) onBook(arg WSChannelArg, action string, data *WSBookData, receivedAt time.Time) {
	u, err := bookDataToUpdate(f.cfg.Exchange, f.Market(), arg.InstID, action, data, receivedAt)
	if err != nil {
		f.EmitError(fmt.Errorf("okx book convert %s: %w", arg.InstID, err))
		return
	}
	f.EmitDepth(u)
}

// bookDataToUpdate converts one books frame into the canonical update.
// The raw price and size strings survive the conversion so checksum
// verification sees exactly what the exchange sent.
func bookDataToUpdate(exchange connector.Exchange, market connector.MarketType, instID, action string, data *WSBookData, receivedAt time.Time) (*connector.DepthUpdate, error) {
	bids, err := levelsToPriceLevels(data.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := levelsToPriceLevels(data.Asks)
	if err != nil {
		return nil, err
	}

	// books5 frames carry no action field and are full state
	updateType := connector.UpdateSnapshot
	if action == "update" {
		updateType = connector.UpdateDelta
	}

	return &connector.DepthUpdate{
		Exchange:   exchange,
		MarketType: market,
		Symbol:     normalizer.StandardizeSymbol(instID),
		Native:     instID,
		SeqID:      data.SeqID,
		PrevSeqID:  data.PrevSeqID,
		Action:     updateType,
		Checksum:   data.Checksum,
		// books5 omits the checksum field; a true zero CRC is
		// indistinguishable from that and goes unverified
		HasChecksum: data.Checksum != 0,
		Bids:        bids,
		Asks:        asks,
		EventTime:   data.Ts.Time(),
		ReceivedAt:  receivedAt,
	}, nil
}

func levelsToPriceLevels(levels []OrderBookLevel) ([]connector.PriceLevel, error) {
	out := make([]connector.PriceLevel, 0, len(levels))
	for _, l := range levels {
		lv, err := normalizer.ParseLevel(l.Price, l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, lv)
	}
	return out, nil
}

func (f *Feed) onTrade(data *WSTradeData) {
	price, err := decimal.NewFromString(data.Px)
	if err != nil {
		f.EmitError(fmt.Errorf("okx trade price %q: %w", data.Px, err))
		return
	}
	qty, err := decimal.NewFromString(data.Sz)
	if err != nil {
		f.EmitError(fmt.Errorf("okx trade size %q: %w", data.Sz, err))
		return
	}
	f.EmitTrade(&connector.Trade{
		Exchange:   f.cfg.Exchange,
		MarketType: f.Market(),
		Symbol:     normalizer.StandardizeSymbol(data.InstID),
		TradeID:    data.TradeID,
		Price:      price,
		Quantity:   qty,
		Side:       normalizer.NormalizeSide(data.Side),
		Timestamp:  int64(data.Ts),
	})
}

func (f *Feed) onFundingRate(data *WSFundingRateData) {
	rate, err := decimal.NewFromString(data.FundingRate)
	if err != nil {
		f.EmitError(fmt.Errorf("okx funding rate %q: %w", data.FundingRate, err))
		return
	}
	ts := int64(data.FundingTime)
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	f.EmitFunding(&connector.FundingRate{
		Exchange:        f.cfg.Exchange,
		MarketType:      f.Market(),
		Symbol:          normalizer.StandardizeSymbol(data.InstID),
		Rate:            rate,
		NextFundingTime: int64(data.NextFundingTime),
		Timestamp:       ts,
	})
}
