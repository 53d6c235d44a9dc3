package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies one collector adapter: an exchange plus the market it serves.
type Exchange string

const (
	BinanceSpot        Exchange = "binance_spot"
	BinanceDerivatives Exchange = "binance_derivatives"
	OKXSpot            Exchange = "okx_spot"
	OKXDerivatives     Exchange = "okx_derivatives"
)

// MarketType distinguishes spot from perpetual-swap markets
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
)

// DataType selects which feeds a collector subscribes to
type DataType string

const (
	DataOrderbook   DataType = "orderbook"
	DataTrade       DataType = "trade"
	DataFundingRate DataType = "funding_rate"
)

// UpdateType tags a published book view
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateDelta    UpdateType = "update"
)

// ParseExchange validates a configured exchange identifier
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(s) {
	case BinanceSpot, BinanceDerivatives, OKXSpot, OKXDerivatives:
		return Exchange(s), nil
	}
	return "", fmt.Errorf("unknown exchange %q", s)
}

// Market returns the market type served by an exchange identifier
func (e Exchange) Market() MarketType {
	switch e {
	case BinanceDerivatives, OKXDerivatives:
		return MarketPerpetual
	default:
		return MarketSpot
	}
}

// StreamKey uniquely identifies one maintained book. Symbol is the
// standardized BASE-QUOTE form; keying on symbol alone would collide
// across markets.
type StreamKey struct {
	Exchange   Exchange   `json:"exchange"`
	MarketType MarketType `json:"market_type"`
	Symbol     string     `json:"symbol"`
}

// String renders the key in subject-segment order
func (k StreamKey) String() string {
	return string(k.Exchange) + "." + string(k.MarketType) + "." + k.Symbol
}

// PriceLevel is a single depth level. Price and Quantity are exact
// decimals for comparison and ordering; PriceRaw and QuantityRaw keep
// the exchange-emitted strings verbatim, which checksum computation
// and downstream payloads depend on.
type PriceLevel struct {
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	PriceRaw    string
	QuantityRaw string
}

// NewPriceLevel parses exchange strings into a level, preserving the raw forms
func NewPriceLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	return PriceLevel{Price: p, Quantity: q, PriceRaw: price, QuantityRaw: quantity}, nil
}

// MarshalJSON emits the wire form ["price","qty"] using the preserved strings
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	price := l.PriceRaw
	if price == "" {
		price = l.Price.String()
	}
	qty := l.QuantityRaw
	if qty == "" {
		qty = l.Quantity.String()
	}
	return json.Marshal([2]string{price, qty})
}

// UnmarshalJSON parses the wire form ["price","qty"]
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	lv, err := NewPriceLevel(pair[0], pair[1])
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// DepthUpdate is one incremental book change in canonical form.
// Binance populates FirstUpdateID/FinalUpdateID (U/u) and, on
// derivatives, PrevFinalUpdateID (pu). OKX populates SeqID/PrevSeqID,
// Action and usually Checksum.
type DepthUpdate struct {
	Exchange   Exchange
	MarketType MarketType
	Symbol     string // standardized BASE-QUOTE
	Native     string // exchange-native symbol

	FirstUpdateID     int64
	FinalUpdateID     int64
	PrevFinalUpdateID int64

	SeqID       int64
	PrevSeqID   int64
	Action      UpdateType
	Checksum    int32
	HasChecksum bool

	Bids []PriceLevel
	Asks []PriceLevel

	EventTime  time.Time
	ReceivedAt time.Time
}

// Key returns the stream key this update belongs to
func (u *DepthUpdate) Key() StreamKey {
	return StreamKey{Exchange: u.Exchange, MarketType: u.MarketType, Symbol: u.Symbol}
}

// ChecksumPtr returns the checksum when the update carries one
func (u *DepthUpdate) ChecksumPtr() *int32 {
	if !u.HasChecksum {
		return nil
	}
	c := u.Checksum
	return &c
}

// Snapshot is a full depth snapshot in canonical form. LastUpdateID is
// Binance lastUpdateId or OKX seqId (ts when seqId is absent).
type Snapshot struct {
	Exchange   Exchange
	MarketType MarketType
	Symbol     string
	Native     string

	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	EventTime    time.Time
	Source       string // "rest" or "ws"
}

// Key returns the stream key this snapshot belongs to
func (s *Snapshot) Key() StreamKey {
	return StreamKey{Exchange: s.Exchange, MarketType: s.MarketType, Symbol: s.Symbol}
}

// BookView is an immutable published view of a maintained book.
// Bids descend and asks ascend by price with unique prices; levels
// marshal as ["price","qty"] string pairs.
type BookView struct {
	ExchangeName  string       `json:"exchange_name"`
	MarketType    MarketType   `json:"market_type"`
	Symbol        string       `json:"symbol"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	LastUpdateID  int64        `json:"last_update_id"`
	FirstUpdateID int64        `json:"first_update_id,omitempty"`
	PrevUpdateID  int64        `json:"prev_update_id,omitempty"`
	Timestamp     int64        `json:"timestamp"` // event time, epoch ms
	EventTime     string       `json:"event_time,omitempty"`
	UpdateType    UpdateType   `json:"update_type"`
	DepthLevels   int          `json:"depth_levels"`
	Checksum      *int32       `json:"checksum,omitempty"`
}

// Trade is a single trade event in canonical form
type Trade struct {
	Exchange   Exchange        `json:"exchange_name"`
	MarketType MarketType      `json:"market_type"`
	Symbol     string          `json:"symbol"`
	TradeID    string          `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       string          `json:"side"` // "buy" or "sell"
	Timestamp  int64           `json:"timestamp"`
}

// FundingRate is a perpetual funding-rate event in canonical form
type FundingRate struct {
	Exchange        Exchange        `json:"exchange_name"`
	MarketType      MarketType      `json:"market_type"`
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"funding_rate"`
	NextFundingTime int64           `json:"next_funding_time,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// FeedConfig holds per-collector adapter configuration
type FeedConfig struct {
	Exchange      Exchange
	Symbols       []string // standardized BASE-QUOTE
	DataTypes     []DataType
	SnapshotDepth int
	StreamDepth   int

	PingInterval         time.Duration
	PongTimeout          time.Duration
	IdleTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	ProxyHTTP  string
	ProxyHTTPS string
	ProxySOCKS string
}

// DepthHandler receives incremental depth updates
type DepthHandler func(u *DepthUpdate)

// TradeHandler receives trades
type TradeHandler func(t *Trade)

// FundingHandler receives funding-rate updates
type FundingHandler func(fr *FundingRate)

// ErrorHandler receives adapter errors
type ErrorHandler func(err error)

// ResubscribeHandler fires after a reconnect has re-established
// subscriptions; the manager resyncs every symbol on the connection.
type ResubscribeHandler func()

// Feed is the market-data adapter for one (exchange, market) pair
type Feed interface {
	// Exchange returns the adapter identifier
	Exchange() Exchange

	// Market returns the market type served
	Market() MarketType

	// Connect establishes the stream and subscribes configured symbols
	Connect(ctx context.Context) error

	// Close tears down the stream and any snapshot sessions
	Close() error

	// Subscribe adds depth subscriptions for standardized symbols
	Subscribe(symbols []string) error

	// Unsubscribe removes depth subscriptions
	Unsubscribe(symbols []string) error

	// FetchSnapshot fetches a depth snapshot, WS-API path where available
	FetchSnapshot(ctx context.Context, symbol string, depth int) (*Snapshot, error)

	// SetDepthHandler sets the callback for incremental updates
	SetDepthHandler(h DepthHandler)

	// SetTradeHandler sets the callback for trades
	SetTradeHandler(h TradeHandler)

	// SetFundingHandler sets the callback for funding rates
	SetFundingHandler(h FundingHandler)

	// SetErrorHandler sets the callback for adapter errors
	SetErrorHandler(h ErrorHandler)

	// SetResubscribeHandler sets the callback fired after resubscribe
	SetResubscribeHandler(h ResubscribeHandler)

	// IsConnected reports stream liveness
	IsConnected() bool

	// LastMessageTime returns the arrival time of the last frame
	LastMessageTime() time.Time
}

// BaseFeed provides the handler plumbing shared by adapters
type BaseFeed struct {
	config FeedConfig

	depthHandler       DepthHandler
	tradeHandler       TradeHandler
	fundingHandler     FundingHandler
	errorHandler       ErrorHandler
	resubscribeHandler ResubscribeHandler

	connected   atomic.Bool
	lastMessage atomic.Int64 // unix nanos
}

// NewBaseFeed creates the shared adapter base
func NewBaseFeed(config FeedConfig) *BaseFeed {
	return &BaseFeed{config: config}
}

// Exchange returns the adapter identifier
func (f *BaseFeed) Exchange() Exchange {
	return f.config.Exchange
}

// Market returns the market type served
func (f *BaseFeed) Market() MarketType {
	return f.config.Exchange.Market()
}

// Config returns the adapter configuration
func (f *BaseFeed) Config() FeedConfig {
	return f.config
}

// SetDepthHandler sets the depth callback
func (f *BaseFeed) SetDepthHandler(h DepthHandler) {
	f.depthHandler = h
}

// SetTradeHandler sets the trade callback
func (f *BaseFeed) SetTradeHandler(h TradeHandler) {
	f.tradeHandler = h
}

// SetFundingHandler sets the funding callback
func (f *BaseFeed) SetFundingHandler(h FundingHandler) {
	f.fundingHandler = h
}

// SetErrorHandler sets the error callback
func (f *BaseFeed) SetErrorHandler(h ErrorHandler) {
	f.errorHandler = h
}

// SetResubscribeHandler sets the resubscribe callback
func (f *BaseFeed) SetResubscribeHandler(h ResubscribeHandler) {
	f.resubscribeHandler = h
}

// IsConnected returns connection status
func (f *BaseFeed) IsConnected() bool {
	return f.connected.Load()
}

// LastMessageTime returns the last frame arrival time
func (f *BaseFeed) LastMessageTime() time.Time {
	n := f.lastMessage.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MarkMessage records frame arrival for idle detection
func (f *BaseFeed) MarkMessage() {
	f.lastMessage.Store(time.Now().UnixNano())
}

// SetConnected updates connection status
func (f *BaseFeed) SetConnected(connected bool) {
	f.connected.Store(connected)
}

// EmitDepth delivers an update to the handler
func (f *BaseFeed) EmitDepth(u *DepthUpdate) {
	f.MarkMessage()
	if f.depthHandler != nil {
		f.depthHandler(u)
	}
}

// EmitTrade delivers a trade to the handler
func (f *BaseFeed) EmitTrade(t *Trade) {
	f.MarkMessage()
	if f.tradeHandler != nil {
		f.tradeHandler(t)
	}
}

// EmitFunding delivers a funding update to the handler
func (f *BaseFeed) EmitFunding(fr *FundingRate) {
	f.MarkMessage()
	if f.fundingHandler != nil {
		f.fundingHandler(fr)
	}
}

// EmitError delivers an error to the handler
func (f *BaseFeed) EmitError(err error) {
	if f.errorHandler != nil {
		f.errorHandler(err)
	}
}

// EmitResubscribed signals a completed reconnect-resubscribe cycle
func (f *BaseFeed) EmitResubscribed() {
	if f.resubscribeHandler != nil {
		f.resubscribeHandler()
	}
}
