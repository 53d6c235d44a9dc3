package binance

import "encoding/json"

// =============================================================================
// REST API Response Types
// =============================================================================

// DepthResponse represents the response from GET /api/v3/depth (spot)
// and GET /fapi/v1/depth (USD-M futures). E and T are futures-only.
type DepthResponse struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	E            int64      `json:"E,omitempty"` // Message output time
	T            int64      `json:"T,omitempty"` // Transaction time
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// APIError represents an error payload from any Binance endpoint
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// =============================================================================
// WebSocket Stream Types
// =============================================================================

// WSDepthEvent represents orderbook depth updates from @depth streams.
// pu is only present on futures; T is futures-only as well.
type WSDepthEvent struct {
	EventType     string     `json:"e"`  // Event type: "depthUpdate"
	EventTime     int64      `json:"E"`  // Event time
	TransactTime  int64      `json:"T"`  // Transaction time
	Symbol        string     `json:"s"`  // Symbol
	FirstUpdateId int64      `json:"U"`  // First update ID in event
	FinalUpdateId int64      `json:"u"`  // Final update ID in event
	PrevFinalId   int64      `json:"pu"` // Previous final update ID
	Bids          [][]string `json:"b"`  // Bids to be updated
	Asks          [][]string `json:"a"`  // Asks to be updated
}

// WSTradeEvent represents real-time trade data from @trade stream
type WSTradeEvent struct {
	EventType     string `json:"e"` // Event type: "trade"
	EventTime     int64  `json:"E"` // Event time
	Symbol        string `json:"s"` // Symbol
	TradeId       int64  `json:"t"` // Trade ID
	Price         string `json:"p"` // Price
	Quantity      string `json:"q"` // Quantity
	BuyerOrderId  int64  `json:"b"` // Buyer order ID
	SellerOrderId int64  `json:"a"` // Seller order ID
	TradeTime     int64  `json:"T"` // Trade time
	IsBuyerMaker  bool   `json:"m"` // Is the buyer the market maker?
}

// WSMarkPriceEvent represents mark price updates from @markPrice stream
// (futures only; carries the current funding rate)
type WSMarkPriceEvent struct {
	EventType       string `json:"e"` // Event type: "markPriceUpdate"
	EventTime       int64  `json:"E"` // Event time
	Symbol          string `json:"s"` // Symbol
	MarkPrice       string `json:"p"` // Mark price
	IndexPrice      string `json:"i"` // Index price
	EstSettlePrice  string `json:"P"` // Estimated Settle Price
	FundingRate     string `json:"r"` // Funding rate
	NextFundingTime int64  `json:"T"` // Next funding time
}

// streamWrapper is the combined-stream envelope
type streamWrapper struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsCommand is a live SUBSCRIBE/UNSUBSCRIBE frame
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsCommandAck is the response to a wsCommand
type wsCommandAck struct {
	Result interface{} `json:"result"`
	ID     int64       `json:"id"`
}
