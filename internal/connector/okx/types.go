// Package okx implements the market-data feed for OKX spot and perpetual
// swap markets: the books channel with seqId chaining and CRC32 checksums,
// trade and funding-rate channels, and REST snapshot fetching.
package okx

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Common Types
// =============================================================================

// OKX instrument types
const (
	InstTypeSpot = "SPOT"
	InstTypeSwap = "SWAP" // Perpetual futures
)

// Timestamp is a custom time type for OKX API timestamps (milliseconds).
// OKX sends timestamps as strings in most payloads and as numbers in a few.
type Timestamp int64

// Time returns the time.Time representation
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// UnmarshalJSON implements json.Unmarshaler for string timestamps
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as number
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*t = Timestamp(n)
		return nil
	}
	if s == "" {
		*t = 0
		return nil
	}
	var n int64
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return err
	}
	*t = Timestamp(n)
	return nil
}

// =============================================================================
// REST API Response Types
// =============================================================================

// APIResponse is the common response wrapper for all REST API calls
type APIResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

// APIError represents an API-level error (code != "0")
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

// Error implements error interface
func (e *APIError) Error() string {
	return "OKX API error " + e.Code + ": " + e.Message
}

// Common error codes
const (
	ErrCodeSuccess      = "0"
	ErrCodeTooManyReqs  = "50011"
	ErrCodeInstNotExist = "51001"
)

// IsSuccess checks if the response code indicates success
func IsSuccess(code string) bool {
	return code == ErrCodeSuccess
}

// OrderBookLevel is a single book level. The wire format is a four-element
// string array [price, size, deprecated, orderCount]; the raw price and size
// strings feed the checksum so they must survive parsing untouched.
type OrderBookLevel struct {
	Price      string
	Size       string
	Deprecated string
	OrderCount string
}

// UnmarshalJSON implements json.Unmarshaler for OrderBookLevel
func (o *OrderBookLevel) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) >= 2 {
		o.Price = arr[0]
		o.Size = arr[1]
	}
	if len(arr) >= 4 {
		o.Deprecated = arr[2]
		o.OrderCount = arr[3]
	}
	return nil
}

// MarshalJSON implements json.Marshaler for OrderBookLevel
func (o OrderBookLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{o.Price, o.Size, o.Deprecated, o.OrderCount})
}

// OrderBook is the REST depth payload from /api/v5/market/books and
// /api/v5/market/books-full. REST snapshots carry no seqId; only the
// books channel does.
type OrderBook struct {
	Asks []OrderBookLevel `json:"asks"`
	Bids []OrderBookLevel `json:"bids"`
	Ts   Timestamp        `json:"ts"`
}

// =============================================================================
// WebSocket Types
// =============================================================================

// WSRequest represents a WebSocket request. ID is optional; when set the
// server echoes it on the matching ack, which depth requests rely on.
type WSRequest struct {
	ID   string        `json:"id,omitempty"`
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

// WSResponse represents a WebSocket response frame
type WSResponse struct {
	ID     string          `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	ConnID string          `json:"connId,omitempty"`
	Arg    json.RawMessage `json:"arg,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Action string          `json:"action,omitempty"` // snapshot, update
}

// WSSubscribeArg represents WebSocket subscription arguments
type WSSubscribeArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// WSChannelArg represents channel argument in push data
type WSChannelArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// =============================================================================
// WebSocket Push Data Types
// =============================================================================

// WSBookData is the books channel payload. Checksum is the CRC32-IEEE of
// the top 25 interleaved levels, carried as a signed 32-bit value. A seqId
// smaller than prevSeqId marks a maintenance reset.
type WSBookData struct {
	Asks      []OrderBookLevel `json:"asks"`
	Bids      []OrderBookLevel `json:"bids"`
	Ts        Timestamp        `json:"ts"`
	Checksum  int32            `json:"checksum"`
	SeqID     int64            `json:"seqId"`
	PrevSeqID int64            `json:"prevSeqId,omitempty"`
}

// WSTradeData represents trade push data
type WSTradeData struct {
	InstID  string    `json:"instId"`
	TradeID string    `json:"tradeId"`
	Px      string    `json:"px"`
	Sz      string    `json:"sz"`
	Side    string    `json:"side"`
	Ts      Timestamp `json:"ts"`
	Count   string    `json:"count,omitempty"`
}

// WSFundingRateData represents funding rate push data
type WSFundingRateData struct {
	InstID          string    `json:"instId"`
	InstType        string    `json:"instType"`
	FundingRate     string    `json:"fundingRate"`
	NextFundingRate string    `json:"nextFundingRate"`
	FundingTime     Timestamp `json:"fundingTime"`
	NextFundingTime Timestamp `json:"nextFundingTime"`
	Method          string    `json:"method"`
}
