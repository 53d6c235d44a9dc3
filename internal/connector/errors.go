package connector

import (
	"fmt"
	"time"
)

// FetchErrorKind classifies snapshot fetch failures
type FetchErrorKind string

const (
	FetchTimeout     FetchErrorKind = "timeout"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchBanned      FetchErrorKind = "banned"
	FetchParseError  FetchErrorKind = "parse_error"
	FetchNetwork     FetchErrorKind = "network"
)

// FetchError wraps a snapshot failure with its kind so callers can
// route retries, cooldowns and ban windows without string matching.
type FetchError struct {
	Kind     FetchErrorKind
	Exchange Exchange
	Symbol   string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s snapshot %s: %v", e.Exchange, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s snapshot %s: %v", e.Exchange, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a classified fetch error
func NewFetchError(kind FetchErrorKind, exchange Exchange, symbol string, err error) *FetchError {
	return &FetchError{Kind: kind, Exchange: exchange, Symbol: symbol, Err: err}
}

// BanError reports an HTTP 418 IP ban. Until carries the exchange's
// unban time; callers must not issue REST calls before Until.
type BanError struct {
	Exchange Exchange
	Until    time.Time
}

func (e *BanError) Error() string {
	return fmt.Sprintf("%s REST banned until %s", e.Exchange, e.Until.UTC().Format(time.RFC3339))
}
