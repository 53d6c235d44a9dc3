package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
	"depthfeed-collector/internal/ratelimit"
)

const (
	restBaseURL = "https://www.okx.com"

	// books serves up to 400 levels; books-full up to 5000 at a lower
	// request budget. Neither carries a seqId.
	booksPath     = "/api/v5/market/books"
	booksFullPath = "/api/v5/market/books-full"

	booksMaxDepth     = 400
	booksFullMaxDepth = 5000
)

// RestClient fetches depth snapshots from OKX. Requests pass through
// the snapshot gate and a circuit breaker the same way the Binance
// client does; OKX charges per request rather than per weight, so
// every fetch costs one unit.
type RestClient struct {
	httpClient *http.Client
	exchange   connector.Exchange
	baseURL    string
	gate       *ratelimit.SnapshotGate
	breaker    *gobreaker.CircuitBreaker
}

// NewRestClient creates a REST client for one OKX market. The feed
// config supplies the proxy settings the client honors.
func NewRestClient(cfg connector.FeedConfig, gate *ratelimit.SnapshotGate) (*RestClient, error) {
	httpClient, err := connector.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	settings := gobreaker.Settings{
		Name:    string(cfg.Exchange) + "-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &RestClient{
		httpClient: httpClient,
		exchange:   cfg.Exchange,
		baseURL:    restBaseURL,
		gate:       gate,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// SetBaseURL points the client at a different host, for tests
func (c *RestClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// BooksPath returns the endpoint path serving the requested depth
func BooksPath(depth int) string {
	if depth > booksMaxDepth {
		return booksFullPath
	}
	return booksPath
}

// ClampDepth bounds a requested depth to what the chosen endpoint serves
func ClampDepth(depth int) int {
	if depth <= 0 {
		return booksMaxDepth
	}
	if depth > booksFullMaxDepth {
		return booksFullMaxDepth
	}
	return depth
}

// FetchBooks fetches an orderbook snapshot for a native instrument ID.
// Depths beyond 400 route to the books-full endpoint.
func (c *RestClient) FetchBooks(ctx context.Context, instID string, depth int) (*OrderBook, error) {
	depth = ClampDepth(depth)

	if err := c.gate.Acquire(ctx, instID, 1); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s?instId=%s&sz=%d", c.baseURL, BooksPath(depth), instID, depth)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doBooksRequest(ctx, url, instID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*OrderBook), nil
}

func (c *RestClient) doBooksRequest(ctx context.Context, url, instID string) (*OrderBook, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.gate.ReportFailure()
		kind := connector.FetchNetwork
		if ctx.Err() != nil {
			kind = connector.FetchTimeout
		}
		return nil, connector.NewFetchError(kind, c.exchange, instID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.classifyHTTPError(resp, body, instID)
	}

	var parsed APIResponse[[]OrderBook]
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.gate.ReportFailure()
		return nil, connector.NewFetchError(connector.FetchParseError, c.exchange, instID, fmt.Errorf("decode books: %w", err))
	}

	if !IsSuccess(parsed.Code) {
		return nil, c.classifyAPIError(parsed.Code, parsed.Msg, instID)
	}
	if len(parsed.Data) == 0 {
		c.gate.ReportFailure()
		return nil, connector.NewFetchError(connector.FetchParseError, c.exchange, instID, fmt.Errorf("empty books payload"))
	}

	c.gate.ReportSuccess()
	return &parsed.Data[0], nil
}

// classifyHTTPError feeds the gate and wraps the status into a typed
// error. OKX signals throttling with 429 and does not issue 418 bans.
func (c *RestClient) classifyHTTPError(resp *http.Response, body []byte, instID string) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		c.gate.ReportRateLimited()
		metrics.RecordRateLimited(string(c.exchange))
		return connector.NewFetchError(connector.FetchRateLimited, c.exchange, instID,
			fmt.Errorf("HTTP 429: %s", string(body)))
	default:
		c.gate.ReportFailure()
		return connector.NewFetchError(connector.FetchNetwork, c.exchange, instID,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
}

// classifyAPIError maps OKX body-level error codes, which arrive with
// HTTP 200
func (c *RestClient) classifyAPIError(code, msg, instID string) error {
	apiErr := &APIError{Code: code, Message: msg}
	if code == ErrCodeTooManyReqs {
		c.gate.ReportRateLimited()
		metrics.RecordRateLimited(string(c.exchange))
		return connector.NewFetchError(connector.FetchRateLimited, c.exchange, instID, apiErr)
	}
	c.gate.ReportFailure()
	return connector.NewFetchError(connector.FetchNetwork, c.exchange, instID, apiErr)
}
