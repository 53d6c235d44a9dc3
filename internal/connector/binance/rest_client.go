package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
	"depthfeed-collector/internal/ratelimit"
)

const (
	spotRestBaseURL    = "https://api.binance.com"
	futuresRestBaseURL = "https://fapi.binance.com"

	spotDepthPath    = "/api/v3/depth"
	futuresDepthPath = "/fapi/v1/depth"
)

// spotDepthLimits and futuresDepthLimits are the only limit values the
// endpoints accept; requests round up to the next one.
var (
	spotDepthLimits    = []int{5, 10, 20, 50, 100, 500, 1000, 5000}
	futuresDepthLimits = []int{5, 10, 20, 50, 100, 500, 1000}
)

// RestClient fetches depth snapshots from Binance. Every request pays
// its request weight through the snapshot gate before it goes out, and
// a circuit breaker cuts the endpoint off after repeated failures.
type RestClient struct {
	httpClient *http.Client
	exchange   connector.Exchange
	baseURL    string
	depthPath  string
	gate       *ratelimit.SnapshotGate
	breaker    *gobreaker.CircuitBreaker
}

// NewRestClient creates a REST client for one Binance market. The feed
// config supplies the proxy settings the client honors.
func NewRestClient(cfg connector.FeedConfig, gate *ratelimit.SnapshotGate) (*RestClient, error) {
	baseURL, depthPath := spotRestBaseURL, spotDepthPath
	if cfg.Exchange == connector.BinanceDerivatives {
		baseURL, depthPath = futuresRestBaseURL, futuresDepthPath
	}
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
		baseURL:    baseURL,
		depthPath:  depthPath,
		gate:       gate,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// SetBaseURL points the client at a different host, for tests
func (c *RestClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// RoundDepthLimit rounds a requested depth up to the next limit the
// endpoint accepts, clamping to the largest one.
func RoundDepthLimit(exchange connector.Exchange, limit int) int {
	limits := spotDepthLimits
	if exchange == connector.BinanceDerivatives {
		limits = futuresDepthLimits
	}
	for _, l := range limits {
		if limit <= l {
			return l
		}
	}
	return limits[len(limits)-1]
}

// DepthWeight returns the request weight charged for a depth fetch
func DepthWeight(exchange connector.Exchange, limit int) int {
	if exchange == connector.BinanceDerivatives {
		switch {
		case limit <= 50:
			return 2
		case limit <= 100:
			return 5
		case limit <= 500:
			return 10
		default:
			return 20
		}
	}
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

// FetchDepth fetches an orderbook snapshot for a native symbol. limit
// is rounded up to an accepted value before the weight is charged.
func (c *RestClient) FetchDepth(ctx context.Context, symbol string, limit int) (*DepthResponse, error) {
	limit = RoundDepthLimit(c.exchange, limit)
	weight := DepthWeight(c.exchange, limit)

	if err := c.gate.Acquire(ctx, symbol, weight); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s?symbol=%s&limit=%d", c.baseURL, c.depthPath, symbol, limit)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doDepthRequest(ctx, url, symbol)
	})
	if err != nil {
		return nil, err
	}
	return result.(*DepthResponse), nil
}

func (c *RestClient) doDepthRequest(ctx context.Context, url, symbol string) (*DepthResponse, error) {
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
		return nil, connector.NewFetchError(kind, c.exchange, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.classifyHTTPError(resp, body, symbol)
	}

	var depth DepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&depth); err != nil {
		c.gate.ReportFailure()
		return nil, connector.NewFetchError(connector.FetchParseError, c.exchange, symbol, fmt.Errorf("decode depth: %w", err))
	}

	c.gate.ReportSuccess()
	metrics.ClearBan(string(c.exchange))
	return &depth, nil
}

// classifyHTTPError turns an error response into a typed error and
// feeds the gate. 418 means the IP is banned until the timestamp in
// the body; 429 means back off now before it escalates to a ban.
func (c *RestClient) classifyHTTPError(resp *http.Response, body []byte, symbol string) error {
	switch resp.StatusCode {
	case http.StatusTeapot: // 418: IP auto-ban
		until := parseBanExpiry(body, resp.Header.Get("Retry-After"))
		c.gate.ReportBanned(until)
		metrics.RecordBan(string(c.exchange), until)
		return connector.NewFetchError(connector.FetchBanned, c.exchange, symbol,
			&connector.BanError{Exchange: c.exchange, Until: until})
	case http.StatusTooManyRequests:
		c.gate.ReportRateLimited()
		metrics.RecordRateLimited(string(c.exchange))
		return connector.NewFetchError(connector.FetchRateLimited, c.exchange, symbol,
			fmt.Errorf("HTTP 429: %s", string(body)))
	default:
		c.gate.ReportFailure()
		return connector.NewFetchError(connector.FetchNetwork, c.exchange, symbol,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
}

// parseBanExpiry extracts the ban deadline from a 418 body, which
// reads "... IP banned until 1700000000000 ...", falling back to the
// Retry-After header and then to a conservative default.
func parseBanExpiry(body []byte, retryAfter string) time.Time {
	const marker = "until "
	s := string(body)
	if i := strings.Index(s, marker); i >= 0 {
		rest := s[i+len(marker):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if ms, err := strconv.ParseInt(rest[:end], 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Now().Add(2 * time.Minute)
}
