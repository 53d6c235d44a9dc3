package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
)

const (
	spotStreamBaseURL    = "wss://stream.binance.com:9443"
	futuresStreamBaseURL = "wss://fstream.binance.com"
	wsStreamEndpoint     = "/stream"

	defaultIdleTimeout       = 30 * time.Second
	defaultPongTimeout       = 5 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 300 * time.Second
)

// MarketDataHandler handles different types of market data events
type MarketDataHandler struct {
	OnDepth       func(event *WSDepthEvent, receivedAt time.Time)
	OnTrade       func(event *WSTradeEvent)
	OnMarkPrice   func(event *WSMarkPriceEvent)
	OnError       func(err error)
	OnConnected   func()
	OnResubscribe func() // fired after a reconnect restored subscriptions
}

// MarketDataStream manages the combined-stream WebSocket connection
// for one Binance market. Subscriptions ride in the URL on connect and
// via SUBSCRIBE frames afterwards; a reconnect rebuilds the URL from
// the current subscription set.
type MarketDataStream struct {
	exchange connector.Exchange
	baseURL  string
	cfg      connector.FeedConfig
	handler  *MarketDataHandler

	mu            sync.RWMutex
	subscriptions map[string]bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	requestID atomic.Int64
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMarketDataStream creates a stream client for one market
func NewMarketDataStream(exchange connector.Exchange, cfg connector.FeedConfig, handler *MarketDataHandler) *MarketDataStream {
	baseURL := spotStreamBaseURL
	if exchange == connector.BinanceDerivatives {
		baseURL = futuresStreamBaseURL
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	return &MarketDataStream{
		exchange:      exchange,
		baseURL:       baseURL,
		cfg:           cfg,
		handler:       handler,
		subscriptions: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// SetBaseURL points the stream at a different host, for tests
func (s *MarketDataStream) SetBaseURL(baseURL string) {
	s.baseURL = baseURL
}

// Connect dials the combined stream with the given subscriptions and
// starts the read loop. Reconnects are handled internally.
func (s *MarketDataStream) Connect(ctx context.Context, streams []string) error {
	if len(streams) == 0 {
		return fmt.Errorf("no streams specified")
	}

	s.mu.Lock()
	for _, stream := range streams {
		s.subscriptions[stream] = true
	}
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// IsConnected returns true while the socket is up
func (s *MarketDataStream) IsConnected() bool {
	return s.connected.Load()
}

// Close tears the stream down permanently
func (s *MarketDataStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

// Subscribe adds streams on the live connection
func (s *MarketDataStream) Subscribe(streams []string) error {
	s.mu.Lock()
	for _, stream := range streams {
		s.subscriptions[stream] = true
	}
	s.mu.Unlock()
	return s.sendCommand("SUBSCRIBE", streams)
}

// Unsubscribe removes streams from the live connection
func (s *MarketDataStream) Unsubscribe(streams []string) error {
	s.mu.Lock()
	for _, stream := range streams {
		delete(s.subscriptions, stream)
	}
	s.mu.Unlock()
	return s.sendCommand("UNSUBSCRIBE", streams)
}

func (s *MarketDataStream) sendCommand(method string, params []string) error {
	cmd := wsCommand{
		Method: method,
		Params: params,
		ID:     s.requestID.Add(1),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.PongTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *MarketDataStream) streamURL() string {
	s.mu.RLock()
	streams := make([]string, 0, len(s.subscriptions))
	for stream := range s.subscriptions {
		streams = append(streams, stream)
	}
	s.mu.RUnlock()
	return fmt.Sprintf("%s%s?streams=%s", s.baseURL, wsStreamEndpoint, strings.Join(streams, "/"))
}

func (s *MarketDataStream) dial(ctx context.Context) error {
	url := s.streamURL()
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	httpProxy, err := s.cfg.ProxyURL()
	if err != nil {
		return err
	}
	switch {
	case httpProxy != nil:
		dialer.Proxy = http.ProxyURL(httpProxy)
	case s.cfg.ProxySOCKS != "":
		socks, err := proxy.SOCKS5("tcp", s.cfg.ProxySOCKS, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks proxy: %w", err)
		}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return socks.Dial(network, addr)
		}
	}

	log.Info().
		Str("exchange", string(s.exchange)).
		Int("streams", s.subscriptionCount()).
		Msg("Connecting to Binance market data stream")

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.PongTimeout))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.connected.Store(true)
	metrics.RecordConnectionStatus(string(s.exchange), true)

	if s.handler != nil && s.handler.OnConnected != nil {
		s.handler.OnConnected()
	}
	return nil
}

func (s *MarketDataStream) subscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// run reads until the connection drops, then reconnects with a
// doubling delay. The loop exits only on Close or context cancel.
func (s *MarketDataStream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.readLoop(ctx)
		s.connected.Store(false)
		metrics.RecordConnectionStatus(string(s.exchange), false)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		delay := s.cfg.ReconnectDelay
		attempt := 0
		for {
			if s.cfg.MaxReconnectAttempts > 0 && attempt >= s.cfg.MaxReconnectAttempts {
				s.emitError(fmt.Errorf("reconnect attempts exhausted after %d tries", attempt))
				return
			}
			log.Warn().
				Str("exchange", string(s.exchange)).
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Msg("Binance stream disconnected, reconnecting")

			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			metrics.RecordReconnect(string(s.exchange))
			if err := s.dial(ctx); err == nil {
				break
			} else {
				s.emitError(err)
			}
			attempt++
			delay *= 2
			if delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
		}

		// The rebuilt URL carries every current subscription, so the
		// books need resyncing but not resubscribing.
		if s.handler != nil && s.handler.OnResubscribe != nil {
			s.handler.OnResubscribe()
		}
	}
}

// readLoop reads messages until an error; the caller reconnects
func (s *MarketDataStream) readLoop(ctx context.Context) {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.emitError(fmt.Errorf("read error: %w", err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		s.handleMessage(message)
	}
}

// handleMessage parses and routes incoming messages
func (s *MarketDataStream) handleMessage(message []byte) {
	receivedAt := time.Now()

	var wrapper streamWrapper
	if err := json.Unmarshal(message, &wrapper); err != nil || wrapper.Stream == "" {
		s.parseDirectMessage(message, receivedAt)
		return
	}

	switch {
	case strings.Contains(wrapper.Stream, "@depth"):
		var event WSDepthEvent
		if err := json.Unmarshal(wrapper.Data, &event); err != nil {
			s.warnMalformed(wrapper.Stream, err)
			return
		}
		if s.handler != nil && s.handler.OnDepth != nil {
			s.handler.OnDepth(&event, receivedAt)
		}
	case strings.HasSuffix(wrapper.Stream, "@trade"):
		var event WSTradeEvent
		if err := json.Unmarshal(wrapper.Data, &event); err != nil {
			s.warnMalformed(wrapper.Stream, err)
			return
		}
		if s.handler != nil && s.handler.OnTrade != nil {
			s.handler.OnTrade(&event)
		}
	case strings.Contains(wrapper.Stream, "@markPrice"):
		var event WSMarkPriceEvent
		if err := json.Unmarshal(wrapper.Data, &event); err != nil {
			s.warnMalformed(wrapper.Stream, err)
			return
		}
		if s.handler != nil && s.handler.OnMarkPrice != nil {
			s.handler.OnMarkPrice(&event)
		}
	}
}

// warnMalformed logs a dropped frame; the connection stays up
func (s *MarketDataStream) warnMalformed(stream string, err error) {
	log.Warn().
		Err(err).
		Str("exchange", string(s.exchange)).
		Str("stream", stream).
		Msg("malformed frame dropped")
}

// parseDirectMessage handles frames without the stream wrapper:
// command acks and single-stream payloads.
func (s *MarketDataStream) parseDirectMessage(message []byte, receivedAt time.Time) {
	var ack wsCommandAck
	if err := json.Unmarshal(message, &ack); err == nil && ack.ID > 0 {
		return // SUBSCRIBE/UNSUBSCRIBE ack
	}

	var eventType struct {
		E string `json:"e"`
	}
	if err := json.Unmarshal(message, &eventType); err != nil {
		return
	}

	switch eventType.E {
	case "depthUpdate":
		var event WSDepthEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.warnMalformed(eventType.E, err)
			return
		}
		if s.handler != nil && s.handler.OnDepth != nil {
			s.handler.OnDepth(&event, receivedAt)
		}
	case "trade":
		var event WSTradeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.warnMalformed(eventType.E, err)
			return
		}
		if s.handler != nil && s.handler.OnTrade != nil {
			s.handler.OnTrade(&event)
		}
	case "markPriceUpdate":
		var event WSMarkPriceEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.warnMalformed(eventType.E, err)
			return
		}
		if s.handler != nil && s.handler.OnMarkPrice != nil {
			s.handler.OnMarkPrice(&event)
		}
	}
}

func (s *MarketDataStream) emitError(err error) {
	if s.handler != nil && s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

// =============================================================================
// Stream Name Helpers
// =============================================================================

const (
	StreamTypeDepth100ms = "@depth@100ms"
	StreamTypeTrade      = "@trade"
	StreamTypeMarkPrice  = "@markPrice"
)

// DepthStreamName builds the depth stream name for a native symbol
func DepthStreamName(nativeSymbol string) string {
	return strings.ToLower(nativeSymbol) + StreamTypeDepth100ms
}

// TradeStreamName builds the trade stream name for a native symbol
func TradeStreamName(nativeSymbol string) string {
	return strings.ToLower(nativeSymbol) + StreamTypeTrade
}

// MarkPriceStreamName builds the mark price stream name
func MarkPriceStreamName(nativeSymbol string) string {
	return strings.ToLower(nativeSymbol) + StreamTypeMarkPrice
}
