package okx

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
)

// WebSocket endpoint. Books, trades and funding rates all live on the
// public service.
const wsPublicURL = "wss://ws.okx.com:8443/ws/v5/public"

// Channel names
const (
	ChannelBooks       = "books"  // 400 levels, 100ms, seqId + checksum
	ChannelBooks5      = "books5" // 5 levels, full state per frame
	ChannelTrades      = "trades"
	ChannelFundingRate = "funding-rate"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultReconnectDelay = time.Second
	defaultMaxReconnect   = 5 * time.Minute
)

// MarketDataHandler receives parsed channel pushes
type MarketDataHandler struct {
	OnBook        func(arg WSChannelArg, action string, data *WSBookData, receivedAt time.Time)
	OnTrade       func(data *WSTradeData)
	OnFundingRate func(data *WSFundingRateData)
	OnError       func(err error)
	OnConnected   func()
	OnResubscribe func()
}

// MarketDataStream maintains the public WebSocket connection. OKX carries
// subscriptions in op frames rather than the URL, so a reconnect replays
// every registered subscription before the books start flowing again.
type MarketDataStream struct {
	exchange connector.Exchange
	url      string
	cfg      connector.FeedConfig
	handler  MarketDataHandler

	subMu         sync.Mutex
	subscriptions map[string]WSSubscribeArg

	snapMu   sync.Mutex
	snapWait map[string]chan wsBookSnapshot // instId -> pending depth request
	snapByID map[string]string              // request id -> instId

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// wsBookSnapshot is the outcome of one in-band depth request
type wsBookSnapshot struct {
	data *WSBookData
	err  error
}

// NewMarketDataStream creates a stream client for the configured exchange
func NewMarketDataStream(cfg connector.FeedConfig, handler MarketDataHandler) *MarketDataStream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
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
		cfg.MaxReconnectDelay = defaultMaxReconnect
	}

	return &MarketDataStream{
		exchange:      cfg.Exchange,
		url:           wsPublicURL,
		cfg:           cfg,
		handler:       handler,
		subscriptions: make(map[string]WSSubscribeArg),
		snapWait:      make(map[string]chan wsBookSnapshot),
		snapByID:      make(map[string]string),
		done:          make(chan struct{}),
	}
}

// SetURL overrides the endpoint, used by tests
func (c *MarketDataStream) SetURL(url string) {
	c.url = url
}

// Connect dials the endpoint, subscribes the given args and starts the
// read and keepalive loops
func (c *MarketDataStream) Connect(ctx context.Context, args []WSSubscribeArg) error {
	c.register(args)

	if err := c.dial(ctx); err != nil {
		return err
	}
	if err := c.sendOp("subscribe", args); err != nil {
		return fmt.Errorf("initial subscribe failed: %w", err)
	}

	c.wg.Add(2)
	go c.run(ctx)
	go c.pingLoop(ctx)
	return nil
}

// Close tears down the connection and waits for the loops to exit
func (c *MarketDataStream) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	return nil
}

// IsConnected reports stream liveness
func (c *MarketDataStream) IsConnected() bool {
	return c.connected.Load()
}

// Subscribe adds subscriptions on the live connection
func (c *MarketDataStream) Subscribe(args []WSSubscribeArg) error {
	c.register(args)
	return c.sendOp("subscribe", args)
}

// Unsubscribe removes subscriptions from the live connection
func (c *MarketDataStream) Unsubscribe(args []WSSubscribeArg) error {
	c.subMu.Lock()
	for _, arg := range args {
		delete(c.subscriptions, subscriptionKey(arg.Channel, arg.InstID))
	}
	c.subMu.Unlock()
	return c.sendOp("unsubscribe", args)
}

func (c *MarketDataStream) register(args []WSSubscribeArg) {
	c.subMu.Lock()
	for _, arg := range args {
		c.subscriptions[subscriptionKey(arg.Channel, arg.InstID)] = arg
	}
	c.subMu.Unlock()
}

func (c *MarketDataStream) registered() []WSSubscribeArg {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	args := make([]WSSubscribeArg, 0, len(c.subscriptions))
	for _, arg := range c.subscriptions {
		args = append(args, arg)
	}
	return args
}

func subscriptionKey(channel, instID string) string {
	return channel + ":" + instID
}

// RequestBookSnapshot forces a fresh books snapshot over the live
// connection: an unsubscribe+subscribe cycle makes the server replay
// action=snapshot for the instrument, which resolves the request. The
// request id ties error acks back to the caller; the instrument stays
// in the subscription registry throughout.
func (c *MarketDataStream) RequestBookSnapshot(ctx context.Context, instID string) (*WSBookData, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("okx stream not connected")
	}

	id := depthRequestID(c.exchange, instID)
	ch, err := c.addDepthWaiter(id, instID)
	if err != nil {
		return nil, err
	}
	defer c.removeDepthWaiter(id, instID)

	arg := []WSSubscribeArg{{Channel: ChannelBooks, InstID: instID}}
	if err := c.sendOpID(id, "unsubscribe", arg); err != nil {
		return nil, fmt.Errorf("okx depth request unsubscribe: %w", err)
	}
	if err := c.sendOpID(id, "subscribe", arg); err != nil {
		return nil, fmt.Errorf("okx depth request subscribe: %w", err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("okx stream closed")
	}
}

// depthRequestID embeds the exchange and instrument in the request id so
// concurrent acks demux to the right waiter; the UUID fragment keeps two
// requests for the same instrument distinct. OKX caps ids at 32
// alphanumeric characters.
func depthRequestID(exchange connector.Exchange, instID string) string {
	var b strings.Builder
	for _, r := range string(exchange) + instID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	base := b.String()
	if len(base) > 24 {
		base = base[:24]
	}
	return base + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (c *MarketDataStream) addDepthWaiter(id, instID string) (chan wsBookSnapshot, error) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if _, exists := c.snapWait[instID]; exists {
		return nil, fmt.Errorf("okx depth request already pending for %s", instID)
	}
	ch := make(chan wsBookSnapshot, 1)
	c.snapWait[instID] = ch
	c.snapByID[id] = instID
	return ch, nil
}

func (c *MarketDataStream) removeDepthWaiter(id, instID string) {
	c.snapMu.Lock()
	delete(c.snapWait, instID)
	delete(c.snapByID, id)
	c.snapMu.Unlock()
}

// resolveDepthRequest hands an action=snapshot push to a pending depth
// request for the instrument, if any
func (c *MarketDataStream) resolveDepthRequest(instID string, data *WSBookData) {
	c.snapMu.Lock()
	ch := c.snapWait[instID]
	c.snapMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- wsBookSnapshot{data: data}:
	default:
	}
}

// failDepthRequest fails the pending depth request whose ack came back
// as an error event
func (c *MarketDataStream) failDepthRequest(id, code, msg string) {
	c.snapMu.Lock()
	var ch chan wsBookSnapshot
	if instID, ok := c.snapByID[id]; ok {
		ch = c.snapWait[instID]
	}
	c.snapMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- wsBookSnapshot{err: fmt.Errorf("okx depth request rejected %s: %s", code, msg)}:
	default:
	}
}

func (c *MarketDataStream) sendOp(op string, args []WSSubscribeArg) error {
	return c.sendOpID("", op, args)
}

func (c *MarketDataStream) sendOpID(id, op string, args []WSSubscribeArg) error {
	if len(args) == 0 {
		return nil
	}
	payload := make([]interface{}, len(args))
	for i, arg := range args {
		payload[i] = arg
	}
	data, err := json.Marshal(WSRequest{ID: id, Op: op, Args: payload})
	if err != nil {
		return err
	}
	return c.writeText(data)
}

func (c *MarketDataStream) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("okx stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *MarketDataStream) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	httpProxy, err := c.cfg.ProxyURL()
	if err != nil {
		return err
	}
	switch {
	case httpProxy != nil:
		dialer.Proxy = http.ProxyURL(httpProxy)
	case c.cfg.ProxySOCKS != "":
		socks, err := proxy.SOCKS5("tcp", c.cfg.ProxySOCKS, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks proxy setup failed: %w", err)
		}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return socks.Dial(network, addr)
		}
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("okx dial %s failed: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	})

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.connected.Store(true)
	metrics.RecordConnectionStatus(string(c.exchange), true)
	if c.handler.OnConnected != nil {
		c.handler.OnConnected()
	}
	return nil
}

func (c *MarketDataStream) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.readLoop()
		c.connected.Store(false)
		metrics.RecordConnectionStatus(string(c.exchange), false)

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *MarketDataStream) reconnect(ctx context.Context) bool {
	delay := c.cfg.ReconnectDelay
	attempts := 0

	for {
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.emitError(fmt.Errorf("okx reconnect attempts exhausted after %d tries", attempts))
			return false
		}

		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		attempts++
		metrics.RecordReconnect(string(c.exchange))

		if err := c.dial(ctx); err != nil {
			c.emitError(fmt.Errorf("okx reconnect attempt %d failed: %w", attempts, err))
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		if err := c.sendOp("subscribe", c.registered()); err != nil {
			c.emitError(fmt.Errorf("okx resubscribe failed: %w", err))
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		// A fresh subscription replays action=snapshot on every book, so
		// the downstream resync starts from clean state.
		if c.handler.OnResubscribe != nil {
			c.handler.OnResubscribe()
		}
		return true
	}
}

func (c *MarketDataStream) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			// OKX keepalive is a bare text frame, not a control ping
			if err := c.writeText([]byte("ping")); err != nil {
				c.emitError(fmt.Errorf("okx ping failed: %w", err))
			}
		}
	}
}

func (c *MarketDataStream) readLoop() {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emitError(fmt.Errorf("okx read failed: %w", err))
				metrics.RecordConnectionError(string(c.exchange), "read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		c.handleMessage(message)
	}
}

func (c *MarketDataStream) handleMessage(data []byte) {
	receivedAt := time.Now()

	if string(data) == "pong" {
		return
	}

	var resp WSResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.emitError(fmt.Errorf("okx frame unmarshal failed: %w", err))
		return
	}

	// Subscribe/unsubscribe acks and error events carry an event field
	if resp.Event != "" {
		if resp.Event == "error" {
			if resp.ID != "" {
				c.failDepthRequest(resp.ID, resp.Code, resp.Msg)
			}
			c.emitError(fmt.Errorf("okx ws error %s: %s", resp.Code, resp.Msg))
			metrics.RecordConnectionError(string(c.exchange), "ws_event")
		}
		return
	}

	var arg WSChannelArg
	if err := json.Unmarshal(resp.Arg, &arg); err != nil {
		c.emitError(fmt.Errorf("okx arg unmarshal failed: %w", err))
		return
	}

	switch {
	case arg.Channel == ChannelBooks || arg.Channel == ChannelBooks5:
		var books []WSBookData
		if err := json.Unmarshal(resp.Data, &books); err != nil {
			c.emitError(fmt.Errorf("okx book unmarshal failed: %w", err))
			return
		}
		for i := range books {
			if resp.Action == "snapshot" {
				c.resolveDepthRequest(arg.InstID, &books[i])
			}
			if c.handler.OnBook != nil {
				c.handler.OnBook(arg, resp.Action, &books[i], receivedAt)
			}
		}

	case arg.Channel == ChannelTrades:
		var trades []WSTradeData
		if err := json.Unmarshal(resp.Data, &trades); err != nil {
			c.emitError(fmt.Errorf("okx trade unmarshal failed: %w", err))
			return
		}
		if c.handler.OnTrade != nil {
			for i := range trades {
				c.handler.OnTrade(&trades[i])
			}
		}

	case arg.Channel == ChannelFundingRate:
		var rates []WSFundingRateData
		if err := json.Unmarshal(resp.Data, &rates); err != nil {
			c.emitError(fmt.Errorf("okx funding rate unmarshal failed: %w", err))
			return
		}
		if c.handler.OnFundingRate != nil {
			for i := range rates {
				c.handler.OnFundingRate(&rates[i])
			}
		}

	case strings.HasPrefix(arg.Channel, "candle"):
		// Not subscribed by this collector; ignore quietly
	}
}

func (c *MarketDataStream) emitError(err error) {
	if c.handler.OnError != nil {
		c.handler.OnError(err)
	}
}
