package publisher

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthfeed-collector/internal/connector"
)

func level(t *testing.T, price, qty string) connector.PriceLevel {
	t.Helper()
	l, err := connector.NewPriceLevel(price, qty)
	require.NoError(t, err)
	return l
}

func sampleView(t *testing.T) *connector.BookView {
	t.Helper()
	return &connector.BookView{
		ExchangeName: "binance_spot",
		MarketType:   connector.MarketSpot,
		Symbol:       "BTC-USDT",
		Bids:         []connector.PriceLevel{level(t, "30000.10", "1.50000000")},
		Asks:         []connector.PriceLevel{level(t, "30000.50", "0.75000000")},
		LastUpdateID: 1027024,
		Timestamp:    1756100000123,
		UpdateType:   connector.UpdateSnapshot,
		DepthLevels:  400,
	}
}

func TestSubjects(t *testing.T) {
	t.Parallel()

	view := sampleView(t)
	assert.Equal(t, "orderbook-data.binance_spot.spot.BTC-USDT", BookSubject(view))

	trade := &connector.Trade{
		Exchange:   connector.OKXDerivatives,
		MarketType: connector.MarketPerpetual,
		Symbol:     "ETH-USDT",
	}
	assert.Equal(t, "trade-data.okx_derivatives.perpetual.ETH-USDT", TradeSubject(trade))

	fr := &connector.FundingRate{
		Exchange:   connector.BinanceDerivatives,
		MarketType: connector.MarketPerpetual,
		Symbol:     "BTC-USDT",
	}
	assert.Equal(t, "funding-rate.binance_derivatives.perpetual.BTC-USDT", FundingSubject(fr))

	assert.Equal(t, "open-interest.okx_spot.spot.SOL-USDT",
		Subject(SubjectOpenInterest, connector.OKXSpot, connector.MarketSpot, "SOL-USDT"))
}

func TestBookPayloadMarshal(t *testing.T) {
	t.Parallel()

	payload := NewBookPayload(sampleView(t), "collector-1")
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var got struct {
		ExchangeName   string      `json:"exchange_name"`
		MarketType     string      `json:"market_type"`
		Symbol         string      `json:"symbol"`
		Bids           [][2]string `json:"bids"`
		Asks           [][2]string `json:"asks"`
		LastUpdateID   int64       `json:"last_update_id"`
		Timestamp      int64       `json:"timestamp"`
		UpdateType     string      `json:"update_type"`
		DepthLevels    int         `json:"depth_levels"`
		Publisher      string      `json:"publisher"`
		StandardizedAt string      `json:"standardized_at"`
		Version        string      `json:"standardization_version"`
	}
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "binance_spot", got.ExchangeName)
	assert.Equal(t, "spot", got.MarketType)
	assert.Equal(t, "BTC-USDT", got.Symbol)
	assert.Equal(t, [][2]string{{"30000.10", "1.50000000"}}, got.Bids)
	assert.Equal(t, [][2]string{{"30000.50", "0.75000000"}}, got.Asks)
	assert.Equal(t, int64(1027024), got.LastUpdateID)
	assert.Equal(t, int64(1756100000123), got.Timestamp)
	assert.Equal(t, "snapshot", got.UpdateType)
	assert.Equal(t, 400, got.DepthLevels)
	assert.Equal(t, "collector-1", got.Publisher)
	assert.Equal(t, "1.0.0", got.Version)

	_, err = time.Parse(time.RFC3339Nano, got.StandardizedAt)
	require.NoError(t, err)
}

func TestBookPayloadOptionalFields(t *testing.T) {
	t.Parallel()

	view := sampleView(t)
	data, err := json.Marshal(NewBookPayload(view, "collector-1"))
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "checksum")
	assert.NotContains(t, fields, "first_update_id")
	assert.NotContains(t, fields, "prev_update_id")
	assert.NotContains(t, fields, "event_time")

	cs := int32(-1771072819)
	view.Checksum = &cs
	view.FirstUpdateID = 1027000
	view.PrevUpdateID = 1026999
	view.UpdateType = connector.UpdateDelta

	data, err = json.Marshal(NewBookPayload(view, "collector-1"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "checksum")
	assert.Contains(t, fields, "first_update_id")
	assert.Contains(t, fields, "prev_update_id")
	assert.JSONEq(t, "-1771072819", string(fields["checksum"]))
}

func TestBookPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NewBookPayload(sampleView(t), "collector-1"))
	require.NoError(t, err)

	var rt BookPayload
	require.NoError(t, json.Unmarshal(data, &rt))
	require.NotNil(t, rt.BookView)
	assert.Equal(t, "BTC-USDT", rt.Symbol)
	assert.Equal(t, "collector-1", rt.Publisher)
	assert.Equal(t, StandardizationVersion, rt.StandardizationVersion)
	require.Len(t, rt.Bids, 1)
	assert.True(t, rt.Bids[0].Price.Equal(decimal.RequireFromString("30000.10")))
	assert.True(t, rt.Bids[0].Quantity.Equal(decimal.RequireFromString("1.5")))
}

func TestTradePayloadMarshal(t *testing.T) {
	t.Parallel()

	trade := &connector.Trade{
		Exchange:   connector.BinanceSpot,
		MarketType: connector.MarketSpot,
		Symbol:     "BTC-USDT",
		TradeID:    "88412",
		Price:      decimal.RequireFromString("30000.25"),
		Quantity:   decimal.RequireFromString("0.004"),
		Side:       "buy",
		Timestamp:  1756100000456,
	}
	data, err := json.Marshal(NewTradePayload(trade, "collector-1"))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "binance_spot", got["exchange_name"])
	assert.Equal(t, "88412", got["trade_id"])
	assert.Equal(t, "buy", got["side"])
	assert.Equal(t, "collector-1", got["publisher"])
	assert.Equal(t, "1.0.0", got["standardization_version"])
}

func TestMatchSubject(t *testing.T) {
	t.Parallel()

	patterns := []string{"orderbook-data.>", "trade-data.>"}
	assert.True(t, matchSubject(patterns, "orderbook-data.binance_spot.spot.BTC-USDT"))
	assert.True(t, matchSubject(patterns, "trade-data.okx_spot.spot.ETH-USDT"))
	assert.False(t, matchSubject(patterns, "funding-rate.okx_derivatives.perpetual.BTC-USDT"))
	assert.False(t, matchSubject(patterns, "orderbook-data"))

	exact := []string{"funding-rate.okx_derivatives.perpetual.BTC-USDT"}
	assert.True(t, matchSubject(exact, "funding-rate.okx_derivatives.perpetual.BTC-USDT"))
	assert.False(t, matchSubject(exact, "funding-rate.okx_derivatives.perpetual.ETH-USDT"))

	assert.False(t, matchSubject(nil, "orderbook-data.binance_spot.spot.BTC-USDT"))
}

func TestPublisherConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, "depthfeed-collector", cfg.ClientName)
	assert.Equal(t, 4096, cfg.QueueSize)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)

	custom := Config{ClientName: "c", QueueSize: 16, Workers: 5}.withDefaults()
	assert.Equal(t, "c", custom.ClientName)
	assert.Equal(t, 16, custom.QueueSize)
	assert.Equal(t, 5, custom.Workers)
}

func TestStreamSpecDefaults(t *testing.T) {
	t.Parallel()

	spec := StreamSpec{Name: "md-orderbook", Subjects: []string{"orderbook-data.>"}}.withDefaults()
	assert.Equal(t, int64(5_000_000), spec.MaxMsgs)
	assert.Equal(t, int64(2<<30), spec.MaxBytes)
	assert.Equal(t, 48*time.Hour, spec.MaxAge)
	assert.Equal(t, 2*time.Minute, spec.DuplicateWindow)

	spec = StreamSpec{MaxMsgs: 100, MaxAge: time.Hour}.withDefaults()
	assert.Equal(t, int64(100), spec.MaxMsgs)
	assert.Equal(t, time.Hour, spec.MaxAge)
}

func TestEnqueueDropsNewWhenFull(t *testing.T) {
	t.Parallel()

	p := &NATSPublisher{
		cfg:   Config{}.withDefaults(),
		queue: make(chan pubMessage, 2),
	}
	for i := 0; i < 4; i++ {
		p.enqueue(pubMessage{
			kind:    KindOrderbook,
			symbol:  fmt.Sprintf("SYM-%d", i),
			subject: "orderbook-data.binance_spot.spot.BTC-USDT",
		})
	}

	require.Len(t, p.queue, 2)
	first := <-p.queue
	second := <-p.queue
	assert.Equal(t, "SYM-0", first.symbol)
	assert.Equal(t, "SYM-1", second.symbol)
}

func TestPublishBookEnqueues(t *testing.T) {
	t.Parallel()

	p := &NATSPublisher{
		cfg:   Config{ClientName: "collector-1"}.withDefaults(),
		queue: make(chan pubMessage, 4),
	}
	p.PublishBook(sampleView(t))

	require.Len(t, p.queue, 1)
	m := <-p.queue
	assert.Equal(t, KindOrderbook, m.kind)
	assert.Equal(t, "orderbook-data.binance_spot.spot.BTC-USDT", m.subject)
	assert.Equal(t, "binance_spot", m.exchange)
	assert.Equal(t, "spot", m.marketType)
	assert.Equal(t, "BTC-USDT", m.symbol)

	payload, ok := m.payload.(*BookPayload)
	require.True(t, ok)
	assert.Equal(t, "collector-1", payload.Publisher)
	assert.Equal(t, StandardizationVersion, payload.StandardizationVersion)
}
