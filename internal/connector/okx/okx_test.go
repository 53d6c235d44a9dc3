package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/ratelimit"
)

func testGate(exchange connector.Exchange) *ratelimit.SnapshotGate {
	return ratelimit.NewSnapshotGate(ratelimit.Config{
		Exchange:          exchange,
		RequestsPerMinute: 600000,
		Burst:             1000,
		WeightBudget:      1 << 20,
		SymbolSpacing:     time.Millisecond,
	})
}

func testRestClient(t *testing.T, exchange connector.Exchange, baseURL string) *RestClient {
	t.Helper()
	c, err := NewRestClient(connector.FeedConfig{Exchange: exchange}, testGate(exchange))
	require.NoError(t, err)
	c.SetBaseURL(baseURL)
	return c
}

func TestTimestampUnmarshal(t *testing.T) {
	t.Parallel()

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"1700000000123"`), &ts))
	assert.Equal(t, Timestamp(1700000000123), ts)
	assert.Equal(t, time.UnixMilli(1700000000123), ts.Time())

	require.NoError(t, json.Unmarshal([]byte(`1700000000456`), &ts))
	assert.Equal(t, Timestamp(1700000000456), ts)

	require.NoError(t, json.Unmarshal([]byte(`""`), &ts))
	assert.Equal(t, Timestamp(0), ts)
}

func TestOrderBookLevelUnmarshal(t *testing.T) {
	t.Parallel()

	var lv OrderBookLevel
	require.NoError(t, json.Unmarshal([]byte(`["30000.1","2.5","0","4"]`), &lv))
	assert.Equal(t, "30000.1", lv.Price)
	assert.Equal(t, "2.5", lv.Size)
	assert.Equal(t, "4", lv.OrderCount)

	// REST books-full rows carry only price and size
	require.NoError(t, json.Unmarshal([]byte(`["30000.1","2.5"]`), &lv))
	assert.Equal(t, "30000.1", lv.Price)

	out, err := json.Marshal(OrderBookLevel{Price: "1", Size: "2", Deprecated: "0", OrderCount: "3"})
	require.NoError(t, err)
	assert.JSONEq(t, `["1","2","0","3"]`, string(out))
}

func TestBookDataToUpdate(t *testing.T) {
	t.Parallel()

	receivedAt := time.Now()
	data := &WSBookData{
		Bids:      []OrderBookLevel{{Price: "30000.1", Size: "2.5"}, {Price: "29999.9", Size: "0"}},
		Asks:      []OrderBookLevel{{Price: "30000.2", Size: "1.0"}},
		Ts:        Timestamp(1700000000123),
		Checksum:  -855196043,
		SeqID:     200,
		PrevSeqID: 150,
	}

	u, err := bookDataToUpdate(connector.OKXDerivatives, connector.MarketPerpetual, "BTC-USDT-SWAP", "update", data, receivedAt)
	require.NoError(t, err)

	assert.Equal(t, connector.OKXDerivatives, u.Exchange)
	assert.Equal(t, "BTC-USDT", u.Symbol)
	assert.Equal(t, "BTC-USDT-SWAP", u.Native)
	assert.Equal(t, connector.UpdateDelta, u.Action)
	assert.Equal(t, int64(200), u.SeqID)
	assert.Equal(t, int64(150), u.PrevSeqID)
	assert.Equal(t, int32(-855196043), u.Checksum)
	assert.True(t, u.HasChecksum)
	assert.Equal(t, receivedAt, u.ReceivedAt)
	assert.Equal(t, time.UnixMilli(1700000000123), u.EventTime)

	// Zero size rows are deletions and survive conversion with raw strings
	require.Len(t, u.Bids, 2)
	assert.True(t, u.Bids[1].Quantity.IsZero())
	assert.Equal(t, "29999.9", u.Bids[1].PriceRaw)

	snap, err := bookDataToUpdate(connector.OKXSpot, connector.MarketSpot, "BTC-USDT", "snapshot", data, receivedAt)
	require.NoError(t, err)
	assert.Equal(t, connector.UpdateSnapshot, snap.Action)
}

func TestSubscribeArgs(t *testing.T) {
	t.Parallel()

	f, err := New(connector.FeedConfig{
		Exchange:  connector.OKXDerivatives,
		Symbols:   []string{"BTC-USDT"},
		DataTypes: []connector.DataType{connector.DataOrderbook, connector.DataTrade, connector.DataFundingRate},
	}, testGate(connector.OKXDerivatives))
	require.NoError(t, err)

	args := f.subscribeArgs([]string{"BTC-USDT"})
	require.Len(t, args, 3)
	assert.Equal(t, WSSubscribeArg{Channel: ChannelBooks, InstID: "BTC-USDT-SWAP"}, args[0])
	assert.Equal(t, WSSubscribeArg{Channel: ChannelTrades, InstID: "BTC-USDT-SWAP"}, args[1])
	assert.Equal(t, WSSubscribeArg{Channel: ChannelFundingRate, InstID: "BTC-USDT-SWAP"}, args[2])

	spot, err := New(connector.FeedConfig{
		Exchange:  connector.OKXSpot,
		Symbols:   []string{"BTC-USDT"},
		DataTypes: []connector.DataType{connector.DataOrderbook, connector.DataFundingRate},
	}, testGate(connector.OKXSpot))
	require.NoError(t, err)

	// Spot has no funding rates
	args = spot.subscribeArgs([]string{"BTC-USDT"})
	require.Len(t, args, 1)
	assert.Equal(t, WSSubscribeArg{Channel: ChannelBooks, InstID: "BTC-USDT"}, args[0])
}

func TestBooksPathSelection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, booksPath, BooksPath(400))
	assert.Equal(t, booksFullPath, BooksPath(401))
	assert.Equal(t, 400, ClampDepth(0))
	assert.Equal(t, 5000, ClampDepth(9999))
	assert.Equal(t, 50, ClampDepth(50))
}

func TestFetchBooks(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"asks":[["30000.2","1.0","0","2"]],"bids":[["30000.1","2.5","0","1"]],"ts":"1700000000123"}]}`)
	}))
	defer srv.Close()

	c := testRestClient(t, connector.OKXSpot, srv.URL)

	book, err := c.FetchBooks(context.Background(), "BTC-USDT", 400)
	require.NoError(t, err)
	assert.Equal(t, "/api/v5/market/books", gotPath)
	assert.Equal(t, "instId=BTC-USDT&sz=400", gotQuery)
	assert.Equal(t, Timestamp(1700000000123), book.Ts)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "30000.1", book.Bids[0].Price)
}

func TestFetchBooksFullEndpoint(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"asks":[],"bids":[],"ts":"1700000000123"}]}`)
	}))
	defer srv.Close()

	c := testRestClient(t, connector.OKXSpot, srv.URL)

	_, err := c.FetchBooks(context.Background(), "BTC-USDT", 5000)
	require.NoError(t, err)
	assert.Equal(t, "/api/v5/market/books-full", gotPath)
}

func TestFetchBooksAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"50011","msg":"Too Many Requests","data":[]}`)
	}))
	defer srv.Close()

	c := testRestClient(t, connector.OKXSpot, srv.URL)

	_, err := c.FetchBooks(context.Background(), "BTC-USDT", 400)
	var fe *connector.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, connector.FetchRateLimited, fe.Kind)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "50011", apiErr.Code)
}

func TestSnapshotFromOrderBook(t *testing.T) {
	t.Parallel()

	book := &OrderBook{
		Bids: []OrderBookLevel{{Price: "30000.1", Size: "2.5"}},
		Asks: []OrderBookLevel{{Price: "30000.2", Size: "1.0"}},
		Ts:   Timestamp(1700000000123),
	}
	snap, err := snapshotFromOrderBook(connector.OKXDerivatives, connector.MarketPerpetual, "BTC-USDT", "BTC-USDT-SWAP", book)
	require.NoError(t, err)

	// REST books carry no seqId; the exchange timestamp stands in
	assert.Equal(t, int64(1700000000123), snap.LastUpdateID)
	assert.Equal(t, "BTC-USDT", snap.Symbol)
	assert.Equal(t, "BTC-USDT-SWAP", snap.Native)
	assert.Equal(t, "rest", snap.Source)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "1.0", snap.Asks[0].QuantityRaw)
}

func TestDepthRequestID(t *testing.T) {
	t.Parallel()

	id := depthRequestID(connector.OKXDerivatives, "BTC-USDT-SWAP")
	assert.LessOrEqual(t, len(id), 32)
	assert.True(t, strings.HasPrefix(id, "okxderivativesBTCUSDTSWA"), "id %q should embed the tuple", id)
	for _, r := range id {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
		require.True(t, ok, "id %q must stay alphanumeric", id)
	}

	// UUID fragment keeps two requests for the same instrument apart
	assert.NotEqual(t, id, depthRequestID(connector.OKXDerivatives, "BTC-USDT-SWAP"))
}

func TestDepthRequestDemux(t *testing.T) {
	t.Parallel()

	stream := NewMarketDataStream(connector.FeedConfig{Exchange: connector.OKXDerivatives}, MarketDataHandler{})

	ch, err := stream.addDepthWaiter("req1", "BTC-USDT-SWAP")
	require.NoError(t, err)

	// One in-flight request per instrument
	_, err = stream.addDepthWaiter("req2", "BTC-USDT-SWAP")
	require.Error(t, err)

	// A snapshot for another instrument leaves the waiter pending
	stream.handleMessage([]byte(`{"arg":{"channel":"books","instId":"ETH-USDT-SWAP"},"action":"snapshot","data":[{"asks":[],"bids":[],"ts":"1700000000123","seqId":7}]}`))
	assert.Empty(t, ch)

	stream.handleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot","data":[{"asks":[["30000.2","1","0","1"]],"bids":[["30000.1","2","0","1"]],"ts":"1700000000123","checksum":-855196043,"seqId":100}]}`))

	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, int64(100), res.data.SeqID)
	require.Len(t, res.data.Bids, 1)
	assert.Equal(t, "30000.1", res.data.Bids[0].Price)

	stream.removeDepthWaiter("req1", "BTC-USDT-SWAP")

	// With the waiter gone further snapshots are dropped without blocking
	stream.handleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot","data":[{"asks":[],"bids":[],"ts":"1700000000123","seqId":101}]}`))
}

func TestDepthRequestFailedByErrorAck(t *testing.T) {
	t.Parallel()

	var emitted []error
	stream := NewMarketDataStream(connector.FeedConfig{Exchange: connector.OKXSpot}, MarketDataHandler{
		OnError: func(err error) { emitted = append(emitted, err) },
	})

	ch, err := stream.addDepthWaiter("req1", "BTC-USDT")
	require.NoError(t, err)

	stream.handleMessage([]byte(`{"id":"req1","event":"error","code":"60018","msg":"instrument unavailable"}`))

	res := <-ch
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "60018")
	assert.NotEmpty(t, emitted)

	// Error acks for unknown ids touch nothing
	stream.handleMessage([]byte(`{"id":"other","event":"error","code":"60018","msg":"instrument unavailable"}`))
}

func TestRequestBookSnapshotNotConnected(t *testing.T) {
	t.Parallel()

	stream := NewMarketDataStream(connector.FeedConfig{Exchange: connector.OKXSpot}, MarketDataHandler{})
	_, err := stream.RequestBookSnapshot(context.Background(), "BTC-USDT")
	require.Error(t, err)
}

func TestHandleMessageRouting(t *testing.T) {
	t.Parallel()

	var books []*WSBookData
	var actions []string
	var trades []*WSTradeData
	var rates []*WSFundingRateData

	stream := NewMarketDataStream(connector.FeedConfig{Exchange: connector.OKXDerivatives}, MarketDataHandler{
		OnBook: func(arg WSChannelArg, action string, data *WSBookData, _ time.Time) {
			books = append(books, data)
			actions = append(actions, action)
		},
		OnTrade:       func(data *WSTradeData) { trades = append(trades, data) },
		OnFundingRate: func(data *WSFundingRateData) { rates = append(rates, data) },
	})

	stream.handleMessage([]byte(`pong`))
	stream.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT-SWAP"}}`))
	stream.handleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot","data":[{"asks":[["30000.2","1","0","1"]],"bids":[["30000.1","2","0","1"]],"ts":"1700000000123","checksum":-855196043,"seqId":100}]}`))
	stream.handleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update","data":[{"asks":[],"bids":[["30000.1","0","0","0"]],"ts":"1700000000223","checksum":12345,"seqId":150,"prevSeqId":100}]}`))
	stream.handleMessage([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","tradeId":"42","px":"30000.1","sz":"0.5","side":"buy","ts":"1700000000123"}]}`))
	stream.handleMessage([]byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001","fundingTime":"1700000000123"}]}`))

	require.Len(t, books, 2)
	assert.Equal(t, []string{"snapshot", "update"}, actions)
	assert.Equal(t, int64(100), books[0].SeqID)
	assert.Equal(t, int32(-855196043), books[0].Checksum)
	assert.Equal(t, int64(150), books[1].SeqID)
	assert.Equal(t, int64(100), books[1].PrevSeqID)

	require.Len(t, trades, 1)
	assert.Equal(t, "42", trades[0].TradeID)

	require.Len(t, rates, 1)
	assert.Equal(t, "0.0001", rates[0].FundingRate)
}
