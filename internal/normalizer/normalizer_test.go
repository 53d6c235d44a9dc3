package normalizer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthfeed-collector/internal/connector"
)

func TestStandardizeSymbol(t *testing.T) {
	t.Parallel()

	cases := []struct {
		native string
		want   string
	}{
		{"BTCUSDT", "BTC-USDT"},
		{"ETHUSDT", "ETH-USDT"},
		{"btcusdt", "BTC-USDT"},
		{"SOLUSDC", "SOL-USDC"},
		{"BTCFDUSD", "BTC-FDUSD"},
		{"BTCUSD", "BTC-USD"},
		{"1000SHIBUSDT", "1000SHIB-USDT"},
		{"BTC-USDT", "BTC-USDT"},
		{"BTC-USDT-SWAP", "BTC-USDT"},
		{"ETH-USD-SWAP", "ETH-USD"},
		{"BTC-USDT-PERP", "BTC-USDT"},
		{"  ethusdt ", "ETH-USDT"},
		{"XYZ", "XYZ"},
		{"", ""},
	}

	for _, tc := range cases {
		t.Run(tc.native, func(t *testing.T) {
			assert.Equal(t, tc.want, StandardizeSymbol(tc.native))
		})
	}
}

func TestToBinanceSymbol(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BTCUSDT", ToBinanceSymbol("BTC-USDT"))
	assert.Equal(t, "ETHUSDT", ToBinanceSymbol("eth-usdt"))
}

func TestToOKXInstID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BTC-USDT", ToOKXInstID("BTC-USDT", connector.MarketSpot))
	assert.Equal(t, "BTC-USDT-SWAP", ToOKXInstID("btc-usdt", connector.MarketPerpetual))
}

func TestStandardizeRoundTrip(t *testing.T) {
	t.Parallel()

	natives := []string{
		ToBinanceSymbol("BTC-USDT"),
		ToOKXInstID("BTC-USDT", connector.MarketSpot),
		ToOKXInstID("BTC-USDT", connector.MarketPerpetual),
	}
	for _, native := range natives {
		assert.Equal(t, "BTC-USDT", StandardizeSymbol(native), "native %s", native)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lv, err := ParseLevel("30000.10", "1.500")
	require.NoError(t, err)
	assert.Equal(t, "30000.10", lv.PriceRaw)
	assert.Equal(t, "1.500", lv.QuantityRaw)
	assert.True(t, lv.Price.Equal(decimal.RequireFromString("30000.1")))
	assert.True(t, lv.Quantity.Equal(decimal.RequireFromString("1.5")))

	// zero quantity encodes a delete and must parse
	lv, err = ParseLevel("30000.1", "0")
	require.NoError(t, err)
	assert.True(t, lv.Quantity.IsZero())

	_, err = ParseLevel("0", "1")
	require.Error(t, err)

	_, err = ParseLevel("-5", "1")
	require.Error(t, err)

	_, err = ParseLevel("30000.1", "-1")
	require.Error(t, err)

	_, err = ParseLevel("abc", "1")
	require.Error(t, err)
}

func TestParseLevels(t *testing.T) {
	t.Parallel()

	levels, err := ParseLevels([][]string{
		{"30000.1", "1.5"},
		{"30000.0", "2.0", "0", "4"}, // OKX rows carry two extra fields
	})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "30000.1", levels[0].PriceRaw)
	assert.Equal(t, "2.0", levels[1].QuantityRaw)

	_, err = ParseLevels([][]string{{"30000.1"}})
	require.Error(t, err)
}

func TestNormalizeSide(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "buy", NormalizeSide("BUY"))
	assert.Equal(t, "buy", NormalizeSide("b"))
	assert.Equal(t, "sell", NormalizeSide("Sell"))
	assert.Equal(t, "sell", NormalizeSide("ask"))
}
