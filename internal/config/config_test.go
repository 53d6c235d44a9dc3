package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullDoc = `
log_level: debug
metrics_addr: ":9200"

nats:
  servers: ["nats://10.0.0.1:4222", "nats://10.0.0.2:4222"]
  client_name: md-collector-1
  jetstream:
    enabled: true
    streams:
      - name: ORDERBOOK
        subjects: ["orderbook-data.>"]
        max_msgs: 5000000
        max_bytes: 2147483648
        max_age: 48h
        duplicate_window: 120s
      - name: TRADES
        subjects: ["trade-data.>"]

cache:
  enabled: true
  addr: 127.0.0.1:6379
  ttl: 90s

collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT, ETH-USDT]
    data_types: [orderbook, trade]
    snapshot_depth: 5000
    websocket_depth: 1000
    nats_publish_depth: 400
    snapshot_interval: 300
    ping_interval: 20s
    pong_timeout: 15s
    reconnect_delay: 2s
    max_reconnect_delay: 120s
    rate_limit:
      requests_per_minute: 100
      burst: 10
      cooldown_s: 120
    proxy:
      socks_url: socks5://127.0.0.1:1080
  - exchange: okx_derivatives
    symbols: [BTC-USDT]
    data_types: [orderbook, funding_rate]
`

const minimalDoc = `
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
`

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(fullDoc))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9200", cfg.MetricsAddr)
	assert.Equal(t, []string{"nats://10.0.0.1:4222", "nats://10.0.0.2:4222"}, cfg.NATS.Servers)
	assert.Equal(t, "md-collector-1", cfg.NATS.ClientName)

	require.True(t, cfg.NATS.JetStream.Enabled)
	require.Len(t, cfg.NATS.JetStream.Streams, 2)
	ob := cfg.NATS.JetStream.Streams[0]
	assert.Equal(t, "ORDERBOOK", ob.Name)
	assert.Equal(t, []string{"orderbook-data.>"}, ob.Subjects)
	assert.Equal(t, int64(5_000_000), ob.MaxMsgs)
	assert.Equal(t, int64(2147483648), ob.MaxBytes)
	assert.Equal(t, 48*time.Hour, ob.MaxAge)
	assert.Equal(t, 120*time.Second, ob.DuplicateWindow)
	assert.Zero(t, cfg.NATS.JetStream.Streams[1].MaxMsgs)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cache.Addr)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)

	require.Len(t, cfg.Collectors, 2)
	c0 := cfg.Collectors[0]
	assert.Equal(t, "binance_spot", c0.Exchange)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, c0.Symbols)
	assert.Equal(t, []string{"orderbook", "trade"}, c0.DataTypes)
	assert.Equal(t, 5000, c0.SnapshotDepth)
	assert.Equal(t, 300, c0.SnapshotInterval)
	assert.Equal(t, 20*time.Second, c0.PingInterval)
	assert.Equal(t, 15*time.Second, c0.PongTimeout)
	assert.Equal(t, 2*time.Second, c0.ReconnectDelay)
	assert.Equal(t, 100, c0.RateLimit.RequestsPerMinute)
	assert.Equal(t, 10, c0.RateLimit.Burst)
	assert.Equal(t, 120, c0.RateLimit.CooldownS)
	assert.Equal(t, "socks5://127.0.0.1:1080", c0.Proxy.SocksURL)

	c1 := cfg.Collectors[1]
	assert.Equal(t, "okx_derivatives", c1.Exchange)
	assert.Equal(t, []string{"orderbook", "funding_rate"}, c1.DataTypes)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.Servers)
	assert.Equal(t, "depthfeed-collector", cfg.NATS.ClientName)
	assert.False(t, cfg.NATS.JetStream.Enabled)
	assert.False(t, cfg.Cache.Enabled)

	require.Len(t, cfg.Collectors, 1)
	col := cfg.Collectors[0]
	assert.Equal(t, []string{"orderbook"}, col.DataTypes)
	assert.Equal(t, 1000, col.SnapshotDepth)
	assert.Equal(t, 1000, col.WebsocketDepth)
	assert.Equal(t, 400, col.NATSPublishDepth)
	assert.Zero(t, col.SnapshotInterval)
	assert.Equal(t, 25*time.Second, col.PingInterval)
	assert.Equal(t, 10*time.Second, col.PongTimeout)
	assert.Equal(t, time.Second, col.ReconnectDelay)
	assert.Equal(t, 300*time.Second, col.MaxReconnectDelay)
	assert.Zero(t, col.MaxReconnectAttempts)
	assert.Equal(t, 60, col.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5, col.RateLimit.Burst)
	assert.Equal(t, 60, col.RateLimit.CooldownS)
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "no collectors",
			doc:     `log_level: info`,
			wantErr: "no collectors configured",
		},
		{
			name: "bad log level",
			doc: `
log_level: verbose
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
`,
			wantErr: `invalid log_level "verbose"`,
		},
		{
			name: "unknown exchange",
			doc: `
collectors:
  - exchange: kraken_spot
    symbols: [BTC-USDT]
`,
			wantErr: `unknown exchange "kraken_spot"`,
		},
		{
			name: "no symbols",
			doc: `
collectors:
  - exchange: binance_spot
    symbols: []
`,
			wantErr: "no symbols",
		},
		{
			name: "funding on spot",
			doc: `
collectors:
  - exchange: okx_spot
    symbols: [BTC-USDT]
    data_types: [orderbook, funding_rate]
`,
			wantErr: "funding_rate requires a derivatives exchange",
		},
		{
			name: "unknown data type",
			doc: `
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
    data_types: [candles]
`,
			wantErr: `unknown data type "candles"`,
		},
		{
			name: "jetstream without streams",
			doc: `
nats:
  jetstream:
    enabled: true
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
`,
			wantErr: "jetstream enabled but no streams",
		},
		{
			name: "stream without subjects",
			doc: `
nats:
  jetstream:
    enabled: true
    streams:
      - name: ORDERBOOK
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
`,
			wantErr: "has no subjects",
		},
		{
			name: "cache without addr",
			doc: `
cache:
  enabled: true
collectors:
  - exchange: binance_spot
    symbols: [BTC-USDT]
`,
			wantErr: "cache enabled but no addr",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env-a:4222,nats://env-b:4222")
	t.Setenv("METRICS_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("REDIS_ADDR", "10.1.1.1:6379")

	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://env-a:4222", "nats://env-b:4222"}, cfg.NATS.Servers)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "10.1.1.1:6379", cfg.Cache.Addr)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Collectors, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalDoc), 0o644))
	t.Setenv("COLLECTOR_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.Collectors, 1)
}
