// Package config loads the collector configuration from YAML and
// applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"depthfeed-collector/internal/connector"
)

// Config is the root configuration document
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
	NATS        NATSConfig        `yaml:"nats"`
	Cache       CacheConfig       `yaml:"cache"`
	Collectors  []CollectorConfig `yaml:"collectors"`
}

// NATSConfig selects the broker and optional JetStream persistence
type NATSConfig struct {
	Servers    []string        `yaml:"servers"`
	ClientName string          `yaml:"client_name"`
	JetStream  JetStreamConfig `yaml:"jetstream"`
}

type JetStreamConfig struct {
	Enabled bool           `yaml:"enabled"`
	Streams []StreamConfig `yaml:"streams"`
}

// StreamConfig declares one stream to provision at startup. Zero
// limits fall back to the publisher defaults.
type StreamConfig struct {
	Name            string        `yaml:"name"`
	Subjects        []string      `yaml:"subjects"`
	MaxMsgs         int64         `yaml:"max_msgs"`
	MaxBytes        int64         `yaml:"max_bytes"`
	MaxAge          time.Duration `yaml:"max_age"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// CacheConfig enables the optional Redis latest-book mirror
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// CollectorConfig describes one (exchange, market) collector
type CollectorConfig struct {
	Exchange         string   `yaml:"exchange"`
	Symbols          []string `yaml:"symbols"`
	DataTypes        []string `yaml:"data_types"`
	SnapshotDepth    int      `yaml:"snapshot_depth"`
	WebsocketDepth   int      `yaml:"websocket_depth"`
	NATSPublishDepth int      `yaml:"nats_publish_depth"`
	SnapshotInterval int      `yaml:"snapshot_interval"` // seconds; 0 disables reconciliation

	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Proxy     ProxyConfig     `yaml:"proxy"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
	CooldownS         int `yaml:"cooldown_s"`
}

type ProxyConfig struct {
	HTTPURL  string `yaml:"http_url"`
	HTTPSURL string `yaml:"https_url"`
	SocksURL string `yaml:"socks_url"`
}

// Load reads, overrides, defaults and validates the configuration.
// An empty path falls back to COLLECTOR_CONFIG, then config.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnv("COLLECTOR_CONFIG", "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document and finalizes it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.Servers = strings.Split(v, ",")
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Enabled = true
		c.Cache.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9100"
	}
	if len(c.NATS.Servers) == 0 {
		c.NATS.Servers = []string{"nats://127.0.0.1:4222"}
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = "depthfeed-collector"
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		c.Cache.TTL = time.Minute
	}

	for i := range c.Collectors {
		col := &c.Collectors[i]
		if len(col.DataTypes) == 0 {
			col.DataTypes = []string{string(connector.DataOrderbook)}
		}
		if col.SnapshotDepth <= 0 {
			col.SnapshotDepth = 1000
		}
		if col.WebsocketDepth <= 0 {
			col.WebsocketDepth = 1000
		}
		if col.NATSPublishDepth <= 0 {
			col.NATSPublishDepth = 400
		}
		if col.PingInterval <= 0 {
			col.PingInterval = 25 * time.Second
		}
		if col.PongTimeout <= 0 {
			col.PongTimeout = 10 * time.Second
		}
		if col.ReconnectDelay <= 0 {
			col.ReconnectDelay = time.Second
		}
		if col.MaxReconnectDelay <= 0 {
			col.MaxReconnectDelay = 300 * time.Second
		}
		if col.RateLimit.RequestsPerMinute <= 0 {
			col.RateLimit.RequestsPerMinute = 60
		}
		if col.RateLimit.Burst <= 0 {
			col.RateLimit.Burst = 5
		}
		if col.RateLimit.CooldownS <= 0 {
			col.RateLimit.CooldownS = 60
		}
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if len(c.Collectors) == 0 {
		return fmt.Errorf("no collectors configured")
	}

	if c.NATS.JetStream.Enabled {
		if len(c.NATS.JetStream.Streams) == 0 {
			return fmt.Errorf("jetstream enabled but no streams configured")
		}
		for _, s := range c.NATS.JetStream.Streams {
			if s.Name == "" {
				return fmt.Errorf("jetstream stream without a name")
			}
			if len(s.Subjects) == 0 {
				return fmt.Errorf("jetstream stream %s has no subjects", s.Name)
			}
		}
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache enabled but no addr configured")
	}

	for i, col := range c.Collectors {
		ex, err := connector.ParseExchange(col.Exchange)
		if err != nil {
			return fmt.Errorf("collector %d: %w", i, err)
		}
		if len(col.Symbols) == 0 {
			return fmt.Errorf("collector %d (%s): no symbols", i, col.Exchange)
		}
		for _, dt := range col.DataTypes {
			switch connector.DataType(dt) {
			case connector.DataOrderbook, connector.DataTrade:
			case connector.DataFundingRate:
				if ex.Market() != connector.MarketPerpetual {
					return fmt.Errorf("collector %d (%s): funding_rate requires a derivatives exchange", i, col.Exchange)
				}
			default:
				return fmt.Errorf("collector %d (%s): unknown data type %q", i, col.Exchange, dt)
			}
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
