package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"depthfeed-collector/internal/config"
	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/connector/binance"
	"depthfeed-collector/internal/connector/okx"
	"depthfeed-collector/internal/metrics"
	"depthfeed-collector/internal/orderbook"
	"depthfeed-collector/internal/publisher"
	"depthfeed-collector/internal/ratelimit"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load("")
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(1)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("collector service failed")
		os.Exit(2)
	}
}

func run(cfg *config.Config) error {
	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			log.Warn().Err(err).Msg("metrics server stop")
		}
	}()

	var cache *publisher.BookCache
	if cfg.Cache.Enabled {
		var err error
		cache, err = publisher.NewBookCache(cfg.Cache.Addr, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	pub, err := publisher.NewNATSPublisher(natsConfig(cfg))
	if err != nil {
		return err
	}
	defer pub.Close()
	if cache != nil {
		pub.SetCache(cache)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managers := make([]*orderbook.Manager, 0, len(cfg.Collectors))
	for _, col := range cfg.Collectors {
		mgr, err := startCollector(ctx, col, pub)
		if err != nil {
			log.Error().Err(err).Str("exchange", col.Exchange).Msg("collector failed to start")
			continue
		}
		managers = append(managers, mgr)
	}
	if len(managers) == 0 {
		return fmt.Errorf("no collector started")
	}

	log.Info().
		Int("collectors", len(managers)).
		Str("metrics", cfg.MetricsAddr).
		Msg("collector service running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	for _, mgr := range managers {
		mgr.Stop()
	}
	return nil
}

// startCollector assembles the feed, rate-limit gate and book manager
// for one configured (exchange, market) entry.
func startCollector(ctx context.Context, col config.CollectorConfig, pub *publisher.NATSPublisher) (*orderbook.Manager, error) {
	ex, err := connector.ParseExchange(col.Exchange)
	if err != nil {
		return nil, err
	}

	gate := ratelimit.NewSnapshotGate(ratelimit.Config{
		Exchange:          ex,
		RequestsPerMinute: col.RateLimit.RequestsPerMinute,
		Burst:             col.RateLimit.Burst,
		Cooldown:          time.Duration(col.RateLimit.CooldownS) * time.Second,
	})

	feedCfg := connector.FeedConfig{
		Exchange:             ex,
		Symbols:              col.Symbols,
		DataTypes:            dataTypes(col.DataTypes),
		SnapshotDepth:        col.SnapshotDepth,
		StreamDepth:          col.WebsocketDepth,
		PingInterval:         col.PingInterval,
		PongTimeout:          col.PongTimeout,
		ReconnectDelay:       col.ReconnectDelay,
		MaxReconnectDelay:    col.MaxReconnectDelay,
		MaxReconnectAttempts: col.MaxReconnectAttempts,
		ProxyHTTP:            col.Proxy.HTTPURL,
		ProxyHTTPS:           col.Proxy.HTTPSURL,
		ProxySOCKS:           col.Proxy.SocksURL,
	}

	var feed connector.Feed
	switch ex {
	case connector.BinanceSpot, connector.BinanceDerivatives:
		feed, err = binance.New(feedCfg, gate)
	case connector.OKXSpot, connector.OKXDerivatives:
		feed, err = okx.New(feedCfg, gate)
	default:
		return nil, fmt.Errorf("no adapter for exchange %q", ex)
	}
	if err != nil {
		return nil, err
	}

	wireStraightThrough(feed, pub)

	mgr, err := orderbook.NewManager(feed, pub, orderbook.Config{
		SnapshotDepth:    col.SnapshotDepth,
		PublishDepth:     col.NATSPublishDepth,
		SnapshotInterval: time.Duration(col.SnapshotInterval) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.Start(ctx, col.Symbols); err != nil {
		return nil, err
	}
	return mgr, nil
}

// wireStraightThrough routes trades and funding rates directly to the
// publisher; they carry no cross-message state the book pipeline
// would add.
func wireStraightThrough(feed connector.Feed, pub *publisher.NATSPublisher) {
	ex := string(feed.Exchange())
	feed.SetTradeHandler(func(t *connector.Trade) {
		pub.PublishTrade(t)
		metrics.RecordTrade(ex, t.Symbol, t.Side)
	})
	feed.SetFundingHandler(func(fr *connector.FundingRate) {
		pub.PublishFunding(fr)
		metrics.RecordFundingRate(ex)
	})
}

func dataTypes(vals []string) []connector.DataType {
	out := make([]connector.DataType, 0, len(vals))
	for _, v := range vals {
		out = append(out, connector.DataType(v))
	}
	return out
}

func natsConfig(cfg *config.Config) publisher.Config {
	streams := make([]publisher.StreamSpec, 0, len(cfg.NATS.JetStream.Streams))
	for _, s := range cfg.NATS.JetStream.Streams {
		streams = append(streams, publisher.StreamSpec{
			Name:            s.Name,
			Subjects:        s.Subjects,
			MaxMsgs:         s.MaxMsgs,
			MaxBytes:        s.MaxBytes,
			MaxAge:          s.MaxAge,
			DuplicateWindow: s.DuplicateWindow,
		})
	}
	return publisher.Config{
		Servers:          cfg.NATS.Servers,
		ClientName:       cfg.NATS.ClientName,
		JetStreamEnabled: cfg.NATS.JetStream.Enabled,
		Streams:          streams,
	}
}
