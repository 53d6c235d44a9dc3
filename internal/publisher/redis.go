package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"depthfeed-collector/internal/metrics"
)

// BookCache mirrors the latest published view of every book into
// Redis so ops tooling and late joiners can read current state
// without replaying the stream. Keys expire on their own, so a
// collector outage leaves no stale books behind.
type BookCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBookCache connects and verifies the target with a ping.
func NewBookCache(addr string, ttl time.Duration) (*BookCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Minute
	}
	log.Info().Str("addr", addr).Dur("ttl", ttl).Msg("book cache connected")
	return &BookCache{client: client, ttl: ttl}, nil
}

// Close releases the connection pool.
func (c *BookCache) Close() error {
	return c.client.Close()
}

// Store writes one serialized book view under
// orderbook:{exchange}:{market_type}:{symbol}. Failures are counted
// and logged but never propagated; the cache is best effort.
func (c *BookCache) Store(exchange, marketType, symbol string, data []byte) {
	key := fmt.Sprintf("orderbook:%s:%s:%s", exchange, marketType, symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		metrics.RecordCachePublishError(exchange)
		log.Debug().Err(err).Str("key", key).Msg("book cache write failed")
	}
}
