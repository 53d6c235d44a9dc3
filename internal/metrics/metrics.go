package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market data collector
var (
	// Orderbook metrics
	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_book_updates_total",
			Help: "Depth updates processed, by validation verdict",
		},
		[]string{"exchange", "symbol", "verdict"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_book_depth",
			Help: "Current orderbook depth (number of levels)",
		},
		[]string{"exchange", "symbol", "side"},
	)

	BookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_book_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	BookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_book_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	BookSynced = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_book_synced",
			Help: "Sync state per symbol (1=running, 0=syncing)",
		},
		[]string{"exchange", "market_type", "symbol"},
	)

	// Sync metrics
	SequenceGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_sequence_gaps_total",
			Help: "Sequence validation failures",
		},
		[]string{"exchange", "symbol"},
	)

	ChecksumMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_checksum_mismatches_total",
			Help: "Orderbook checksum verification failures",
		},
		[]string{"exchange", "symbol"},
	)

	MaintenanceResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_maintenance_resets_total",
			Help: "Sequence baseline resets after exchange maintenance",
		},
		[]string{"exchange", "symbol"},
	)

	Resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_resyncs_total",
			Help: "Orderbook resyncs, by cause",
		},
		[]string{"exchange", "symbol", "cause"},
	)

	ReconcileDivergences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconcile_divergences_total",
			Help: "Periodic snapshot cross-checks that found a diverged book",
		},
		[]string{"exchange", "symbol"},
	)

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_worker_restarts_total",
			Help: "Symbol workers restarted after a panic",
		},
		[]string{"exchange", "symbol"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_worker_queue_depth",
			Help: "Pending updates in the symbol worker queue",
		},
		[]string{"exchange", "symbol"},
	)

	QueueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_queue_drops_total",
			Help: "Updates dropped before processing, by cause",
		},
		[]string{"exchange", "symbol", "cause"},
	)

	// Snapshot metrics
	SnapshotFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_snapshot_fetch_duration_seconds",
			Help:    "Time to fetch a depth snapshot",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"exchange", "outcome"},
	)

	SnapshotAlignment = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_snapshot_alignment_total",
			Help: "Snapshots that did not line up with the buffered stream",
		},
		[]string{"exchange", "result"},
	)

	SnapshotBans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_snapshot_bans_total",
			Help: "IP bans reported by snapshot endpoints",
		},
		[]string{"exchange"},
	)

	SnapshotBannedUntil = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_snapshot_banned_until_seconds",
			Help: "Unix time the current snapshot ban expires, 0 when unbanned",
		},
		[]string{"exchange"},
	)

	SnapshotRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_snapshot_rate_limited_total",
			Help: "HTTP 429 responses from snapshot endpoints",
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_feed_errors_total",
			Help: "Errors surfaced by exchange feeds",
		},
		[]string{"exchange"},
	)

	// Publish metrics
	PublishedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_published_messages_total",
			Help: "Messages handed to NATS, by mode and outcome",
		},
		[]string{"kind", "mode", "outcome"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_publish_duration_seconds",
			Help:    "Time to publish one message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"mode"},
	)

	PublishQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "md_publish_queue_depth",
			Help: "Messages waiting in the publisher queue",
		},
	)

	CachePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_cache_publish_errors_total",
			Help: "Failures writing the latest-book cache",
		},
		[]string{"exchange"},
	)

	// Trade metrics
	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_trades_total",
			Help: "Total number of trades received",
		},
		[]string{"exchange", "symbol", "side"},
	)

	// Funding rate metrics
	FundingRateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_funding_rate_updates_total",
			Help: "Total number of funding rate updates",
		},
		[]string{"exchange"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordBookUpdate counts one processed depth update
func RecordBookUpdate(exchange, symbol, verdict string) {
	BookUpdates.WithLabelValues(exchange, symbol, verdict).Inc()
}

// RecordBookTop records depth and best quotes for a published book
func RecordBookTop(exchange, symbol string, bidDepth, askDepth int, bestBid, bestAsk float64) {
	BookDepth.WithLabelValues(exchange, symbol, "bid").Set(float64(bidDepth))
	BookDepth.WithLabelValues(exchange, symbol, "ask").Set(float64(askDepth))
	if bestBid > 0 {
		BookBestBid.WithLabelValues(exchange, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		BookBestAsk.WithLabelValues(exchange, symbol).Set(bestAsk)
	}
}

// SetSynced records a symbol entering or leaving the running state
func SetSynced(exchange, marketType, symbol string, synced bool) {
	v := 0.0
	if synced {
		v = 1.0
	}
	BookSynced.WithLabelValues(exchange, marketType, symbol).Set(v)
}

// RecordSequenceGap counts one failed sequence validation
func RecordSequenceGap(exchange, symbol string) {
	SequenceGaps.WithLabelValues(exchange, symbol).Inc()
}

// RecordChecksumMismatch counts one failed checksum verification
func RecordChecksumMismatch(exchange, symbol string) {
	ChecksumMismatches.WithLabelValues(exchange, symbol).Inc()
}

// RecordMaintenanceReset counts one accepted sequence baseline reset
func RecordMaintenanceReset(exchange, symbol string) {
	MaintenanceResets.WithLabelValues(exchange, symbol).Inc()
}

// RecordResync counts one orderbook rebuild
func RecordResync(exchange, symbol, cause string) {
	Resyncs.WithLabelValues(exchange, symbol, cause).Inc()
}

// RecordReconcileDivergence counts one diverged cross-check
func RecordReconcileDivergence(exchange, symbol string) {
	ReconcileDivergences.WithLabelValues(exchange, symbol).Inc()
}

// RecordWorkerRestart counts one post-panic worker restart
func RecordWorkerRestart(exchange, symbol string) {
	WorkerRestarts.WithLabelValues(exchange, symbol).Inc()
}

// SetQueueDepth records the current worker queue depth
func SetQueueDepth(exchange, symbol string, depth int) {
	QueueDepth.WithLabelValues(exchange, symbol).Set(float64(depth))
}

// RecordQueueDrop counts one dropped update
func RecordQueueDrop(exchange, symbol, cause string) {
	QueueDrops.WithLabelValues(exchange, symbol, cause).Inc()
}

// ObserveSnapshotFetch records one snapshot fetch attempt
func ObserveSnapshotFetch(exchange string, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	SnapshotFetchDuration.WithLabelValues(exchange, outcome).Observe(d.Seconds())
}

// RecordSnapshotOutcome counts a snapshot that missed the buffer window
func RecordSnapshotOutcome(exchange, result string) {
	SnapshotAlignment.WithLabelValues(exchange, result).Inc()
}

// RecordBan records an IP ban and its expiry
func RecordBan(exchange string, until time.Time) {
	SnapshotBans.WithLabelValues(exchange).Inc()
	SnapshotBannedUntil.WithLabelValues(exchange).Set(float64(until.Unix()))
}

// ClearBan resets the ban expiry gauge
func ClearBan(exchange string) {
	SnapshotBannedUntil.WithLabelValues(exchange).Set(0)
}

// RecordRateLimited counts one 429 response
func RecordRateLimited(exchange string) {
	SnapshotRateLimited.WithLabelValues(exchange).Inc()
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordFeedError counts an error surfaced by a feed
func RecordFeedError(exchange string) {
	FeedErrors.WithLabelValues(exchange).Inc()
}

// RecordPublish counts one publish attempt
func RecordPublish(kind, mode, outcome string) {
	PublishedMessages.WithLabelValues(kind, mode, outcome).Inc()
}

// SetPublishQueueDepth records the publisher backlog
func SetPublishQueueDepth(depth int) {
	PublishQueueDepth.Set(float64(depth))
}

// RecordCachePublishError counts one failed cache write
func RecordCachePublishError(exchange string) {
	CachePublishErrors.WithLabelValues(exchange).Inc()
}

// RecordTrade records metrics for a trade
func RecordTrade(exchange, symbol, side string) {
	TradeCount.WithLabelValues(exchange, symbol, side).Inc()
}

// RecordFundingRate records a funding rate update
func RecordFundingRate(exchange string) {
	FundingRateUpdates.WithLabelValues(exchange).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
