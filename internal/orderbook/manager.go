package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
)

// BookPublisher delivers views downstream. Implementations must not
// block: the manager calls this on the symbol worker's hot path.
type BookPublisher interface {
	PublishBook(view *connector.BookView)
}

// Config tunes the per-symbol machinery
type Config struct {
	SnapshotDepth int
	PublishDepth  int
	BufferLimit   int
	QueueSize     int

	CacheDelay    time.Duration // stream warm-up before the first snapshot
	SnapshotGrace time.Duration // too-old retry window, and OKX snapshot wait
	FetchTimeout  time.Duration

	ResyncBaseDelay   time.Duration
	ResyncMaxDelay    time.Duration
	SeqErrorThreshold int

	SnapshotInterval time.Duration // periodic reconciliation; 0 disables

	// Admission control: incoming updates older than a threshold
	// interpolated between these bounds (by queue depth) are dropped.
	StaleDropMin time.Duration
	StaleDropMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotDepth <= 0 {
		c.SnapshotDepth = 1000
	}
	if c.PublishDepth <= 0 {
		c.PublishDepth = 400
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = DefaultBufferLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.CacheDelay <= 0 {
		c.CacheDelay = 2 * time.Second
	}
	if c.SnapshotGrace <= 0 {
		c.SnapshotGrace = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 45 * time.Second
	}
	if c.ResyncBaseDelay <= 0 {
		c.ResyncBaseDelay = 10 * time.Second
	}
	if c.ResyncMaxDelay <= 0 {
		c.ResyncMaxDelay = 120 * time.Second
	}
	if c.SeqErrorThreshold <= 0 {
		c.SeqErrorThreshold = 3
	}
	if c.StaleDropMin <= 0 {
		c.StaleDropMin = 500 * time.Millisecond
	}
	if c.StaleDropMax <= 0 {
		c.StaleDropMax = 2 * time.Second
	}
	return c
}

// Manager owns one symbol worker per configured stream and routes
// every depth update to its worker. It is the only component that
// touches book state, always from the owning worker goroutine.
type Manager struct {
	feed connector.Feed
	pub  BookPublisher
	cfg  Config

	validator Validator

	mu      sync.RWMutex
	workers map[connector.StreamKey]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

// NewManager builds a manager for one feed. The publisher may be nil
// in tests.
func NewManager(feed connector.Feed, pub BookPublisher, cfg Config) (*Manager, error) {
	validator := ValidatorFor(feed.Exchange())
	if validator == nil {
		return nil, fmt.Errorf("no sequence validator for exchange %q", feed.Exchange())
	}
	return &Manager{
		feed:      feed,
		pub:       pub,
		cfg:       cfg.withDefaults(),
		validator: validator,
		workers:   make(map[connector.StreamKey]*worker),
	}, nil
}

// Start spawns the workers, wires the feed handlers and connects the
// stream. Symbols come from the feed's configuration.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	if m.started {
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, symbol := range symbols {
		key := connector.StreamKey{
			Exchange:   m.feed.Exchange(),
			MarketType: m.feed.Market(),
			Symbol:     symbol,
		}
		w := newWorker(m, key)
		m.workers[key] = w
		m.wg.Add(1)
		go w.loop(m.ctx)
	}

	m.feed.SetDepthHandler(m.dispatch)
	m.feed.SetResubscribeHandler(m.onResubscribed)
	m.feed.SetErrorHandler(func(err error) {
		metrics.RecordFeedError(string(m.feed.Exchange()))
		log.Warn().Err(err).Str("exchange", string(m.feed.Exchange())).Msg("feed error")
	})

	if err := m.feed.Connect(m.ctx); err != nil {
		m.cancel()
		return fmt.Errorf("connect %s: %w", m.feed.Exchange(), err)
	}

	log.Info().
		Str("exchange", string(m.feed.Exchange())).
		Str("market", string(m.feed.Market())).
		Int("symbols", len(symbols)).
		Msg("orderbook manager started")
	return nil
}

// Stop cancels the workers and closes the feed. Safe to call once.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if err := m.feed.Close(); err != nil {
		log.Warn().Err(err).Str("exchange", string(m.feed.Exchange())).Msg("feed close")
	}
	m.wg.Wait()
	log.Info().Str("exchange", string(m.feed.Exchange())).Msg("orderbook manager stopped")
}

// dispatch routes one update to its symbol worker. Called from the
// feed's read goroutine; admission control happens in enqueue.
func (m *Manager) dispatch(u *connector.DepthUpdate) {
	m.mu.RLock()
	w := m.workers[u.Key()]
	m.mu.RUnlock()
	if w == nil {
		metrics.RecordQueueDrop(string(u.Exchange), u.Symbol, "unknown_symbol")
		log.Warn().Str("exchange", string(u.Exchange)).Str("symbol", u.Symbol).Msg("update for unknown symbol dropped")
		return
	}
	w.enqueue(u)
}

// onResubscribed forces a resync of every symbol on the connection:
// after a reconnect the stream has holes the validators cannot see.
func (m *Manager) onResubscribed() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		w.signal(signalResync, "reconnect", "connection re-established, stream continuity lost")
	}
}

// ResyncAll asks every worker to rebuild, for operational use
func (m *Manager) ResyncAll(reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		w.signal(signalResync, "requested", reason)
	}
}

// StateInfo is a copied view of one symbol's state for inspection
type StateInfo struct {
	Key                  connector.StreamKey
	Phase                Phase
	IsSynced             bool
	SyncInProgress       bool
	LastUpdateID         int64
	LastSeqID            int64
	RetryCount           int
	ErrorCount           int
	ConsecutiveSeqErrors int
	MaintenanceResets    int64
	BufferLen            int
	BookDepthBids        int
	BookDepthAsks        int
}

// Stats copies every worker's state under its lock
func (m *Manager) Stats() []StateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.stats())
	}
	return out
}

// SyncedCount reports how many symbols are in RUNNING state
func (m *Manager) SyncedCount() int {
	n := 0
	for _, info := range m.Stats() {
		if info.IsSynced {
			n++
		}
	}
	return n
}
