package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
)

// StreamSpec describes one JetStream stream provisioned at startup
type StreamSpec struct {
	Name            string
	Subjects        []string
	MaxMsgs         int64
	MaxBytes        int64
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

// Config tunes the NATS publisher
type Config struct {
	Servers    []string
	ClientName string

	JetStreamEnabled bool
	Streams          []StreamSpec

	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "depthfeed-collector"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	return c
}

func (s StreamSpec) withDefaults() StreamSpec {
	if s.MaxMsgs <= 0 {
		s.MaxMsgs = 5_000_000
	}
	if s.MaxBytes <= 0 {
		s.MaxBytes = 2 << 30
	}
	if s.MaxAge <= 0 {
		s.MaxAge = 48 * time.Hour
	}
	if s.DuplicateWindow <= 0 {
		s.DuplicateWindow = 2 * time.Minute
	}
	return s
}

type pubMessage struct {
	kind       string
	exchange   string
	marketType string
	symbol     string
	subject    string
	payload    interface{}
}

// NATSPublisher fans canonical events out to NATS. Enqueueing never
// blocks the caller: messages land on a bounded queue and worker
// goroutines serialize and send them, so book mutation is decoupled
// from broker latency. Subjects claimed by a provisioned JetStream
// stream get persistent acked publishes with a Nats-Msg-Id dedup
// header; everything else is core fire-and-forget.
type NATSPublisher struct {
	cfg   Config
	nc    *nats.Conn
	js    jetstream.JetStream
	cache *BookCache

	// subject patterns owned by provisioned streams
	jsPatterns []string

	queue  chan pubMessage
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewNATSPublisher connects, provisions the configured streams and
// starts the send workers.
func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	p := &NATSPublisher{
		cfg:   cfg,
		nc:    nc,
		queue: make(chan pubMessage, cfg.QueueSize),
		done:  make(chan struct{}),
	}

	if cfg.JetStreamEnabled && len(cfg.Streams) > 0 {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream init: %w", err)
		}
		p.js = js
		if err := p.provisionStreams(); err != nil {
			nc.Close()
			return nil, err
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.drain()
	}

	log.Info().
		Str("client", cfg.ClientName).
		Bool("jetstream", p.js != nil).
		Int("workers", cfg.Workers).
		Msg("nats publisher started")
	return p, nil
}

// SetCache attaches the optional latest-book mirror. Call before the
// first publish.
func (p *NATSPublisher) SetCache(cache *BookCache) {
	p.cache = cache
}

// provisionStreams creates or updates every configured stream so a
// restart picks up config changes without manual intervention.
func (p *NATSPublisher) provisionStreams() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, spec := range p.cfg.Streams {
		spec = spec.withDefaults()
		_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       spec.Name,
			Subjects:   spec.Subjects,
			Storage:    jetstream.FileStorage,
			MaxMsgs:    spec.MaxMsgs,
			MaxBytes:   spec.MaxBytes,
			MaxAge:     spec.MaxAge,
			Duplicates: spec.DuplicateWindow,
			Discard:    jetstream.DiscardOld,
		})
		if err != nil {
			return fmt.Errorf("provision stream %s: %w", spec.Name, err)
		}
		p.jsPatterns = append(p.jsPatterns, spec.Subjects...)
		log.Info().Str("stream", spec.Name).Strs("subjects", spec.Subjects).Msg("jetstream stream ready")
	}
	return nil
}

// Close stops the workers, flushes buffered messages and closes the
// connection. Safe to call once.
func (p *NATSPublisher) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()
	if err := p.nc.Flush(); err != nil {
		log.Warn().Err(err).Msg("nats flush on close")
	}
	p.nc.Close()
	log.Info().Msg("nats publisher stopped")
}

// PublishBook enqueues one book view for delivery
func (p *NATSPublisher) PublishBook(view *connector.BookView) {
	p.enqueue(pubMessage{
		kind:       KindOrderbook,
		exchange:   view.ExchangeName,
		marketType: string(view.MarketType),
		symbol:     view.Symbol,
		subject:    BookSubject(view),
		payload:    NewBookPayload(view, p.cfg.ClientName),
	})
}

// PublishTrade enqueues one trade for delivery
func (p *NATSPublisher) PublishTrade(t *connector.Trade) {
	p.enqueue(pubMessage{
		kind:     KindTrade,
		exchange: string(t.Exchange),
		symbol:   t.Symbol,
		subject:  TradeSubject(t),
		payload:  NewTradePayload(t, p.cfg.ClientName),
	})
}

// PublishFunding enqueues one funding-rate event for delivery
func (p *NATSPublisher) PublishFunding(fr *connector.FundingRate) {
	p.enqueue(pubMessage{
		kind:     KindFundingRate,
		exchange: string(fr.Exchange),
		symbol:   fr.Symbol,
		subject:  FundingSubject(fr),
		payload:  NewFundingPayload(fr, p.cfg.ClientName),
	})
}

// enqueue admits a message without blocking; a full queue drops the
// new message so stale depth never piles up behind a slow broker.
func (p *NATSPublisher) enqueue(m pubMessage) {
	select {
	case p.queue <- m:
		metrics.SetPublishQueueDepth(len(p.queue))
	default:
		metrics.RecordPublish(m.kind, p.mode(m.subject), "queue_full")
		log.Warn().Str("subject", m.subject).Msg("publish queue full, dropping message")
	}
}

func (p *NATSPublisher) mode(subject string) string {
	if p.js != nil && matchSubject(p.jsPatterns, subject) {
		return "jetstream"
	}
	return "core"
}

// matchSubject reports whether a concrete subject falls under one of
// the stream patterns. Patterns are exact subjects or a prefix
// capture ending in ">", which is all provisioned streams use.
func matchSubject(patterns []string, subject string) bool {
	for _, pattern := range patterns {
		if pattern == subject {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ">"); ok && strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

func (p *NATSPublisher) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			// flush whatever is already queued, then stop
			for {
				select {
				case m := <-p.queue:
					p.send(m)
				default:
					return
				}
			}
		case m := <-p.queue:
			metrics.SetPublishQueueDepth(len(p.queue))
			p.send(m)
		}
	}
}

func (p *NATSPublisher) send(m pubMessage) {
	data, err := json.Marshal(m.payload)
	if err != nil {
		metrics.RecordPublish(m.kind, "none", "marshal_error")
		log.Error().Err(err).Str("subject", m.subject).Msg("payload marshal failed")
		return
	}

	mode := p.mode(m.subject)
	timer := metrics.NewTimer()
	if mode == "jetstream" {
		err = p.sendJetStream(m.subject, data)
	} else {
		err = p.nc.PublishMsg(&nats.Msg{Subject: m.subject, Data: data})
	}
	timer.ObserveDuration(metrics.PublishDuration, mode)

	if err != nil {
		metrics.RecordPublish(m.kind, mode, "error")
		log.Warn().Err(err).Str("subject", m.subject).Msg("publish failed, message dropped")
		return
	}
	metrics.RecordPublish(m.kind, mode, "ok")

	if m.kind == KindOrderbook && p.cache != nil {
		p.cache.Store(m.exchange, m.marketType, m.symbol, data)
	}
}

// sendJetStream publishes with ack, retrying with doubling delays.
// The Nats-Msg-Id header arms the stream's duplicate window against
// redelivery of retried messages.
func (p *NATSPublisher) sendJetStream(subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set("Nats-Msg-Id", uuid.NewString())

	var err error
	delay := p.cfg.RetryBaseDelay
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-p.done:
				return err
			}
			delay *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		_, err = p.js.PublishMsg(ctx, msg)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
