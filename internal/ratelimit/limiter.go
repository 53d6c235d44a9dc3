// Package ratelimit gates snapshot REST traffic per exchange: a token
// bucket for request rate, a sliding weight window mirroring the
// exchange's weight accounting, per-symbol spacing, and the ban and
// cooldown bookkeeping that HTTP 418/429 responses demand.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"depthfeed-collector/internal/connector"
)

const (
	// DefaultSymbolSpacing is the minimum gap between snapshots of one symbol
	DefaultSymbolSpacing = 120 * time.Second
	// DefaultWeightWindow is the sliding window the weight budget covers
	DefaultWeightWindow = 60 * time.Second
	// DefaultWeightBudget bounds window weight when the config is silent
	DefaultWeightBudget = 6000
	// DefaultCooldown is the base error cooldown
	DefaultCooldown = 60 * time.Second
	// maxBackoff caps the consecutive-error multiplier
	maxBackoff = 8.0
	// banGrace is added past the exchange's unban time
	banGrace = 30 * time.Second
	// rateLimitedCooldown follows an HTTP 429
	rateLimitedCooldown = 60 * time.Second
)

// Config sizes one exchange's snapshot gate
type Config struct {
	Exchange          connector.Exchange
	RequestsPerMinute int
	Burst             int
	Cooldown          time.Duration
	WeightBudget      int
	WeightWindow      time.Duration
	SymbolSpacing     time.Duration
}

type weightEntry struct {
	at     time.Time
	weight int
}

// SnapshotGate serializes admission for one exchange's snapshot
// fetches. All methods are safe for concurrent use by symbol workers.
type SnapshotGate struct {
	cfg     Config
	limiter *rate.Limiter

	mu            sync.Mutex
	lastBySymbol  map[string]time.Time
	window        []weightEntry
	windowWeight  int
	bannedUntil   time.Time
	cooldownUntil time.Time
	backoff       float64

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSnapshotGate builds a gate from config, applying defaults
func NewSnapshotGate(cfg Config) *SnapshotGate {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.WeightBudget <= 0 {
		cfg.WeightBudget = DefaultWeightBudget
	}
	if cfg.WeightWindow <= 0 {
		cfg.WeightWindow = DefaultWeightWindow
	}
	if cfg.SymbolSpacing <= 0 {
		cfg.SymbolSpacing = DefaultSymbolSpacing
	}
	return &SnapshotGate{
		cfg:          cfg,
		limiter:      rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst),
		lastBySymbol: make(map[string]time.Time),
		clock:        time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire admits one snapshot request of the given weight. It fails
// fast with a BanError while a ban window is open and otherwise waits
// for cooldown, symbol spacing, weight headroom and a bucket token.
func (g *SnapshotGate) Acquire(ctx context.Context, symbol string, weight int) error {
	if weight <= 0 {
		weight = 1
	}

	for {
		g.mu.Lock()
		now := g.clock()

		if now.Before(g.bannedUntil) {
			until := g.bannedUntil
			g.mu.Unlock()
			return &connector.BanError{Exchange: g.cfg.Exchange, Until: until}
		}

		wait := g.pendingWaitLocked(now, symbol, weight)
		if wait <= 0 {
			g.recordLocked(now, symbol, weight)
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			return connector.NewFetchError(connector.FetchRateLimited, g.cfg.Exchange, symbol,
				fmt.Errorf("gate busy for %s, past fetch deadline", wait))
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// pendingWaitLocked returns how long admission must wait at time now
func (g *SnapshotGate) pendingWaitLocked(now time.Time, symbol string, weight int) time.Duration {
	var wait time.Duration

	if d := g.cooldownUntil.Sub(now); d > wait {
		wait = d
	}
	if last, ok := g.lastBySymbol[symbol]; ok {
		if d := last.Add(g.cfg.SymbolSpacing).Sub(now); d > wait {
			wait = d
		}
	}

	g.pruneWindowLocked(now)
	if g.windowWeight+weight > g.cfg.WeightBudget && len(g.window) > 0 {
		if d := g.window[0].at.Add(g.cfg.WeightWindow).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

func (g *SnapshotGate) recordLocked(now time.Time, symbol string, weight int) {
	g.lastBySymbol[symbol] = now
	g.window = append(g.window, weightEntry{at: now, weight: weight})
	g.windowWeight += weight
}

func (g *SnapshotGate) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.WeightWindow)
	i := 0
	for ; i < len(g.window); i++ {
		if g.window[i].at.After(cutoff) {
			break
		}
		g.windowWeight -= g.window[i].weight
	}
	if i > 0 {
		g.window = g.window[i:]
	}
}

// ReportSuccess clears the error backoff
func (g *SnapshotGate) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backoff = 0
}

// ReportFailure doubles the error backoff up to the cap and opens a
// cooldown sized by it
func (g *SnapshotGate) ReportFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backoff < 1 {
		g.backoff = 1
	} else {
		g.backoff *= 2
	}
	if g.backoff > maxBackoff {
		g.backoff = maxBackoff
	}
	g.cooldownUntil = g.clock().Add(time.Duration(g.backoff * float64(g.cfg.Cooldown)))
}

// ReportRateLimited handles an HTTP 429: backoff grows by 1.5x and the
// gate sleeps a full cooldown before the next request
func (g *SnapshotGate) ReportRateLimited() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backoff < 1 {
		g.backoff = 1.5
	} else {
		g.backoff *= 1.5
	}
	if g.backoff > maxBackoff {
		g.backoff = maxBackoff
	}
	until := g.clock().Add(rateLimitedCooldown)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
}

// ReportBanned opens the ban window until the exchange's unban time
// plus a grace buffer
func (g *SnapshotGate) ReportBanned(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := until.Add(banGrace)
	if u.After(g.bannedUntil) {
		g.bannedUntil = u
	}
}

// BannedUntil reports the current ban horizon, zero when unbanned
func (g *SnapshotGate) BannedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clock().Before(g.bannedUntil) {
		return g.bannedUntil
	}
	return time.Time{}
}

// Backoff exposes the current multiplier, for logs and tests
func (g *SnapshotGate) Backoff() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoff
}
