// Package orderbook maintains per-symbol depth books: snapshot
// reconciliation, sequence validation, checksum verification and the
// strictly serial per-symbol processing that publication depends on.
package orderbook

import (
	"fmt"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"depthfeed-collector/internal/connector"
)

func decimalComparator(a, b interface{}) int {
	d1 := a.(decimal.Decimal)
	d2 := b.(decimal.Decimal)
	return d1.Cmp(d2)
}

// sideLadder holds one side of the book keyed by exact decimal price.
// The treemap keeps prices sorted and unique; values carry the
// exchange-raw strings the checksum needs.
type sideLadder struct {
	levels *treemap.Map
}

func newSideLadder() *sideLadder {
	return &sideLadder{levels: treemap.NewWith(decimalComparator)}
}

// Apply sets or deletes levels; zero quantity deletes, negative is skipped
func (s *sideLadder) Apply(levels []connector.PriceLevel) {
	for _, lv := range levels {
		switch {
		case lv.Quantity.Sign() < 0:
			continue
		case lv.Quantity.IsZero():
			s.levels.Remove(lv.Price)
		default:
			s.levels.Put(lv.Price, lv)
		}
	}
}

// Replace clears the side and installs snapshot levels
func (s *sideLadder) Replace(levels []connector.PriceLevel) {
	s.levels.Clear()
	for _, lv := range levels {
		if lv.Quantity.Sign() <= 0 {
			continue
		}
		s.levels.Put(lv.Price, lv)
	}
}

// Top copies up to depth levels, best-first. Bids iterate descending,
// asks ascending. depth <= 0 returns the whole side.
func (s *sideLadder) Top(depth int, descending bool) []connector.PriceLevel {
	if depth <= 0 || depth > s.levels.Size() {
		depth = s.levels.Size()
	}
	out := make([]connector.PriceLevel, 0, depth)
	it := s.levels.Iterator()
	if descending {
		for it.End(); it.Prev(); {
			out = append(out, it.Value().(connector.PriceLevel))
			if len(out) >= depth {
				break
			}
		}
	} else {
		for it.Next() {
			out = append(out, it.Value().(connector.PriceLevel))
			if len(out) >= depth {
				break
			}
		}
	}
	return out
}

// Best returns the side's best level: max for bids, min for asks
func (s *sideLadder) Best(descending bool) (connector.PriceLevel, bool) {
	if s.levels.Empty() {
		return connector.PriceLevel{}, false
	}
	if descending {
		_, v := s.levels.Max()
		return v.(connector.PriceLevel), true
	}
	_, v := s.levels.Min()
	return v.(connector.PriceLevel), true
}

func (s *sideLadder) Size() int {
	return s.levels.Size()
}

// Book is one maintained depth book at full exchange depth. It has a
// single writer (the symbol worker); reads for publication copy out.
type Book struct {
	Key connector.StreamKey

	bids *sideLadder
	asks *sideLadder

	LastUpdateID  int64
	FirstUpdateID int64
	PrevUpdateID  int64
	EventTime     time.Time
}

// NewBook creates an empty book for a stream key
func NewBook(key connector.StreamKey) *Book {
	return &Book{
		Key:  key,
		bids: newSideLadder(),
		asks: newSideLadder(),
	}
}

// ApplySnapshot replaces both sides from a snapshot and resets IDs.
// Applying the same snapshot twice yields an identical book.
func (b *Book) ApplySnapshot(s *connector.Snapshot) {
	b.bids.Replace(s.Bids)
	b.asks.Replace(s.Asks)
	b.LastUpdateID = s.LastUpdateID
	b.FirstUpdateID = 0
	b.PrevUpdateID = 0
	b.EventTime = s.EventTime
}

// ApplyUpdate mutates both sides in place and advances the book IDs.
// Sequence acceptance is the caller's job; this only applies deltas.
func (b *Book) ApplyUpdate(u *connector.DepthUpdate) {
	b.bids.Apply(u.Bids)
	b.asks.Apply(u.Asks)
	b.PrevUpdateID = b.LastUpdateID
	switch u.Exchange {
	case connector.OKXSpot, connector.OKXDerivatives:
		b.LastUpdateID = u.SeqID
	default:
		b.LastUpdateID = u.FinalUpdateID
	}
	b.FirstUpdateID = u.FirstUpdateID
	b.EventTime = u.EventTime
}

// BestBid returns the highest bid
func (b *Book) BestBid() (connector.PriceLevel, bool) {
	return b.bids.Best(true)
}

// BestAsk returns the lowest ask
func (b *Book) BestAsk() (connector.PriceLevel, bool) {
	return b.asks.Best(false)
}

// Top copies the best depth levels from each side
func (b *Book) Top(depth int) (bids, asks []connector.PriceLevel) {
	return b.bids.Top(depth, true), b.asks.Top(depth, false)
}

// Depth returns the resident level counts
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Size(), b.asks.Size()
}

// View builds an immutable published view truncated to depth levels
// per side. The checksum pointer is carried through when the source
// update had one.
func (b *Book) View(depth int, updateType connector.UpdateType, checksum *int32) *connector.BookView {
	bids, asks := b.Top(depth)
	view := &connector.BookView{
		ExchangeName:  string(b.Key.Exchange),
		MarketType:    b.Key.MarketType,
		Symbol:        b.Key.Symbol,
		Bids:          bids,
		Asks:          asks,
		LastUpdateID:  b.LastUpdateID,
		FirstUpdateID: b.FirstUpdateID,
		PrevUpdateID:  b.PrevUpdateID,
		UpdateType:    updateType,
		DepthLevels:   len(bids) + len(asks),
		Checksum:      checksum,
	}
	if !b.EventTime.IsZero() {
		view.Timestamp = b.EventTime.UnixMilli()
		view.EventTime = b.EventTime.UTC().Format(time.RFC3339Nano)
	}
	return view
}

// Validate checks the book invariants: positive prices and quantities
// on both sides and an uncrossed top of book. Ladder ordering and
// price uniqueness are structural.
func (b *Book) Validate() error {
	for _, lv := range b.bids.Top(0, true) {
		if lv.Price.Sign() <= 0 || lv.Quantity.Sign() <= 0 {
			return fmt.Errorf("bid level %s/%s violates positivity", lv.Price, lv.Quantity)
		}
	}
	for _, lv := range b.asks.Top(0, false) {
		if lv.Price.Sign() <= 0 || lv.Quantity.Sign() <= 0 {
			return fmt.Errorf("ask level %s/%s violates positivity", lv.Price, lv.Quantity)
		}
	}
	bestBid, okBid := b.BestBid()
	bestAsk, okAsk := b.BestAsk()
	if okBid && okAsk && bestBid.Price.Cmp(bestAsk.Price) >= 0 {
		return fmt.Errorf("crossed book: best bid %s >= best ask %s", bestBid.Price, bestAsk.Price)
	}
	return nil
}
