package orderbook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"depthfeed-collector/internal/connector"
	"depthfeed-collector/internal/metrics"
)

type workerSignal struct {
	kind   signalKind
	cause  string // bounded label for metrics
	detail string
}

type signalKind int

const (
	signalResync signalKind = iota
)

type pendingAction int

const (
	actionNone pendingAction = iota
	actionFetchSnapshot // fetch a REST snapshot now
	actionResubscribe   // OKX: force a fresh stream snapshot
	actionSyncTimeout   // OKX: stream snapshot never arrived
)

type snapshotResult struct {
	snap *connector.Snapshot
	err  error
}

// worker owns the order book state for exactly one symbol. All state
// transitions happen on its goroutine; snapshot fetches run async and
// come back through snapshotCh so application order stays serial.
type worker struct {
	mgr *Manager
	key connector.StreamKey

	mu    sync.Mutex
	state *State

	queue      chan *connector.DepthUpdate
	snapshotCh chan snapshotResult
	signals    chan workerSignal
	timerFired chan pendingAction

	timer   *time.Timer
	pending pendingAction

	fetching bool

	// OKX streams replace the book with an in-band snapshot message,
	// so sync waits on the stream instead of fetching over REST.
	streamSnapshots bool
}

func newWorker(m *Manager, key connector.StreamKey) *worker {
	return &worker{
		mgr:             m,
		key:             key,
		state:           NewState(key, m.cfg.BufferLimit),
		queue:           make(chan *connector.DepthUpdate, m.cfg.QueueSize),
		snapshotCh:      make(chan snapshotResult, 1),
		signals:         make(chan workerSignal, 4),
		timerFired:      make(chan pendingAction, 1),
		streamSnapshots: key.Exchange == connector.OKXSpot || key.Exchange == connector.OKXDerivatives,
	}
}

// enqueue admits one update into the worker queue. Runs on the feed's
// read goroutine. Updates older than the depth-scaled threshold are
// dropped; a full queue sheds its oldest entry instead of blocking.
func (w *worker) enqueue(u *connector.DepthUpdate) {
	if !u.ReceivedAt.IsZero() {
		depth := len(w.queue)
		span := w.mgr.cfg.StaleDropMax - w.mgr.cfg.StaleDropMin
		threshold := w.mgr.cfg.StaleDropMax - span*time.Duration(depth)/time.Duration(cap(w.queue))
		if time.Since(u.ReceivedAt) > threshold {
			metrics.RecordQueueDrop(string(w.key.Exchange), w.key.Symbol, "stale_admission")
			return
		}
	}
	for {
		select {
		case w.queue <- u:
			metrics.SetQueueDepth(string(w.key.Exchange), w.key.Symbol, len(w.queue))
			return
		default:
		}
		select {
		case <-w.queue:
			metrics.RecordQueueDrop(string(w.key.Exchange), w.key.Symbol, "queue_full")
			log.Warn().Str("symbol", w.key.Symbol).Str("exchange", string(w.key.Exchange)).Msg("worker queue full, dropping oldest update")
		default:
		}
	}
}

func (w *worker) signal(kind signalKind, cause, detail string) {
	select {
	case w.signals <- workerSignal{kind: kind, cause: cause, detail: detail}:
	default:
	}
}

// loop runs the worker until the context dies, restarting after a
// panic with a clean resync so one bad symbol cannot take down the
// process or wedge its book.
func (w *worker) loop(ctx context.Context) {
	defer w.mgr.wg.Done()
	for ctx.Err() == nil {
		w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.RecordWorkerRestart(string(w.key.Exchange), w.key.Symbol)
		w.mu.Lock()
		w.state.ResetForResync()
		w.fetching = false
		w.mu.Unlock()
		w.beginSync()
	}
}

func (w *worker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("exchange", string(w.key.Exchange)).
				Str("symbol", w.key.Symbol).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("symbol worker panicked, restarting")
		}
	}()

	w.beginSync()

	var reconcileC <-chan time.Time
	if w.mgr.cfg.SnapshotInterval > 0 {
		ticker := time.NewTicker(w.mgr.cfg.SnapshotInterval)
		defer ticker.Stop()
		reconcileC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-w.queue:
			metrics.SetQueueDepth(string(w.key.Exchange), w.key.Symbol, len(w.queue))
			w.withLock(func() { w.handleUpdate(u) })
		case res := <-w.snapshotCh:
			w.withLock(func() { w.handleSnapshotResult(res) })
		case action := <-w.timerFired:
			w.withLock(func() { w.handleTimer(action) })
		case sig := <-w.signals:
			w.withLock(func() { w.handleSignal(sig) })
		case <-reconcileC:
			w.withLock(func() { w.handleReconcileTick() })
		}
	}
}

// withLock guards a state transition so inspection paths can take a
// consistent copy while the worker is between messages.
func (w *worker) withLock(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

func (w *worker) stats() StateInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.state
	info := StateInfo{
		Key:                  w.key,
		Phase:                st.Phase,
		IsSynced:             st.IsSynced,
		SyncInProgress:       st.SyncInProgress,
		LastUpdateID:         st.LastUpdateID,
		LastSeqID:            st.LastSeqID,
		RetryCount:           st.RetryCount,
		ErrorCount:           st.ErrorCount,
		ConsecutiveSeqErrors: st.ConsecutiveSeqErrors,
		MaintenanceResets:    st.MaintenanceResets,
		BufferLen:            st.Buffer.Len(),
	}
	if st.Book != nil {
		info.BookDepthBids, info.BookDepthAsks = st.Book.Depth()
	}
	return info
}

// beginSync kicks off the initial sync for this symbol. Binance books
// warm the buffer briefly before fetching a snapshot; OKX books wait
// for the channel's own snapshot message, with a timeout.
func (w *worker) beginSync() {
	w.withLock(func() {
		w.state.Phase = PhaseSubscribing
		w.state.SyncInProgress = true
		metrics.SetSynced(string(w.key.Exchange), string(w.key.MarketType), w.key.Symbol, false)
		if w.streamSnapshots {
			w.schedule(actionSyncTimeout, w.mgr.cfg.SnapshotGrace)
		} else {
			w.schedule(actionFetchSnapshot, w.mgr.cfg.CacheDelay)
		}
	})
}

// schedule arms the single worker timer. A newer schedule supersedes
// any armed one; handleTimer drops fires for superseded actions.
func (w *worker) schedule(action pendingAction, d time.Duration) {
	w.pending = action
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() {
		select {
		case w.timerFired <- action:
		case <-w.mgr.ctx.Done():
		}
	})
}

func (w *worker) handleTimer(action pendingAction) {
	if action != w.pending {
		return
	}
	w.pending = actionNone
	switch action {
	case actionFetchSnapshot:
		w.requestSnapshot()
	case actionResubscribe:
		w.resubscribe()
	case actionSyncTimeout:
		if !w.state.IsSynced {
			w.beginResync("timeout", "stream snapshot did not arrive")
		}
	}
}

func (w *worker) handleSignal(sig workerSignal) {
	switch sig.kind {
	case signalResync:
		w.beginResync(sig.cause, sig.detail)
	}
}

func (w *worker) handleReconcileTick() {
	if !w.state.IsSynced || w.fetching || w.streamSnapshots {
		return
	}
	w.requestSnapshot()
}

// handleUpdate is the single entry point for stream data
func (w *worker) handleUpdate(u *connector.DepthUpdate) {
	st := w.state
	st.LastUpdateTime = time.Now()

	if !st.IsSynced {
		if w.streamSnapshots {
			w.handlePreSyncStream(u)
		} else {
			w.bufferPreSync(u)
		}
		return
	}
	w.processLive(u)
}

// handlePreSyncStream handles OKX data before sync: the books channel
// opens with an action=snapshot message which is the sync point, so
// anything before it carries no usable state.
func (w *worker) handlePreSyncStream(u *connector.DepthUpdate) {
	st := w.state
	verdict, _ := w.mgr.validator.Validate(st, u)
	if verdict != VerdictSnapshot {
		metrics.RecordQueueDrop(string(w.key.Exchange), w.key.Symbol, "pre_snapshot")
		return
	}
	if st.Book == nil {
		st.Book = NewBook(w.key)
	}
	st.Book.ApplySnapshot(snapshotFromUpdate(u))
	st.SnapshotLastUpdateID = st.LastSeqID
	if !w.verifyChecksum(u) {
		return
	}
	w.markSyncedAndPublish(u.ChecksumPtr())
}

// bufferPreSync caches Binance updates until the snapshot lands, and
// re-checks a too-new snapshot as the stream catches up. A buffer
// overflow means the snapshot raced too far behind the stream to ever
// replay cleanly, so the whole cycle restarts.
func (w *worker) bufferPreSync(u *connector.DepthUpdate) {
	st := w.state
	if st.Buffer.Append(u) {
		metrics.RecordQueueDrop(string(w.key.Exchange), w.key.Symbol, "buffer_overflow")
		w.beginResync("buffer_overflow", "sync buffer overflowed before snapshot landed")
		return
	}
	if first := st.Buffer.First(); first != nil {
		st.FirstUpdateID = first.FirstUpdateID
	}
	if st.PendingSnapshot != nil {
		w.attemptSync(st.PendingSnapshot)
	}
}

// requestSnapshot launches an async fetch. The result comes back on
// snapshotCh so the state machine never blocks on REST latency.
func (w *worker) requestSnapshot() {
	if w.fetching {
		return
	}
	w.fetching = true
	st := w.state
	if !st.IsSynced {
		st.Phase = PhaseSnapshot
	}
	depth := w.mgr.cfg.SnapshotDepth
	go func() {
		ctx, cancel := context.WithTimeout(w.mgr.ctx, w.mgr.cfg.FetchTimeout)
		defer cancel()
		start := time.Now()
		snap, err := w.mgr.feed.FetchSnapshot(ctx, w.key.Symbol, depth)
		metrics.ObserveSnapshotFetch(string(w.key.Exchange), time.Since(start), err == nil)
		select {
		case w.snapshotCh <- snapshotResult{snap: snap, err: err}:
		case <-w.mgr.ctx.Done():
		}
	}()
}

func (w *worker) handleSnapshotResult(res snapshotResult) {
	w.fetching = false
	st := w.state

	if res.err != nil {
		st.ErrorCount++
		var ban *connector.BanError
		if errors.As(res.err, &ban) {
			wait := time.Until(ban.Until)
			if wait < w.mgr.cfg.ResyncBaseDelay {
				wait = w.mgr.cfg.ResyncBaseDelay
			}
			log.Warn().
				Str("exchange", string(w.key.Exchange)).
				Str("symbol", w.key.Symbol).
				Time("until", ban.Until).
				Msg("snapshot fetch banned, deferring")
			if !st.IsSynced {
				w.schedule(actionFetchSnapshot, wait)
			}
			return
		}
		log.Warn().Err(res.err).
			Str("exchange", string(w.key.Exchange)).
			Str("symbol", w.key.Symbol).
			Int("retry", st.RetryCount).
			Msg("snapshot fetch failed")
		if !st.IsSynced {
			delay := w.resyncDelay(st.RetryCount)
			st.RetryCount++
			w.schedule(actionFetchSnapshot, delay)
		}
		return
	}

	st.LastSnapshotTime = time.Now()
	if st.IsSynced {
		w.reconcile(res.snap)
		return
	}
	w.attemptSync(res.snap)
}

// attemptSync lines a snapshot up against the buffered stream per the
// Binance depth recipe: the snapshot's lastUpdateId must fall inside
// the buffered update range before the book can be built.
func (w *worker) attemptSync(snap *connector.Snapshot) {
	st := w.state
	st.Phase = PhaseSyncing
	s := snap.LastUpdateID

	if st.Buffer.Len() == 0 {
		st.PendingSnapshot = snap
		return
	}
	first := st.Buffer.First()
	last := st.Buffer.Last()

	if s < first.FirstUpdateID {
		// Snapshot predates everything we buffered
		metrics.RecordSnapshotOutcome(string(w.key.Exchange), "too_old")
		st.PendingSnapshot = nil
		if st.SnapshotWaitStart.IsZero() {
			st.SnapshotWaitStart = time.Now()
		}
		if time.Since(st.SnapshotWaitStart) < w.mgr.cfg.SnapshotGrace {
			log.Info().
				Str("symbol", w.key.Symbol).
				Int64("snapshot_id", s).
				Int64("buffer_first", first.FirstUpdateID).
				Msg("snapshot too old, refetching")
			w.schedule(actionFetchSnapshot, time.Second)
			return
		}
		// Still behind after the grace window: the buffer itself is
		// suspect, start the cycle over with a fresh one.
		log.Warn().Str("symbol", w.key.Symbol).Msg("snapshot persistently too old, restarting sync")
		st.Buffer.Clear()
		st.FirstUpdateID = 0
		st.SnapshotWaitStart = time.Time{}
		st.Phase = PhaseSubscribing
		w.schedule(actionFetchSnapshot, w.mgr.cfg.CacheDelay)
		return
	}

	if s > last.FinalUpdateID {
		// Snapshot is ahead of the stream; keep it and re-check as
		// each buffered update arrives.
		metrics.RecordSnapshotOutcome(string(w.key.Exchange), "too_new")
		st.PendingSnapshot = snap
		return
	}

	st.PendingSnapshot = nil
	st.SnapshotWaitStart = time.Time{}
	w.installAndReplay(snap)
}

// installAndReplay builds the book from the snapshot and replays the
// buffer through the validator. A gap inside the replay means the
// buffer lost something and the whole sync restarts.
func (w *worker) installAndReplay(snap *connector.Snapshot) {
	st := w.state
	if st.Book == nil {
		st.Book = NewBook(w.key)
	}
	st.Book.ApplySnapshot(snap)
	st.SnapshotLastUpdateID = snap.LastUpdateID
	st.LastUpdateID = snap.LastUpdateID
	st.AwaitingFirstUpdate = true

	applied := 0
	for _, u := range st.Buffer.Items() {
		verdict, reason := w.mgr.validator.Validate(st, u)
		switch verdict {
		case VerdictStale:
			continue
		case VerdictSnapshot:
			// A full refresh inside the buffer supersedes the book
			st.Book.ApplySnapshot(snapshotFromUpdate(u))
			st.SnapshotLastUpdateID = st.LastSeqID
			applied++
		case VerdictAccept, VerdictMaintenance:
			st.Book.ApplyUpdate(u)
			applied++
		case VerdictGap:
			metrics.RecordSequenceGap(string(w.key.Exchange), w.key.Symbol)
			w.beginResync("replay_gap", fmt.Sprintf("gap during replay: %s", reason))
			return
		}
	}
	st.Buffer.Clear()
	log.Info().
		Str("exchange", string(w.key.Exchange)).
		Str("symbol", w.key.Symbol).
		Int64("snapshot_id", snap.LastUpdateID).
		Int("replayed", applied).
		Msg("order book synced")
	w.markSyncedAndPublish(nil)
}

func (w *worker) markSyncedAndPublish(checksum *int32) {
	st := w.state
	st.MarkSynced()
	w.pending = actionNone
	if w.timer != nil {
		w.timer.Stop()
	}
	metrics.SetSynced(string(w.key.Exchange), string(w.key.MarketType), w.key.Symbol, true)
	w.publish(connector.UpdateSnapshot, checksum)
}

// processLive validates and applies one update to a synced book
func (w *worker) processLive(u *connector.DepthUpdate) {
	st := w.state
	verdict, reason := w.mgr.validator.Validate(st, u)
	metrics.RecordBookUpdate(string(w.key.Exchange), w.key.Symbol, verdict.String())

	switch verdict {
	case VerdictStale:
		return
	case VerdictGap:
		st.ConsecutiveSeqErrors++
		metrics.RecordSequenceGap(string(w.key.Exchange), w.key.Symbol)
		log.Warn().
			Str("exchange", string(w.key.Exchange)).
			Str("symbol", w.key.Symbol).
			Str("reason", reason).
			Int("consecutive", st.ConsecutiveSeqErrors).
			Msg("sequence gap")
		if st.ConsecutiveSeqErrors >= w.mgr.cfg.SeqErrorThreshold {
			w.beginResync("sequence_gap", "consecutive sequence gaps: "+reason)
		}
		return
	case VerdictSnapshot:
		if st.Book == nil {
			st.Book = NewBook(w.key)
		}
		st.Book.ApplySnapshot(snapshotFromUpdate(u))
		st.SnapshotLastUpdateID = st.LastSeqID
	case VerdictMaintenance:
		metrics.RecordMaintenanceReset(string(w.key.Exchange), w.key.Symbol)
		log.Info().
			Str("symbol", w.key.Symbol).
			Int64("seq_id", u.SeqID).
			Msg("sequence baseline reset")
		st.Book.ApplyUpdate(u)
	case VerdictAccept:
		st.Book.ApplyUpdate(u)
	}
	st.ConsecutiveSeqErrors = 0

	if !w.verifyChecksum(u) {
		return
	}

	updateType := connector.UpdateDelta
	if verdict == VerdictSnapshot {
		updateType = connector.UpdateSnapshot
	}
	w.publish(updateType, u.ChecksumPtr())
}

// verifyChecksum cross-checks the book against an OKX checksum when
// one is present. A mismatch is unrecoverable drift: resync.
func (w *worker) verifyChecksum(u *connector.DepthUpdate) bool {
	if !u.HasChecksum {
		return true
	}
	got, ok := w.state.Book.VerifyChecksum(u.Checksum)
	if ok {
		return true
	}
	metrics.RecordChecksumMismatch(string(w.key.Exchange), w.key.Symbol)
	w.beginResync("checksum_mismatch", fmt.Sprintf("checksum mismatch: computed %d, expected %d", got, u.Checksum))
	return false
}

func (w *worker) publish(updateType connector.UpdateType, checksum *int32) {
	book := w.state.Book
	if w.mgr.pub == nil || book == nil {
		return
	}
	view := book.View(w.mgr.cfg.PublishDepth, updateType, checksum)
	w.mgr.pub.PublishBook(view)

	var bestBid, bestAsk float64
	if bid, ok := book.BestBid(); ok {
		bestBid = bid.Price.InexactFloat64()
	}
	if ask, ok := book.BestAsk(); ok {
		bestAsk = ask.Price.InexactFloat64()
	}
	bids, asks := book.Depth()
	metrics.RecordBookTop(string(w.key.Exchange), w.key.Symbol, bids, asks, bestBid, bestAsk)
}

// beginResync tears the book down and schedules the rebuild with the
// exponential backoff delay. cause is a bounded label, detail is for
// the log only.
func (w *worker) beginResync(cause, detail string) {
	st := w.state
	delay := w.resyncDelay(st.RetryCount)
	st.ResetForResync()
	st.RetryCount++
	metrics.RecordResync(string(w.key.Exchange), w.key.Symbol, cause)
	metrics.SetSynced(string(w.key.Exchange), string(w.key.MarketType), w.key.Symbol, false)
	log.Warn().
		Str("exchange", string(w.key.Exchange)).
		Str("symbol", w.key.Symbol).
		Str("cause", cause).
		Str("detail", detail).
		Dur("delay", delay).
		Msg("resyncing order book")

	if w.streamSnapshots {
		w.schedule(actionResubscribe, delay)
	} else {
		w.schedule(actionFetchSnapshot, delay)
	}
}

// resubscribe cycles the OKX subscription so the channel replays its
// snapshot, then waits for it under the usual timeout.
func (w *worker) resubscribe() {
	st := w.state
	st.Phase = PhaseSubscribing
	symbol := w.key.Symbol
	if err := w.mgr.feed.Unsubscribe([]string{symbol}); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("unsubscribe failed")
	}
	if err := w.mgr.feed.Subscribe([]string{symbol}); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("subscribe failed")
		delay := w.resyncDelay(st.RetryCount)
		st.RetryCount++
		w.schedule(actionResubscribe, delay)
		return
	}
	w.schedule(actionSyncTimeout, w.mgr.cfg.SnapshotGrace)
}

// reconcile compares a fresh snapshot against the live book and only
// forces a resync when the top of book has genuinely diverged, since
// the snapshot always races the stream by one round trip.
func (w *worker) reconcile(snap *connector.Snapshot) {
	st := w.state
	if st.Book == nil || snap.LastUpdateID < st.LastUpdateID {
		return
	}
	if diverged(st.Book, snap) {
		metrics.RecordReconcileDivergence(string(w.key.Exchange), w.key.Symbol)
		w.beginResync("divergence", "book diverged from reconciliation snapshot")
		return
	}
	log.Debug().Str("symbol", w.key.Symbol).Msg("reconciliation clean")
}

// reconcileToleranceBps bounds how far the live best quote may sit
// from a fresh snapshot before the book is declared diverged.
const reconcileToleranceBps = 10

func diverged(book *Book, snap *connector.Snapshot) bool {
	bestBid, bidOK := book.BestBid()
	bestAsk, askOK := book.BestAsk()
	if !bidOK || !askOK || len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return false
	}
	return outsideTolerance(bestBid.Price, snap.Bids[0].Price) ||
		outsideTolerance(bestAsk.Price, snap.Asks[0].Price)
}

func outsideTolerance(live, ref decimal.Decimal) bool {
	if ref.IsZero() {
		return false
	}
	diff := live.Sub(ref).Abs()
	limit := ref.Abs().Mul(decimal.New(reconcileToleranceBps, -4))
	return diff.GreaterThan(limit)
}

func (w *worker) resyncDelay(retry int) time.Duration {
	if retry > 10 {
		retry = 10
	}
	d := w.mgr.cfg.ResyncBaseDelay * time.Duration(int64(1)<<uint(retry))
	if d > w.mgr.cfg.ResyncMaxDelay {
		d = w.mgr.cfg.ResyncMaxDelay
	}
	return d
}

func snapshotFromUpdate(u *connector.DepthUpdate) *connector.Snapshot {
	id := u.SeqID
	if id == 0 {
		id = u.FinalUpdateID
	}
	return &connector.Snapshot{
		Exchange:     u.Exchange,
		MarketType:   u.MarketType,
		Symbol:       u.Symbol,
		LastUpdateID: id,
		Bids:         u.Bids,
		Asks:         u.Asks,
		EventTime:    u.EventTime,
		Source:       "stream",
	}
}
