package orderbook

import (
	"time"

	"depthfeed-collector/internal/connector"
)

// DefaultBufferLimit bounds the pre-sync update buffer
const DefaultBufferLimit = 10000

// Phase is the per-symbol initialization state
type Phase int32

const (
	PhaseSubscribing Phase = iota
	PhaseSnapshot
	PhaseSyncing
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseSubscribing:
		return "subscribing"
	case PhaseSnapshot:
		return "snapshot"
	case PhaseSyncing:
		return "syncing"
	case PhaseRunning:
		return "running"
	default:
		return "unknown"
	}
}

// UpdateBuffer is the bounded pre-sync FIFO. On overflow the oldest
// entry is dropped and counted.
type UpdateBuffer struct {
	max     int
	items   []*connector.DepthUpdate
	dropped int64
}

// NewUpdateBuffer creates a buffer with the given capacity (the
// default applies when max <= 0)
func NewUpdateBuffer(max int) *UpdateBuffer {
	if max <= 0 {
		max = DefaultBufferLimit
	}
	return &UpdateBuffer{max: max}
}

// Append adds an update, dropping the oldest entry when full. It
// reports whether a drop occurred.
func (b *UpdateBuffer) Append(u *connector.DepthUpdate) bool {
	dropped := false
	if len(b.items) >= b.max {
		b.items = b.items[1:]
		b.dropped++
		dropped = true
	}
	b.items = append(b.items, u)
	return dropped
}

// Items returns the buffered updates oldest-first
func (b *UpdateBuffer) Items() []*connector.DepthUpdate {
	return b.items
}

// First returns the oldest buffered update
func (b *UpdateBuffer) First() *connector.DepthUpdate {
	if len(b.items) == 0 {
		return nil
	}
	return b.items[0]
}

// Last returns the newest buffered update
func (b *UpdateBuffer) Last() *connector.DepthUpdate {
	if len(b.items) == 0 {
		return nil
	}
	return b.items[len(b.items)-1]
}

// Len returns the number of buffered updates
func (b *UpdateBuffer) Len() int {
	return len(b.items)
}

// Dropped returns the total overflow drops since creation
func (b *UpdateBuffer) Dropped() int64 {
	return b.dropped
}

// Clear empties the buffer
func (b *UpdateBuffer) Clear() {
	b.items = b.items[:0]
}

// State is the complete per-symbol record. Every field is declared
// up front; the symbol's worker is the sole writer.
type State struct {
	Key connector.StreamKey

	Book   *Book // nil until synced
	Buffer *UpdateBuffer

	LastUpdateID         int64
	LastSeqID            int64
	FirstUpdateID        int64 // U of the first buffered message
	SnapshotLastUpdateID int64

	IsSynced       bool
	SyncInProgress bool
	Phase          Phase

	// AwaitingFirstUpdate is set when a Binance snapshot is installed
	// and cleared once the straddling first update is accepted
	AwaitingFirstUpdate bool

	ErrorCount           int
	RetryCount           int
	ConsecutiveSeqErrors int
	MaintenanceResets    int64

	LastSnapshotTime time.Time
	LastUpdateTime   time.Time

	// PendingSnapshot holds a too-new snapshot while the stream
	// catches up; SnapshotWaitStart bounds the too-old grace window.
	PendingSnapshot   *connector.Snapshot
	SnapshotWaitStart time.Time
}

// NewState creates the unsynced state for a stream key
func NewState(key connector.StreamKey, bufferLimit int) *State {
	return &State{
		Key:    key,
		Buffer: NewUpdateBuffer(bufferLimit),
		Phase:  PhaseSubscribing,
	}
}

// ResetForResync discards the local book and re-enters SUBSCRIBING.
// Retry bookkeeping survives so the backoff schedule can grow.
func (s *State) ResetForResync() {
	s.Book = nil
	s.Buffer.Clear()
	s.LastUpdateID = 0
	s.LastSeqID = 0
	s.FirstUpdateID = 0
	s.SnapshotLastUpdateID = 0
	s.IsSynced = false
	s.SyncInProgress = true
	s.Phase = PhaseSubscribing
	s.AwaitingFirstUpdate = false
	s.ConsecutiveSeqErrors = 0
	s.PendingSnapshot = nil
	s.SnapshotWaitStart = time.Time{}
}

// MarkSynced installs the synced flags after a successful replay
func (s *State) MarkSynced() {
	s.IsSynced = true
	s.SyncInProgress = false
	s.Phase = PhaseRunning
	s.RetryCount = 0
	s.ConsecutiveSeqErrors = 0
	s.PendingSnapshot = nil
	s.SnapshotWaitStart = time.Time{}
}
