package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthfeed-collector/internal/connector"
)

func spotUpdate(first, final int64) *connector.DepthUpdate {
	return &connector.DepthUpdate{
		Exchange:      connector.BinanceSpot,
		FirstUpdateID: first,
		FinalUpdateID: final,
	}
}

func perpUpdate(first, final, prev int64) *connector.DepthUpdate {
	return &connector.DepthUpdate{
		Exchange:          connector.BinanceDerivatives,
		FirstUpdateID:     first,
		FinalUpdateID:     final,
		PrevFinalUpdateID: prev,
	}
}

func okxUpdate(seq, prev int64, action connector.UpdateType) *connector.DepthUpdate {
	return &connector.DepthUpdate{
		Exchange:  connector.OKXSpot,
		SeqID:     seq,
		PrevSeqID: prev,
		Action:    action,
	}
}

func TestBinanceSpotSequence(t *testing.T) {
	t.Parallel()

	v := ValidatorFor(connector.BinanceSpot)
	require.NotNil(t, v)

	st := NewState(testKey(), 0)
	st.SnapshotLastUpdateID = 1015
	st.LastUpdateID = 1015
	st.AwaitingFirstUpdate = true

	// behind the snapshot: stale, not an error
	verdict, _ := v.Validate(st, spotUpdate(1000, 1009))
	assert.Equal(t, VerdictStale, verdict)
	assert.True(t, st.AwaitingFirstUpdate)

	// straddles S+1: the first accepted update
	verdict, _ = v.Validate(st, spotUpdate(1010, 1019))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 1019, st.LastUpdateID)
	assert.False(t, st.AwaitingFirstUpdate)

	// contiguous
	verdict, _ = v.Validate(st, spotUpdate(1020, 1029))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 1029, st.LastUpdateID)

	// gap: does not advance the id
	verdict, reason := v.Validate(st, spotUpdate(1040, 1049))
	assert.Equal(t, VerdictGap, verdict)
	assert.NotEmpty(t, reason)
	assert.EqualValues(t, 1029, st.LastUpdateID)

	// replay of an applied range: stale
	verdict, _ = v.Validate(st, spotUpdate(1020, 1029))
	assert.Equal(t, VerdictStale, verdict)
}

func TestBinanceSpotFirstUpdateMustStraddle(t *testing.T) {
	t.Parallel()

	v := ValidatorFor(connector.BinanceSpot)
	st := NewState(testKey(), 0)
	st.SnapshotLastUpdateID = 1015
	st.LastUpdateID = 1015
	st.AwaitingFirstUpdate = true

	// starts beyond S+1: a hole between snapshot and stream
	verdict, _ := v.Validate(st, spotUpdate(1017, 1025))
	assert.Equal(t, VerdictGap, verdict)
	assert.True(t, st.AwaitingFirstUpdate)
}

func TestBinanceDerivativesSequence(t *testing.T) {
	t.Parallel()

	v := ValidatorFor(connector.BinanceDerivatives)
	require.NotNil(t, v)

	st := NewState(connector.StreamKey{
		Exchange:   connector.BinanceDerivatives,
		MarketType: connector.MarketPerpetual,
		Symbol:     "BTC-USDT",
	}, 0)
	st.SnapshotLastUpdateID = 505
	st.LastUpdateID = 505
	st.AwaitingFirstUpdate = true

	// first covers the snapshot id
	verdict, _ := v.Validate(st, perpUpdate(500, 510, 490))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 510, st.LastUpdateID)

	verdict, _ = v.Validate(st, perpUpdate(511, 520, 510))
	assert.Equal(t, VerdictAccept, verdict)

	verdict, _ = v.Validate(st, perpUpdate(521, 530, 520))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 530, st.LastUpdateID)

	// pu mismatch: 525 != 530
	verdict, reason := v.Validate(st, perpUpdate(540, 550, 525))
	assert.Equal(t, VerdictGap, verdict)
	assert.Contains(t, reason, "pu=525")
	assert.EqualValues(t, 530, st.LastUpdateID)
}

func TestOKXSequence(t *testing.T) {
	t.Parallel()

	v := ValidatorFor(connector.OKXSpot)
	require.NotNil(t, v)

	st := NewState(okxKey(), 0)

	// channel snapshot establishes the baseline
	verdict, _ := v.Validate(st, okxUpdate(100, 0, connector.UpdateSnapshot))
	assert.Equal(t, VerdictSnapshot, verdict)
	assert.EqualValues(t, 100, st.LastSeqID)

	verdict, _ = v.Validate(st, okxUpdate(105, 100, connector.UpdateDelta))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 105, st.LastSeqID)

	// heartbeat: seqId == prevSeqId
	verdict, _ = v.Validate(st, okxUpdate(105, 105, connector.UpdateDelta))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 105, st.LastSeqID)

	// prevSeqId == -1 treated as snapshot
	verdict, _ = v.Validate(st, okxUpdate(200, -1, connector.UpdateDelta))
	assert.Equal(t, VerdictSnapshot, verdict)
	assert.EqualValues(t, 200, st.LastSeqID)

	// discontinuity
	verdict, _ = v.Validate(st, okxUpdate(300, 250, connector.UpdateDelta))
	assert.Equal(t, VerdictGap, verdict)
	assert.EqualValues(t, 200, st.LastSeqID)
}

func TestOKXMaintenanceReset(t *testing.T) {
	t.Parallel()

	v := ValidatorFor(connector.OKXDerivatives)
	st := NewState(connector.StreamKey{
		Exchange:   connector.OKXDerivatives,
		MarketType: connector.MarketPerpetual,
		Symbol:     "BTC-USDT",
	}, 0)

	verdict, _ := v.Validate(st, okxUpdate(10000, 0, connector.UpdateSnapshot))
	require.Equal(t, VerdictSnapshot, verdict)

	// server-side sequence reset: seqId drops below prevSeqId
	verdict, reason := v.Validate(st, okxUpdate(1, 10000, connector.UpdateDelta))
	assert.Equal(t, VerdictMaintenance, verdict)
	assert.NotEmpty(t, reason)
	assert.EqualValues(t, 1, st.LastSeqID)
	assert.EqualValues(t, 1, st.MaintenanceResets)

	// chain continues from the reset baseline
	verdict, _ = v.Validate(st, okxUpdate(2, 1, connector.UpdateDelta))
	assert.Equal(t, VerdictAccept, verdict)
	assert.EqualValues(t, 1, st.MaintenanceResets)
}

func TestUpdateBufferDropOldest(t *testing.T) {
	t.Parallel()

	buf := NewUpdateBuffer(3)
	for i := int64(1); i <= 3; i++ {
		assert.False(t, buf.Append(spotUpdate(i, i)))
	}
	assert.True(t, buf.Append(spotUpdate(4, 4)))
	assert.Equal(t, 3, buf.Len())
	assert.EqualValues(t, 1, buf.Dropped())
	assert.EqualValues(t, 2, buf.First().FirstUpdateID)
	assert.EqualValues(t, 4, buf.Last().FirstUpdateID)

	buf.Clear()
	assert.Zero(t, buf.Len())
	assert.Nil(t, buf.First())
}
