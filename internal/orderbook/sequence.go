package orderbook

import (
	"fmt"

	"depthfeed-collector/internal/connector"
)

// Verdict classifies one incremental update against the stream position
type Verdict int

const (
	// VerdictAccept applies the update as an incremental diff
	VerdictAccept Verdict = iota
	// VerdictSnapshot rebuilds the book from the update's rows
	VerdictSnapshot
	// VerdictMaintenance applies a diff whose sequence baseline was
	// reset server-side (OKX maintenance)
	VerdictMaintenance
	// VerdictStale drops an update the book already covers
	VerdictStale
	// VerdictGap flags a discontinuity; repeated gaps force resync
	VerdictGap
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictSnapshot:
		return "snapshot"
	case VerdictMaintenance:
		return "maintenance"
	case VerdictStale:
		return "stale"
	case VerdictGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Validator checks update continuity for one exchange. Validate
// advances state.Last*ID only when the update is accepted.
type Validator interface {
	Validate(st *State, u *connector.DepthUpdate) (Verdict, string)
}

// ValidatorFor returns the canonical validator for an exchange
func ValidatorFor(exchange connector.Exchange) Validator {
	switch exchange {
	case connector.BinanceSpot:
		return binanceSpotValidator{}
	case connector.BinanceDerivatives:
		return binanceDerivativesValidator{}
	case connector.OKXSpot, connector.OKXDerivatives:
		return okxValidator{}
	default:
		return nil
	}
}

// binanceSpotValidator enforces the spot depth-diff rules: the first
// update after snapshot S must satisfy U <= S+1 <= u, every later one
// must continue with U == last+1.
type binanceSpotValidator struct{}

func (binanceSpotValidator) Validate(st *State, u *connector.DepthUpdate) (Verdict, string) {
	if u.FinalUpdateID <= st.LastUpdateID {
		return VerdictStale, fmt.Sprintf("u=%d already covered by last=%d", u.FinalUpdateID, st.LastUpdateID)
	}

	if st.AwaitingFirstUpdate {
		s := st.SnapshotLastUpdateID
		if u.FirstUpdateID <= s+1 && s+1 <= u.FinalUpdateID {
			st.LastUpdateID = u.FinalUpdateID
			st.AwaitingFirstUpdate = false
			return VerdictAccept, ""
		}
		return VerdictGap, fmt.Sprintf("first update U=%d u=%d does not straddle snapshot %d", u.FirstUpdateID, u.FinalUpdateID, s)
	}

	if u.FirstUpdateID == st.LastUpdateID+1 {
		st.LastUpdateID = u.FinalUpdateID
		return VerdictAccept, ""
	}
	return VerdictGap, fmt.Sprintf("U=%d, want %d", u.FirstUpdateID, st.LastUpdateID+1)
}

// binanceDerivativesValidator enforces the USD-M rules: the first
// update must cover the snapshot id, later ones must chain pu == last.
type binanceDerivativesValidator struct{}

func (binanceDerivativesValidator) Validate(st *State, u *connector.DepthUpdate) (Verdict, string) {
	if u.FinalUpdateID < st.LastUpdateID {
		return VerdictStale, fmt.Sprintf("u=%d behind last=%d", u.FinalUpdateID, st.LastUpdateID)
	}

	if st.AwaitingFirstUpdate {
		s := st.SnapshotLastUpdateID
		if u.FirstUpdateID <= s && s <= u.FinalUpdateID {
			st.LastUpdateID = u.FinalUpdateID
			st.AwaitingFirstUpdate = false
			return VerdictAccept, ""
		}
		return VerdictGap, fmt.Sprintf("first update U=%d u=%d does not cover snapshot %d", u.FirstUpdateID, u.FinalUpdateID, s)
	}

	if u.PrevFinalUpdateID == st.LastUpdateID {
		st.LastUpdateID = u.FinalUpdateID
		return VerdictAccept, ""
	}
	return VerdictGap, fmt.Sprintf("pu=%d, want %d", u.PrevFinalUpdateID, st.LastUpdateID)
}

// okxValidator enforces books-channel seqId chaining. Order matters:
// a maintenance reset (seqId < prevSeqId) may arrive with prevSeqId
// still equal to our last seqId and must not count as a plain accept.
type okxValidator struct{}

func (okxValidator) Validate(st *State, u *connector.DepthUpdate) (Verdict, string) {
	if u.Action == connector.UpdateSnapshot || u.PrevSeqID == -1 {
		st.LastSeqID = u.SeqID
		st.LastUpdateID = u.SeqID
		return VerdictSnapshot, ""
	}

	if u.SeqID < u.PrevSeqID {
		st.LastSeqID = u.SeqID
		st.LastUpdateID = u.SeqID
		st.MaintenanceResets++
		return VerdictMaintenance, fmt.Sprintf("seqId %d below prevSeqId %d", u.SeqID, u.PrevSeqID)
	}

	if u.PrevSeqID == st.LastSeqID {
		// seqId == prevSeqId is a legal heartbeat
		st.LastSeqID = u.SeqID
		st.LastUpdateID = u.SeqID
		return VerdictAccept, ""
	}

	return VerdictGap, fmt.Sprintf("prevSeqId=%d, want %d", u.PrevSeqID, st.LastSeqID)
}
