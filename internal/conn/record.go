package conn

import "time"

// record is the manager-owned state for one remote peer. All fields are
// guarded by the manager's lock; at most one non-closed record exists per
// remote peer at any time.
type record struct {
	remotePeerID string
	state        State
	isOfferer    bool
	localSet     bool
	remoteSet    bool
	// transportUp mirrors the link's last connectivity edge. Negotiation
	// state and transport connectivity move independently: a renegotiation
	// runs its offer/answer cycle while the transport stays connected and
	// never re-emits a connected edge.
	transportUp bool
	pending     *CandidateBuffer
	link        PeerLink

	negTimer   *time.Timer
	graceTimer *time.Timer
}

func newRecord(remotePeerID string, isOfferer bool, link PeerLink) *record {
	return &record{
		remotePeerID: remotePeerID,
		isOfferer:    isOfferer,
		pending:      NewCandidateBuffer(),
		link:         link,
	}
}

// resetNegotiation rearms the record for a fresh offer/answer cycle on the
// same transport (renegotiation, or discarding a glare-losing offer).
func (r *record) resetNegotiation() {
	r.localSet = false
	r.remoteSet = false
	r.pending = NewCandidateBuffer()
}

func (r *record) stopTimers() {
	if r.negTimer != nil {
		r.negTimer.Stop()
		r.negTimer = nil
	}
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// RecordInfo is a read-only snapshot of a record, for callers that need to
// observe the arena without being able to mutate it.
type RecordInfo struct {
	RemotePeerID         string
	State                State
	IsOfferer            bool
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	PendingCandidates    int
}

func (r *record) info() RecordInfo {
	return RecordInfo{
		RemotePeerID:         r.remotePeerID,
		State:                r.state,
		IsOfferer:            r.isOfferer,
		LocalDescriptionSet:  r.localSet,
		RemoteDescriptionSet: r.remoteSet,
		PendingCandidates:    r.pending.Len(),
	}
}
