package conn

import (
	"context"
	"errors"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

// ErrNegotiationTimeout marks a record that never completed its
// offer/answer exchange within the configured window.
var ErrNegotiationTimeout = errors.New("negotiation timed out")

// ErrConnectivityLost marks a record whose transport failed and did not
// recover within the disconnect grace window.
var ErrConnectivityLost = errors.New("ice connectivity lost")

// ErrReplaceUnsupported is returned by PeerLink.ReplaceVideoTrack when the
// transport cannot swap the outgoing track in place; the caller falls back
// to a full renegotiation cycle.
var ErrReplaceUnsupported = errors.New("in-place track replacement unsupported")

// LinkState is the transport-level connectivity of a PeerLink, as reported
// by its handlers.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

// LinkHandlers receive asynchronous transport events. Implementations must
// invoke them from their own goroutines, never synchronously from inside a
// PeerLink method call, or the manager deadlocks on its own lock.
type LinkHandlers struct {
	// OnCandidate fires for every locally gathered ICE candidate.
	OnCandidate func(signal.Candidate)
	// OnStateChange fires on transport connectivity transitions.
	OnStateChange func(LinkState)
}

// LocalTrack is the surface the connection layer needs from an outgoing
// media track. Unwrap returns the transport-native track object (a
// webrtc.TrackLocal for the pion link); fakes return nil.
type LocalTrack interface {
	TrackID() string
	IsVideo() bool
	Unwrap() any
}

// PeerLink abstracts one RTCPeerConnection-equivalent transport so the
// record state machine is drivable in tests without live ICE. The pion
// implementation lives in pion.go.
type PeerLink interface {
	Bind(h LinkHandlers)

	CreateOffer(ctx context.Context) (signal.Description, error)
	CreateAnswer(ctx context.Context) (signal.Description, error)
	SetLocalDescription(d signal.Description) error
	SetRemoteDescription(d signal.Description) error
	// Rollback discards a pending local offer, returning the signaling
	// state to stable so a remote offer can be applied in its place.
	Rollback() error
	AddCandidate(c signal.Candidate) error

	AddTrack(t LocalTrack) error
	RemoveTrack(t LocalTrack) error
	ReplaceVideoTrack(t LocalTrack) error

	Close() error
}

// LinkFactory builds the transport for a new remote peer. The real factory
// is produced by NewPionFactory; tests inject scripted links.
type LinkFactory func(remotePeerID string) (PeerLink, error)
