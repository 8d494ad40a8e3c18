// Package signal defines the wire protocol spoken between peers through the
// signaling relay, and the Relay surface the rest of the module consumes.
// Envelopes are immutable: they are produced, sent, received and decoded,
// never mutated in place.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the closed set of signaling message types. Handlers
// switch over Kind exhaustively; DecodePayload rejects anything outside the
// set so an unknown message can never silently fall through.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
)

// Role is the session role assigned to a peer by the platform's
// authorization layer. The core trusts it at join time and never
// re-validates it.
type Role string

const (
	RoleStreamer    Role = "streamer"
	RoleViewer      Role = "viewer"
	RoleParticipant Role = "participant"
)

// Envelope is one signaling message scoped to a session. An empty To means
// the envelope is a broadcast intended for every current room member
// (used for join/leave only).
type Envelope struct {
	Kind      Kind            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcast reports whether the envelope is addressed to the whole room.
func (e Envelope) Broadcast() bool { return e.To == "" }

// For reports whether peerID is an intended recipient of the envelope.
func (e Envelope) For(peerID string) bool { return e.To == "" || e.To == peerID }

// Description is the SDP payload of offer and answer envelopes.
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is a single trickled ICE candidate. The pointer fields mirror
// the browser's RTCIceCandidateInit: absent and empty are distinct.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Announce is the payload of join envelopes. A broadcast join announces a
// new member; a directed join is the roster echo an existing member sends
// back so the newcomer learns who was already present.
type Announce struct {
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role"`
	Echo        bool   `json:"echo,omitempty"`
}

// Goodbye is the payload of leave envelopes.
type Goodbye struct {
	Reason string `json:"reason,omitempty"`
}

// NowMillis returns the envelope timestamp for messages produced now.
func NowMillis() int64 { return time.Now().UnixMilli() }

// New builds an envelope with the payload marshalled in. It panics only on
// marshal failure of the module's own payload types, which cannot happen.
func New(kind Kind, from, to, sessionID string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("signal: marshal %T: %v", payload, err))
		}
		raw = b
	}
	return Envelope{
		Kind:      kind,
		From:      from,
		To:        to,
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: NowMillis(),
	}
}

// DecodePayload unmarshals the payload into the concrete type dictated by
// the envelope's Kind. The returned value is one of *Description,
// *Candidate, *Announce or *Goodbye.
func DecodePayload(e Envelope) (any, error) {
	switch e.Kind {
	case KindOffer, KindAnswer:
		var d Description
		if err := json.Unmarshal(e.Payload, &d); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
		}
		return &d, nil
	case KindCandidate:
		var c Candidate
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode candidate payload: %w", err)
		}
		return &c, nil
	case KindJoin:
		var a Announce
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return nil, fmt.Errorf("decode join payload: %w", err)
		}
		return &a, nil
	case KindLeave:
		var g Goodbye
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &g); err != nil {
				return nil, fmt.Errorf("decode leave payload: %w", err)
			}
		}
		return &g, nil
	default:
		return nil, fmt.Errorf("unknown signal kind %q", e.Kind)
	}
}
