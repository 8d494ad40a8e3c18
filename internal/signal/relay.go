package signal

import (
	"context"
	"errors"
)

// ErrRelayUnavailable is returned when the signaling channel cannot be
// reached. Joins fail fast on it; the core never retries internally.
var ErrRelayUnavailable = errors.New("signaling relay unavailable")

// Relay is the only surface the coordination core needs from the signaling
// transport. Delivery is at-most-once and best-effort: ordering is only
// guaranteed between envelopes addressed to the same peer by the same
// sender, so every protocol step built on top must be replay-safe.
//
// Concrete implementations live in internal/relay: a websocket client for
// the platform's signaling server, a libp2p GossipSub client for
// serverless LAN sessions, and an in-process loopback used by tests.
type Relay interface {
	// Send publishes one envelope to the session's channel.
	Send(ctx context.Context, env Envelope) error

	// Subscribe returns a channel delivering inbound envelopes for the
	// session whose To is empty or equals the local peer id. cancel
	// releases the subscription and closes the channel; it is idempotent.
	Subscribe(sessionID string) (ch <-chan Envelope, cancel func(), err error)

	// Close tears down the relay client. Subscriptions are cancelled.
	Close() error
}
