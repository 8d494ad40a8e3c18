// Package memrelay is an in-process loopback implementation of
// signal.Relay. A Bus stands in for the external pub/sub service; every
// participant gets its own Client so cross-peer delivery, addressing and
// loss behave like the real relay. Tests and single-host demos use it.
package memrelay

import (
	"context"
	"sync"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

// subBuffer matches the real relay clients: deliveries that find a full
// subscriber buffer are dropped, the same way the lossy relay drops them.
const subBuffer = 256

// Bus routes envelopes between the Clients attached to it.
type Bus struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewBus() *Bus {
	return &Bus{clients: make(map[*Client]struct{})}
}

// Client creates a relay client for one peer identity.
func (b *Bus) Client(peerID string) *Client {
	c := &Client{
		bus:  b,
		self: peerID,
		subs: make(map[string]map[chan signal.Envelope]struct{}),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Bus) publish(env signal.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.deliver(env)
	}
}

func (b *Bus) remove(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// Client is one peer's handle on the Bus.
type Client struct {
	bus  *Bus
	self string

	mu      sync.Mutex
	subs    map[string]map[chan signal.Envelope]struct{}
	offline bool
	closed  bool
}

var _ signal.Relay = (*Client)(nil)

// SetOffline simulates loss of the relay: Send fails fast and nothing is
// delivered until the client is brought back online.
func (c *Client) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

func (c *Client) Send(_ context.Context, env signal.Envelope) error {
	c.mu.Lock()
	unavailable := c.offline || c.closed
	c.mu.Unlock()
	if unavailable {
		return signal.ErrRelayUnavailable
	}
	c.bus.publish(env)
	return nil
}

func (c *Client) Subscribe(sessionID string) (<-chan signal.Envelope, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, signal.ErrRelayUnavailable
	}
	ch := make(chan signal.Envelope, subBuffer)
	set, ok := c.subs[sessionID]
	if !ok {
		set = make(map[chan signal.Envelope]struct{})
		c.subs[sessionID] = set
	}
	set[ch] = struct{}{}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.subs[sessionID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, sessionID)
			}
		}
	}
	return ch, cancel, nil
}

// HasSubscription reports whether any subscription on sessionID is still
// live. Teardown tests assert this goes false.
func (c *Client) HasSubscription(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[sessionID]) > 0
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, set := range c.subs {
		for ch := range set {
			close(ch)
		}
	}
	c.subs = make(map[string]map[chan signal.Envelope]struct{})
	c.mu.Unlock()
	c.bus.remove(c)
	return nil
}

// deliver filters an envelope for this client: own messages are skipped so
// broadcast SDP never echoes back to its sender, and directed envelopes
// only reach their target.
func (c *Client) deliver(env signal.Envelope) {
	if env.From == c.self || !env.For(c.self) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline || c.closed {
		return
	}
	for ch := range c.subs[env.SessionID] {
		select {
		case ch <- env:
		default:
		}
	}
}
