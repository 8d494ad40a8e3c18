// Package wsrelay is the websocket signaling transport: a thin client for
// a relay server that fans envelopes out to every subscriber of a session.
// Delivery is at-most-once; a slow reader loses messages rather than block
// the pumps.
package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	subBuffer  = 256
)

// frame is the wire protocol between client and relay server. The server
// only routes: it never inspects the envelope beyond its session id.
type frame struct {
	Op        string           `json:"op"` // publish | subscribe | unsubscribe
	SessionID string           `json:"session_id,omitempty"`
	Envelope  *signal.Envelope `json:"envelope,omitempty"`
}

// Client implements signal.Relay over one websocket connection.
type Client struct {
	selfID string
	conn   *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer only

	mu     sync.Mutex
	subs   map[string]map[chan signal.Envelope]struct{}
	send   chan frame
	closed bool
	dead   bool
}

// Dial connects to the relay server. The returned client is ready for
// Subscribe/Send immediately.
func Dial(ctx context.Context, url, selfID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", url, err)
	}

	c := &Client{
		selfID: selfID,
		conn:   conn,
		subs:   make(map[string]map[chan signal.Envelope]struct{}),
		send:   make(chan frame, subBuffer),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send publishes one envelope. It fails fast with ErrRelayUnavailable when
// the connection has been lost; the caller decides whether that matters.
func (c *Client) Send(_ context.Context, env signal.Envelope) error {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return fmt.Errorf("wsrelay send: %w", signal.ErrRelayUnavailable)
	}
	c.mu.Unlock()

	select {
	case c.send <- frame{Op: "publish", SessionID: env.SessionID, Envelope: &env}:
		return nil
	default:
		// Outbound queue full. The relay is lossy by contract, but a
		// full queue here means the link is effectively gone.
		return fmt.Errorf("wsrelay send queue full: %w", signal.ErrRelayUnavailable)
	}
}

// Subscribe registers interest in a session's traffic. The channel closes
// when the connection dies or the client is closed.
func (c *Client) Subscribe(sessionID string) (<-chan signal.Envelope, func(), error) {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("wsrelay subscribe: %w", signal.ErrRelayUnavailable)
	}
	ch := make(chan signal.Envelope, subBuffer)
	set, ok := c.subs[sessionID]
	if !ok {
		set = make(map[chan signal.Envelope]struct{})
		c.subs[sessionID] = set
	}
	first := !ok
	set[ch] = struct{}{}
	c.mu.Unlock()

	if first {
		c.enqueue(frame{Op: "subscribe", SessionID: sessionID})
	}

	cancel := func() {
		c.mu.Lock()
		set, ok := c.subs[sessionID]
		if ok {
			if _, member := set[ch]; member {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, sessionID)
				c.enqueueLocked(frame{Op: "unsubscribe", SessionID: sessionID})
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel, nil
}

func (c *Client) enqueue(f frame) {
	c.mu.Lock()
	c.enqueueLocked(f)
	c.mu.Unlock()
}

func (c *Client) enqueueLocked(f frame) {
	if c.closed || c.dead {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

// Close tears the connection down and closes every subscription channel,
// which downstream consumers read as membership-unknown.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeSubsLocked()
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) closeSubsLocked() {
	for sessionID, set := range c.subs {
		for ch := range set {
			close(ch)
		}
		delete(c.subs, sessionID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		c.dead = true
		c.closeSubsLocked()
		c.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WSRELAY: read: %v", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("WSRELAY: bad frame: %v", err)
			continue
		}
		if f.Op != "publish" || f.Envelope == nil {
			continue
		}
		c.deliver(*f.Envelope)
	}
}

// deliver fans an inbound envelope out to local subscribers. Own echoes
// and envelopes directed at someone else are dropped here so consumers
// only ever see traffic meant for them.
func (c *Client) deliver(env signal.Envelope) {
	if env.From == c.selfID || !env.For(c.selfID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs[env.SessionID] {
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteJSON(f)
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("WSRELAY: write: %v", err)
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var _ signal.Relay = (*Client)(nil)
