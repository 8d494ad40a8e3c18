// Package topology decides which peer connects to which. Mesh sessions
// link every pair once; broadcast sessions form a star around a single
// streamer. The controller glues presence, connections and media together
// and owns the full join/leave lifecycle.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdkhan-git/codura-rtc/internal/conn"
	"github.com/abdkhan-git/codura-rtc/internal/media"
	"github.com/abdkhan-git/codura-rtc/internal/presence"
	"github.com/abdkhan-git/codura-rtc/internal/signal"
	"github.com/abdkhan-git/codura-rtc/internal/util"
)

// Mode selects the connection shape of a session.
type Mode string

const (
	// ModeMesh links every pair of participants directly.
	ModeMesh Mode = "mesh"
	// ModeBroadcast forms a star: one streamer offers to every viewer,
	// viewers never link to each other.
	ModeBroadcast Mode = "broadcast"
)

// ErrCapacityExceeded is returned when a second streamer tries to join a
// broadcast session. The rejection happens before any signaling traffic.
var ErrCapacityExceeded = errors.New("topology: broadcast session already has a streamer")

// Params carry everything JoinRoom needs. Relay, SelfID and LinkFactory
// are required; the rest has workable defaults.
type Params struct {
	Relay       signal.Relay
	SelfID      string
	DisplayName string
	Role        signal.Role
	Mode        Mode

	LinkFactory conn.LinkFactory
	Capture     media.CaptureProvider

	// CurrentStreamer consults the platform's session service for the
	// streamer slot before any signaling happens. Optional; without it a
	// second streamer is only detected from roster roles.
	CurrentStreamer func(sessionID string) (streamerID string, occupied bool)

	Presence presence.Options
	Conn     conn.Options
}

func (p Params) validate() error {
	if p.Relay == nil {
		return errors.New("topology: Relay is required")
	}
	if p.SelfID == "" {
		return errors.New("topology: SelfID is required")
	}
	if p.LinkFactory == nil {
		return errors.New("topology: LinkFactory is required")
	}
	return nil
}

// eventLogSize bounds the in-memory session history.
const eventLogSize = 64

// Event is one entry of the session's recent history: peers arriving and
// leaving, streamer changes, connections closing.
type Event struct {
	At  time.Time
	Msg string
}

// Controller is one peer's view of one joined session.
type Controller struct {
	sessionID  string
	selfID     string
	role       signal.Role
	mode       Mode
	streamerOf func(sessionID string) (string, bool)

	dir    *presence.Directory
	conns  *conn.Manager
	tracks *media.Controller

	cancelEvents func()
	loopDone     chan struct{}

	history *util.RingBuffer[Event]

	mu       sync.Mutex
	streamer string
	left     bool
}

// JoinRoom attaches the local peer to a session and starts establishing
// connections per the session's mode. A streamer joining an occupied
// broadcast session is rejected up front, before any signaling.
func JoinRoom(ctx context.Context, sessionID string, p Params) (*Controller, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Mode == "" {
		p.Mode = ModeMesh
	}
	if p.Role == "" {
		p.Role = signal.RoleParticipant
	}

	if p.Mode == ModeBroadcast && p.Role == signal.RoleStreamer && p.CurrentStreamer != nil {
		if id, occupied := p.CurrentStreamer(sessionID); occupied && id != p.SelfID {
			return nil, fmt.Errorf("join %s: %w", sessionID, ErrCapacityExceeded)
		}
	}

	c := &Controller{
		sessionID:  sessionID,
		selfID:     p.SelfID,
		role:       p.Role,
		mode:       p.Mode,
		streamerOf: p.CurrentStreamer,
		history:    util.NewRingBuffer[Event](eventLogSize),
	}
	if p.Mode == ModeBroadcast && p.Role == signal.RoleStreamer {
		c.streamer = p.SelfID
	}

	c.tracks = media.NewController(p.Capture)
	if c.sendsMedia() && p.Capture != nil {
		if err := c.tracks.Acquire(ctx); err != nil {
			// Denied devices are recoverable: the peer joins without
			// sending media and still receives everyone else's.
			log.Printf("TOPOLOGY [%s]: joining without local media: %v", sessionID, err)
		}
	}

	connOpts := p.Conn
	connOpts.AcceptOffer = c.acceptOffer
	connOpts.Attach = c.tracks.Attach
	userOnClosed := p.Conn.OnClosed
	connOpts.OnClosed = func(remote string, reason error) {
		c.tracks.Detach(remote)
		if reason != nil {
			c.record("connection to %s closed: %v", remote, reason)
			log.Printf("TOPOLOGY [%s]: connection to %s closed: %v", sessionID, remote, reason)
		} else {
			c.record("connection to %s closed", remote)
		}
		if userOnClosed != nil {
			userOnClosed(remote, reason)
		}
	}
	c.conns = conn.NewManager(p.Relay, p.SelfID, p.LinkFactory, connOpts)
	c.tracks.BindRenegotiator(c.conns)

	if err := c.conns.Start(ctx, sessionID); err != nil {
		c.tracks.ReleaseAll()
		return nil, fmt.Errorf("join %s: %w", sessionID, err)
	}

	c.dir = presence.NewDirectory(p.Relay, presence.Member{
		ID:          p.SelfID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
	}, p.Presence)

	events, cancelEvents := c.dir.Subscribe()
	c.cancelEvents = cancelEvents
	c.loopDone = make(chan struct{})

	snapshot, err := c.dir.Join(ctx, sessionID)
	if err != nil {
		cancelEvents()
		c.conns.Close()
		c.tracks.ReleaseAll()
		return nil, fmt.Errorf("join %s: %w", sessionID, err)
	}

	if p.CurrentStreamer == nil && p.Mode == ModeBroadcast && p.Role != signal.RoleStreamer {
		for _, m := range snapshot {
			if m.Role == signal.RoleStreamer {
				c.setStreamer(m.ID)
				break
			}
		}
	}

	go c.eventLoop(ctx, events)
	for _, m := range snapshot {
		c.maybeConnect(ctx, m)
	}
	return c, nil
}

// sendsMedia reports whether this peer contributes outgoing tracks.
// Broadcast viewers are receive-only.
func (c *Controller) sendsMedia() bool {
	return !(c.mode == ModeBroadcast && c.role != signal.RoleStreamer)
}

// Media exposes the local track controller for mute toggles and source
// swaps. Nil is never returned for a joined controller.
func (c *Controller) Media() *media.Controller { return c.tracks }

// Members is the current roster, excluding self.
func (c *Controller) Members() ([]presence.Member, error) { return c.dir.Members() }

// Connections snapshots every live connection record.
func (c *Controller) Connections() []conn.RecordInfo { return c.conns.Infos() }

// History returns the session's recent events, oldest first.
func (c *Controller) History() []Event { return c.history.Snapshot() }

func (c *Controller) record(format string, args ...any) {
	c.history.Push(Event{At: time.Now(), Msg: fmt.Sprintf(format, args...)})
}

func (c *Controller) setStreamer(id string) {
	c.mu.Lock()
	c.streamer = id
	c.mu.Unlock()
}

func (c *Controller) currentStreamer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamer
}

// acceptOffer is the inbound offer policy. Mesh accepts anyone; the
// streamer of a broadcast never answers — in a star every offer flows
// outward from its center. Viewers accept only the current streamer: the
// platform hook is authoritative when configured; otherwise the roster's
// streamer is used, and an offer arriving before the roster has taught us
// the streamer is accepted provisionally (adoptStreamer prunes impostors
// the moment the real streamer is known).
func (c *Controller) acceptOffer(from string) bool {
	if c.mode != ModeBroadcast {
		return true
	}
	if c.role == signal.RoleStreamer {
		return false
	}
	if c.streamerOf != nil {
		id, occupied := c.streamerOf(c.sessionID)
		return occupied && from == id
	}
	if s := c.currentStreamer(); s != "" {
		return from == s
	}
	return true
}

// adoptStreamer records the star center and drops every spoke that does
// not lead to it. Handles both a streamer handover and a provisionally
// accepted offer that turned out not to be the streamer's.
func (c *Controller) adoptStreamer(id string) {
	old := c.currentStreamer()
	if old == id {
		return
	}
	if old != "" {
		log.Printf("TOPOLOGY [%s]: streamer changed %s -> %s", c.sessionID, old, id)
	}
	c.record("streamer is %s", id)
	c.setStreamer(id)
	for _, info := range c.conns.Infos() {
		if info.RemotePeerID != id {
			c.conns.Disconnect(info.RemotePeerID)
		}
	}
}

func (c *Controller) eventLoop(ctx context.Context, events chan presence.Event) {
	defer close(c.loopDone)
	for evt := range events {
		switch evt.Type {
		case presence.PeerJoined:
			c.handleJoin(ctx, evt.Member)
		case presence.PeerLeft:
			c.handleLeft(evt.Member)
		}
	}
}

func (c *Controller) handleJoin(ctx context.Context, m presence.Member) {
	c.record("%s (%s) joined", m.ID, m.Role)
	if c.mode == ModeBroadcast && m.Role == signal.RoleStreamer && c.role != signal.RoleStreamer {
		c.adoptStreamer(m.ID)
	}
	c.maybeConnect(ctx, m)
}

func (c *Controller) handleLeft(m presence.Member) {
	c.record("%s left", m.ID)
	c.conns.Disconnect(m.ID)
	if c.mode == ModeBroadcast && m.ID == c.currentStreamer() && c.role != signal.RoleStreamer {
		c.setStreamer("")
	}
}

// maybeConnect applies the mode's shape to one discovered peer. Mesh
// links everyone; a broadcast streamer offers to each viewer; broadcast
// viewers wait for the streamer's offer rather than dial out.
func (c *Controller) maybeConnect(ctx context.Context, m presence.Member) {
	switch c.mode {
	case ModeBroadcast:
		if c.role != signal.RoleStreamer {
			return
		}
		if err := c.conns.ConnectAs(ctx, m.ID, true); err != nil {
			log.Printf("TOPOLOGY [%s]: offer to viewer %s: %v", c.sessionID, m.ID, err)
		}
	default:
		if err := c.conns.Connect(ctx, m.ID); err != nil {
			log.Printf("TOPOLOGY [%s]: connect %s: %v", c.sessionID, m.ID, err)
		}
	}
}

// Leave tears the session down: close every connection, release every
// capture device, announce departure, drop the event subscription. Each
// step runs regardless of earlier failures; errors are joined.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	c.conns.Close()
	c.tracks.ReleaseAll()

	err := c.dir.Leave(ctx)

	c.cancelEvents()
	<-c.loopDone

	if err != nil {
		return errors.Join(fmt.Errorf("leave %s", c.sessionID), err)
	}
	return nil
}
