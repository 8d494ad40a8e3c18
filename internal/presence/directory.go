// Package presence tracks which peers are currently attached to a session.
// Membership is learned purely from relay traffic: broadcast joins announce
// newcomers, directed join echoes teach newcomers the existing roster, and
// periodic re-announcements double as liveness pulses so silent peers age
// out without any timer unrelated to connectivity evidence.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

// ErrUnknownMembership is returned when the directory cannot vouch for the
// roster (never joined, or the relay went away). Callers must not treat it
// as an empty room.
var ErrUnknownMembership = errors.New("presence: membership unknown")

// Member is one peer attached to the session.
type Member struct {
	ID          string
	DisplayName string
	Role        signal.Role
	LastSeen    time.Time
}

// EventType discriminates roster transitions.
type EventType int

const (
	PeerJoined EventType = iota
	PeerLeft
)

func (t EventType) String() string {
	if t == PeerJoined {
		return "joined"
	}
	return "left"
}

// Event is delivered exactly once per roster transition, deduplicated by
// peer id.
type Event struct {
	Type   EventType
	Member Member
}

// Options tune the liveness behaviour. Zero values fall back to defaults.
type Options struct {
	// Heartbeat is how often the local announce is re-broadcast.
	Heartbeat time.Duration
	// TTL is how long a silent member stays in the roster before it is
	// treated as departed.
	TTL time.Duration
}

const (
	defaultHeartbeat = 5 * time.Second
	defaultTTL       = 15 * time.Second
)

// Directory is the presence directory for one peer in one session.
type Directory struct {
	relay signal.Relay
	self  Member
	opts  Options

	mu        sync.Mutex
	sessionID string
	members   map[string]Member
	listeners map[chan Event]struct{}
	joined    bool
	cancelSub func()
	done      chan struct{}
}

// NewDirectory creates a directory for the local peer identity. Join must
// be called before the roster is meaningful.
func NewDirectory(relay signal.Relay, self Member, opts Options) *Directory {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Directory{
		relay:     relay,
		self:      self,
		opts:      opts,
		members:   make(map[string]Member),
		listeners: make(map[chan Event]struct{}),
	}
}

// Join announces local presence to the room and returns the member
// snapshot known so far. It fails fast when the relay is unreachable; in
// that case membership stays unknown.
func (d *Directory) Join(ctx context.Context, sessionID string) ([]Member, error) {
	d.mu.Lock()
	if d.joined {
		d.mu.Unlock()
		return d.snapshotLocked(), nil
	}
	d.mu.Unlock()

	ch, cancel, err := d.relay.Subscribe(sessionID)
	if err != nil {
		return nil, fmt.Errorf("presence join: %w", err)
	}

	announce := signal.New(signal.KindJoin, d.self.ID, "", sessionID, signal.Announce{
		DisplayName: d.self.DisplayName,
		Role:        d.self.Role,
	})
	if err := d.relay.Send(ctx, announce); err != nil {
		cancel()
		return nil, fmt.Errorf("presence join: %w", err)
	}

	d.mu.Lock()
	d.sessionID = sessionID
	d.joined = true
	d.cancelSub = cancel
	d.done = make(chan struct{})
	done := d.done
	snap := d.snapshotLocked()
	d.mu.Unlock()

	go d.dispatchLoop(ch, done)
	go d.heartbeatLoop(done)
	return snap, nil
}

// Leave announces departure and stops tracking. Idempotent.
func (d *Directory) Leave(ctx context.Context) error {
	d.mu.Lock()
	if !d.joined {
		d.mu.Unlock()
		return nil
	}
	d.joined = false
	sessionID := d.sessionID
	cancel := d.cancelSub
	d.cancelSub = nil
	close(d.done)
	d.members = make(map[string]Member)
	d.mu.Unlock()

	goodbye := signal.New(signal.KindLeave, d.self.ID, "", sessionID, signal.Goodbye{Reason: "leave"})
	err := d.relay.Send(ctx, goodbye)
	cancel()
	if err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Members returns the current roster of remote peers. When membership is
// unknown it returns ErrUnknownMembership instead of a false-empty room.
func (d *Directory) Members() ([]Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined {
		return nil, ErrUnknownMembership
	}
	return d.snapshotLocked(), nil
}

// Self returns the local member identity.
func (d *Directory) Self() Member { return d.self }

// Subscribe registers a roster event listener. Events are dropped rather
// than block a slow listener, matching the lossy relay underneath.
func (d *Directory) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	d.mu.Lock()
	d.listeners[ch] = struct{}{}
	d.mu.Unlock()
	cancel = func() {
		d.mu.Lock()
		if _, ok := d.listeners[ch]; ok {
			delete(d.listeners, ch)
			close(ch)
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

func (d *Directory) snapshotLocked() []Member {
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) dispatchLoop(ch <-chan signal.Envelope, done chan struct{}) {
	prune := time.NewTicker(d.opts.Heartbeat)
	defer prune.Stop()
	for {
		select {
		case <-done:
			return
		case <-prune.C:
			d.pruneStale()
		case env, ok := <-ch:
			if !ok {
				// Relay went away: membership is unknown from here on.
				d.mu.Lock()
				d.joined = false
				d.members = make(map[string]Member)
				d.mu.Unlock()
				return
			}
			d.handle(env)
		}
	}
}

func (d *Directory) handle(env signal.Envelope) {
	switch env.Kind {
	case signal.KindJoin:
		payload, err := signal.DecodePayload(env)
		if err != nil {
			log.Printf("PRESENCE [%s]: bad join from %s: %v", env.SessionID, env.From, err)
			return
		}
		a := payload.(*signal.Announce)
		known := d.upsert(env.From, a)
		// Answer a newcomer's first broadcast with a directed echo so it
		// learns we were already here. Known members re-announcing are
		// liveness pulses and get no reply; echoes themselves are final.
		if !known && env.Broadcast() && !a.Echo {
			echo := signal.New(signal.KindJoin, d.self.ID, env.From, env.SessionID, signal.Announce{
				DisplayName: d.self.DisplayName,
				Role:        d.self.Role,
				Echo:        true,
			})
			if err := d.relay.Send(context.Background(), echo); err != nil {
				log.Printf("PRESENCE [%s]: echo to %s failed: %v", env.SessionID, env.From, err)
			}
		}
	case signal.KindLeave:
		d.remove(env.From)
	}
}

// upsert adds or refreshes a member and reports whether it was already
// known. The joined event fires only on the first sighting; later
// announces are liveness pulses.
func (d *Directory) upsert(id string, a *signal.Announce) bool {
	if id == d.self.ID {
		return true
	}
	d.mu.Lock()
	if !d.joined {
		d.mu.Unlock()
		return true
	}
	m, known := d.members[id]
	m.ID = id
	m.DisplayName = a.DisplayName
	m.Role = a.Role
	m.LastSeen = time.Now()
	d.members[id] = m
	d.mu.Unlock()
	if !known {
		d.emit(Event{Type: PeerJoined, Member: m})
	}
	return known
}

func (d *Directory) remove(id string) {
	d.mu.Lock()
	m, known := d.members[id]
	if known {
		delete(d.members, id)
	}
	d.mu.Unlock()
	if known {
		d.emit(Event{Type: PeerLeft, Member: m})
	}
}

// pruneStale drops members that missed enough heartbeats, emitting the
// same left event an explicit goodbye would have produced.
func (d *Directory) pruneStale() {
	cutoff := time.Now().Add(-d.opts.TTL)
	var gone []Member
	d.mu.Lock()
	for id, m := range d.members {
		if m.LastSeen.Before(cutoff) {
			delete(d.members, id)
			gone = append(gone, m)
		}
	}
	d.mu.Unlock()
	for _, m := range gone {
		d.emit(Event{Type: PeerLeft, Member: m})
	}
}

func (d *Directory) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(d.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.mu.Lock()
			joined := d.joined
			sessionID := d.sessionID
			d.mu.Unlock()
			if !joined {
				return
			}
			pulse := signal.New(signal.KindJoin, d.self.ID, "", sessionID, signal.Announce{
				DisplayName: d.self.DisplayName,
				Role:        d.self.Role,
			})
			if err := d.relay.Send(context.Background(), pulse); err != nil {
				log.Printf("PRESENCE [%s]: heartbeat failed: %v", sessionID, err)
			}
		}
	}
}

func (d *Directory) emit(evt Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
