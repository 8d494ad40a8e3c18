// Package conn owns the one-connection-per-remote-peer arena and the
// negotiation state machine that drives it. All mutation funnels through
// the manager: relay envelopes, transport events and timer expiries are
// the only things that move a record between states, so the arena can
// never be corrupted by ad-hoc callers.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

const (
	defaultNegotiationTimeout = 15 * time.Second
	defaultDisconnectGrace    = 10 * time.Second
)

// Options configure a Manager. Callbacks run outside the manager's lock
// and may call back into it.
type Options struct {
	// NegotiationTimeout bounds how long a record may take from creation
	// to Connected before it is failed and closed.
	NegotiationTimeout time.Duration
	// DisconnectGrace is how long a Connected record may sit in
	// Disconnected before the loss is treated as permanent. Deliberately
	// tunable: different call sites want different tolerance.
	DisconnectGrace time.Duration

	// AcceptOffer, when set, filters inbound offers by sender. The
	// topology layer uses it to refuse offers from anyone but the
	// current streamer in broadcast sessions.
	AcceptOffer func(from string) bool

	// Attach wires local media into a freshly created link, before any
	// negotiation happens on it.
	Attach func(remotePeerID string, link PeerLink)
	// OnConnected fires when a record first reaches Connected.
	OnConnected func(remotePeerID string)
	// OnClosed fires after a record is fully released, with the reason
	// (nil for an orderly disconnect).
	OnClosed func(remotePeerID string, reason error)
}

// Manager owns every peer connection record for one local peer in one
// session.
type Manager struct {
	relay   signal.Relay
	selfID  string
	factory LinkFactory
	opts    Options

	mu        sync.Mutex
	sessionID string
	records   map[string]*record
	cancelSub func()
	done      chan struct{}
	started   bool
}

// NewManager creates a manager for the local peer. Start must be called
// before any connection can be established.
func NewManager(relay signal.Relay, selfID string, factory LinkFactory, opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	return &Manager{
		relay:   relay,
		selfID:  selfID,
		factory: factory,
		opts:    opts,
		records: make(map[string]*record),
	}
}

// Start subscribes to the session's signaling traffic and begins routing
// it into the state machine.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch, cancel, err := m.relay.Subscribe(sessionID)
	if err != nil {
		return fmt.Errorf("conn start: %w", err)
	}

	m.mu.Lock()
	m.started = true
	m.sessionID = sessionID
	m.cancelSub = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				m.HandleEnvelope(env)
			}
		}
	}()
	return nil
}

// Connect attempts to establish a connection with a discovered peer. The
// offerer tiebreak is resolved up front: the lexicographically lower peer
// id sends the offer, the other side creates an idle record and waits for
// it, so a simultaneous mutual discovery produces exactly one offer.
func (m *Manager) Connect(ctx context.Context, remotePeerID string) error {
	return m.ConnectAs(ctx, remotePeerID, m.selfID < remotePeerID)
}

// ConnectAs is Connect with the offerer role fixed by the caller instead
// of the id tiebreak. Broadcast topologies use it: the streamer always
// offers regardless of id ordering.
func (m *Manager) ConnectAs(ctx context.Context, remotePeerID string, asOfferer bool) error {
	if remotePeerID == m.selfID {
		return nil
	}
	rec, created, err := m.ensureRecord(remotePeerID, asOfferer)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.state.terminal() {
		return nil
	}
	m.armNegotiationTimer(rec)
	if rec.isOfferer {
		return m.startOfferLocked(ctx, rec)
	}
	return nil
}

// Renegotiate re-runs the offer/answer exchange on an established record,
// used when a media change cannot be applied in place.
func (m *Manager) Renegotiate(ctx context.Context, remotePeerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[remotePeerID]
	if !ok || rec.state.terminal() {
		return fmt.Errorf("renegotiate %s: no active record", remotePeerID)
	}
	rec.resetNegotiation()
	rec.isOfferer = true
	m.armNegotiationTimer(rec)
	return m.startOfferLocked(ctx, rec)
}

// Disconnect closes the record for one remote peer without touching any
// other record. No-op when none exists.
func (m *Manager) Disconnect(remotePeerID string) {
	m.mu.Lock()
	rec, ok := m.records[remotePeerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.closeRecordLocked(rec, nil, false)
	m.mu.Unlock()
	m.notifyClosed(remotePeerID, nil)
}

// Close tears down every record and the relay subscription. Individual
// close errors are logged and skipped: teardown always completes.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancelSub
	m.cancelSub = nil
	close(m.done)

	closed := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		m.closeRecordLocked(rec, nil, false)
		closed = append(closed, id)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, id := range closed {
		m.notifyClosed(id, nil)
	}
}

// Info returns a snapshot of one record.
func (m *Manager) Info(remotePeerID string) (RecordInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[remotePeerID]
	if !ok {
		return RecordInfo{}, false
	}
	return rec.info(), true
}

// Infos returns a snapshot of the whole arena.
func (m *Manager) Infos() []RecordInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordInfo, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.info())
	}
	return out
}

// HandleEnvelope is the single entry point for inbound signaling. The
// dispatch loop calls it; tests drive the state machine through it
// directly, without a live transport.
func (m *Manager) HandleEnvelope(env signal.Envelope) {
	switch env.Kind {
	case signal.KindOffer:
		m.handleOffer(env)
	case signal.KindAnswer:
		m.handleAnswer(env)
	case signal.KindCandidate:
		m.handleCandidate(env)
	case signal.KindJoin, signal.KindLeave:
		// Presence traffic: the directory owns it.
	}
}

// ensureRecord returns the live record for a peer, creating link and
// record when none exists. Attach and Bind run outside the lock so the
// media controller can take its own lock safely.
func (m *Manager) ensureRecord(remotePeerID string, isOfferer bool) (*record, bool, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, false, errors.New("conn: manager not started")
	}
	if rec, ok := m.records[remotePeerID]; ok && !rec.state.terminal() {
		m.mu.Unlock()
		return rec, false, nil
	}
	link, err := m.factory(remotePeerID)
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("create link for %s: %w", remotePeerID, err)
	}
	rec := newRecord(remotePeerID, isOfferer, link)
	m.records[remotePeerID] = rec
	m.mu.Unlock()

	if m.opts.Attach != nil {
		m.opts.Attach(remotePeerID, link)
	}
	link.Bind(LinkHandlers{
		OnCandidate:   func(c signal.Candidate) { m.sendCandidate(remotePeerID, c) },
		OnStateChange: func(s LinkState) { m.handleLinkState(remotePeerID, s) },
	})
	return rec, true, nil
}

func (m *Manager) handleOffer(env signal.Envelope) {
	if m.opts.AcceptOffer != nil && !m.opts.AcceptOffer(env.From) {
		log.Printf("CONN [%s]: refused offer from %s", m.session(), env.From)
		return
	}
	payload, err := signal.DecodePayload(env)
	if err != nil {
		log.Printf("CONN [%s]: bad offer from %s: %v", m.session(), env.From, err)
		return
	}
	desc := payload.(*signal.Description)

	rec, created, err := m.ensureRecord(env.From, false)
	if err != nil {
		log.Printf("CONN [%s]: offer from %s: %v", m.session(), env.From, err)
		return
	}

	m.mu.Lock()
	if rec.state.terminal() {
		m.mu.Unlock()
		return
	}
	if created {
		m.armNegotiationTimer(rec)
	}
	switch rec.state {
	case StateOffering:
		// Glare: both sides produced an offer for this pair. The
		// deterministic rule gives the offer to the lower peer id; when
		// the remote id wins we discard our outbound offer and answer
		// theirs, otherwise their offer is the one to be discarded.
		if env.From < m.selfID {
			log.Printf("CONN [%s]: glare with %s, yielding offerer role", m.sessionID, env.From)
			// Our offer is already the local description; the transport
			// refuses a remote offer until it is rolled back.
			if rec.localSet {
				if err := rec.link.Rollback(); err != nil {
					err = fmt.Errorf("rollback offer to %s: %w", env.From, err)
					m.failLocked(rec, err)
					m.mu.Unlock()
					m.notifyClosed(env.From, err)
					return
				}
			}
			rec.resetNegotiation()
			rec.isOfferer = false
		} else {
			m.mu.Unlock()
			return
		}
	case StateAnswering:
		if rec.remoteSet {
			// Relay replay of an offer already applied.
			m.mu.Unlock()
			return
		}
	case StateConnecting, StateConnected, StateDisconnected:
		// Remote-initiated renegotiation on the live transport.
		rec.resetNegotiation()
		rec.isOfferer = false
		m.armNegotiationTimer(rec)
	}
	rec.state = StateAnswering

	if err := m.applyRemoteDescriptionLocked(rec, desc); err != nil {
		m.failLocked(rec, err)
		m.mu.Unlock()
		m.notifyClosed(env.From, err)
		return
	}

	answer, err := rec.link.CreateAnswer(context.Background())
	if err == nil {
		err = rec.link.SetLocalDescription(answer)
	}
	if err != nil {
		err = fmt.Errorf("answer %s: %w", env.From, err)
		m.failLocked(rec, err)
		m.mu.Unlock()
		m.notifyClosed(env.From, err)
		return
	}
	rec.localSet = true
	m.negotiationDoneLocked(rec)
	out := signal.New(signal.KindAnswer, m.selfID, env.From, m.sessionID, answer)
	m.mu.Unlock()

	if err := m.relay.Send(context.Background(), out); err != nil {
		log.Printf("CONN [%s]: send answer to %s: %v", m.session(), env.From, err)
	}
}

func (m *Manager) handleAnswer(env signal.Envelope) {
	payload, err := signal.DecodePayload(env)
	if err != nil {
		log.Printf("CONN [%s]: bad answer from %s: %v", m.session(), env.From, err)
		return
	}
	desc := payload.(*signal.Description)

	m.mu.Lock()
	rec, ok := m.records[env.From]
	if !ok || rec.state != StateOffering || !rec.isOfferer {
		// Either a replay after we already progressed, or an answer we
		// never asked for. Both are safe to drop.
		m.mu.Unlock()
		return
	}
	if err := m.applyRemoteDescriptionLocked(rec, desc); err != nil {
		m.failLocked(rec, err)
		m.mu.Unlock()
		m.notifyClosed(env.From, err)
		return
	}
	m.negotiationDoneLocked(rec)
	m.mu.Unlock()
}

// negotiationDoneLocked moves a record past its offer/answer exchange. On
// a transport that stayed connected throughout (renegotiation) the record
// returns to Connected immediately: the link never dropped, so no
// connected edge will arrive to do it.
func (m *Manager) negotiationDoneLocked(rec *record) {
	if rec.transportUp {
		rec.stopTimers()
		rec.state = StateConnected
		return
	}
	rec.state = StateConnecting
}

func (m *Manager) handleCandidate(env signal.Envelope) {
	payload, err := signal.DecodePayload(env)
	if err != nil {
		log.Printf("CONN [%s]: bad candidate from %s: %v", m.session(), env.From, err)
		return
	}
	cand := payload.(*signal.Candidate)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[env.From]
	if !ok || rec.state.terminal() {
		// Per-sender ordering means a candidate cannot overtake its
		// offer, so there is no record to wait for — the pair is gone.
		log.Printf("CONN [%s]: dropping candidate from %s: no record", m.sessionID, env.From)
		return
	}
	if rec.pending.Add(*cand) {
		return
	}
	// Buffer already flushed: the remote description is in place and the
	// candidate applies directly.
	if err := rec.link.AddCandidate(*cand); err != nil {
		log.Printf("CONN [%s]: apply candidate from %s: %v", m.sessionID, env.From, err)
	}
}

// applyRemoteDescriptionLocked sets the remote description and performs
// the single buffered-candidate flush the instant it lands.
func (m *Manager) applyRemoteDescriptionLocked(rec *record, desc *signal.Description) error {
	if err := rec.link.SetRemoteDescription(*desc); err != nil {
		return fmt.Errorf("remote description from %s: %w", rec.remotePeerID, err)
	}
	rec.remoteSet = true
	if err := rec.pending.Flush(rec.link.AddCandidate); err != nil {
		log.Printf("CONN [%s]: flush candidates for %s: %v", m.sessionID, rec.remotePeerID, err)
	}
	return nil
}

func (m *Manager) startOfferLocked(ctx context.Context, rec *record) error {
	rec.state = StateOffering
	offer, err := rec.link.CreateOffer(ctx)
	if err == nil {
		err = rec.link.SetLocalDescription(offer)
	}
	if err != nil {
		err = fmt.Errorf("offer to %s: %w", rec.remotePeerID, err)
		m.failLocked(rec, err)
		go m.notifyClosed(rec.remotePeerID, err)
		return err
	}
	rec.localSet = true
	out := signal.New(signal.KindOffer, m.selfID, rec.remotePeerID, m.sessionID, offer)
	if err := m.relay.Send(ctx, out); err != nil {
		// The negotiation timer will reap the record if the loss was
		// real; the relay gives no acknowledgment either way.
		log.Printf("CONN [%s]: send offer to %s: %v", m.sessionID, rec.remotePeerID, err)
	}
	return nil
}

func (m *Manager) sendCandidate(remotePeerID string, c signal.Candidate) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	env := signal.New(signal.KindCandidate, m.selfID, remotePeerID, sessionID, c)
	if err := m.relay.Send(context.Background(), env); err != nil {
		log.Printf("CONN [%s]: send candidate to %s: %v", sessionID, remotePeerID, err)
	}
}

func (m *Manager) handleLinkState(remotePeerID string, s LinkState) {
	m.mu.Lock()
	rec, ok := m.records[remotePeerID]
	if !ok || rec.state.terminal() {
		m.mu.Unlock()
		return
	}
	switch s {
	case LinkConnected:
		rec.transportUp = true
		switch rec.state {
		case StateConnecting, StateDisconnected:
			rec.stopTimers()
			rec.state = StateConnected
			m.mu.Unlock()
			if m.opts.OnConnected != nil {
				m.opts.OnConnected(remotePeerID)
			}
			return
		}
	case LinkDisconnected:
		rec.transportUp = false
		if rec.state == StateConnected {
			rec.state = StateDisconnected
			grace := m.opts.DisconnectGrace
			rec.graceTimer = time.AfterFunc(grace, func() { m.graceExpired(remotePeerID) })
		}
	case LinkFailed:
		rec.transportUp = false
		m.failLocked(rec, ErrConnectivityLost)
		m.mu.Unlock()
		m.notifyClosed(remotePeerID, ErrConnectivityLost)
		return
	}
	m.mu.Unlock()
}

// graceExpired fires when a Disconnected record did not recover in time.
func (m *Manager) graceExpired(remotePeerID string) {
	m.mu.Lock()
	rec, ok := m.records[remotePeerID]
	if !ok || rec.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.failLocked(rec, ErrConnectivityLost)
	m.mu.Unlock()
	m.notifyClosed(remotePeerID, ErrConnectivityLost)
}

func (m *Manager) armNegotiationTimer(rec *record) {
	if rec.negTimer != nil {
		rec.negTimer.Stop()
	}
	remote := rec.remotePeerID
	rec.negTimer = time.AfterFunc(m.opts.NegotiationTimeout, func() { m.negotiationExpired(remote) })
}

func (m *Manager) negotiationExpired(remotePeerID string) {
	m.mu.Lock()
	rec, ok := m.records[remotePeerID]
	if !ok || rec.state.terminal() || rec.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.failLocked(rec, ErrNegotiationTimeout)
	m.mu.Unlock()
	m.notifyClosed(remotePeerID, ErrNegotiationTimeout)
}

// failLocked drives a record through Failed into Closed and removes it
// from the arena. Only this record is touched: one peer's failure never
// cascades to the rest of the session.
func (m *Manager) failLocked(rec *record, reason error) {
	log.Printf("CONN [%s]: %s failed: %v", m.sessionID, rec.remotePeerID, reason)
	m.closeRecordLocked(rec, reason, true)
}

func (m *Manager) closeRecordLocked(rec *record, reason error, failed bool) {
	if rec.state == StateClosed {
		return
	}
	rec.stopTimers()
	if failed {
		rec.state = StateFailed
	}
	if err := rec.link.Close(); err != nil {
		log.Printf("CONN [%s]: close link %s: %v", m.sessionID, rec.remotePeerID, err)
	}
	rec.state = StateClosed
	delete(m.records, rec.remotePeerID)
}

func (m *Manager) notifyClosed(remotePeerID string, reason error) {
	if m.opts.OnClosed != nil {
		m.opts.OnClosed(remotePeerID, reason)
	}
}

func (m *Manager) session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}
