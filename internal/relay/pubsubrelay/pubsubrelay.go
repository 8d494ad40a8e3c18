// Package pubsubrelay is the serverless signaling transport: one GossipSub
// topic per session, peers discovered over mDNS on the LAN. Gossip gives
// at-most-once delivery with per-sender ordering, which is exactly the
// contract the layers above are written against.
package pubsubrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

const subBuffer = 256

// Options for the pubsub node. TopicPrefix namespaces sessions so
// unrelated deployments sharing a LAN never cross-talk.
type Options struct {
	ListenPort  int
	MdnsTag     string
	TopicPrefix string
	KeyFile     string
}

// Node implements signal.Relay on a libp2p GossipSub host.
type Node struct {
	host        host.Host
	ps          *pubsub.PubSub
	selfID      string
	topicPrefix string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is one joined topic plus its local fan-out set. The topic is
// joined once and shared by every local subscriber of the session.
type session struct {
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	cancel  context.CancelFunc
	subs    map[chan signal.Envelope]struct{}
	started bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	_ = n.h.Connect(context.Background(), pi)
}

// New starts the libp2p host. selfID is the application-level peer id
// carried in envelopes; it need not match the libp2p peer id.
func New(ctx context.Context, selfID string, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("PUBSUB: generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("PUBSUB: loaded identity key: %s", opts.KeyFile)
	}

	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("listen addr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:        h,
		ps:          ps,
		selfID:      selfID,
		topicPrefix: opts.TopicPrefix,
		ctx:         nodeCtx,
		cancel:      cancel,
		sessions:    make(map[string]*session),
	}
	log.Printf("PUBSUB: host %s listening on %v", h.ID(), n.Addrs())
	return n, nil
}

// Addrs returns the host's non-loopback listen addresses.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		if manet.IsIPLoopback(a) {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func (n *Node) topicName(sessionID string) string {
	return n.topicPrefix + "." + sessionID + ".v1"
}

// ensureSessionLocked joins the session topic if needed. Publishing only
// needs the topic; the subscription loop starts on first Subscribe.
func (n *Node) ensureSessionLocked(sessionID string) (*session, error) {
	if s, ok := n.sessions[sessionID]; ok {
		return s, nil
	}
	topic, err := n.ps.Join(n.topicName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	s := &session{
		topic: topic,
		subs:  make(map[chan signal.Envelope]struct{}),
	}
	n.sessions[sessionID] = s
	return s, nil
}

func (n *Node) Send(ctx context.Context, env signal.Envelope) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("pubsub send: %w", signal.ErrRelayUnavailable)
	}
	s, err := n.ensureSessionLocked(env.SessionID)
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pubsub send: %w", err)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub send: %w", err)
	}
	if err := s.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("pubsub send: %w: %v", signal.ErrRelayUnavailable, err)
	}
	return nil
}

func (n *Node) Subscribe(sessionID string) (<-chan signal.Envelope, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, nil, fmt.Errorf("pubsub subscribe: %w", signal.ErrRelayUnavailable)
	}
	s, err := n.ensureSessionLocked(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub subscribe: %w", err)
	}
	if !s.started {
		sub, err := s.topic.Subscribe()
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub subscribe: %w", err)
		}
		loopCtx, cancel := context.WithCancel(n.ctx)
		s.sub = sub
		s.cancel = cancel
		s.started = true
		go n.readLoop(loopCtx, s)
	}

	ch := make(chan signal.Envelope, subBuffer)
	s.subs[ch] = struct{}{}

	cancel := func() {
		n.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel, nil
}

func (n *Node) readLoop(ctx context.Context, s *session) {
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			n.mu.Lock()
			for ch := range s.subs {
				delete(s.subs, ch)
				close(ch)
			}
			n.mu.Unlock()
			return
		}
		if m.ReceivedFrom == n.host.ID() {
			continue
		}

		var env signal.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			continue
		}
		if env.From == "" || env.From == n.selfID || !env.For(n.selfID) {
			continue
		}

		n.mu.Lock()
		for ch := range s.subs {
			select {
			case ch <- env:
			default:
			}
		}
		n.mu.Unlock()
	}
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for id, s := range n.sessions {
		if s.cancel != nil {
			s.cancel()
		}
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
		delete(n.sessions, id)
	}
	n.mu.Unlock()

	n.cancel()
	return n.host.Close()
}

var _ signal.Relay = (*Node)(nil)
