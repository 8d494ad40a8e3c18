package conn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

// NewPionFactory builds the production LinkFactory. All links share one
// webrtc.API so codecs, interceptors and ICE timeouts are configured once.
func NewPionFactory(stunURLs []string) (LinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the link. The default disconnectedTimeout is
	// 5 s — far too short for paths that stutter during re-keying or
	// failover; the manager's own grace window does the escalation.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}

	return func(remotePeerID string) (PeerLink, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("peer connection for %s: %w", remotePeerID, err)
		}
		return &pionLink{
			remote:  remotePeerID,
			pc:      pc,
			senders: make(map[string]*webrtc.RTPSender),
		}, nil
	}, nil
}

// pionLink adapts one RTCPeerConnection to the PeerLink surface. Pion
// delivers OnICECandidate and OnConnectionStateChange from its own
// goroutines, which satisfies the LinkHandlers asynchrony contract.
type pionLink struct {
	remote string
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	senders     map[string]*webrtc.RTPSender
	videoID     string
	videoSender *webrtc.RTPSender
}

func (l *pionLink) Bind(h LinkHandlers) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		h.OnCandidate(signal.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange == nil {
			return
		}
		h.OnStateChange(mapPeerConnectionState(s))
	})
	l.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CONN [%s]: remote track %s (%s)", l.remote, tr.ID(), tr.Kind())
	})
}

func mapPeerConnectionState(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed
	default:
		return LinkConnecting
	}
}

func (l *pionLink) CreateOffer(_ context.Context) (signal.Description, error) {
	l.ensureOfferMLines()
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer(_ context.Context) (signal.Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ensureOfferMLines guarantees the offer carries both a video and an
// audio m-line even when a local kind is missing (denied device, viewer
// role). Pion only creates m-lines for attached senders, and an answer
// cannot add m-lines the offer left out.
func (l *pionLink) ensureOfferMLines() {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := map[webrtc.RTPCodecType]bool{}
	for _, s := range l.senders {
		if t := s.Track(); t != nil {
			have[t.Kind()] = true
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[kind] {
			continue
		}
		if transceiverHasKind(l.pc.GetTransceivers(), kind) {
			continue
		}
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CONN [%s]: recvonly transceiver (%s): %v", l.remote, kind, err)
		}
	}
}

func transceiverHasKind(ts []*webrtc.RTPTransceiver, kind webrtc.RTPCodecType) bool {
	for _, t := range ts {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (l *pionLink) SetLocalDescription(d signal.Description) error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (l *pionLink) SetRemoteDescription(d signal.Description) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddCandidate(c signal.Candidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (l *pionLink) AddTrack(t LocalTrack) error {
	tl, ok := t.Unwrap().(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %s is not a webrtc.TrackLocal", t.TrackID())
	}
	sender, err := l.pc.AddTrack(tl)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.senders[t.TrackID()] = sender
	if t.IsVideo() {
		l.videoID = t.TrackID()
		l.videoSender = sender
	}
	l.mu.Unlock()

	go l.drainRTCP(t.TrackID(), sender)
	return nil
}

func (l *pionLink) RemoveTrack(t LocalTrack) error {
	l.mu.Lock()
	sender, ok := l.senders[t.TrackID()]
	if ok {
		delete(l.senders, t.TrackID())
		if l.videoID == t.TrackID() {
			l.videoID = ""
			l.videoSender = nil
		}
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("track %s not attached", t.TrackID())
	}
	return l.pc.RemoveTrack(sender)
}

func (l *pionLink) ReplaceVideoTrack(t LocalTrack) error {
	l.mu.Lock()
	sender := l.videoSender
	oldID := l.videoID
	l.mu.Unlock()
	if sender == nil {
		return ErrReplaceUnsupported
	}

	tl, ok := t.Unwrap().(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %s is not a webrtc.TrackLocal", t.TrackID())
	}
	if err := sender.ReplaceTrack(tl); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}

	l.mu.Lock()
	delete(l.senders, oldID)
	l.senders[t.TrackID()] = sender
	l.videoID = t.TrackID()
	l.mu.Unlock()
	return nil
}

// drainRTCP keeps the sender's RTCP read loop moving so the interceptor
// chain sees feedback. PLI bursts are logged; keyframe generation is the
// encoder's business, not ours.
func (l *pionLink) drainRTCP(trackID string, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				log.Printf("CONN [%s]: PLI received for track %s", l.remote, trackID)
			}
		}
	}
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

var _ PeerLink = (*pionLink)(nil)
