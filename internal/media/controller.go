package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/abdkhan-git/codura-rtc/internal/conn"
)

// Renegotiator is the slice of the connection manager the controller
// needs for the replacement fallback path.
type Renegotiator interface {
	Renegotiate(ctx context.Context, remotePeerID string) error
}

// Controller holds the local MediaTrackSet and mirrors it onto every live
// connection. Exactly one video source is active at a time; swapping never
// leaves two outgoing video tracks attached to the same connection.
type Controller struct {
	provider CaptureProvider

	mu       sync.Mutex
	reneg    Renegotiator
	camera   Track
	mic      Track
	screen   Track
	active   VideoSource
	links    map[string]conn.PeerLink
	audioOff bool
	videoOff bool
	released bool
}

func NewController(provider CaptureProvider) *Controller {
	return &Controller{
		provider: provider,
		active:   SourceCamera,
		links:    make(map[string]conn.PeerLink),
	}
}

// BindRenegotiator wires the connection manager in after construction;
// the manager needs the controller's Attach first, so the two are built
// in that order.
func (c *Controller) BindRenegotiator(r Renegotiator) {
	c.mu.Lock()
	c.reneg = r
	c.mu.Unlock()
}

// Acquire opens camera and microphone with a graceful ladder: both, then
// each alone. Denial of every device still returns ErrDeviceDenied so the
// caller can report it, but the controller remains usable — the peer
// joins without sending media.
func (c *Controller) Acquire(ctx context.Context) error {
	cam, camErr := c.provider.AcquireCamera(ctx)
	mic, micErr := c.provider.AcquireMicrophone(ctx)

	c.mu.Lock()
	c.camera = cam
	c.mic = mic
	c.mu.Unlock()

	if camErr != nil {
		log.Printf("MEDIA: camera unavailable: %v", camErr)
	}
	if micErr != nil {
		log.Printf("MEDIA: microphone unavailable: %v", micErr)
	}
	if camErr != nil && micErr != nil {
		return fmt.Errorf("acquire media: %w", ErrDeviceDenied)
	}
	return nil
}

// Attach wires the current local tracks into a freshly created
// connection. The connection manager calls it for every link it builds.
func (c *Controller) Attach(remotePeerID string, link conn.PeerLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.links[remotePeerID] = link
	if v := c.activeVideoLocked(); v != nil {
		if err := link.AddTrack(v); err != nil {
			log.Printf("MEDIA: add video for %s: %v", remotePeerID, err)
		}
	}
	if c.mic != nil {
		if err := link.AddTrack(c.mic); err != nil {
			log.Printf("MEDIA: add audio for %s: %v", remotePeerID, err)
		}
	}
}

// Detach forgets a closed connection.
func (c *Controller) Detach(remotePeerID string) {
	c.mu.Lock()
	delete(c.links, remotePeerID)
	c.mu.Unlock()
}

// SetVideoSource swaps the single outgoing video track on every live
// connection. In-place replacement keeps connection state untouched; only
// when a transport refuses replacement does that one connection re-enter
// negotiation. One connection's swap failure never affects the others.
func (c *Controller) SetVideoSource(ctx context.Context, src VideoSource) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return errors.New("media: controller released")
	}
	if src == c.active {
		c.mu.Unlock()
		return nil
	}

	next, err := c.ensureSourceLocked(ctx, src)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.activeVideoLocked()
	c.active = src
	if prev != nil {
		prev.SetMuted(true)
	}
	next.SetMuted(c.videoOff)

	reneg := c.reneg
	targets := make(map[string]conn.PeerLink, len(c.links))
	for id, l := range c.links {
		targets[id] = l
	}
	c.mu.Unlock()

	for remote, link := range targets {
		err := link.ReplaceVideoTrack(next)
		switch {
		case err == nil:
		case errors.Is(err, conn.ErrReplaceUnsupported):
			if prev != nil {
				if rmErr := link.RemoveTrack(prev); rmErr != nil {
					log.Printf("MEDIA: remove old video for %s: %v", remote, rmErr)
				}
			}
			if addErr := link.AddTrack(next); addErr != nil {
				log.Printf("MEDIA: add video for %s: %v", remote, addErr)
				continue
			}
			if reneg != nil {
				if rnErr := reneg.Renegotiate(ctx, remote); rnErr != nil {
					log.Printf("MEDIA: renegotiate %s: %v", remote, rnErr)
				}
			}
		default:
			log.Printf("MEDIA: replace video for %s: %v", remote, err)
		}
	}
	return nil
}

// ActiveSource returns which device currently feeds outgoing video.
func (c *Controller) ActiveSource() VideoSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ActiveVideoTrackID identifies the current outgoing video track, or ""
// when none is live.
func (c *Controller) ActiveVideoTrackID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.activeVideoLocked(); v != nil {
		return v.TrackID()
	}
	return ""
}

// ToggleAudio flips the microphone mute. Returns the new muted state.
// The track stays attached everywhere, so no connection state changes.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioOff = !c.audioOff
	if c.mic != nil {
		c.mic.SetMuted(c.audioOff)
	}
	return c.audioOff
}

// ToggleVideo flips the outgoing video mute. Returns the new muted state.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !c.videoOff
	if v := c.activeVideoLocked(); v != nil {
		v.SetMuted(c.videoOff)
	}
	return c.videoOff
}

// ReleaseAll stops every local device track. Called during session
// teardown; safe to call again, but the devices are gone for good.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	tracks := []Track{c.camera, c.mic, c.screen}
	c.camera, c.mic, c.screen = nil, nil, nil
	c.links = make(map[string]conn.PeerLink)
	c.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			log.Printf("MEDIA: stop track %s: %v", t.TrackID(), err)
		}
	}
}

// Released reports whether teardown has already run.
func (c *Controller) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *Controller) activeVideoLocked() Track {
	switch c.active {
	case SourceScreen:
		if c.screen != nil {
			return c.screen
		}
		return nil
	default:
		if c.camera != nil {
			return c.camera
		}
		return nil
	}
}

// ensureSourceLocked lazily acquires the device behind src. Screen
// capture in particular is only opened on the first share.
func (c *Controller) ensureSourceLocked(ctx context.Context, src VideoSource) (Track, error) {
	switch src {
	case SourceScreen:
		if c.screen == nil {
			t, err := c.provider.AcquireScreen(ctx)
			if err != nil {
				return nil, fmt.Errorf("screen share: %w", err)
			}
			c.screen = t
		}
		return c.screen, nil
	case SourceCamera:
		if c.camera == nil {
			t, err := c.provider.AcquireCamera(ctx)
			if err != nil {
				return nil, fmt.Errorf("camera: %w", err)
			}
			c.camera = t
		}
		return c.camera, nil
	default:
		return nil, fmt.Errorf("unknown video source %q", src)
	}
}
