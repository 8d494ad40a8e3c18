//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const rtpOutboundMTU = 1200

// deviceProvider captures camera/mic via V4L2+malgo and the screen via
// X11, all through pion/mediadevices. Each acquired device is wrapped in
// an RTP pump feeding a static local track, which lets a mute simply stop
// packet writes without touching the device or the connection.
type deviceProvider struct {
	selector *mediadevices.CodecSelector
}

// NewProvider builds the VP8+Opus capture provider.
func NewProvider() (CaptureProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &deviceProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (p *deviceProvider) AcquireCamera(_ context.Context) (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency noticeably on typical laptop hardware.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %v", ErrDeviceDenied, err)
	}
	return firstTrack(stream.GetVideoTracks(), "camera", true)
}

func (p *deviceProvider) AcquireMicrophone(_ context.Context) (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrDeviceDenied, err)
	}
	return firstTrack(stream.GetAudioTracks(), "mic", false)
}

func (p *deviceProvider) AcquireScreen(_ context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: screen: %v", ErrDeviceDenied, err)
	}
	return firstTrack(stream.GetVideoTracks(), "screen", true)
}

func firstTrack(tracks []mediadevices.Track, label string, isVideo bool) (Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %s: stream has no track", ErrDeviceDenied, label)
	}
	return newDeviceTrack(tracks[0], label, isVideo)
}

// deviceTrack pumps encoded RTP from a mediadevices track into a
// TrackLocalStaticRTP. The static track is what connections bind to, so a
// single capture feeds every peer and survives connection churn.
type deviceTrack struct {
	id      string
	isVideo bool
	source  mediadevices.Track
	reader  mediadevices.RTPReadCloser
	local   *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	muted   bool
	stopped bool
}

func newDeviceTrack(src mediadevices.Track, label string, isVideo bool) (*deviceTrack, error) {
	id := label + "-" + uuid.NewString()

	mime := webrtc.MimeTypeOpus
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if isVideo {
		mime = webrtc.MimeTypeVP8
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, "codura")
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("local track %s: %w", label, err)
	}

	reader, err := src.NewRTPReader(mime, uuid.New().ID(), rtpOutboundMTU)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("rtp reader %s: %w", label, err)
	}

	src.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA [%s]: track ended: %v", id, err)
		}
	})

	t := &deviceTrack{id: id, isVideo: isVideo, source: src, reader: reader, local: local}
	go t.pump()
	return t, nil
}

// pump runs until the reader is closed. Muted tracks keep reading so the
// encoder does not back up, but packets are dropped instead of written.
func (t *deviceTrack) pump() {
	for {
		pkts, release, err := t.reader.Read()
		if err != nil {
			log.Printf("MEDIA [%s]: rtp pump stopped: %v", t.id, err)
			return
		}
		t.mu.Lock()
		muted := t.muted
		t.mu.Unlock()
		if !muted {
			for _, pkt := range pkts {
				if err := t.local.WriteRTP(pkt); err != nil {
					log.Printf("MEDIA [%s]: write rtp: %v", t.id, err)
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

func (t *deviceTrack) TrackID() string { return t.id }
func (t *deviceTrack) IsVideo() bool   { return t.isVideo }

// Unwrap exposes the static RTP track for the transport to bind.
func (t *deviceTrack) Unwrap() any { return t.local }

func (t *deviceTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *deviceTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *deviceTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	err := t.reader.Close()
	if cerr := t.source.Close(); err == nil {
		err = cerr
	}
	return err
}
