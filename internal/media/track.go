// Package media owns every local capture device. No other component may
// touch the camera, microphone or screen: connections receive tracks only
// through the controller, and source changes flow from here outward to
// every live connection at once.
package media

import (
	"github.com/abdkhan-git/codura-rtc/internal/conn"
)

// Track is one local outgoing media track. Muting disables output without
// detaching the track from any connection, so connection state is never
// disturbed by a mute.
type Track interface {
	conn.LocalTrack

	SetMuted(muted bool)
	Muted() bool

	// Stop releases the underlying capture device. Stopped tracks stay
	// stopped; Stop is idempotent.
	Stop() error
}

// VideoSource selects which device feeds the single outgoing video track.
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)
