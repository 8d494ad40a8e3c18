package media

import (
	"context"
	"errors"
)

// ErrDeviceDenied is returned when the platform refuses access to a
// capture device. It is recoverable: a peer may still join a session
// without sending media.
var ErrDeviceDenied = errors.New("device acquisition denied")

// CaptureProvider abstracts getUserMedia/getDisplayMedia-equivalent
// capability. The real provider (mediadevices, platform build tags) lives
// in capture_linux.go; tests script their own.
type CaptureProvider interface {
	// AcquireCamera opens the default camera as an outgoing video track.
	AcquireCamera(ctx context.Context) (Track, error)
	// AcquireMicrophone opens the default microphone.
	AcquireMicrophone(ctx context.Context) (Track, error)
	// AcquireScreen opens a display capture video track.
	AcquireScreen(ctx context.Context) (Track, error)
}
