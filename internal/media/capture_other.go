//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
)

// NewProvider returns a provider that denies every device on platforms
// without mediadevices drivers wired in. Sessions still work receive-only.
func NewProvider() (CaptureProvider, error) {
	return stubProvider{}, nil
}

type stubProvider struct{}

func (stubProvider) AcquireCamera(context.Context) (Track, error) {
	return nil, fmt.Errorf("%w: no camera capture on this platform", ErrDeviceDenied)
}

func (stubProvider) AcquireMicrophone(context.Context) (Track, error) {
	return nil, fmt.Errorf("%w: no microphone capture on this platform", ErrDeviceDenied)
}

func (stubProvider) AcquireScreen(context.Context) (Track, error) {
	return nil, fmt.Errorf("%w: no screen capture on this platform", ErrDeviceDenied)
}
