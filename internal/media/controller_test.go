package media

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/abdkhan-git/codura-rtc/internal/conn"
	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

type fakeTrack struct {
	id      string
	isVideo bool

	mu    sync.Mutex
	muted bool
	stops int
}

func (f *fakeTrack) TrackID() string { return f.id }
func (f *fakeTrack) IsVideo() bool   { return f.isVideo }
func (f *fakeTrack) Unwrap() any     { return nil }

func (f *fakeTrack) SetMuted(m bool) {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
}

func (f *fakeTrack) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeTrack) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeProvider scripts device acquisition per device kind.
type fakeProvider struct {
	cameraErr error
	micErr    error
	screenErr error

	mu       sync.Mutex
	acquired []string
}

func (p *fakeProvider) acquire(kind string, isVideo bool, fail error) (Track, error) {
	if fail != nil {
		return nil, fail
	}
	p.mu.Lock()
	p.acquired = append(p.acquired, kind)
	p.mu.Unlock()
	return &fakeTrack{id: kind, isVideo: isVideo}, nil
}

func (p *fakeProvider) AcquireCamera(context.Context) (Track, error) {
	return p.acquire("camera", true, p.cameraErr)
}

func (p *fakeProvider) AcquireMicrophone(context.Context) (Track, error) {
	return p.acquire("mic", false, p.micErr)
}

func (p *fakeProvider) AcquireScreen(context.Context) (Track, error) {
	return p.acquire("screen", true, p.screenErr)
}

func (p *fakeProvider) acquireCount(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.acquired {
		if k == kind {
			n++
		}
	}
	return n
}

// mediaLink is a transport fake: only the track surface matters here.
type mediaLink struct {
	mu         sync.Mutex
	added      []string
	removed    []string
	replaced   []string
	noReplace  bool
	replaceErr error
}

func (l *mediaLink) Bind(conn.LinkHandlers)                                {}
func (l *mediaLink) CreateOffer(context.Context) (signal.Description, error) {
	return signal.Description{Type: "offer"}, nil
}
func (l *mediaLink) CreateAnswer(context.Context) (signal.Description, error) {
	return signal.Description{Type: "answer"}, nil
}
func (l *mediaLink) SetLocalDescription(signal.Description) error  { return nil }
func (l *mediaLink) SetRemoteDescription(signal.Description) error { return nil }
func (l *mediaLink) Rollback() error                               { return nil }
func (l *mediaLink) AddCandidate(signal.Candidate) error           { return nil }
func (l *mediaLink) Close() error                                  { return nil }

func (l *mediaLink) AddTrack(t conn.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, t.TrackID())
	return nil
}

func (l *mediaLink) RemoveTrack(t conn.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, t.TrackID())
	return nil
}

func (l *mediaLink) ReplaceVideoTrack(t conn.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noReplace {
		return conn.ErrReplaceUnsupported
	}
	if l.replaceErr != nil {
		return l.replaceErr
	}
	l.replaced = append(l.replaced, t.TrackID())
	return nil
}

type fakeReneg struct {
	mu      sync.Mutex
	remotes []string
}

func (r *fakeReneg) Renegotiate(_ context.Context, remote string) error {
	r.mu.Lock()
	r.remotes = append(r.remotes, remote)
	r.mu.Unlock()
	return nil
}

func TestAcquireLadder(t *testing.T) {
	ctx := context.Background()
	denied := errors.New("busy")

	t.Run("both devices", func(t *testing.T) {
		c := NewController(&fakeProvider{})
		if err := c.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
		if c.ActiveVideoTrackID() != "camera" {
			t.Errorf("camera should be active, got %q", c.ActiveVideoTrackID())
		}
	})

	t.Run("camera denied still yields audio", func(t *testing.T) {
		c := NewController(&fakeProvider{cameraErr: denied})
		if err := c.Acquire(ctx); err != nil {
			t.Fatalf("one working device should not error: %v", err)
		}
		if c.ActiveVideoTrackID() != "" {
			t.Error("no video track should be active")
		}
	})

	t.Run("everything denied is recoverable", func(t *testing.T) {
		c := NewController(&fakeProvider{cameraErr: denied, micErr: denied})
		err := c.Acquire(ctx)
		if !errors.Is(err, ErrDeviceDenied) {
			t.Fatalf("expected ErrDeviceDenied, got %v", err)
		}
		// Still usable: attaches nothing, toggles are no-ops.
		link := &mediaLink{}
		c.Attach("bob", link)
		if len(link.added) != 0 {
			t.Errorf("denied controller attached tracks: %v", link.added)
		}
	})
}

func TestAttachWiresCurrentTracks(t *testing.T) {
	c := NewController(&fakeProvider{})
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	link := &mediaLink{}
	c.Attach("bob", link)

	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.added) != 2 {
		t.Fatalf("expected video+audio attached, got %v", link.added)
	}
}

func TestSetVideoSourceSwapsInPlace(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	c := NewController(p)
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	bob, carol := &mediaLink{}, &mediaLink{}
	c.Attach("bob", bob)
	c.Attach("carol", carol)

	reneg := &fakeReneg{}
	c.BindRenegotiator(reneg)

	if err := c.SetVideoSource(ctx, SourceScreen); err != nil {
		t.Fatal(err)
	}

	if c.ActiveSource() != SourceScreen {
		t.Errorf("active source not updated: %s", c.ActiveSource())
	}
	if p.acquireCount("screen") != 1 {
		t.Errorf("screen should be acquired lazily exactly once, got %d", p.acquireCount("screen"))
	}
	for name, link := range map[string]*mediaLink{"bob": bob, "carol": carol} {
		link.mu.Lock()
		if len(link.replaced) != 1 || link.replaced[0] != "screen" {
			t.Errorf("%s: expected in-place swap to screen, got %v", name, link.replaced)
		}
		if len(link.removed) != 0 {
			t.Errorf("%s: in-place swap must not remove tracks: %v", name, link.removed)
		}
		link.mu.Unlock()
	}
	reneg.mu.Lock()
	if len(reneg.remotes) != 0 {
		t.Errorf("in-place swap must not renegotiate: %v", reneg.remotes)
	}
	reneg.mu.Unlock()

	// Swapping to the current source is a no-op.
	if err := c.SetVideoSource(ctx, SourceScreen); err != nil {
		t.Fatal(err)
	}
	if p.acquireCount("screen") != 1 {
		t.Error("no-op swap re-acquired the screen")
	}

	// Swapping back reuses the camera already held.
	if err := c.SetVideoSource(ctx, SourceCamera); err != nil {
		t.Fatal(err)
	}
	if p.acquireCount("camera") != 1 {
		t.Error("swap back re-acquired the camera")
	}
}

func TestSetVideoSourceFallbackRenegotiates(t *testing.T) {
	ctx := context.Background()
	c := NewController(&fakeProvider{})
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	smooth := &mediaLink{}
	stubborn := &mediaLink{noReplace: true}
	c.Attach("smooth", smooth)
	c.Attach("stubborn", stubborn)

	reneg := &fakeReneg{}
	c.BindRenegotiator(reneg)

	if err := c.SetVideoSource(ctx, SourceScreen); err != nil {
		t.Fatal(err)
	}

	// The transport that supports replacement swaps in place...
	smooth.mu.Lock()
	if len(smooth.replaced) != 1 || len(smooth.removed) != 0 {
		t.Errorf("smooth link should swap in place: replaced=%v removed=%v", smooth.replaced, smooth.removed)
	}
	smooth.mu.Unlock()

	// ...the one that refuses goes through remove/add/renegotiate.
	stubborn.mu.Lock()
	if len(stubborn.removed) != 1 || stubborn.removed[0] != "camera" {
		t.Errorf("fallback should remove the old track: %v", stubborn.removed)
	}
	if len(stubborn.added) != 3 { // camera+mic from attach, then screen
		t.Errorf("fallback should add the new track: %v", stubborn.added)
	}
	stubborn.mu.Unlock()

	reneg.mu.Lock()
	if len(reneg.remotes) != 1 || reneg.remotes[0] != "stubborn" {
		t.Errorf("only the fallback link renegotiates: %v", reneg.remotes)
	}
	reneg.mu.Unlock()
}

func TestSwapFailureIsolatedPerLink(t *testing.T) {
	ctx := context.Background()
	c := NewController(&fakeProvider{})
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	good := &mediaLink{}
	broken := &mediaLink{replaceErr: errors.New("sender gone")}
	c.Attach("good", good)
	c.Attach("broken", broken)

	if err := c.SetVideoSource(ctx, SourceScreen); err != nil {
		t.Fatal(err)
	}
	good.mu.Lock()
	if len(good.replaced) != 1 {
		t.Errorf("healthy link should still swap: %v", good.replaced)
	}
	good.mu.Unlock()
}

func TestMuteToggles(t *testing.T) {
	c := NewController(&fakeProvider{})
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if muted := c.ToggleAudio(); !muted {
		t.Error("first audio toggle should mute")
	}
	if muted := c.ToggleAudio(); muted {
		t.Error("second audio toggle should unmute")
	}

	if muted := c.ToggleVideo(); !muted {
		t.Error("first video toggle should mute")
	}

	// A video mute carries over to a swapped-in source.
	if err := c.SetVideoSource(context.Background(), SourceScreen); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	screenMuted := c.screen.Muted()
	c.mu.Unlock()
	if !screenMuted {
		t.Error("mute state should follow the active source across a swap")
	}
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	c := NewController(&fakeProvider{})
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SetVideoSource(ctx, SourceScreen); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	cam := c.camera.(*fakeTrack)
	mic := c.mic.(*fakeTrack)
	screen := c.screen.(*fakeTrack)
	c.mu.Unlock()

	c.ReleaseAll()
	c.ReleaseAll() // idempotent

	for _, tr := range []*fakeTrack{cam, mic, screen} {
		if n := tr.stopCount(); n != 1 {
			t.Errorf("track %s stopped %d times", tr.id, n)
		}
	}
	if !c.Released() {
		t.Error("controller should report released")
	}
	if err := c.SetVideoSource(ctx, SourceCamera); err == nil {
		t.Error("source swap after release should fail")
	}
}
