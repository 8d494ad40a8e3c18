package memrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

func recv(t *testing.T, ch <-chan signal.Envelope) signal.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while expecting delivery")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return signal.Envelope{}
}

func expectNothing(t *testing.T, ch <-chan signal.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	bus := NewBus()
	alice := bus.Client("alice")
	bob := bus.Client("bob")
	carol := bus.Client("carol")

	aCh, aCancel, _ := alice.Subscribe("s1")
	bCh, bCancel, _ := bob.Subscribe("s1")
	cCh, cCancel, _ := carol.Subscribe("s1")
	defer aCancel()
	defer bCancel()
	defer cCancel()

	env := signal.New(signal.KindJoin, "alice", "", "s1", signal.Announce{Role: signal.RoleParticipant})
	if err := alice.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	if got := recv(t, bCh); got.From != "alice" {
		t.Errorf("bob got envelope from %q", got.From)
	}
	if got := recv(t, cCh); got.From != "alice" {
		t.Errorf("carol got envelope from %q", got.From)
	}
	expectNothing(t, aCh)
}

func TestDirectedReachesOnlyTarget(t *testing.T) {
	bus := NewBus()
	alice := bus.Client("alice")
	bob := bus.Client("bob")
	carol := bus.Client("carol")

	bCh, bCancel, _ := bob.Subscribe("s1")
	cCh, cCancel, _ := carol.Subscribe("s1")
	defer bCancel()
	defer cCancel()

	env := signal.New(signal.KindOffer, "alice", "bob", "s1", signal.Description{Type: "offer", SDP: "v=0"})
	if err := alice.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	if got := recv(t, bCh); got.Kind != signal.KindOffer {
		t.Errorf("bob got %q", got.Kind)
	}
	expectNothing(t, cCh)
}

func TestSessionIsolation(t *testing.T) {
	bus := NewBus()
	alice := bus.Client("alice")
	bob := bus.Client("bob")

	s2Ch, cancel, _ := bob.Subscribe("s2")
	defer cancel()

	env := signal.New(signal.KindJoin, "alice", "", "s1", signal.Announce{})
	if err := alice.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	expectNothing(t, s2Ch)
}

func TestOfflineFailsFast(t *testing.T) {
	bus := NewBus()
	alice := bus.Client("alice")
	alice.SetOffline(true)

	env := signal.New(signal.KindJoin, "alice", "", "s1", signal.Announce{})
	err := alice.Send(context.Background(), env)
	if !errors.Is(err, signal.ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable, got %v", err)
	}

	alice.SetOffline(false)
	if err := alice.Send(context.Background(), env); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
}

func TestCloseClosesSubscriptions(t *testing.T) {
	bus := NewBus()
	bob := bus.Client("bob")
	ch, _, err := bob.Subscribe("s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("subscription channel should be closed")
	}
	if bob.HasSubscription("s1") {
		t.Error("subscription survived Close")
	}
	if err := bob.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	bob := bus.Client("bob")
	ch, cancel, _ := bob.Subscribe("s1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	if bob.HasSubscription("s1") {
		t.Error("subscription survived cancel")
	}
}
