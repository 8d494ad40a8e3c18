package signal

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeAddressing(t *testing.T) {
	broadcast := New(KindJoin, "alice", "", "s1", Announce{Role: RoleParticipant})
	if !broadcast.Broadcast() {
		t.Fatal("empty To should be a broadcast")
	}
	if !broadcast.For("bob") || !broadcast.For("carol") {
		t.Error("broadcast should be for everyone")
	}

	directed := New(KindOffer, "alice", "bob", "s1", Description{Type: "offer", SDP: "v=0"})
	if directed.Broadcast() {
		t.Fatal("directed envelope reported as broadcast")
	}
	if !directed.For("bob") {
		t.Error("directed envelope should be for its target")
	}
	if directed.For("carol") {
		t.Error("directed envelope should not be for a bystander")
	}
}

func TestDecodePayload(t *testing.T) {
	mid := "0"
	idx := uint16(0)

	t.Run("offer", func(t *testing.T) {
		env := New(KindOffer, "a", "b", "s1", Description{Type: "offer", SDP: "v=0"})
		got, err := DecodePayload(env)
		if err != nil {
			t.Fatal(err)
		}
		d, ok := got.(*Description)
		if !ok {
			t.Fatalf("expected *Description, got %T", got)
		}
		if d.Type != "offer" || d.SDP != "v=0" {
			t.Errorf("round trip mismatch: %+v", d)
		}
	})

	t.Run("candidate keeps absent fields absent", func(t *testing.T) {
		env := New(KindCandidate, "a", "b", "s1", Candidate{Candidate: "candidate:1"})
		got, err := DecodePayload(env)
		if err != nil {
			t.Fatal(err)
		}
		c := got.(*Candidate)
		if c.SDPMid != nil || c.SDPMLineIndex != nil {
			t.Errorf("absent fields decoded as present: %+v", c)
		}

		env = New(KindCandidate, "a", "b", "s1", Candidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx})
		got, err = DecodePayload(env)
		if err != nil {
			t.Fatal(err)
		}
		c = got.(*Candidate)
		if c.SDPMid == nil || *c.SDPMid != "0" {
			t.Errorf("sdpMid lost in round trip: %+v", c)
		}
	})

	t.Run("join", func(t *testing.T) {
		env := New(KindJoin, "a", "", "s1", Announce{DisplayName: "Alice", Role: RoleStreamer, Echo: true})
		got, err := DecodePayload(env)
		if err != nil {
			t.Fatal(err)
		}
		a := got.(*Announce)
		if a.DisplayName != "Alice" || a.Role != RoleStreamer || !a.Echo {
			t.Errorf("round trip mismatch: %+v", a)
		}
	})

	t.Run("leave", func(t *testing.T) {
		env := New(KindLeave, "a", "", "s1", Goodbye{Reason: "leave"})
		got, err := DecodePayload(env)
		if err != nil {
			t.Fatal(err)
		}
		if got.(*Goodbye).Reason != "leave" {
			t.Error("reason lost in round trip")
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		env := Envelope{Kind: Kind("renegotiate-please"), Payload: json.RawMessage(`{}`)}
		if _, err := DecodePayload(env); err == nil {
			t.Fatal("expected error for unknown kind")
		}
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := New(KindOffer, "alice", "bob", "s1", Description{Type: "offer", SDP: "v=0"})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != KindOffer || decoded.From != "alice" || decoded.To != "bob" {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if decoded.SessionID != "s1" {
		t.Errorf("session id mismatch: %q", decoded.SessionID)
	}
	if decoded.Timestamp == 0 {
		t.Error("timestamp missing from wire format")
	}
}
