package conn

import (
	"errors"
	"testing"

	"github.com/abdkhan-git/codura-rtc/internal/signal"
)

func TestCandidateBufferFlushOnce(t *testing.T) {
	b := NewCandidateBuffer()
	for _, c := range []string{"a", "b", "c"} {
		if !b.Add(signal.Candidate{Candidate: c}) {
			t.Fatalf("add %q rejected before flush", c)
		}
	}

	var applied []string
	err := b.Flush(func(c signal.Candidate) error {
		applied = append(applied, c.Candidate)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 3 || applied[0] != "a" || applied[1] != "b" || applied[2] != "c" {
		t.Fatalf("arrival order not preserved: %v", applied)
	}
	if !b.Flushed() || b.Len() != 0 {
		t.Errorf("buffer not frozen after flush: flushed=%v len=%d", b.Flushed(), b.Len())
	}

	// Frozen: adds are refused, a second flush applies nothing.
	if b.Add(signal.Candidate{Candidate: "late"}) {
		t.Error("add accepted after flush")
	}
	called := false
	if err := b.Flush(func(signal.Candidate) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("second flush applied candidates")
	}
}

func TestCandidateBufferFlushContinuesPastErrors(t *testing.T) {
	b := NewCandidateBuffer()
	b.Add(signal.Candidate{Candidate: "bad"})
	b.Add(signal.Candidate{Candidate: "good"})

	boom := errors.New("boom")
	var applied []string
	err := b.Flush(func(c signal.Candidate) error {
		if c.Candidate == "bad" {
			return boom
		}
		applied = append(applied, c.Candidate)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("first error not reported: %v", err)
	}
	if len(applied) != 1 || applied[0] != "good" {
		t.Fatalf("candidates behind the error were starved: %v", applied)
	}
}
