package conn

import "github.com/abdkhan-git/codura-rtc/internal/signal"

// CandidateBuffer holds remotely received ICE candidates that arrive
// before the remote description is applied. It preserves arrival order,
// flushes exactly once, and is frozen afterwards: late candidates are the
// caller's to apply directly.
type CandidateBuffer struct {
	queue   []signal.Candidate
	flushed bool
}

// NewCandidateBuffer returns an open, empty buffer.
func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

// Add enqueues a candidate and reports true while the buffer is still
// open. Once the buffer has flushed it reports false and stores nothing.
func (b *CandidateBuffer) Add(c signal.Candidate) bool {
	if b.flushed {
		return false
	}
	b.queue = append(b.queue, c)
	return true
}

// Flush applies every buffered candidate in arrival order and freezes the
// buffer. Calling Flush again is a no-op. Application errors are returned
// but do not stop the drain: a single malformed candidate must not starve
// the ones behind it.
func (b *CandidateBuffer) Flush(apply func(signal.Candidate) error) error {
	if b.flushed {
		return nil
	}
	b.flushed = true
	var firstErr error
	for _, c := range b.queue {
		if err := apply(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.queue = nil
	return firstErr
}

// Flushed reports whether the buffer has been drained and frozen.
func (b *CandidateBuffer) Flushed() bool { return b.flushed }

// Len returns the number of candidates currently held.
func (b *CandidateBuffer) Len() int { return len(b.queue) }
