// Package clock provides the time sources used by the sagas and the fabric.
//
// Two notions of time coexist:
//   - wall time (Clock), stamped on lifecycle events and attempt deadlines
//   - logical time (Sequence), a strictly increasing counter stamped on every
//     envelope the fabric accepts, used to order traces deterministically
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is a source of wall time.
//
// State machines never call time.Now directly so tests can drive deadlines
// and timestamps with a manual clock.
type Clock interface {
	Now() time.Time
}

// System reads the host clock. Times are normalized to UTC, which also strips
// the monotonic reading so persisted timestamps compare equal after a round
// trip through storage.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Sequence is a monotonic logical clock.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0. The first Next returns 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence resuming from start.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
