package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/roach88/jobsaga/internal/fabric"
)

// Recorder collects every envelope a bus emits, in Seq order.
//
// Thread-safety: All methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	envs   []fabric.Envelope
	notify chan struct{}
}

// Record taps bus and returns the recorder. The tap is removed when the test
// ends.
func Record(t testing.TB, bus *fabric.Bus) *Recorder {
	t.Helper()
	r, untap := Attach(bus)
	t.Cleanup(untap)
	return r
}

// Attach taps bus outside of a test. The returned function removes the tap.
func Attach(bus *fabric.Bus) (*Recorder, func()) {
	r := &Recorder{notify: make(chan struct{})}
	return r, bus.Tap(r.add)
}

func (r *Recorder) add(env fabric.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	close(r.notify)
	r.notify = make(chan struct{})
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []fabric.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.envs)
}

// Wait blocks until cond holds for the recorded envelopes or ctx is done.
func (r *Recorder) Wait(ctx context.Context, cond func([]fabric.Envelope) bool) error {
	for {
		r.mu.Lock()
		snap := slices.Clone(r.envs)
		ch := r.notify
		r.mu.Unlock()

		if cond(snap) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitFor fails the test unless a message of kind for correlationID is
// recorded within timeout.
func (r *Recorder) WaitFor(t testing.TB, kind, correlationID string, timeout time.Duration) fabric.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var found fabric.Envelope
	err := r.Wait(ctx, func(envs []fabric.Envelope) bool {
		for _, env := range envs {
			if env.Kind() == kind && env.Message.CorrelationID() == correlationID {
				found = env
				return true
			}
		}
		return false
	})
	if err != nil {
		t.Fatalf("no %s for %s within %v; recorded: %v", kind, correlationID, timeout, Kinds(r.Envelopes()))
	}
	return found
}

// Distinct drops envelopes whose ID was already seen, keeping the first.
// Re-flushed outboxes re-send effects under their original ids.
func Distinct(envs []fabric.Envelope) []fabric.Envelope {
	seen := make(map[string]bool, len(envs))
	out := make([]fabric.Envelope, 0, len(envs))
	for _, env := range envs {
		if seen[env.ID] {
			continue
		}
		seen[env.ID] = true
		out = append(out, env)
	}
	return out
}

// Filter returns the envelopes of the given kind.
func Filter(envs []fabric.Envelope, kind string) []fabric.Envelope {
	var out []fabric.Envelope
	for _, env := range envs {
		if env.Kind() == kind {
			out = append(out, env)
		}
	}
	return out
}

// Published returns the kinds published for correlationID, in order.
func Published(envs []fabric.Envelope, correlationID string) []string {
	var out []string
	for _, env := range envs {
		if env.Mode == fabric.ModePublish && env.Message.CorrelationID() == correlationID {
			out = append(out, env.Kind())
		}
	}
	return out
}

// Kinds lists the kinds of envs.
func Kinds(envs []fabric.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Kind()
	}
	return out
}
