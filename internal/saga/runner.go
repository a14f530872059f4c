package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/jobsaga/internal/clock"
)

// Step computes one transition from the current row.
//
// Returning a nil next row leaves the instance untouched (acknowledged no-op);
// effects returned alongside are still delivered but not persisted. A Step
// may run several times for one message when the store reports a conflict,
// so it must not have side effects of its own.
type Step func(cur Row) (next *Row, effects []Outbound, err error)

// Runner applies steps under the store's per-instance lock and delivers the
// recorded effects after commit.
//
// StoreConflict and AlreadyExists races are absorbed: the row is re-read and
// the step re-applied, up to a bounded number of attempts.
type Runner struct {
	store       Store
	outlet      Outlet
	clock       clock.Clock
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithMaxAttempts bounds the optimistic-retry loop.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithConflictBackoff sets the initial pause between conflict retries.
func WithConflictBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner over store. A nil outlet leaves every recorded
// effect in the outbox; a process that owns an outlet delivers them later
// through Recover.
func NewRunner(store Store, outlet Outlet, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:       store,
		outlet:      outlet,
		clock:       clock.System{},
		maxAttempts: 10,
		backoff:     2 * time.Millisecond,
		logger:      slog.Default().With("component", "saga"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Runner) Store() Store {
	return r.store
}

// Apply runs step against the instance (kind, id).
func (r *Runner) Apply(ctx context.Context, kind, id string, step Step) error {
	var lastErr error
	for n := 1; n <= r.maxAttempts; n++ {
		res, err := r.try(ctx, kind, id, step)
		if err == nil {
			if res.committed != nil {
				return r.Flush(ctx, *res.committed)
			}
			if res.pending != nil {
				if err := r.Flush(ctx, *res.pending); err != nil {
					return err
				}
			}
			return r.deliver(ctx, res.direct)
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrAlreadyExists) {
			return err
		}

		lastErr = err
		r.logger.Debug("saga transition raced, retrying",
			"kind", kind,
			"correlation_id", id,
			"attempt", n,
			"error", err,
		)
		if err := sleep(ctx, r.pause(n)); err != nil {
			return err
		}
	}
	return fmt.Errorf("apply %s/%s: gave up after %d attempts: %w", kind, id, r.maxAttempts, lastErr)
}

// attempt is the result of one locked read-decide-write cycle.
type attempt struct {
	// committed is the written row when the step changed the instance.
	committed *Row

	// pending is the unchanged row when it still holds undelivered effects
	// from an earlier transition.
	pending *Row

	// direct are effects of a no-op step, delivered without persistence.
	direct []Effect
}

func (r *Runner) try(ctx context.Context, kind, id string, step Step) (attempt, error) {
	cur, lock, err := r.store.LoadForUpdate(ctx, kind, id)
	if err != nil {
		return attempt{}, fmt.Errorf("load %s/%s: %w", kind, id, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn("failed to release saga lock", "kind", kind, "correlation_id", id, "error", err)
		}
	}()

	next, outs, err := step(cur)
	if err != nil {
		return attempt{}, err
	}

	if next == nil {
		effects, err := encodeEffects(kind, id, cur.Version, outs)
		if err != nil {
			return attempt{}, err
		}
		res := attempt{direct: effects}
		if len(cur.Outbox) > 0 {
			res.pending = &cur
		}
		return res, nil
	}

	effects, err := encodeEffects(kind, id, cur.Version+1, outs)
	if err != nil {
		return attempt{}, err
	}

	row := *next
	row.Kind = kind
	row.CorrelationID = id
	row.Version = cur.Version
	row.UpdatedAt = r.clock.Now()
	row.Outbox = append(append([]Effect{}, cur.Outbox...), effects...)

	if cur.Exists() {
		err = lock.Save(ctx, row)
	} else {
		err = lock.Create(ctx, row)
	}
	if err != nil {
		return attempt{}, err
	}

	row.Version = cur.Version + 1
	return attempt{committed: &row}, nil
}

// Flush delivers the outbox of a committed row and clears it.
// Without an outlet the outbox is left for a later Recover.
func (r *Runner) Flush(ctx context.Context, row Row) error {
	if r.outlet == nil || len(row.Outbox) == 0 {
		return nil
	}
	if err := r.deliver(ctx, row.Outbox); err != nil {
		return err
	}
	if err := r.store.ClearOutbox(ctx, row.Kind, row.CorrelationID, row.Version); err != nil {
		return fmt.Errorf("clear outbox %s/%s: %w", row.Kind, row.CorrelationID, err)
	}
	return nil
}

// Recover re-delivers outboxes of rows matching q. Duplicates are possible
// and tolerated by every consumer.
func (r *Runner) Recover(ctx context.Context, q Query) (int, error) {
	q.PendingOutbox = true
	rows, err := r.store.List(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("list pending outboxes: %w", err)
	}
	flushed := 0
	for _, row := range rows {
		if err := r.Flush(ctx, row); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

func (r *Runner) deliver(ctx context.Context, effects []Effect) error {
	if r.outlet == nil {
		return nil
	}
	for _, effect := range effects {
		if err := r.outlet.Deliver(ctx, effect); err != nil {
			return fmt.Errorf("deliver %s %s: %w", effect.Op, effect.Kind, err)
		}
	}
	return nil
}

// pause grows exponentially from the configured backoff, capped at 250ms.
func (r *Runner) pause(n int) time.Duration {
	d := float64(r.backoff) * math.Pow(2, float64(n-1))
	if limit := float64(250 * time.Millisecond); d > limit {
		d = limit
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
