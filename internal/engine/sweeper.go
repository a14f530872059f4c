package engine

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/saga"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	// DeadlinesPassed is the number of AttemptDeadlinePassed checks sent.
	DeadlinesPassed int

	// OutboxesFlushed is the number of rows whose abandoned outbox was
	// delivered.
	OutboxesFlushed int

	// JobsAdvanced is the number of jobs found in Submitted that were moved
	// on to request a slot.
	JobsAdvanced int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("deadlines=%d outboxes=%d advanced=%d", r.DeadlinesPassed, r.OutboxesFlushed, r.JobsAdvanced)
}

// SweepOnce runs one pass of the sweeper.
//
// Attempts still Dispatched or Running past their deadline get an
// AttemptDeadlinePassed check. Rows whose outbox is older than the sweep
// interval are flushed, and jobs stuck in Submitted request their slot.
// Every step is idempotent, so concurrent sweepers on several engines are
// harmless.
func (e *Engine) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.clock.Now()

	if e.bus != nil {
		rows, err := e.store.List(ctx, saga.Query{Kind: KindAttempt, States: attemptInFlight})
		if err != nil {
			return res, fmt.Errorf("list in-flight attempts: %w", err)
		}
		for _, row := range rows {
			a, err := decodeAttempt(row)
			if err != nil {
				e.logger.Error("skipping undecodable attempt", "attempt_id", row.CorrelationID, "error", err)
				continue
			}
			if now.Before(a.Deadline) {
				continue
			}
			check := contract.AttemptDeadlinePassed{AttemptID: a.AttemptID, CheckedAt: now}
			if err := e.bus.Send(ctx, ChannelAttempts, check); err != nil {
				return res, fmt.Errorf("send deadline check %s: %w", a.AttemptID, err)
			}
			res.DeadlinesPassed++
		}
	}

	cutoff := now.Add(-e.sweepEvery)
	n, err := e.recoverAll(ctx, cutoff)
	res.OutboxesFlushed = n
	if err != nil {
		return res, err
	}

	stuck, err := e.store.List(ctx, saga.Query{Kind: KindJob, States: []string{JobSubmitted}, UpdatedBefore: cutoff})
	if err != nil {
		return res, fmt.Errorf("list submitted jobs: %w", err)
	}
	for _, row := range stuck {
		if err := e.runner.Apply(ctx, KindJob, row.CorrelationID, e.jobs.stepFunc(e.jobs.requestSlot)); err != nil {
			return res, fmt.Errorf("advance job %s: %w", row.CorrelationID, err)
		}
		res.JobsAdvanced++
	}

	if res != (SweepResult{}) {
		e.logger.Debug("sweep finished", "result", res.String())
	}
	return res, nil
}

// recoverAll flushes outboxes of every saga kind last written before cutoff.
// A zero cutoff flushes all of them.
func (e *Engine) recoverAll(ctx context.Context, cutoff time.Time) (int, error) {
	if e.bus == nil {
		return 0, nil
	}
	total := 0
	for _, kind := range []string{KindJob, KindJobType, KindAttempt} {
		n, err := e.runner.Recover(ctx, saga.Query{Kind: kind, UpdatedBefore: cutoff})
		total += n
		if err != nil {
			return total, fmt.Errorf("recover %s outboxes: %w", kind, err)
		}
	}
	return total, nil
}

// sweepLoop runs SweepOnce on the "@every <interval>" schedule until ctx is
// cancelled. A failed sweep is logged and retried at the next tick.
func (e *Engine) sweepLoop(ctx context.Context) error {
	schedule, err := cronlib.ParseStandard("@every " + e.sweepEvery.String())
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}

	for {
		now := time.Now()
		timer := time.NewTimer(schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := e.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("sweep failed", "error", err)
		}
	}
}
