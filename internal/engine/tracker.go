package engine

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
)

// Attempt states.
const (
	AttemptDispatched = "Dispatched"
	AttemptRunning    = "Running"
	AttemptSucceeded  = "Succeeded"
	AttemptFaulted    = "Faulted"
	AttemptTimedOut   = "TimedOut"
	AttemptCancelled  = "Cancelled"
)

var attemptInFlight = []string{AttemptDispatched, AttemptRunning}

// Attempt is the Job Attempt Tracker document.
type Attempt struct {
	AttemptID     string          `json:"attempt_id"`
	JobID         string          `json:"job_id"`
	JobTypeKey    string          `json:"job_type"`
	RetryIndex    int             `json:"retry_index"`
	WorkerAddress string          `json:"worker_address,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timeout       time.Duration   `json:"timeout"`

	State string `json:"-"`

	DispatchedAt time.Time `json:"dispatched_at,omitzero"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Deadline     time.Time `json:"deadline,omitzero"`

	Outcome contract.Outcome `json:"outcome,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// tracker is the Job Attempt Tracker saga.
type tracker struct {
	*machine[Attempt]
	logger *slog.Logger
}

func newTracker(logger *slog.Logger) *tracker {
	t := &tracker{
		machine: newMachine[Attempt](KindAttempt),
		logger:  logger,
	}
	t.on(contract.KindStartAttempt, t.dispatch, StateInitial)
	t.on(contract.KindAttemptStarted, t.started, AttemptDispatched)
	t.on(contract.KindAttemptCompleted, t.completed, attemptInFlight...)
	t.on(contract.KindAttemptFaulted, t.faulted, attemptInFlight...)
	t.on(contract.KindAttemptDeadlinePassed, t.deadlinePassed, attemptInFlight...)
	t.on(contract.KindCancelAttempt, t.cancel, attemptInFlight...)
	return t
}

func (t *tracker) dispatch(in *instance[Attempt], x input) error {
	m, ok := x.msg.(contract.StartAttempt)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	in.Data = Attempt{
		AttemptID:    m.AttemptID,
		JobID:        m.JobID,
		JobTypeKey:   m.JobTypeKey,
		RetryIndex:   m.RetryIndex,
		Payload:      m.Payload,
		Timeout:      m.Timeout,
		DispatchedAt: x.now,
		Deadline:     x.now.Add(m.Timeout),
	}
	in.moveTo(AttemptDispatched)
	in.send(ExecuteChannel(m.JobTypeKey), contract.DispatchAttempt{
		AttemptID:  m.AttemptID,
		JobID:      m.JobID,
		JobTypeKey: m.JobTypeKey,
		RetryIndex: m.RetryIndex,
		Payload:    m.Payload,
		Timeout:    m.Timeout,
	})
	return nil
}

func (t *tracker) started(in *instance[Attempt], x input) error {
	m, ok := x.msg.(contract.AttemptStarted)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	in.Data.WorkerAddress = m.WorkerAddress
	in.Data.StartedAt = m.StartedAt
	if in.Data.StartedAt.IsZero() {
		in.Data.StartedAt = x.now
	}
	in.moveTo(AttemptRunning)
	return nil
}

func (t *tracker) completed(in *instance[Attempt], x input) error {
	if _, ok := x.msg.(contract.AttemptCompleted); !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	t.finish(in, x.now, AttemptSucceeded, contract.OutcomeSuccess, "")
	return nil
}

func (t *tracker) faulted(in *instance[Attempt], x input) error {
	m, ok := x.msg.(contract.AttemptFaulted)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	t.finish(in, x.now, AttemptFaulted, contract.OutcomeFault, m.Reason)
	return nil
}

// deadlinePassed times the attempt out if the deadline really passed. The
// check is repeated here since the sweeper may run on another instance with
// its own clock.
func (t *tracker) deadlinePassed(in *instance[Attempt], x input) error {
	if _, ok := x.msg.(contract.AttemptDeadlinePassed); !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	if x.now.Before(in.Data.Deadline) {
		return nil
	}
	t.logger.Info("attempt timed out",
		"attempt_id", in.Data.AttemptID,
		"job_id", in.Data.JobID,
		"deadline", in.Data.Deadline,
	)
	in.publish(contract.AttemptCancellationRequested{AttemptID: in.Data.AttemptID, JobID: in.Data.JobID})
	t.finish(in, x.now, AttemptTimedOut, contract.OutcomeTimeout, contract.TimeoutReason)
	return nil
}

func (t *tracker) cancel(in *instance[Attempt], x input) error {
	m, ok := x.msg.(contract.CancelAttempt)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	in.publish(contract.AttemptCancellationRequested{AttemptID: in.Data.AttemptID, JobID: in.Data.JobID})
	t.finish(in, x.now, AttemptCancelled, contract.OutcomeCancelled, m.Reason)
	return nil
}

// finish moves the attempt to a terminal state and reports the outcome to
// the coordinator.
func (t *tracker) finish(in *instance[Attempt], now time.Time, state string, outcome contract.Outcome, reason string) {
	a := &in.Data
	a.FinishedAt = now
	a.Outcome = outcome
	a.Reason = reason
	in.moveTo(state)
	in.send(ChannelJobs, contract.AttemptOutcome{
		AttemptID: a.AttemptID,
		JobID:     a.JobID,
		Outcome:   outcome,
		Reason:    reason,
	})
}
