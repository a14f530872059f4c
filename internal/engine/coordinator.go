package engine

import (
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
)

// Job states.
const (
	JobSubmitted     = "Submitted"
	JobSlotRequested = "SlotRequested"
	JobRunning       = "Running"
	JobCompleted     = "Completed"
	JobFaulted       = "Faulted"
	JobCancelled     = "Cancelled"
)

var (
	jobActiveStates   = []string{JobSubmitted, JobSlotRequested, JobRunning}
	jobTerminalStates = []string{JobCompleted, JobFaulted, JobCancelled}
)

// IsTerminalJobState reports whether a job in state will never change again.
func IsTerminalJobState(state string) bool {
	return slices.Contains(jobTerminalStates, state)
}

// Job is the Coordinator document.
type Job struct {
	JobID      string          `json:"job_id"`
	JobTypeKey string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// State mirrors the row state; it is not part of the document.
	State string `json:"-"`

	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	AttemptCount     int      `json:"attempt_count"`
	LastFaultReason  string   `json:"last_fault_reason,omitempty"`
	CurrentAttemptID string   `json:"current_attempt_id,omitempty"`
	AttemptIDs       []string `json:"attempt_ids,omitempty"`

	// Policy resolved at submission.
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	// AcceptedMessageID is the id every JobSubmissionAccepted reply for this
	// job carries.
	AcceptedMessageID string `json:"accepted_message_id"`
}

// coordinator is the Job Coordinator saga.
type coordinator struct {
	*machine[Job]
	jobTypes   JobTypes
	attemptIDs AttemptIDGenerator
	logger     *slog.Logger
}

func newCoordinator(jobTypes JobTypes, ids AttemptIDGenerator, logger *slog.Logger) *coordinator {
	c := &coordinator{
		machine:    newMachine[Job](KindJob),
		jobTypes:   jobTypes,
		attemptIDs: ids,
		logger:     logger,
	}

	c.on(contract.KindSubmitJob, c.submit, StateInitial)
	c.on(contract.KindSubmitJob, c.resubmit, jobActiveStates...)
	c.on(contract.KindSubmitJob, c.reject, jobTerminalStates...)

	c.on(contract.KindSlotGranted, c.slotGranted, JobSlotRequested)
	c.on(contract.KindSlotGranted, c.returnSlot, jobTerminalStates...)
	c.on(contract.KindAttemptOutcome, c.attemptOutcome, JobRunning)

	c.on(contract.KindCancelJob, c.cancel, jobActiveStates...)
	c.on(contract.KindCancelJob, c.cancelUnknown, StateInitial)
	return c
}

func (c *coordinator) submit(in *instance[Job], x input) error {
	m, ok := x.msg.(contract.SubmitJob)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	policy := c.jobTypes.Lookup(m.JobTypeKey)

	in.Data = Job{
		JobID:             m.JobID,
		JobTypeKey:        m.JobTypeKey,
		Payload:           m.Payload,
		SubmittedAt:       x.now,
		MaxRetries:        policy.MaxRetries,
		Timeout:           policy.Timeout,
		AcceptedMessageID: contract.AcceptedReplyID(m.JobID),
	}
	in.moveTo(JobSubmitted)

	in.reply(x.replyTo, in.Data.AcceptedMessageID, contract.JobSubmissionAccepted{
		JobID:       m.JobID,
		SubmittedAt: x.now,
	})
	in.publish(contract.JobSubmitted{
		JobID:       m.JobID,
		JobTypeKey:  m.JobTypeKey,
		SubmittedAt: x.now,
	})
	return nil
}

// resubmit re-acknowledges a job that is still in flight with the very
// reply it got the first time.
func (c *coordinator) resubmit(in *instance[Job], x input) error {
	in.reply(x.replyTo, in.Data.AcceptedMessageID, contract.JobSubmissionAccepted{
		JobID:       in.Data.JobID,
		SubmittedAt: in.Data.SubmittedAt,
	})
	return nil
}

func (c *coordinator) reject(in *instance[Job], x input) error {
	in.reply(x.replyTo, "", contract.JobSubmissionRejected{
		JobID:  in.Data.JobID,
		Reason: contract.ReasonDuplicateSubmission,
	})
	return nil
}

// requestSlot moves a Submitted job to SlotRequested. It runs as its own
// transition after every SubmitJob, and from the sweeper for jobs left in
// Submitted by a crash.
func (c *coordinator) requestSlot(in *instance[Job]) error {
	if in.State != JobSubmitted {
		return nil
	}
	in.moveTo(JobSlotRequested)
	in.send(ChannelJobTypes, contract.RequestSlot{
		JobTypeKey: in.Data.JobTypeKey,
		JobID:      in.Data.JobID,
	})
	return nil
}

func (c *coordinator) slotGranted(in *instance[Job], x input) error {
	if _, ok := x.msg.(contract.SlotGranted); !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	in.moveTo(JobRunning)
	in.Data.StartedAt = x.now
	c.startAttempt(in)
	return nil
}

// returnSlot hands back a slot granted to a finished job. The limiter only
// remembers a bounded number of released jobs, so a late RequestSlot can
// still be granted after the job ended.
func (c *coordinator) returnSlot(in *instance[Job], x input) error {
	c.logger.Debug("returning slot granted to finished job",
		"job_id", in.Data.JobID,
		"state", in.State,
	)
	c.releaseSlot(in)
	return nil
}

// startAttempt counts a new attempt and asks the tracker to dispatch it.
// JobStarted is only published for the first one.
func (c *coordinator) startAttempt(in *instance[Job]) {
	job := &in.Data
	job.AttemptCount++
	job.CurrentAttemptID = c.attemptIDs.Generate(job.JobID, job.AttemptCount)
	job.AttemptIDs = append(job.AttemptIDs, job.CurrentAttemptID)
	in.touch()

	if job.AttemptCount == 1 {
		in.publish(contract.JobStarted{
			JobID:     job.JobID,
			AttemptID: job.CurrentAttemptID,
			StartedAt: job.StartedAt,
		})
	}
	in.send(ChannelAttempts, contract.StartAttempt{
		AttemptID:  job.CurrentAttemptID,
		JobID:      job.JobID,
		JobTypeKey: job.JobTypeKey,
		RetryIndex: job.AttemptCount - 1,
		Payload:    job.Payload,
		Timeout:    job.Timeout,
	})
}

func (c *coordinator) attemptOutcome(in *instance[Job], x input) error {
	m, ok := x.msg.(contract.AttemptOutcome)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	job := &in.Data
	if m.AttemptID != job.CurrentAttemptID {
		c.logger.Debug("ignoring outcome of stale attempt",
			"job_id", job.JobID,
			"attempt_id", m.AttemptID,
			"current_attempt_id", job.CurrentAttemptID,
		)
		return nil
	}

	switch m.Outcome {
	case contract.OutcomeSuccess:
		in.moveTo(JobCompleted)
		job.CompletedAt = x.now
		in.publish(contract.JobCompleted{
			JobID:       job.JobID,
			CompletedAt: x.now,
			Duration:    x.now.Sub(job.StartedAt),
		})
		c.releaseSlot(in)

	case contract.OutcomeFault, contract.OutcomeTimeout:
		reason := m.Reason
		if m.Outcome == contract.OutcomeTimeout {
			reason = contract.TimeoutReason
		}
		job.LastFaultReason = reason
		if job.AttemptCount <= job.MaxRetries {
			c.startAttempt(in)
			return nil
		}
		in.moveTo(JobFaulted)
		job.CompletedAt = x.now
		in.publish(contract.JobFaulted{
			JobID:     job.JobID,
			Reason:    reason,
			FaultedAt: x.now,
		})
		c.releaseSlot(in)

	case contract.OutcomeCancelled:
		in.moveTo(JobCancelled)
		job.CompletedAt = x.now
		in.publish(contract.JobCancelled{JobID: job.JobID, CancelledAt: x.now})
		c.releaseSlot(in)
	}
	return nil
}

func (c *coordinator) cancel(in *instance[Job], x input) error {
	m, ok := x.msg.(contract.CancelJob)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	job := &in.Data
	wasRunning := in.State == JobRunning

	in.moveTo(JobCancelled)
	job.CompletedAt = x.now
	in.publish(contract.JobCancelled{JobID: job.JobID, CancelledAt: x.now})
	if wasRunning && job.CurrentAttemptID != "" {
		in.send(ChannelAttempts, contract.CancelAttempt{
			AttemptID: job.CurrentAttemptID,
			JobID:     job.JobID,
			Reason:    m.Reason,
		})
	}
	c.releaseSlot(in)
	return nil
}

func (c *coordinator) cancelUnknown(in *instance[Job], x input) error {
	c.logger.Info("cancel for unknown job ignored", "job_id", in.CorrelationID)
	return nil
}

// releaseSlot returns the job's slot, or withdraws its queued request.
func (c *coordinator) releaseSlot(in *instance[Job]) {
	in.send(ChannelJobTypes, contract.ReleaseSlot{
		JobTypeKey: in.Data.JobTypeKey,
		JobID:      in.Data.JobID,
	})
}
