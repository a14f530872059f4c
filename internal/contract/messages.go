package contract

import (
	"encoding/json"
	"time"
)

// Message is implemented by every value carried by the fabric.
type Message interface {
	// Kind is the stable wire name of the message type.
	Kind() string

	// CorrelationID identifies the saga instance the message belongs to.
	CorrelationID() string
}

// Message kinds.
const (
	KindSubmitJob             = "submit-job"
	KindJobSubmissionAccepted = "job-submission-accepted"
	KindJobSubmissionRejected = "job-submission-rejected"
	KindCancelJob             = "cancel-job"

	KindJobSubmitted = "job-submitted"
	KindJobStarted   = "job-started"
	KindJobCompleted = "job-completed"
	KindJobFaulted   = "job-faulted"
	KindJobCancelled = "job-cancelled"

	KindRequestSlot = "request-slot"
	KindSlotGranted = "slot-granted"
	KindReleaseSlot = "release-slot"

	KindStartAttempt                 = "start-attempt"
	KindDispatchAttempt              = "dispatch-attempt"
	KindAttemptStarted               = "attempt-started"
	KindAttemptCompleted             = "attempt-completed"
	KindAttemptFaulted               = "attempt-faulted"
	KindAttemptDeadlinePassed        = "attempt-deadline-passed"
	KindCancelAttempt                = "cancel-attempt"
	KindAttemptCancellationRequested = "attempt-cancellation-requested"
	KindAttemptOutcome               = "attempt-outcome"
)

// Outcome is the terminal result of one attempt as reported to the
// coordinator.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFault     Outcome = "fault"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// RejectReason explains why a submission was refused.
type RejectReason string

// ReasonDuplicateSubmission is returned when a jobId was already used by a
// job that has reached a terminal state.
const ReasonDuplicateSubmission RejectReason = "DuplicateSubmission"

// TimeoutReason is the fault reason recorded when an attempt misses its
// deadline.
const TimeoutReason = "attempt timed out"

// ---------------------------------------------------------------------------
// Client-facing

// SubmitJob asks the coordinator to accept a new job.
type SubmitJob struct {
	JobID      string          `json:"job_id" validate:"required"`
	JobTypeKey string          `json:"job_type" validate:"required"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (SubmitJob) Kind() string            { return KindSubmitJob }
func (m SubmitJob) CorrelationID() string { return m.JobID }

// JobSubmissionAccepted is the reply to an accepted SubmitJob.
type JobSubmissionAccepted struct {
	JobID       string    `json:"job_id" validate:"required"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (JobSubmissionAccepted) Kind() string            { return KindJobSubmissionAccepted }
func (m JobSubmissionAccepted) CorrelationID() string { return m.JobID }

// JobSubmissionRejected is the reply to a refused SubmitJob.
type JobSubmissionRejected struct {
	JobID  string       `json:"job_id" validate:"required"`
	Reason RejectReason `json:"reason" validate:"required"`
}

func (JobSubmissionRejected) Kind() string            { return KindJobSubmissionRejected }
func (m JobSubmissionRejected) CorrelationID() string { return m.JobID }

// CancelJob asks the coordinator to cancel a job.
type CancelJob struct {
	JobID  string `json:"job_id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

func (CancelJob) Kind() string            { return KindCancelJob }
func (m CancelJob) CorrelationID() string { return m.JobID }

// ---------------------------------------------------------------------------
// Lifecycle events (published)

// JobSubmitted is published once per accepted job.
type JobSubmitted struct {
	JobID       string    `json:"job_id"`
	JobTypeKey  string    `json:"job_type"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (JobSubmitted) Kind() string            { return KindJobSubmitted }
func (m JobSubmitted) CorrelationID() string { return m.JobID }

// JobStarted is published when the first attempt of a job is dispatched.
type JobStarted struct {
	JobID     string    `json:"job_id"`
	AttemptID string    `json:"attempt_id"`
	StartedAt time.Time `json:"started_at"`
}

func (JobStarted) Kind() string            { return KindJobStarted }
func (m JobStarted) CorrelationID() string { return m.JobID }

// JobCompleted is published when an attempt of the job succeeds.
type JobCompleted struct {
	JobID       string        `json:"job_id"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

func (JobCompleted) Kind() string            { return KindJobCompleted }
func (m JobCompleted) CorrelationID() string { return m.JobID }

// JobFaulted is published when the retry budget of a job is exhausted.
type JobFaulted struct {
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	FaultedAt time.Time `json:"faulted_at"`
}

func (JobFaulted) Kind() string            { return KindJobFaulted }
func (m JobFaulted) CorrelationID() string { return m.JobID }

// JobCancelled is published when a job is cancelled.
type JobCancelled struct {
	JobID       string    `json:"job_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (JobCancelled) Kind() string            { return KindJobCancelled }
func (m JobCancelled) CorrelationID() string { return m.JobID }

// ---------------------------------------------------------------------------
// Coordinator <-> limiter

// RequestSlot asks the limiter of JobTypeKey for an execution slot.
type RequestSlot struct {
	JobTypeKey string `json:"job_type" validate:"required"`
	JobID      string `json:"job_id" validate:"required"`
}

func (RequestSlot) Kind() string            { return KindRequestSlot }
func (m RequestSlot) CorrelationID() string { return m.JobTypeKey }

// SlotGranted tells the coordinator that JobID holds a slot.
type SlotGranted struct {
	JobTypeKey string `json:"job_type" validate:"required"`
	JobID      string `json:"job_id" validate:"required"`
}

func (SlotGranted) Kind() string            { return KindSlotGranted }
func (m SlotGranted) CorrelationID() string { return m.JobID }

// ReleaseSlot returns the slot held by JobID, or withdraws its queued request.
type ReleaseSlot struct {
	JobTypeKey string `json:"job_type" validate:"required"`
	JobID      string `json:"job_id" validate:"required"`
}

func (ReleaseSlot) Kind() string            { return KindReleaseSlot }
func (m ReleaseSlot) CorrelationID() string { return m.JobTypeKey }

// ---------------------------------------------------------------------------
// Coordinator <-> attempt tracker <-> workers

// StartAttempt asks the tracker to dispatch a new attempt.
type StartAttempt struct {
	AttemptID  string          `json:"attempt_id" validate:"required"`
	JobID      string          `json:"job_id" validate:"required"`
	JobTypeKey string          `json:"job_type" validate:"required"`
	RetryIndex int             `json:"retry_index" validate:"gte=0"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timeout    time.Duration   `json:"timeout" validate:"gt=0"`
}

func (StartAttempt) Kind() string            { return KindStartAttempt }
func (m StartAttempt) CorrelationID() string { return m.AttemptID }

// DispatchAttempt is the work item consumed by exactly one worker.
type DispatchAttempt struct {
	AttemptID  string          `json:"attempt_id" validate:"required"`
	JobID      string          `json:"job_id" validate:"required"`
	JobTypeKey string          `json:"job_type" validate:"required"`
	RetryIndex int             `json:"retry_index" validate:"gte=0"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timeout    time.Duration   `json:"timeout" validate:"gt=0"`
}

func (DispatchAttempt) Kind() string            { return KindDispatchAttempt }
func (m DispatchAttempt) CorrelationID() string { return m.AttemptID }

// AttemptStarted is sent by the worker that picked up an attempt.
type AttemptStarted struct {
	AttemptID     string    `json:"attempt_id" validate:"required"`
	JobID         string    `json:"job_id"`
	WorkerAddress string    `json:"worker_address"`
	StartedAt     time.Time `json:"started_at"`
}

func (AttemptStarted) Kind() string            { return KindAttemptStarted }
func (m AttemptStarted) CorrelationID() string { return m.AttemptID }

// AttemptCompleted is sent by the worker when execution succeeds.
type AttemptCompleted struct {
	AttemptID  string          `json:"attempt_id" validate:"required"`
	JobID      string          `json:"job_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

func (AttemptCompleted) Kind() string            { return KindAttemptCompleted }
func (m AttemptCompleted) CorrelationID() string { return m.AttemptID }

// AttemptFaulted is sent by the worker when execution fails.
type AttemptFaulted struct {
	AttemptID  string    `json:"attempt_id" validate:"required"`
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason"`
	FinishedAt time.Time `json:"finished_at"`
}

func (AttemptFaulted) Kind() string            { return KindAttemptFaulted }
func (m AttemptFaulted) CorrelationID() string { return m.AttemptID }

// AttemptDeadlinePassed is produced by the deadline sweeper.
type AttemptDeadlinePassed struct {
	AttemptID string    `json:"attempt_id" validate:"required"`
	CheckedAt time.Time `json:"checked_at"`
}

func (AttemptDeadlinePassed) Kind() string            { return KindAttemptDeadlinePassed }
func (m AttemptDeadlinePassed) CorrelationID() string { return m.AttemptID }

// CancelAttempt asks the tracker to cancel an in-flight attempt.
type CancelAttempt struct {
	AttemptID string `json:"attempt_id" validate:"required"`
	JobID     string `json:"job_id"`
	Reason    string `json:"reason,omitempty"`
}

func (CancelAttempt) Kind() string            { return KindCancelAttempt }
func (m CancelAttempt) CorrelationID() string { return m.AttemptID }

// AttemptCancellationRequested is published to workers; the one running the
// attempt cancels its execution context.
type AttemptCancellationRequested struct {
	AttemptID string `json:"attempt_id"`
	JobID     string `json:"job_id"`
}

func (AttemptCancellationRequested) Kind() string            { return KindAttemptCancellationRequested }
func (m AttemptCancellationRequested) CorrelationID() string { return m.AttemptID }

// AttemptOutcome reports a terminal attempt result to the coordinator.
type AttemptOutcome struct {
	AttemptID string  `json:"attempt_id" validate:"required"`
	JobID     string  `json:"job_id" validate:"required"`
	Outcome   Outcome `json:"outcome" validate:"oneof=success fault timeout cancelled"`
	Reason    string  `json:"reason,omitempty"`
}

func (AttemptOutcome) Kind() string            { return KindAttemptOutcome }
func (m AttemptOutcome) CorrelationID() string { return m.JobID }
