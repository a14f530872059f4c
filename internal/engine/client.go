package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
)

// Client submits and cancels jobs over the fabric.
type Client struct {
	bus *fabric.Bus
}

// NewClient creates a client on bus.
func NewClient(bus *fabric.Bus) *Client {
	return &Client{bus: bus}
}

// Submit sends SubmitJob and waits for the coordinator's answer. Submitting
// an id again while the job is in flight returns the original acceptance; a
// finished job's id yields a *SubmissionError matching
// ErrDuplicateSubmission.
func (c *Client) Submit(ctx context.Context, job contract.SubmitJob) (contract.JobSubmissionAccepted, error) {
	if err := contract.Validate(job); err != nil {
		return contract.JobSubmissionAccepted{}, err
	}
	env, err := c.bus.Request(ctx, ChannelJobs, job)
	if err != nil {
		return contract.JobSubmissionAccepted{}, fmt.Errorf("submit %s: %w", job.JobID, err)
	}

	switch reply := env.Message.(type) {
	case contract.JobSubmissionAccepted:
		return reply, nil
	case contract.JobSubmissionRejected:
		return contract.JobSubmissionAccepted{}, &SubmissionError{JobID: reply.JobID, Reason: reply.Reason}
	default:
		return contract.JobSubmissionAccepted{}, fmt.Errorf("submit %s: unexpected reply %s", job.JobID, env.Kind())
	}
}

// SubmitTyped submits payload under the job type derived from its Go type.
func SubmitTyped(ctx context.Context, c *Client, jobID string, payload any) (contract.JobSubmissionAccepted, error) {
	key := contract.TypeKey(payload)
	if key == "" {
		return contract.JobSubmissionAccepted{}, errors.New("submit: payload type has no job type key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return contract.JobSubmissionAccepted{}, fmt.Errorf("submit %s: encode payload: %w", jobID, err)
	}
	return c.Submit(ctx, contract.SubmitJob{JobID: jobID, JobTypeKey: key, Payload: body})
}

// Cancel asks the coordinator to cancel a job. It does not wait; the outcome
// is the JobCancelled event.
func (c *Client) Cancel(ctx context.Context, jobID, reason string) error {
	msg := contract.CancelJob{JobID: jobID, Reason: reason}
	if err := contract.Validate(msg); err != nil {
		return err
	}
	return c.bus.Send(ctx, ChannelJobs, msg)
}
