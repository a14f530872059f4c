package harness

import (
	"encoding/json"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/fabric"
)

// TraceEvent is one recorded message.
type TraceEvent struct {
	Seq           int64  `json:"seq"`
	Mode          string `json:"mode"`
	Channel       string `json:"channel"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id"`
	JobID         string `json:"job_id,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace holds every distinct message, in emit order.
	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// Final saga documents. Jobs and budgets are ordered by id, attempts
	// by job and then in the order they were made.
	Jobs     []engine.Job     `json:"jobs"`
	Budgets  []engine.Budget  `json:"budgets"`
	Attempts []engine.Attempt `json:"attempts"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// newTraceEvent flattens an envelope.
func newTraceEvent(env fabric.Envelope) TraceEvent {
	return TraceEvent{
		Seq:           env.Seq,
		Mode:          string(env.Mode),
		Channel:       env.Channel,
		Kind:          env.Kind(),
		CorrelationID: env.Message.CorrelationID(),
		JobID:         jobIDOf(env.Message),
	}
}

// jobIDOf reads the job_id field every job related message carries.
func jobIDOf(msg contract.Message) string {
	body, err := contract.Encode(msg)
	if err != nil {
		return ""
	}
	var v struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.JobID
}

func (e TraceEvent) matches(ref MessageRef) bool {
	if ref.Kind != "" && e.Kind != ref.Kind {
		return false
	}
	if ref.ID != "" && e.CorrelationID != ref.ID {
		return false
	}
	if ref.Job != "" && e.JobID != ref.Job {
		return false
	}
	if ref.Mode != "" && e.Mode != ref.Mode {
		return false
	}
	return true
}
