package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/jobsaga/internal/contract"
)

// ErrDuplicateSubmission is matched (errors.Is) by the SubmissionError
// returned when a job id was already used by a finished job.
var ErrDuplicateSubmission = errors.New("duplicate submission")

// SubmissionError is a refused SubmitJob.
type SubmissionError struct {
	JobID  string
	Reason contract.RejectReason
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job %s rejected: %s", e.JobID, e.Reason)
}

// Is makes errors.Is(err, ErrDuplicateSubmission) work.
func (e *SubmissionError) Is(target error) bool {
	return target == ErrDuplicateSubmission && e.Reason == contract.ReasonDuplicateSubmission
}

// TransitionError is a message a saga could not apply.
type TransitionError struct {
	// Code identifies the error category.
	Code TransitionErrorCode

	// Kind is the saga kind.
	Kind string

	// CorrelationID identifies the saga instance.
	CorrelationID string

	// State is the state the instance was in.
	State string

	// Message is a human-readable description.
	Message string
}

// TransitionErrorCode categorizes transition errors.
type TransitionErrorCode string

const (
	// ErrCodeCorruptState indicates the stored document could not be decoded.
	ErrCodeCorruptState TransitionErrorCode = "CORRUPT_STATE"

	// ErrCodeUnexpectedMessage indicates a handler received a message type
	// it was not registered for.
	ErrCodeUnexpectedMessage TransitionErrorCode = "UNEXPECTED_MESSAGE"
)

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s: %s (%s/%s in %s)", e.Code, e.Message, e.Kind, e.CorrelationID, e.State)
	}
	return fmt.Sprintf("%s: %s (%s/%s)", e.Code, e.Message, e.Kind, e.CorrelationID)
}

// IsCorruptState returns true if the error is a corrupt stored document.
// Uses errors.As to handle wrapped errors.
func IsCorruptState(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code == ErrCodeCorruptState
	}
	return false
}

func unexpected(kind, id, state string, msg contract.Message) *TransitionError {
	return &TransitionError{
		Code:          ErrCodeUnexpectedMessage,
		Kind:          kind,
		CorrelationID: id,
		State:         state,
		Message:       fmt.Sprintf("handler cannot take %T", msg),
	}
}
