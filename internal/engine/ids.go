package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// AttemptIDGenerator names attempts.
// Implemented by UUIDv7Generator (production) and SequentialAttemptIDs (tests).
type AttemptIDGenerator interface {
	// Generate returns the id of the given 1-based attempt of a job.
	Generate(jobID string, attempt int) string
}

// UUIDv7Generator generates time-sortable UUIDv7 attempt ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7Generator) Generate(string, int) string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequentialAttemptIDs derives attempt ids from the job id, e.g. "job-1/2"
// for the second attempt of job-1. Job ids are never reused, so the ids are
// unique and stable across test runs.
type SequentialAttemptIDs struct{}

// Generate returns jobID/attempt.
func (SequentialAttemptIDs) Generate(jobID string, attempt int) string {
	return fmt.Sprintf("%s/%d", jobID, attempt)
}
