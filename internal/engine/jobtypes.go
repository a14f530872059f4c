package engine

import "time"

// JobType is the policy of one job type.
type JobType struct {
	// ConcurrentLimit is the number of jobs of this type that may run at
	// once across all workers. Zero queues everything.
	ConcurrentLimit int

	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// Timeout bounds one attempt.
	Timeout time.Duration
}

// DefaultJobType applies to job types without configuration.
var DefaultJobType = JobType{
	ConcurrentLimit: 1,
	MaxRetries:      0,
	Timeout:         5 * time.Minute,
}

// JobTypes resolves the policy of a job type key.
type JobTypes struct {
	Default JobType
	Types   map[string]JobType
}

// Lookup returns the policy for key, falling back to Default and then to
// DefaultJobType for a zero timeout.
func (j JobTypes) Lookup(key string) JobType {
	jt, ok := j.Types[key]
	if !ok {
		jt = j.Default
	}
	if jt.Timeout <= 0 {
		jt.Timeout = j.Default.Timeout
	}
	if jt.Timeout <= 0 {
		jt.Timeout = DefaultJobType.Timeout
	}
	if jt.ConcurrentLimit < 0 {
		jt.ConcurrentLimit = 0
	}
	if jt.MaxRetries < 0 {
		jt.MaxRetries = 0
	}
	return jt
}
