package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/jobsaga/internal/worker"
)

// Scenario is one harness test.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// JobTypes configures the engine policy and the local worker of each
	// job type used by the scenario.
	JobTypes map[string]JobTypeSpec `yaml:"job_types"`

	// DuplicateDelivery makes the fabric deliver every message twice.
	DuplicateDelivery bool `yaml:"duplicate_delivery,omitempty"`

	// Timeout bounds every wait of the scenario. Default: DefaultTimeout.
	Timeout string `yaml:"timeout,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// JobTypeSpec is the policy and worker of one job type.
type JobTypeSpec struct {
	// ConcurrentLimit defaults to the engine's default of 1.
	ConcurrentLimit *int   `yaml:"concurrent_limit,omitempty"`
	MaxRetries      int    `yaml:"max_retries,omitempty"`
	Timeout         string `yaml:"timeout,omitempty"`

	// Executor is a built-in executor name. Empty leaves the job type
	// without a worker.
	Executor string `yaml:"executor,omitempty"`
	Workers  int    `yaml:"workers,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Submit   *SubmitStep   `yaml:"submit,omitempty"`
	Cancel   *CancelStep   `yaml:"cancel,omitempty"`
	Advance  string        `yaml:"advance,omitempty"`
	Sweep    bool          `yaml:"sweep,omitempty"`
	SetLimit *SetLimitStep `yaml:"set_limit,omitempty"`
	WaitFor  *MessageRef   `yaml:"wait_for,omitempty"`
	WaitIdle bool          `yaml:"wait_idle,omitempty"`
}

// SubmitStep submits a job.
type SubmitStep struct {
	JobID   string         `yaml:"job_id"`
	JobType string         `yaml:"job_type"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// Expect is "accepted" (default) or "rejected".
	Expect string `yaml:"expect,omitempty"`
}

// CancelStep cancels a job.
type CancelStep struct {
	JobID  string `yaml:"job_id"`
	Reason string `yaml:"reason,omitempty"`
}

// SetLimitStep changes a concurrency limit.
type SetLimitStep struct {
	JobType string `yaml:"job_type"`
	Limit   int    `yaml:"limit"`
}

// MessageRef selects recorded messages. Empty fields match anything.
type MessageRef struct {
	Kind string `yaml:"kind"`

	// ID matches the correlation id.
	ID string `yaml:"id,omitempty"`

	// Job matches the job id carried by the message.
	Job string `yaml:"job,omitempty"`

	// Mode is send, publish or reply.
	Mode string `yaml:"mode,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// MessageRef selects messages for trace_contains and trace_count.
	MessageRef `yaml:",inline"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order (trace_order).
	Events []MessageRef `yaml:"events,omitempty"`

	// Saga is job, job-type or job-attempt (final_state). ID names the
	// instance.
	Saga string `yaml:"saga,omitempty"`

	// Expect holds document fields by their JSON name (final_state). Subset
	// match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Submit expectations.
const (
	ExpectAccepted = "accepted"
	ExpectRejected = "rejected"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every .yaml file in dir, ordered by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Timeout != "" {
		if _, err := parsePositive(s.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}

	for key, jt := range s.JobTypes {
		if jt.ConcurrentLimit != nil && *jt.ConcurrentLimit < 0 {
			return fmt.Errorf("job_types[%s]: concurrent_limit must be >= 0", key)
		}
		if jt.MaxRetries < 0 {
			return fmt.Errorf("job_types[%s]: max_retries must be >= 0", key)
		}
		if jt.Timeout != "" {
			if _, err := parsePositive(jt.Timeout); err != nil {
				return fmt.Errorf("job_types[%s].timeout: %w", key, err)
			}
		}
		if jt.Executor != "" {
			if _, ok := worker.Builtin(jt.Executor); !ok {
				return fmt.Errorf("job_types[%s]: unknown executor %q (have %v)", key, jt.Executor, worker.BuiltinNames())
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, ok := range []bool{
		st.Submit != nil, st.Cancel != nil, st.Advance != "", st.Sweep,
		st.SetLimit != nil, st.WaitFor != nil, st.WaitIdle,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case st.Submit != nil:
		if st.Submit.JobID == "" || st.Submit.JobType == "" {
			return fmt.Errorf("steps[%d].submit: job_id and job_type are required", index)
		}
		switch st.Submit.Expect {
		case "", ExpectAccepted, ExpectRejected:
		default:
			return fmt.Errorf("steps[%d].submit: expect must be %q or %q", index, ExpectAccepted, ExpectRejected)
		}
	case st.Cancel != nil:
		if st.Cancel.JobID == "" {
			return fmt.Errorf("steps[%d].cancel: job_id is required", index)
		}
	case st.Advance != "":
		if _, err := parsePositive(st.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	case st.SetLimit != nil:
		if st.SetLimit.JobType == "" {
			return fmt.Errorf("steps[%d].set_limit: job_type is required", index)
		}
		if st.SetLimit.Limit < 0 {
			return fmt.Errorf("steps[%d].set_limit: limit must be >= 0", index)
		}
	case st.WaitFor != nil:
		if st.WaitFor.Kind == "" {
			return fmt.Errorf("steps[%d].wait_for: kind is required", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for trace_order", index)
		}
		for j, ev := range a.Events {
			if ev.Kind == "" {
				return fmt.Errorf("assertions[%d].events[%d]: kind is required", index, j)
			}
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be >= 0", index)
		}
	case AssertFinalState:
		switch a.Saga {
		case sagaJob, sagaJobType, sagaAttempt:
		default:
			return fmt.Errorf("assertions[%d]: saga must be %s, %s or %s", index, sagaJob, sagaJobType, sagaAttempt)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be positive", s)
	}
	return d, nil
}
