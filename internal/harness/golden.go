package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
)

// Snapshot renders the deterministic part of a result as canonical JSON:
// the final documents without timestamps, and for every job the lifecycle
// events the coordinator published for it. Messages of different jobs
// interleave differently from run to run, so the full trace is left out.
func Snapshot(name string, result *Result) ([]byte, error) {
	attemptsByJob := map[string][]any{}
	for _, a := range result.Attempts {
		attemptsByJob[a.JobID] = append(attemptsByJob[a.JobID], map[string]any{
			"attempt_id":     a.AttemptID,
			"state":          a.State,
			"outcome":        string(a.Outcome),
			"reason":         a.Reason,
			"retry_index":    a.RetryIndex,
			"worker_address": a.WorkerAddress,
		})
	}

	jobs := make([]any, 0, len(result.Jobs))
	for _, j := range result.Jobs {
		attempts := attemptsByJob[j.JobID]
		if attempts == nil {
			attempts = []any{}
		}
		jobs = append(jobs, map[string]any{
			"job_id":            j.JobID,
			"state":             j.State,
			"attempt_count":     j.AttemptCount,
			"last_fault_reason": j.LastFaultReason,
			"attempts":          attempts,
			"events":            lifecycle(result.Trace, j.JobID),
		})
	}

	budgets := make([]any, 0, len(result.Budgets))
	for _, b := range result.Budgets {
		pending := make([]string, len(b.Pending))
		for i, p := range b.Pending {
			pending[i] = p.JobID
		}
		active := b.ActiveJobIDs
		if active == nil {
			active = []string{}
		}
		budgets = append(budgets, map[string]any{
			"job_type":         b.JobTypeKey,
			"concurrent_limit": b.ConcurrentLimit,
			"target_limit":     b.TargetLimit,
			"active_job_ids":   active,
			"pending":          pending,
		})
	}

	return contract.MarshalCanonical(map[string]any{
		"scenario": name,
		"jobs":     jobs,
		"budgets":  budgets,
	})
}

// lifecycle lists the job events published for jobID, in order.
func lifecycle(trace []TraceEvent, jobID string) []string {
	events := []string{}
	for _, e := range trace {
		if e.Mode == string(fabric.ModePublish) && e.CorrelationID == jobID && strings.HasPrefix(e.Kind, "job-") {
			events = append(events, e.Kind)
		}
	}
	return events
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
