package cli

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/jobsaga/internal/config"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	States   []string
	JobID    string
}

// StatusResult is the JSON payload of status.
type StatusResult struct {
	Jobs     []JobStatus     `json:"jobs"`
	Budgets  []engine.Budget `json:"budgets"`
	Attempts []AttemptStatus `json:"attempts,omitempty"`
}

// JobStatus is a job document with its state.
type JobStatus struct {
	engine.Job
	State string `json:"state"`
}

// AttemptStatus is an attempt document with its state.
type AttemptStatus struct {
	engine.Attempt
	State string `json:"state"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List jobs and job type budgets",
		Long: `List the jobs and job type budgets recorded in a saga store.

With --job, the attempts of that job are listed as well.

Example:
  jobsaga status --db jobsaga.db
  jobsaga status --db jobsaga.db --state Running --state SlotRequested
  jobsaga status --db jobsaga.db --job job-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", config.DefaultDB, "SQLite path or postgres:// URL")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "only list jobs in these states")
	cmd.Flags().StringVar(&opts.JobID, "job", "", "also list the attempts of this job")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	st, err := openStore(ctx, opts.Database, store.DefaultLockTimeout, opts.logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	eng := engine.New(st, nil, engine.WithLogger(opts.logger()))
	result := StatusResult{Jobs: []JobStatus{}}
	jobs, err := eng.Jobs(ctx, opts.States...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read jobs", err)
	}
	for _, j := range jobs {
		result.Jobs = append(result.Jobs, JobStatus{Job: j, State: j.State})
	}
	if result.Budgets, err = eng.Budgets(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read budgets", err)
	}
	if result.Budgets == nil {
		result.Budgets = []engine.Budget{}
	}
	if opts.JobID != "" {
		if _, err := eng.Job(ctx, opts.JobID); err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				return WrapExitError(ExitFailure, "unknown job", err)
			}
			return WrapExitError(ExitCommandError, "failed to read job", err)
		}
		attempts, err := eng.Attempts(ctx, opts.JobID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read attempts", err)
		}
		for _, a := range attempts {
			result.Attempts = append(result.Attempts, AttemptStatus{Attempt: a, State: a.State})
		}
	}

	if out.json() {
		return out.Success(result, "")
	}
	return out.Success(nil, statusText(result, opts.JobID != ""))
}

func statusText(r StatusResult, withAttempts bool) string {
	var buf bytes.Buffer
	f := &OutputFormatter{Writer: &buf}

	if len(r.Jobs) == 0 {
		buf.WriteString("No jobs.\n")
	} else {
		rows := make([][]string, 0, len(r.Jobs))
		for _, j := range r.Jobs {
			rows = append(rows, []string{j.JobID, j.JobTypeKey, j.State, strconv.Itoa(j.AttemptCount), j.LastFaultReason})
		}
		_ = f.Table([]string{"JOB", "TYPE", "STATE", "ATTEMPTS", "LAST FAULT"}, rows)
	}

	if len(r.Budgets) > 0 {
		buf.WriteString("\n")
		rows := make([][]string, 0, len(r.Budgets))
		for _, b := range r.Budgets {
			limit := strconv.Itoa(b.ConcurrentLimit)
			if b.TargetLimit != b.ConcurrentLimit {
				limit += " -> " + strconv.Itoa(b.TargetLimit)
			}
			rows = append(rows, []string{b.JobTypeKey, limit, strconv.Itoa(b.ActiveCount()), strconv.Itoa(len(b.Pending))})
		}
		_ = f.Table([]string{"JOB TYPE", "LIMIT", "ACTIVE", "QUEUED"}, rows)
	}

	if withAttempts {
		buf.WriteString("\n")
		rows := make([][]string, 0, len(r.Attempts))
		for _, a := range r.Attempts {
			rows = append(rows, []string{a.AttemptID, a.State, strconv.Itoa(a.RetryIndex), a.WorkerAddress, strings.TrimSpace(a.Reason)})
		}
		_ = f.Table([]string{"ATTEMPT", "STATE", "RETRY", "WORKER", "REASON"}, rows)
	}
	return buf.String()
}
