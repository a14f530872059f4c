package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/jobsaga/internal/config"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/store"
)

// LimitsOptions holds flags for the limits commands.
type LimitsOptions struct {
	*RootOptions
	Database string
}

// NewLimitsCommand creates the limits command group.
func NewLimitsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LimitsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect and change job type concurrency limits",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", config.DefaultDB, "SQLite path or postgres:// URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "set <job-type> <limit>",
		Short: "Set the concurrency limit of a job type",
		Long: `Set the concurrency limit of a job type.

Raising the limit grants queued jobs their slots; lowering it never revokes a
slot, the effective limit shrinks as running jobs release theirs. When no
engine is running the queued grants are delivered by the next one started on
the same store.

Example:
  jobsaga limits set crunch-the-numbers 4 --db jobsaga.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLimitsSet(cmd, opts, args[0], args[1])
		},
	})

	return cmd
}

func runLimitsSet(cmd *cobra.Command, opts *LimitsOptions, jobType, rawLimit string) error {
	limit, err := strconv.Atoi(rawLimit)
	if err != nil || limit < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid limit %q: must be a non-negative integer", rawLimit))
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, opts.Database, store.DefaultLockTimeout, opts.logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	eng := engine.New(st, nil, engine.WithLogger(opts.logger()))
	if err := eng.SetLimit(ctx, jobType, limit); err != nil {
		return WrapExitError(ExitFailure, "failed to set limit", err)
	}
	budget, err := eng.Budget(ctx, jobType)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read budget", err)
	}

	text := fmt.Sprintf("%s: limit %d (effective %d, %d active, %d queued)",
		budget.JobTypeKey, budget.TargetLimit, budget.ConcurrentLimit, budget.ActiveCount(), len(budget.Pending))
	return opts.formatter(cmd).Success(budget, text)
}
