package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/jobsaga/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool               `json:"valid"`
	Errors   []ValidationError  `json:"errors,omitempty"`
	JobTypes []ValidatedJobType `json:"job_types,omitempty"`
}

// ValidationError is one positioned configuration problem.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidatedJobType summarizes a job type of a valid configuration.
type ValidatedJobType struct {
	Key             string `json:"key"`
	ConcurrentLimit int    `json:"concurrent_limit"`
	MaxRetries      int    `json:"max_retries"`
	Timeout         string `json:"timeout"`
	Executor        string `json:"executor,omitempty"`
	Workers         int    `json:"workers"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a CUE configuration",
		Long: `Validate a jobsaga configuration: a .cue file or a directory of them.

Every problem is reported with its position. The exit code is 1 when the
configuration is invalid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := opts.formatter(cmd)

	cfg, err := config.Load(path)
	if err != nil {
		result := ValidationResult{Valid: false}
		for _, le := range config.Errors(err) {
			result.Errors = append(result.Errors, toValidationError(le))
		}
		if out.json() {
			if err := out.Error(ErrCodeConfig, "invalid configuration", result); err != nil {
				return err
			}
		} else {
			var b strings.Builder
			for _, le := range config.Errors(err) {
				fmt.Fprintf(&b, "✗ %s\n", le.Error())
			}
			if err := out.Success(nil, b.String()); err != nil {
				return err
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d configuration error(s)", len(result.Errors)))
	}

	result := ValidationResult{Valid: true}
	for _, key := range cfg.Keys() {
		jt := cfg.JobTypes[key]
		result.JobTypes = append(result.JobTypes, ValidatedJobType{
			Key:             key,
			ConcurrentLimit: jt.ConcurrentLimit,
			MaxRetries:      jt.MaxRetries,
			Timeout:         jt.Timeout.String(),
			Executor:        jt.Executor,
			Workers:         jt.Workers,
		})
	}
	out.VerboseLog("sweep interval %s, lock timeout %s", cfg.Engine.SweepInterval, cfg.Engine.LockTimeout)
	return out.Success(result, validateText(cfg))
}

func toValidationError(le *config.LoadError) ValidationError {
	ve := ValidationError{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		ve.File = le.Pos.Filename()
		ve.Line = le.Pos.Line()
		ve.Column = le.Pos.Column()
	}
	return ve
}

func validateText(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ configuration valid: %d job type(s)\n", len(cfg.JobTypes))
	for _, key := range cfg.Keys() {
		jt := cfg.JobTypes[key]
		executor := jt.Executor
		if executor == "" {
			executor = "-"
		}
		fmt.Fprintf(&b, "  %s: limit %d, retries %d, timeout %s, executor %s\n",
			key, jt.ConcurrentLimit, jt.MaxRetries, jt.Timeout.Round(time.Millisecond), executor)
	}
	return b.String()
}
