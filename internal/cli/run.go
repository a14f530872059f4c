package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/jobsaga/internal/config"
	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/fabric"
	"github.com/roach88/jobsaga/internal/observability"
	"github.com/roach88/jobsaga/internal/worker"
)

// DefaultGrace is how long run waits for running attempts on shutdown.
const DefaultGrace = 10 * time.Second

// idlePoll is how often --exit-when-idle checks the engine.
const idlePoll = 50 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config       string
	Database     string
	Instance     string
	Submit       string
	MetricsAddr  string
	ExitWhenIdle bool
	Grace        time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine and a local worker pool",
		Long: `Run the coordinator, limiter and attempt tracker against a saga store,
together with a worker pool serving every job type whose configuration names
a built-in executor (sleep, fail, echo).

Jobs listed in a --submit file are submitted once the engine is up, and
lifecycle events are printed as they are published. The store is a SQLite
file, or PostgreSQL when --db is a postgres:// URL.

Example:
  jobsaga run --config jobs.cue --db jobsaga.db
  jobsaga run --config jobs.cue --submit jobs.yaml --exit-when-idle
  jobsaga run --config jobs.cue --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "CUE configuration file or directory")
	cmd.Flags().StringVar(&opts.Database, "db", config.DefaultDB, "SQLite path or postgres:// URL")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "instance name, used as the worker address")
	cmd.Flags().StringVar(&opts.Submit, "submit", "", "YAML file of jobs to submit")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.ExitWhenIdle, "exit-when-idle", false, "exit once every job is finished")
	cmd.Flags().DurationVar(&opts.Grace, "grace", DefaultGrace, "how long to wait for running attempts on shutdown")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := loadRunConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger := opts.logger()
	out := opts.formatter(cmd)

	var jobs []contract.SubmitJob
	if opts.Submit != "" {
		jobs, err = loadSubmissions(opts.Submit)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid submissions", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Engine.DB, cfg.Engine.LockTimeout, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	busOpts := []fabric.Option{fabric.WithLogger(logger.With("component", "fabric"))}
	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Engine.MetricsAddr != "" {
		metrics, metricsHandler, err = observability.NewPrometheus()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up metrics", err)
		}
		otel.SetMeterProvider(metrics.Provider())
		busOpts = append(busOpts, fabric.WithObserver(metrics))
	}
	bus := fabric.New(busOpts...)
	if metrics != nil {
		if err := metrics.ObservePending(bus); err != nil {
			return WrapExitError(ExitCommandError, "failed to set up metrics", err)
		}
	}

	eng := engine.New(st, bus,
		engine.WithJobTypes(cfg.EngineJobTypes()),
		engine.WithSweepInterval(cfg.Engine.SweepInterval),
		engine.WithLogger(logger.With("component", "engine")),
	)
	pool, err := newPool(cfg, bus, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up workers", err)
	}

	untap := bus.Tap(newEventPrinter(out).print)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })
	if pool != nil {
		g.Go(func() error {
			err := pool.Run(gctx, opts.Grace)
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("attempts still running after grace period", "grace", opts.Grace)
				return nil
			}
			return err
		})
	}
	if metricsHandler != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.Engine.MetricsAddr, metricsHandler, logger) })
	}
	g.Go(func() error {
		if err := submitAll(gctx, engine.NewClient(bus), jobs, logger); err != nil {
			return err
		}
		if !opts.ExitWhenIdle {
			return nil
		}
		if err := waitIdle(gctx, eng, bus, pool); err != nil {
			return err
		}
		logger.Debug("engine idle, shutting down")
		cancel()
		return nil
	})

	logger.Info("engine running", "db", cfg.Engine.DB, "job_types", cfg.Keys())
	runErr := g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), opts.Grace)
	defer closeCancel()
	untap()
	if err := bus.Close(closeCtx); err != nil {
		logger.Warn("fabric did not drain", "error", err, "pending", bus.Pending())
	}
	if metrics != nil {
		if err := metrics.Shutdown(closeCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}
	if opts.ExitWhenIdle {
		return summarize(closeCtx, eng, out)
	}
	logger.Info("engine stopped")
	return nil
}

// loadRunConfig loads --config and applies the flags the user set on top.
func loadRunConfig(cmd *cobra.Command, opts *RunOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Engine.DB = opts.Database
	}
	if flags.Changed("instance") {
		cfg.Engine.Instance = opts.Instance
	}
	if flags.Changed("metrics-addr") {
		cfg.Engine.MetricsAddr = opts.MetricsAddr
	}
	return cfg, nil
}

// newPool registers the built-in executor of every configured job type. It
// returns nil when no job type is served locally.
func newPool(cfg *config.Config, bus *fabric.Bus, logger *slog.Logger) (*worker.Pool, error) {
	poolOpts := []worker.Option{worker.WithLogger(logger.With("component", "worker"))}
	if cfg.Engine.Instance != "" {
		poolOpts = append(poolOpts, worker.WithAddress(cfg.Engine.Instance))
	}
	pool := worker.NewPool(bus, poolOpts...)

	served := 0
	for _, key := range cfg.Keys() {
		jt := cfg.JobTypes[key]
		if jt.Executor == "" {
			continue
		}
		exec, ok := worker.Builtin(jt.Executor)
		if !ok {
			return nil, fmt.Errorf("job type %s: unknown executor %q", key, jt.Executor)
		}
		if err := pool.Register(key, exec, jt.Workers); err != nil {
			return nil, err
		}
		served++
	}
	if served == 0 {
		return nil, nil
	}
	return pool, nil
}

func submitAll(ctx context.Context, client *engine.Client, jobs []contract.SubmitJob, logger *slog.Logger) error {
	for _, job := range jobs {
		accepted, err := client.Submit(ctx, job)
		switch {
		case errors.Is(err, engine.ErrDuplicateSubmission):
			logger.Warn("job already finished, not submitted again", "job_id", job.JobID)
		case err != nil:
			return err
		default:
			logger.Debug("job accepted", "job_id", accepted.JobID, "submitted_at", accepted.SubmittedAt)
		}
	}
	return nil
}

// waitIdle returns once, on two consecutive polls, every job is terminal and
// nothing is queued or executing.
func waitIdle(ctx context.Context, eng *engine.Engine, bus *fabric.Bus, pool *worker.Pool) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	quiet := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		idle, err := isIdle(ctx, eng, bus, pool)
		if err != nil {
			return err
		}
		if !idle {
			quiet = 0
			continue
		}
		quiet++
		if quiet == 2 {
			return nil
		}
	}
}

func isIdle(ctx context.Context, eng *engine.Engine, bus *fabric.Bus, pool *worker.Pool) (bool, error) {
	if bus.Pending() != 0 || (pool != nil && pool.Running() != 0) {
		return false, nil
	}
	jobs, err := eng.Jobs(ctx)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if !engine.IsTerminalJobState(j.State) {
			return false, nil
		}
	}
	return true, nil
}

// summarize prints the final job states. A faulted job fails the command.
func summarize(ctx context.Context, eng *engine.Engine, out *OutputFormatter) error {
	jobs, err := eng.Jobs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read jobs", err)
	}
	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.State]++
	}
	text := fmt.Sprintf("%d job(s): %d completed, %d faulted, %d cancelled",
		len(jobs), counts[engine.JobCompleted], counts[engine.JobFaulted], counts[engine.JobCancelled])
	if err := out.Success(counts, text); err != nil {
		return err
	}
	if n := counts[engine.JobFaulted]; n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d job(s) faulted", n))
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
