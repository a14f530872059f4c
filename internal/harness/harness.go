package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/fabric"
	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/store"
	"github.com/roach88/jobsaga/internal/testutil"
	"github.com/roach88/jobsaga/internal/worker"
)

// DefaultTimeout bounds each wait of a scenario.
const DefaultTimeout = 10 * time.Second

// WorkerAddress is the address of the scenario's worker pool.
const WorkerAddress = "node-a"

// idlePoll is how often the harness checks for quiescence.
const idlePoll = 2 * time.Millisecond

// Harness is one scenario run: an engine, a worker pool and a client sharing
// an in-memory store and fabric.
type Harness struct {
	store   saga.Store
	bus     *fabric.Bus
	engine  *engine.Engine
	client  *engine.Client
	pool    *worker.Pool
	clock   *testutil.ManualClock
	rec     *testutil.Recorder
	untap   func()
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine, fabric and workers.
//
// Default: discard
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns its result. The error is non-nil only
// when the harness itself could not run; failed steps and assertions are
// reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := newHarness(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			break
		}
	}
	if result.Pass {
		if err := h.waitIdle(ctx, true); err != nil {
			result.AddError(fmt.Sprintf("settle: %v", err))
		}
	}

	for _, env := range testutil.Distinct(h.rec.Envelopes()) {
		result.Trace = append(result.Trace, newTraceEvent(env))
	}
	if err := h.collectState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, opts ...Option) (*Harness, error) {
	h := &Harness{
		clock:   testutil.NewManualClock(time.Time{}),
		timeout: DefaultTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if scenario.Timeout != "" {
		d, err := parsePositive(scenario.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		h.timeout = d
	}

	jobTypes, err := scenario.engineJobTypes()
	if err != nil {
		return nil, err
	}

	h.store = store.NewMemory()
	h.bus = fabric.New(
		fabric.WithBackoff(fabric.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond}),
		fabric.WithDuplicateDelivery(scenario.DuplicateDelivery),
		fabric.WithLogger(h.logger),
	)
	h.rec, h.untap = testutil.Attach(h.bus)

	h.engine = engine.New(h.store, h.bus,
		engine.WithClock(h.clock),
		engine.WithAttemptIDs(engine.SequentialAttemptIDs{}),
		engine.WithJobTypes(jobTypes),
		engine.WithLogger(h.logger),
	)
	if err := h.engine.Start(); err != nil {
		h.close()
		return nil, err
	}
	h.client = engine.NewClient(h.bus)

	pool := worker.NewPool(h.bus,
		worker.WithAddress(WorkerAddress),
		worker.WithClock(h.clock),
		worker.WithLogger(h.logger),
	)
	served := 0
	for _, key := range sortedKeys(scenario.JobTypes) {
		spec := scenario.JobTypes[key]
		if spec.Executor == "" {
			continue
		}
		exec, ok := worker.Builtin(spec.Executor)
		if !ok {
			h.close()
			return nil, fmt.Errorf("job type %s: unknown executor %q", key, spec.Executor)
		}
		if err := pool.Register(key, exec, spec.Workers); err != nil {
			h.close()
			return nil, err
		}
		served++
	}
	if served > 0 {
		if err := pool.Start(); err != nil {
			h.close()
			return nil, err
		}
		h.pool = pool
	}
	return h, nil
}

func (s *Scenario) engineJobTypes() (engine.JobTypes, error) {
	jt := engine.JobTypes{
		Default: engine.DefaultJobType,
		Types:   make(map[string]engine.JobType, len(s.JobTypes)),
	}
	for key, spec := range s.JobTypes {
		t := engine.DefaultJobType
		if spec.ConcurrentLimit != nil {
			t.ConcurrentLimit = *spec.ConcurrentLimit
		}
		t.MaxRetries = spec.MaxRetries
		if spec.Timeout != "" {
			d, err := parsePositive(spec.Timeout)
			if err != nil {
				return jt, fmt.Errorf("job type %s: timeout: %w", key, err)
			}
			t.Timeout = d
		}
		jt.Types[key] = t
	}
	return jt, nil
}

func (h *Harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if h.pool != nil {
		_ = h.pool.Stop(ctx)
	}
	if h.engine != nil {
		h.engine.Stop()
	}
	if h.untap != nil {
		h.untap()
	}
	if h.bus != nil {
		_ = h.bus.Close(ctx)
	}
	if h.store != nil {
		_ = h.store.Close()
	}
}

func (h *Harness) execute(ctx context.Context, st Step) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch {
	case st.Submit != nil:
		return h.submit(ctx, st.Submit)

	case st.Cancel != nil:
		return h.client.Cancel(ctx, st.Cancel.JobID, st.Cancel.Reason)

	case st.Advance != "":
		d, err := parsePositive(st.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil

	case st.Sweep:
		res, err := h.engine.SweepOnce(ctx)
		if err != nil {
			return err
		}
		h.logger.Debug("sweep", "result", res.String())
		return nil

	case st.SetLimit != nil:
		return h.engine.SetLimit(ctx, st.SetLimit.JobType, st.SetLimit.Limit)

	case st.WaitFor != nil:
		ref := *st.WaitFor
		err := h.rec.Wait(ctx, func(envs []fabric.Envelope) bool {
			for _, env := range envs {
				if newTraceEvent(env).matches(ref) {
					return true
				}
			}
			return false
		})
		if err != nil {
			return fmt.Errorf("waiting for %s %s: %w", ref.Kind, ref.ID, err)
		}
		return nil

	case st.WaitIdle:
		return h.waitIdle(ctx, false)
	}
	return errors.New("empty step")
}

func (h *Harness) submit(ctx context.Context, s *SubmitStep) error {
	var payload json.RawMessage
	if s.Payload != nil {
		body, err := json.Marshal(s.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = body
	}

	_, err := h.client.Submit(ctx, contract.SubmitJob{JobID: s.JobID, JobTypeKey: s.JobType, Payload: payload})
	switch s.Expect {
	case ExpectRejected:
		if !errors.Is(err, engine.ErrDuplicateSubmission) {
			return fmt.Errorf("submit %s: expected rejection, got %v", s.JobID, err)
		}
		return nil
	default:
		return err
	}
}

// waitIdle blocks until the fabric holds no message, twice in a row. With
// attempts set the pool must also run no attempt.
func (h *Harness) waitIdle(ctx context.Context, attempts bool) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	quiet := 0
	for {
		if h.idle(attempts) {
			quiet++
			if quiet == 2 {
				return nil
			}
		} else {
			quiet = 0
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("engine still busy (pending=%d): %w", h.bus.Pending(), ctx.Err())
		}
	}
}

func (h *Harness) idle(attempts bool) bool {
	if h.bus.Pending() != 0 {
		return false
	}
	return !attempts || h.pool == nil || h.pool.Running() == 0
}

func (h *Harness) collectState(ctx context.Context, result *Result) error {
	jobs, err := h.engine.Jobs(ctx)
	if err != nil {
		return err
	}
	budgets, err := h.engine.Budgets(ctx)
	if err != nil {
		return err
	}
	result.Jobs = jobs
	result.Budgets = budgets
	for _, job := range jobs {
		attempts, err := h.engine.Attempts(ctx, job.JobID)
		if err != nil {
			return err
		}
		result.Attempts = append(result.Attempts, attempts...)
	}
	return nil
}
