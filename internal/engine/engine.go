package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/jobsaga/internal/clock"
	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
	"github.com/roach88/jobsaga/internal/saga"
)

// DefaultSweepInterval is how often the sweeper looks for missed deadlines.
const DefaultSweepInterval = time.Second

// Engine hosts the three sagas on one process.
//
// Several engines may share a store and a bus; every transition is
// serialized per instance by the store, so they compete for messages
// without coordination.
//
// Thread-safety model:
//   - Start/Stop: safe from any goroutine
//   - Run: blocks; call from one goroutine
//   - SweepOnce, SetLimit and the getters: safe from any goroutine
type Engine struct {
	store      saga.Store
	bus        *fabric.Bus
	runner     *saga.Runner
	clock      clock.Clock
	jobTypes   JobTypes
	attemptIDs AttemptIDGenerator
	sweepEvery time.Duration
	logger     *slog.Logger

	jobs     *coordinator
	budgets  *limiter
	attempts *tracker

	mu          sync.Mutex
	unsubscribe []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock for timestamps and deadlines.
//
// Default: clock.System
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithJobTypes sets the per job type policy.
func WithJobTypes(jt JobTypes) Option {
	return func(e *Engine) { e.jobTypes = jt }
}

// WithAttemptIDs sets the attempt id generator.
//
// Default: UUIDv7Generator
// Use SequentialAttemptIDs for reproducible traces.
func WithAttemptIDs(g AttemptIDGenerator) Option {
	return func(e *Engine) { e.attemptIDs = g }
}

// WithSweepInterval sets the period of the deadline sweeper. It is also the
// age after which an undelivered outbox is considered abandoned.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over store and bus.
//
// A nil bus gives an offline engine: transitions still commit (SetLimit from
// the CLI), their effects stay in the outboxes and are delivered by the next
// engine that runs against the same store.
func New(store saga.Store, bus *fabric.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		bus:        bus,
		clock:      clock.System{},
		jobTypes:   JobTypes{Default: DefaultJobType},
		attemptIDs: UUIDv7Generator{},
		sweepEvery: DefaultSweepInterval,
		logger:     slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	var outlet saga.Outlet
	if bus != nil {
		outlet = busOutlet{bus: bus}
	}
	e.runner = saga.NewRunner(store, outlet,
		saga.WithClock(e.clock),
		saga.WithLogger(e.logger),
	)

	e.jobs = newCoordinator(e.jobTypes, e.attemptIDs, e.logger)
	e.budgets = newLimiter(e.jobTypes, e.logger)
	e.attempts = newTracker(e.logger)
	return e
}

// Start subscribes the sagas to their channels. It returns immediately;
// messages are handled on the bus's goroutines.
func (e *Engine) Start() error {
	if e.bus == nil {
		return errors.New("engine: start without a bus")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil {
		return nil
	}
	e.unsubscribe = []func(){
		e.bus.Subscribe(ChannelJobs, e.handleJob),
		e.bus.Subscribe(ChannelJobTypes, e.handleJobType),
		e.bus.Subscribe(ChannelAttempts, e.handleAttempt),
	}
	e.logger.Info("engine started", "sweep_interval", e.sweepEvery)
	return nil
}

// Stop unsubscribes the sagas. Messages already being handled complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, unsub := range e.unsubscribe {
		unsub()
	}
	e.unsubscribe = nil
}

// Run starts the engine, delivers outboxes left by earlier processes and runs
// the sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Stop()

	if n, err := e.recoverAll(ctx, time.Time{}); err != nil {
		return fmt.Errorf("recover outboxes: %w", err)
	} else if n > 0 {
		e.logger.Info("delivered pending outboxes", "rows", n)
	}

	err := e.sweepLoop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Runner returns the saga runner the engine applies transitions with.
func (e *Engine) Runner() *saga.Runner {
	return e.runner
}

// SetLimit changes the concurrency limit of a job type. Raising it admits
// queued jobs at once; lowering it takes effect as running jobs finish.
func (e *Engine) SetLimit(ctx context.Context, jobTypeKey string, limit int) error {
	if jobTypeKey == "" {
		return errors.New("set limit: empty job type")
	}
	if limit < 0 {
		return fmt.Errorf("set limit %s: negative limit %d", jobTypeKey, limit)
	}
	err := e.runner.Apply(ctx, KindJobType, jobTypeKey, e.budgets.stepFunc(e.budgets.setLimit(jobTypeKey, limit)))
	if err != nil {
		return fmt.Errorf("set limit %s: %w", jobTypeKey, err)
	}
	e.logger.Info("job type limit set", "job_type", jobTypeKey, "limit", limit)
	return nil
}

func (e *Engine) handleJob(ctx context.Context, env fabric.Envelope) error {
	x, ok := e.accept(env, e.jobs.machine.handles)
	if !ok {
		return nil
	}
	id := x.msg.CorrelationID()
	if err := e.runner.Apply(ctx, KindJob, id, e.jobs.step(x)); err != nil {
		return e.failed(env, err)
	}
	if x.msg.Kind() == contract.KindSubmitJob {
		if err := e.runner.Apply(ctx, KindJob, id, e.jobs.stepFunc(e.jobs.requestSlot)); err != nil {
			return e.failed(env, err)
		}
	}
	return nil
}

func (e *Engine) handleJobType(ctx context.Context, env fabric.Envelope) error {
	x, ok := e.accept(env, e.budgets.machine.handles)
	if !ok {
		return nil
	}
	if err := e.runner.Apply(ctx, KindJobType, x.msg.CorrelationID(), e.budgets.step(x)); err != nil {
		return e.failed(env, err)
	}
	return nil
}

func (e *Engine) handleAttempt(ctx context.Context, env fabric.Envelope) error {
	x, ok := e.accept(env, e.attempts.machine.handles)
	if !ok {
		return nil
	}
	if err := e.runner.Apply(ctx, KindAttempt, x.msg.CorrelationID(), e.attempts.step(x)); err != nil {
		return e.failed(env, err)
	}
	return nil
}

// accept validates an envelope before it enters a state machine. Invalid
// messages are dropped; redelivering them cannot help.
func (e *Engine) accept(env fabric.Envelope, handles func(string) bool) (input, bool) {
	if err := contract.Validate(env.Message); err != nil {
		e.logger.Warn("dropping invalid message",
			"kind", env.Kind(),
			"channel", env.Channel,
			"message_id", env.ID,
			"error", err,
		)
		return input{}, false
	}
	if !handles(env.Kind()) {
		e.logger.Warn("dropping message sent to the wrong channel",
			"kind", env.Kind(),
			"channel", env.Channel,
			"message_id", env.ID,
		)
		return input{}, false
	}
	return input{msg: env.Message, msgID: env.ID, replyTo: env.ReplyTo, now: e.clock.Now()}, true
}

func (e *Engine) failed(env fabric.Envelope, err error) error {
	e.logger.Warn("transition failed",
		"kind", env.Kind(),
		"correlation_id", env.Message.CorrelationID(),
		"delivery", env.Delivery,
		"error", err,
	)
	return err
}
