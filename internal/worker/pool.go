package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/jobsaga/internal/clock"
	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/fabric"
)

// ErrStarted is returned by Register after Start.
var ErrStarted = errors.New("worker: pool already started")

// reasonStopped is the fault reported for attempts interrupted by Stop.
const reasonStopped = "worker stopped"

// registration is one job type served by the pool.
type registration struct {
	exec  Executor
	slots chan struct{}
}

// Pool executes attempts of the registered job types.
//
// Thread-safety: Register before Start; everything else is safe from any
// goroutine.
type Pool struct {
	bus     *fabric.Bus
	address string
	clock   clock.Clock
	logger  *slog.Logger

	mu          sync.Mutex
	types       map[string]*registration
	running     map[string]context.CancelFunc
	unsubscribe []func()
	started     bool
	stopping    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithAddress sets the instance address recorded on attempts.
//
// Default: "<hostname>/<uuid>"
func WithAddress(addr string) Option {
	return func(p *Pool) {
		if addr != "" {
			p.address = addr
		}
	}
}

// WithClock sets the clock used for AttemptStarted and finish stamps.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool on bus.
func NewPool(bus *fabric.Bus, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		bus:     bus,
		address: defaultAddress(),
		clock:   clock.System{},
		types:   make(map[string]*registration),
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "worker", "worker_address", p.address)
	}
	return p
}

func defaultAddress() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "/" + uuid.Must(uuid.NewV7()).String()
}

// Address returns the instance address.
func (p *Pool) Address() string {
	return p.address
}

// Register serves jobTypeKey with exec, running at most concurrency attempts
// of it at once on this instance.
func (p *Pool) Register(jobTypeKey string, exec Executor, concurrency int) error {
	if jobTypeKey == "" {
		return errors.New("register: empty job type")
	}
	if exec == nil {
		return fmt.Errorf("register %s: nil executor", jobTypeKey)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	if _, ok := p.types[jobTypeKey]; ok {
		return fmt.Errorf("register %s: already registered", jobTypeKey)
	}
	p.types[jobTypeKey] = &registration{exec: exec, slots: make(chan struct{}, concurrency)}
	return nil
}

// Start subscribes to the execute channel of every registered job type and
// to cancellation requests.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if len(p.types) == 0 {
		return errors.New("worker: no job types registered")
	}
	p.started = true

	for key, reg := range p.types {
		p.unsubscribe = append(p.unsubscribe, p.bus.Subscribe(engine.ExecuteChannel(key), p.dispatchHandler(key, reg)))
		p.logger.Info("serving job type", "job_type", key, "concurrency", cap(reg.slots))
	}
	p.unsubscribe = append(p.unsubscribe, p.bus.SubscribeTopic(contract.KindAttemptCancellationRequested, p.handleCancellation))
	return nil
}

// Run starts the pool and stops it when ctx is done, waiting up to grace for
// running attempts.
func (p *Pool) Run(ctx context.Context, grace time.Duration) error {
	if err := p.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return p.Stop(stopCtx)
}

// Stop unsubscribes and waits for running attempts. When ctx ends first
// they are cancelled and reported as faulted.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	for _, unsub := range p.unsubscribe {
		unsub()
	}
	p.unsubscribe = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker shutdown timed out, cancelling running attempts", "running", p.Running())
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Running returns the number of attempts executing on this instance.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) dispatchHandler(key string, reg *registration) fabric.Handler {
	return func(ctx context.Context, env fabric.Envelope) error {
		m, ok := env.Message.(contract.DispatchAttempt)
		if !ok {
			p.logger.Warn("unexpected message on execute channel", "job_type", key, "kind", env.Kind())
			return nil
		}
		if err := contract.Validate(m); err != nil {
			p.logger.Warn("dropping invalid dispatch", "job_type", key, "error", err)
			return nil
		}

		select {
		case reg.slots <- struct{}{}:
		default:
			return fabric.ErrBusy
		}

		execCtx, cancel := context.WithTimeout(p.ctx, m.Timeout)
		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			cancel()
			<-reg.slots
			return fabric.ErrBusy
		}
		if _, dup := p.running[m.AttemptID]; dup {
			p.mu.Unlock()
			cancel()
			<-reg.slots
			return nil
		}
		p.running[m.AttemptID] = cancel
		p.wg.Add(1)
		p.mu.Unlock()

		started := contract.AttemptStarted{
			AttemptID:     m.AttemptID,
			JobID:         m.JobID,
			WorkerAddress: p.address,
			StartedAt:     p.clock.Now(),
		}
		if err := p.bus.Send(ctx, engine.ChannelAttempts, started); err != nil {
			p.finish(m.AttemptID, reg)
			cancel()
			p.wg.Done()
			return err
		}

		go func() {
			defer p.wg.Done()
			defer p.finish(m.AttemptID, reg)
			defer cancel()
			p.execute(execCtx, reg.exec, m)
		}()
		return nil
	}
}

func (p *Pool) execute(ctx context.Context, exec Executor, m contract.DispatchAttempt) {
	logger := p.logger.With("attempt_id", m.AttemptID, "job_id", m.JobID, "job_type", m.JobTypeKey)
	logger.Debug("attempt started", "retry_index", m.RetryIndex, "timeout", m.Timeout)

	begin := time.Now()
	result, err := run(ctx, exec, m.Payload)
	elapsed := time.Since(begin)

	// Report even when the attempt context is gone.
	reportCtx := context.WithoutCancel(ctx)

	var report contract.Message
	if err == nil {
		logger.Debug("attempt succeeded", "elapsed", elapsed)
		report = contract.AttemptCompleted{
			AttemptID:  m.AttemptID,
			JobID:      m.JobID,
			Result:     result,
			FinishedAt: p.clock.Now(),
		}
	} else {
		reason := err.Error()
		switch {
		case p.ctx.Err() != nil:
			reason = reasonStopped
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			reason = contract.TimeoutReason
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			logger.Error("executor panicked", "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			logger.Info("attempt faulted", "reason", reason, "elapsed", elapsed)
		}
		report = contract.AttemptFaulted{
			AttemptID:  m.AttemptID,
			JobID:      m.JobID,
			Reason:     reason,
			FinishedAt: p.clock.Now(),
		}
	}

	if err := p.bus.Send(reportCtx, engine.ChannelAttempts, report); err != nil {
		logger.Error("failed to report attempt", "kind", report.Kind(), "error", err)
	}
}

func (p *Pool) finish(attemptID string, reg *registration) {
	p.mu.Lock()
	delete(p.running, attemptID)
	p.mu.Unlock()
	<-reg.slots
}

// handleCancellation cancels the attempt if it runs here. Every pool sees
// every request; the others ignore it.
func (p *Pool) handleCancellation(_ context.Context, env fabric.Envelope) error {
	m, ok := env.Message.(contract.AttemptCancellationRequested)
	if !ok {
		return nil
	}
	p.mu.Lock()
	cancel, ok := p.running[m.AttemptID]
	p.mu.Unlock()
	if ok {
		p.logger.Info("cancelling attempt", "attempt_id", m.AttemptID, "job_id", m.JobID)
		cancel()
	}
	return nil
}
