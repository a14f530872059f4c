package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/jobsaga/internal/clock"
	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/fabric"
	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/store"
	"github.com/roach88/jobsaga/internal/testutil"
	"github.com/roach88/jobsaga/internal/worker"
)

const crunch = "crunch-the-numbers"

// cluster is one engine, one worker pool and a client on a shared bus.
type cluster struct {
	bus    *fabric.Bus
	store  saga.Store
	engine *engine.Engine
	client *engine.Client
	rec    *testutil.Recorder
}

type setup struct {
	store     saga.Store
	clock     clock.Clock
	jobType   engine.JobType
	executor  worker.Executor
	workers   int
	duplicate bool
}

func newCluster(t *testing.T, s setup) *cluster {
	t.Helper()
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.executor == nil {
		s.executor = worker.ExecutorFunc(worker.Sleep)
	}
	if s.workers == 0 {
		s.workers = 4
	}
	if s.jobType.Timeout == 0 {
		s.jobType.Timeout = time.Minute
	}

	bus := fabric.New(
		fabric.WithBackoff(fabric.Backoff{Initial: time.Millisecond, Max: 20 * time.Millisecond}),
		fabric.WithDuplicateDelivery(s.duplicate),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
		_ = s.store.Close()
	})
	rec := testutil.Record(t, bus)

	eng := engine.New(s.store, bus,
		engine.WithClock(s.clock),
		engine.WithAttemptIDs(engine.SequentialAttemptIDs{}),
		engine.WithJobTypes(engine.JobTypes{
			Default: engine.DefaultJobType,
			Types:   map[string]engine.JobType{crunch: s.jobType},
		}),
	)
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	startWorkers(t, bus, s.executor, s.workers, "node-a")

	return &cluster{bus: bus, store: s.store, engine: eng, client: engine.NewClient(bus), rec: rec}
}

func startWorkers(t *testing.T, bus *fabric.Bus, exec worker.Executor, concurrency int, addr string) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(bus, worker.WithAddress(addr))
	require.NoError(t, pool.Register(crunch, exec, concurrency))
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func (c *cluster) submit(t *testing.T, jobID string, payload string) contract.JobSubmissionAccepted {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acc, err := c.client.Submit(ctx, contract.SubmitJob{JobID: jobID, JobTypeKey: crunch, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return acc
}

// waitBudgetDrained waits for the limiter to hold no slot and no request.
// Finished jobs publish their end event before the limiter applies their
// ReleaseSlot.
func (c *cluster) waitBudgetDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := c.engine.Budget(context.Background(), crunch)
		return err == nil && len(b.ActiveJobIDs) == 0 && len(b.Pending) == 0
	}, 5*time.Second, 5*time.Millisecond, "budget never drained")
}

// blocking runs until its context is cancelled.
func blocking() worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func seqOf(t *testing.T, envs []fabric.Envelope, kind, jobID string) int64 {
	t.Helper()
	for _, env := range envs {
		if env.Kind() == kind && env.Message.CorrelationID() == jobID {
			return env.Seq
		}
	}
	t.Fatalf("no %s for %s in %v", kind, jobID, testutil.Kinds(envs))
	return 0
}

func TestEngine_CrunchTheNumbersOneSecond(t *testing.T) {
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: 1, Timeout: 30 * time.Second}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acc, err := engine.SubmitTyped(ctx, c.client, "job-1", worker.CrunchTheNumbers{Duration: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "job-1", acc.JobID)
	assert.False(t, acc.SubmittedAt.IsZero())

	completed := c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)

	envs := testutil.Distinct(c.rec.Envelopes())
	assert.Equal(t,
		[]string{contract.KindJobSubmitted, contract.KindJobStarted, contract.KindJobCompleted},
		testutil.Published(envs, "job-1"))
	assert.Less(t, seqOf(t, envs, contract.KindJobSubmissionAccepted, "job-1"), seqOf(t, envs, contract.KindJobSubmitted, "job-1"))
	assert.GreaterOrEqual(t, completed.Message.(contract.JobCompleted).Duration, time.Second)

	job, err := c.engine.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobCompleted, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.False(t, job.CompletedAt.IsZero())

	attempts, err := c.engine.Attempts(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, engine.AttemptSucceeded, attempts[0].State)
	assert.Equal(t, "node-a", attempts[0].WorkerAddress)
	assert.Equal(t, contract.OutcomeSuccess, attempts[0].Outcome)
}

func TestEngine_LimitOneRunsJobsOneAfterAnother(t *testing.T) {
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: 1, Timeout: 30 * time.Second}})

	c.submit(t, "job-1", `{"duration":"50ms"}`)
	c.submit(t, "job-2", `{"duration":"50ms"}`)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-2", 5*time.Second)

	envs := c.rec.Envelopes()
	first, second := "job-1", "job-2"
	if seqOf(t, envs, contract.KindJobStarted, second) < seqOf(t, envs, contract.KindJobStarted, first) {
		first, second = second, first
	}
	assert.Less(t,
		seqOf(t, envs, contract.KindJobCompleted, first),
		seqOf(t, envs, contract.KindJobStarted, second),
		"second job started before the first completed")

	c.waitBudgetDrained(t)
}

func TestEngine_DuplicateDeliveryIsIdempotent(t *testing.T) {
	c := newCluster(t, setup{
		jobType:   engine.JobType{ConcurrentLimit: 1, Timeout: 30 * time.Second},
		duplicate: true,
	})

	c.submit(t, "job-1", `{"duration":"10ms"}`)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)

	// Let duplicates drain before counting.
	require.Eventually(t, func() bool { return c.bus.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)

	envs := testutil.Distinct(c.rec.Envelopes())
	for _, kind := range []string{
		contract.KindJobSubmissionAccepted,
		contract.KindJobSubmitted,
		contract.KindJobStarted,
		contract.KindJobCompleted,
	} {
		assert.Len(t, testutil.Filter(envs, kind), 1, kind)
	}

	job, err := c.engine.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, engine.JobCompleted, job.State)
}

func TestEngine_ResubmitReturnsSameAcceptance(t *testing.T) {
	c := newCluster(t, setup{executor: blocking(), jobType: engine.JobType{ConcurrentLimit: 1}})

	first := c.submit(t, "job-1", `{}`)
	second := c.submit(t, "job-1", `{}`)
	assert.True(t, first.SubmittedAt.Equal(second.SubmittedAt))

	accepted := testutil.Filter(c.rec.Envelopes(), contract.KindJobSubmissionAccepted)
	require.Len(t, accepted, 2)
	assert.Equal(t, accepted[0].ID, accepted[1].ID)
	assert.Len(t, testutil.Filter(testutil.Distinct(c.rec.Envelopes()), contract.KindJobSubmitted), 1)
}

func TestEngine_SubmitFinishedJobIsDuplicate(t *testing.T) {
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: 1}})

	c.submit(t, "job-1", `{"duration":"1ms"}`)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.client.Submit(ctx, contract.SubmitJob{JobID: "job-1", JobTypeKey: crunch})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrDuplicateSubmission))

	var se *engine.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "job-1", se.JobID)
}

func TestEngine_SubmitInvalid(t *testing.T) {
	c := newCluster(t, setup{})
	_, err := c.client.Submit(context.Background(), contract.SubmitJob{JobID: "job-1"})
	require.Error(t, err)
}

func TestEngine_RetriesFaultsUpToMaxRetries(t *testing.T) {
	c := newCluster(t, setup{
		executor: worker.ExecutorFunc(worker.Fail),
		jobType:  engine.JobType{ConcurrentLimit: 1, MaxRetries: 2, Timeout: time.Second},
	})

	c.submit(t, "job-1", `{"reason":"disk full"}`)
	faulted := c.rec.WaitFor(t, contract.KindJobFaulted, "job-1", 5*time.Second)
	assert.Equal(t, "disk full", faulted.Message.(contract.JobFaulted).Reason)

	envs := testutil.Distinct(c.rec.Envelopes())
	assert.Len(t, testutil.Filter(envs, contract.KindJobStarted), 1)
	assert.Len(t, testutil.Filter(envs, contract.KindDispatchAttempt), 3)

	job, err := c.engine.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Equal(t, []string{"job-1/1", "job-1/2", "job-1/3"}, job.AttemptIDs)

	attempts, err := c.engine.Attempts(context.Background(), "job-1")
	require.NoError(t, err)
	for i, a := range attempts {
		assert.Equal(t, i, a.RetryIndex)
		assert.Equal(t, engine.AttemptFaulted, a.State)
	}
}

func TestEngine_SweeperTimesOutAttempt(t *testing.T) {
	clk := testutil.NewManualClock(time.Time{})
	c := newCluster(t, setup{
		clock:    clk,
		executor: blocking(),
		jobType:  engine.JobType{ConcurrentLimit: 1, Timeout: 30 * time.Second},
	})
	ctx := context.Background()

	c.submit(t, "job-1", `{}`)
	c.rec.WaitFor(t, contract.KindAttemptStarted, "job-1/1", 5*time.Second)

	res, err := c.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DeadlinesPassed)

	clk.Advance(31 * time.Second)
	res, err = c.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadlinesPassed)

	faulted := c.rec.WaitFor(t, contract.KindJobFaulted, "job-1", 5*time.Second)
	assert.Equal(t, contract.TimeoutReason, faulted.Message.(contract.JobFaulted).Reason)
	c.rec.WaitFor(t, contract.KindAttemptCancellationRequested, "job-1/1", time.Second)

	a, err := c.engine.Attempt(ctx, "job-1/1")
	require.NoError(t, err)
	assert.Equal(t, engine.AttemptTimedOut, a.State)
	assert.Equal(t, contract.OutcomeTimeout, a.Outcome)

	// The worker's own fault report after cancellation changes nothing.
	c.rec.WaitFor(t, contract.KindAttemptFaulted, "job-1/1", 5*time.Second)
	require.Eventually(t, func() bool { return c.bus.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	a, err = c.engine.Attempt(ctx, "job-1/1")
	require.NoError(t, err)
	assert.Equal(t, engine.AttemptTimedOut, a.State)

	res, err = c.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DeadlinesPassed)
}

func TestEngine_CancelRunningJob(t *testing.T) {
	c := newCluster(t, setup{executor: blocking(), jobType: engine.JobType{ConcurrentLimit: 1}})
	ctx := context.Background()

	c.submit(t, "job-1", `{}`)
	c.submit(t, "job-2", `{}`)
	c.rec.WaitFor(t, contract.KindAttemptStarted, "job-1/1", 5*time.Second)

	require.NoError(t, c.client.Cancel(ctx, "job-1", "no longer needed"))
	c.rec.WaitFor(t, contract.KindJobCancelled, "job-1", 5*time.Second)

	// The freed slot goes to the queued job.
	c.rec.WaitFor(t, contract.KindJobStarted, "job-2", 5*time.Second)

	c.rec.WaitFor(t, contract.KindAttemptFaulted, "job-1/1", 5*time.Second)
	a, err := c.engine.Attempt(ctx, "job-1/1")
	require.NoError(t, err)
	assert.Equal(t, engine.AttemptCancelled, a.State)

	// Cancelling the second job, now running, empties the budget.
	require.NoError(t, c.client.Cancel(ctx, "job-2", ""))
	c.rec.WaitFor(t, contract.KindJobCancelled, "job-2", 5*time.Second)
	c.waitBudgetDrained(t)
}

func TestEngine_CancelQueuedJobWithdrawsRequest(t *testing.T) {
	c := newCluster(t, setup{executor: blocking(), jobType: engine.JobType{ConcurrentLimit: 0}})
	ctx := context.Background()

	c.submit(t, "job-1", `{}`)
	require.Eventually(t, func() bool {
		b, err := c.engine.Budget(ctx, crunch)
		return err == nil && len(b.Pending) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.client.Cancel(ctx, "job-1", ""))
	c.rec.WaitFor(t, contract.KindJobCancelled, "job-1", 5*time.Second)
	require.Eventually(t, func() bool {
		b, err := c.engine.Budget(ctx, crunch)
		return err == nil && len(b.Pending) == 0
	}, 5*time.Second, 5*time.Millisecond)

	// Raising the limit later does not start the cancelled job.
	require.NoError(t, c.engine.SetLimit(ctx, crunch, 1))
	require.Eventually(t, func() bool { return c.bus.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, testutil.Filter(c.rec.Envelopes(), contract.KindJobStarted))
}

func TestEngine_SetLimitAdmitsQueuedJobs(t *testing.T) {
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: 0}})
	ctx := context.Background()

	c.submit(t, "job-1", `{"duration":"1ms"}`)
	c.submit(t, "job-2", `{"duration":"1ms"}`)
	require.Eventually(t, func() bool {
		b, err := c.engine.Budget(ctx, crunch)
		return err == nil && len(b.Pending) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.engine.SetLimit(ctx, crunch, 2))
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-2", 5*time.Second)

	b, err := c.engine.Budget(ctx, crunch)
	require.NoError(t, err)
	assert.Equal(t, 2, b.TargetLimit)

	assert.Error(t, c.engine.SetLimit(ctx, crunch, -1))
	assert.Error(t, c.engine.SetLimit(ctx, "", 1))
}

// Concurrent submitters never push more jobs through at once than the
// limit allows, and every job finishes.
func TestEngine_ConcurrentSubmitRespectsLimit(t *testing.T) {
	const (
		limit = 2
		jobs  = 12
	)
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: limit, Timeout: 30 * time.Second}, workers: 3})
	startWorkers(t, c.bus, worker.ExecutorFunc(worker.Sleep), 3, "node-b")

	var g errgroup.Group
	for i := range jobs {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := c.client.Submit(ctx, contract.SubmitJob{
				JobID:      fmt.Sprintf("job-%02d", i),
				JobTypeKey: crunch,
				Payload:    json.RawMessage(`{"duration":"5ms"}`),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.rec.Wait(ctx, func(envs []fabric.Envelope) bool {
		return len(testutil.Filter(testutil.Distinct(envs), contract.KindJobCompleted)) == jobs
	}))

	running, peak := 0, 0
	for _, env := range testutil.Distinct(c.rec.Envelopes()) {
		switch env.Kind() {
		case contract.KindJobStarted:
			running++
			peak = max(peak, running)
		case contract.KindJobCompleted:
			running--
		}
	}
	assert.LessOrEqual(t, peak, limit)

	c.waitBudgetDrained(t)

	workersSeen := map[string]bool{}
	done, err := c.engine.Jobs(ctx, engine.JobCompleted)
	require.NoError(t, err)
	assert.Len(t, done, jobs)
	for _, job := range done {
		a, err := c.engine.Attempt(ctx, job.CurrentAttemptID)
		require.NoError(t, err)
		workersSeen[a.WorkerAddress] = true
	}
	assert.NotEmpty(t, workersSeen)
}

func TestEngine_TimestampsRoundTripThroughSQLite(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "jobsaga.db"))
	require.NoError(t, err)
	start := testutil.Epoch.Add(123456789 * time.Nanosecond)
	c := newCluster(t, setup{
		store:    st,
		clock:    testutil.NewManualClock(start),
		executor: blocking(),
		jobType:  engine.JobType{ConcurrentLimit: 1},
	})

	acc := c.submit(t, "job-1", `{}`)
	assert.True(t, acc.SubmittedAt.Equal(start), "reply %v", acc.SubmittedAt)

	submitted := c.rec.WaitFor(t, contract.KindJobSubmitted, "job-1", 5*time.Second)
	assert.True(t, submitted.Message.(contract.JobSubmitted).SubmittedAt.Equal(start))

	job, err := c.engine.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, job.SubmittedAt.Equal(start), "stored %v", job.SubmittedAt)
}

// eventOf returns the first recorded event of type T for jobID.
func eventOf[T contract.Message](t *testing.T, envs []fabric.Envelope, jobID string) T {
	t.Helper()
	for _, env := range envs {
		if m, ok := env.Message.(T); ok && m.CorrelationID() == jobID {
			return m
		}
	}
	var zero T
	t.Fatalf("no %s for %s in %v", zero.Kind(), jobID, testutil.Kinds(envs))
	return zero
}

func TestEngine_LifecycleTimestampsAreOrdered(t *testing.T) {
	c := newCluster(t, setup{jobType: engine.JobType{ConcurrentLimit: 1, Timeout: 30 * time.Second}})

	c.submit(t, "job-1", `{"duration":"20ms"}`)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)

	envs := c.rec.Envelopes()
	submitted := eventOf[contract.JobSubmitted](t, envs, "job-1")
	started := eventOf[contract.JobStarted](t, envs, "job-1")
	completed := eventOf[contract.JobCompleted](t, envs, "job-1")

	assert.False(t, started.StartedAt.Before(submitted.SubmittedAt),
		"started %v before submitted %v", started.StartedAt, submitted.SubmittedAt)
	assert.True(t, completed.CompletedAt.After(started.StartedAt),
		"completed %v not after started %v", completed.CompletedAt, started.StartedAt)
	assert.Equal(t, completed.CompletedAt.Sub(started.StartedAt), completed.Duration)
}

// Retries keep the first attempt's start time: JobStarted is published once
// and the job's duration spans every attempt.
func TestEngine_LifecycleTimestampsAcrossRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return payload, nil
	})
	c := newCluster(t, setup{
		executor: flaky,
		jobType:  engine.JobType{ConcurrentLimit: 1, MaxRetries: 1, Timeout: 30 * time.Second},
	})

	c.submit(t, "job-1", `{}`)
	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)

	envs := testutil.Distinct(c.rec.Envelopes())
	require.Len(t, testutil.Filter(envs, contract.KindJobStarted), 1)
	submitted := eventOf[contract.JobSubmitted](t, envs, "job-1")
	started := eventOf[contract.JobStarted](t, envs, "job-1")
	completed := eventOf[contract.JobCompleted](t, envs, "job-1")

	assert.False(t, started.StartedAt.Before(submitted.SubmittedAt))
	assert.True(t, completed.CompletedAt.After(started.StartedAt))
	assert.GreaterOrEqual(t, completed.Duration, 20*time.Millisecond, "duration covers both attempts")

	job, err := c.engine.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
	assert.True(t, job.StartedAt.Equal(started.StartedAt), "stored %v, published %v", job.StartedAt, started.StartedAt)

	second, err := c.engine.Attempt(context.Background(), "job-1/2")
	require.NoError(t, err)
	assert.True(t, second.DispatchedAt.After(job.StartedAt), "retry dispatched %v", second.DispatchedAt)
}

func TestEngine_OfflineEffectsDeliveredOnRun(t *testing.T) {
	st := store.NewMemory()
	c := newCluster(t, setup{store: st, jobType: engine.JobType{ConcurrentLimit: 0}})
	ctx := context.Background()

	c.submit(t, "job-1", `{"duration":"1ms"}`)
	require.Eventually(t, func() bool {
		b, err := c.engine.Budget(ctx, crunch)
		return err == nil && len(b.Pending) == 1
	}, 5*time.Second, 5*time.Millisecond)
	c.engine.Stop()

	offline := engine.New(st, nil)
	require.NoError(t, offline.SetLimit(ctx, crunch, 1))

	row, err := st.Get(ctx, engine.KindJobType, crunch)
	require.NoError(t, err)
	require.Len(t, row.Outbox, 1, "grant waits in the outbox")
	assert.Equal(t, contract.KindSlotGranted, row.Outbox[0].Kind)

	restarted := engine.New(st, c.bus,
		engine.WithAttemptIDs(engine.SequentialAttemptIDs{}),
		engine.WithSweepInterval(10*time.Millisecond),
	)
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, restarted.Run(runCtx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	c.rec.WaitFor(t, contract.KindJobCompleted, "job-1", 5*time.Second)
	require.Eventually(t, func() bool {
		row, err := st.Get(ctx, engine.KindJobType, crunch)
		return err == nil && len(row.Outbox) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_StartWithoutBus(t *testing.T) {
	e := engine.New(store.NewMemory(), nil)
	assert.Error(t, e.Start())
}
