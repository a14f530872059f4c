package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
)

// Budget states. They are derived from the counts after every transition.
const (
	BudgetAvailable = "Available"
	BudgetSaturated = "Saturated"
)

// maxReleased bounds the tombstone list of a budget.
const maxReleased = 256

// PendingJob is a queued slot request.
type PendingJob struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Budget is the Job Type Limiter document.
type Budget struct {
	JobTypeKey string `json:"job_type"`

	// ConcurrentLimit is the effective limit and never drops below the
	// number of active jobs. After a lowering SetLimit it shrinks towards
	// TargetLimit as slots are released.
	ConcurrentLimit int `json:"concurrent_limit"`
	TargetLimit     int `json:"target_limit"`

	ActiveJobIDs []string     `json:"active_job_ids"`
	Pending      []PendingJob `json:"pending"`

	// Released holds recently released job ids, newest last.
	Released []string `json:"released,omitempty"`
}

// ActiveCount is the number of held slots.
func (b Budget) ActiveCount() int {
	return len(b.ActiveJobIDs)
}

func (b Budget) isActive(jobID string) bool {
	return slices.Contains(b.ActiveJobIDs, jobID)
}

func (b Budget) pendingIndex(jobID string) int {
	return slices.IndexFunc(b.Pending, func(p PendingJob) bool { return p.JobID == jobID })
}

func (b Budget) wasReleased(jobID string) bool {
	return slices.Contains(b.Released, jobID)
}

// limiter is the Job Type Limiter saga.
type limiter struct {
	*machine[Budget]
	jobTypes JobTypes
	logger   *slog.Logger
}

func newLimiter(jobTypes JobTypes, logger *slog.Logger) *limiter {
	l := &limiter{
		machine:  newMachine[Budget](KindJobType),
		jobTypes: jobTypes,
		logger:   logger,
	}
	states := []string{StateInitial, BudgetAvailable, BudgetSaturated}
	l.on(contract.KindRequestSlot, l.requestSlot, states...)
	l.on(contract.KindReleaseSlot, l.releaseSlot, BudgetAvailable, BudgetSaturated)
	return l
}

// ensure fills in a budget that has no row yet.
func (l *limiter) ensure(in *instance[Budget], key string) {
	if in.exists || in.dirty {
		return
	}
	limit := l.jobTypes.Lookup(key).ConcurrentLimit
	in.Data = Budget{
		JobTypeKey:      key,
		ConcurrentLimit: limit,
		TargetLimit:     limit,
		ActiveJobIDs:    []string{},
		Pending:         []PendingJob{},
	}
	in.touch()
}

func (l *limiter) requestSlot(in *instance[Budget], x input) error {
	m, ok := x.msg.(contract.RequestSlot)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	l.ensure(in, m.JobTypeKey)
	b := &in.Data

	switch {
	case b.isActive(m.JobID):
		in.send(ChannelJobs, contract.SlotGranted{JobTypeKey: b.JobTypeKey, JobID: m.JobID})
	case b.pendingIndex(m.JobID) >= 0, b.wasReleased(m.JobID):
		// Duplicate or late request.
	case b.ActiveCount() < b.ConcurrentLimit:
		l.grant(in, m.JobID)
	default:
		b.Pending = append(b.Pending, PendingJob{JobID: m.JobID, EnqueuedAt: x.now})
		in.touch()
		l.logger.Debug("slot request queued",
			"job_type", b.JobTypeKey,
			"job_id", m.JobID,
			"active", b.ActiveCount(),
			"pending", len(b.Pending),
		)
	}
	l.settle(in)
	return nil
}

func (l *limiter) releaseSlot(in *instance[Budget], x input) error {
	m, ok := x.msg.(contract.ReleaseSlot)
	if !ok {
		return unexpected(in.Kind, in.CorrelationID, in.State, x.msg)
	}
	b := &in.Data

	if i := slices.Index(b.ActiveJobIDs, m.JobID); i >= 0 {
		b.ActiveJobIDs = slices.Delete(b.ActiveJobIDs, i, i+1)
		l.tombstone(b, m.JobID)
		b.ConcurrentLimit = max(b.TargetLimit, b.ActiveCount())
		in.touch()
		l.admit(in)
	} else if i := b.pendingIndex(m.JobID); i >= 0 {
		b.Pending = slices.Delete(b.Pending, i, i+1)
		l.tombstone(b, m.JobID)
		in.touch()
	} else {
		l.logger.Debug("release for job without slot ignored",
			"job_type", b.JobTypeKey,
			"job_id", m.JobID,
		)
	}
	l.settle(in)
	return nil
}

// setLimit is the administrative limit update. Active slots are never
// revoked.
func (l *limiter) setLimit(key string, limit int) func(in *instance[Budget]) error {
	return func(in *instance[Budget]) error {
		l.ensure(in, key)
		b := &in.Data
		b.TargetLimit = max(limit, 0)
		b.ConcurrentLimit = max(b.TargetLimit, b.ActiveCount())
		in.touch()
		l.admit(in)
		l.settle(in)
		return nil
	}
}

// admit grants slots to pending jobs in FIFO order while there is room.
func (l *limiter) admit(in *instance[Budget]) {
	b := &in.Data
	for len(b.Pending) > 0 && b.ActiveCount() < b.ConcurrentLimit {
		head := b.Pending[0]
		b.Pending = b.Pending[1:]
		l.grant(in, head.JobID)
	}
}

func (l *limiter) grant(in *instance[Budget], jobID string) {
	b := &in.Data
	b.ActiveJobIDs = append(b.ActiveJobIDs, jobID)
	in.touch()
	in.send(ChannelJobs, contract.SlotGranted{JobTypeKey: b.JobTypeKey, JobID: jobID})
}

func (l *limiter) tombstone(b *Budget, jobID string) {
	b.Released = append(b.Released, jobID)
	if n := len(b.Released); n > maxReleased {
		b.Released = slices.Clone(b.Released[n-maxReleased:])
	}
}

// settle derives the state from the counts.
func (l *limiter) settle(in *instance[Budget]) {
	state := BudgetAvailable
	if in.Data.ActiveCount() >= in.Data.ConcurrentLimit {
		state = BudgetSaturated
	}
	if state != in.State {
		in.moveTo(state)
	}
}
