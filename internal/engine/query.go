package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/jobsaga/internal/saga"
)

// Job returns the job with the given id. A missing job wraps
// saga.ErrNotFound.
func (e *Engine) Job(ctx context.Context, jobID string) (Job, error) {
	row, err := e.store.Get(ctx, KindJob, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	return decodeJob(row)
}

// Jobs lists jobs ordered by id, optionally restricted to states.
func (e *Engine) Jobs(ctx context.Context, states ...string) ([]Job, error) {
	return list(ctx, e.store, saga.Query{Kind: KindJob, States: states}, decodeJob)
}

// Budget returns the limiter document of a job type.
func (e *Engine) Budget(ctx context.Context, jobTypeKey string) (Budget, error) {
	row, err := e.store.Get(ctx, KindJobType, jobTypeKey)
	if err != nil {
		return Budget{}, fmt.Errorf("job type %s: %w", jobTypeKey, err)
	}
	return decodeBudget(row)
}

// Budgets lists the limiter documents of every job type seen so far.
func (e *Engine) Budgets(ctx context.Context) ([]Budget, error) {
	return list(ctx, e.store, saga.Query{Kind: KindJobType}, decodeBudget)
}

// Attempt returns one attempt.
func (e *Engine) Attempt(ctx context.Context, attemptID string) (Attempt, error) {
	row, err := e.store.Get(ctx, KindAttempt, attemptID)
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, err)
	}
	return decodeAttempt(row)
}

// Attempts returns the attempts of a job in the order they were made.
func (e *Engine) Attempts(ctx context.Context, jobID string) ([]Attempt, error) {
	job, err := e.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, 0, len(job.AttemptIDs))
	for _, id := range job.AttemptIDs {
		a, err := e.Attempt(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func list[D any](ctx context.Context, store saga.Store, q saga.Query, decode func(saga.Row) (D, error)) ([]D, error) {
	rows, err := store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Kind, err)
	}
	out := make([]D, 0, len(rows))
	for _, row := range rows {
		d, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeRow[D any](row saga.Row) (D, error) {
	var d D
	if err := json.Unmarshal(row.Data, &d); err != nil {
		return d, &TransitionError{
			Code:          ErrCodeCorruptState,
			Kind:          row.Kind,
			CorrelationID: row.CorrelationID,
			State:         row.State,
			Message:       err.Error(),
		}
	}
	return d, nil
}

func decodeJob(row saga.Row) (Job, error) {
	j, err := decodeRow[Job](row)
	j.State = row.State
	return j, err
}

func decodeBudget(row saga.Row) (Budget, error) {
	return decodeRow[Budget](row)
}

func decodeAttempt(row saga.Row) (Attempt, error) {
	a, err := decodeRow[Attempt](row)
	a.State = row.State
	return a, err
}
