package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/saga/sagatest"
)

func TestMemory_Conformance(t *testing.T) {
	sagatest.Run(t, func(t *testing.T, lockTimeout time.Duration) saga.Store {
		m := NewMemory(WithMemoryLockTimeout(lockTimeout))
		t.Cleanup(func() { m.Close() })
		return m
	})
}

func TestMemory_ExpiredLeaseIsTakenOver(t *testing.T) {
	m := NewMemory(WithLeaseTTL(50*time.Millisecond), WithMemoryLockTimeout(time.Second))
	ctx := context.Background()

	_, lock, err := m.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	require.NoError(t, lock.Create(ctx, saga.Row{State: "Running", Data: json.RawMessage(`{}`)}))

	cur, stale, err := m.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)

	// The stale holder stalls past its lease; a second caller takes over.
	start := time.Now()
	next, fresh, err := m.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	next.State = "Completed"
	require.NoError(t, fresh.Save(ctx, next))

	cur.State = "Faulted"
	assert.ErrorIs(t, stale.Save(ctx, cur), saga.ErrConflict)
	require.NoError(t, stale.Release())

	got, err := m.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_RowsAreCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, lock, err := m.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	data := json.RawMessage(`{"n":1}`)
	require.NoError(t, lock.Create(ctx, saga.Row{State: "Running", Data: data}))
	data[2] = 'x'

	got, err := m.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))

	got.Data[2] = 'y'
	again, err := m.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(again.Data))
}

func TestMemory_ContextCancelWhileWaiting(t *testing.T) {
	m := NewMemory(WithMemoryLockTimeout(time.Minute))
	_, held, err := m.LoadForUpdate(context.Background(), "job", "a")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = m.LoadForUpdate(ctx, "job", "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	_, _, err := m.LoadForUpdate(context.Background(), "job", "a")
	assert.ErrorIs(t, err, saga.ErrClosed)
	_, err = m.List(context.Background(), saga.Query{Kind: "job"})
	assert.ErrorIs(t, err, saga.ErrClosed)
}
