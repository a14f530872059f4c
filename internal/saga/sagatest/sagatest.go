// Package sagatest is a conformance suite for saga.Store implementations.
//
// Each store package runs the suite from its own tests:
//
//	sagatest.Run(t, func(t *testing.T, lockTimeout time.Duration) saga.Store {
//	    return openTestStore(t, lockTimeout)
//	})
package sagatest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jobsaga/internal/saga"
)

// Factory opens an empty store whose LoadForUpdate gives up after
// lockTimeout. The store is closed by the factory's cleanup.
type Factory func(t *testing.T, lockTimeout time.Duration) saga.Store

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	t.Run("MissingRowLoadsAtVersionZero", func(t *testing.T) { testMissingRow(t, open) })
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, open) })
	t.Run("CreateExistingFails", func(t *testing.T) { testCreateExisting(t, open) })
	t.Run("SaveBumpsVersion", func(t *testing.T) { testSaveBumpsVersion(t, open) })
	t.Run("SaveStaleVersionConflicts", func(t *testing.T) { testSaveStale(t, open) })
	t.Run("LockTimesOut", func(t *testing.T) { testLockTimeout(t, open) })
	t.Run("MutualExclusion", func(t *testing.T) { testMutualExclusion(t, open) })
	t.Run("ClearOutboxChecksVersion", func(t *testing.T) { testClearOutbox(t, open) })
	t.Run("ListFilters", func(t *testing.T) { testList(t, open) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open) })
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func create(t *testing.T, s saga.Store, kind, id, state string) saga.Row {
	t.Helper()
	ctx := context.Background()

	cur, lock, err := s.LoadForUpdate(ctx, kind, id)
	require.NoError(t, err)
	require.False(t, cur.Exists())

	row := saga.Row{
		Kind:          kind,
		CorrelationID: id,
		State:         state,
		Data:          data(t, map[string]int{"n": 0}),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, lock.Create(ctx, row))
	require.NoError(t, lock.Release())

	got, err := s.Get(ctx, kind, id)
	require.NoError(t, err)
	return got
}

func testMissingRow(t *testing.T, open Factory) {
	s := open(t, time.Second)
	cur, lock, err := s.LoadForUpdate(context.Background(), "job", "missing")
	require.NoError(t, err)
	defer lock.Release()

	assert.False(t, cur.Exists())
	assert.Equal(t, int64(0), cur.Version)
}

func testCreateThenGet(t *testing.T, open Factory) {
	s := open(t, time.Second)
	effect := saga.Effect{ID: "e-1", Op: saga.OpPublish, Kind: "job-submitted", Body: json.RawMessage(`{"job_id":"a"}`)}

	ctx := context.Background()
	_, lock, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	require.NoError(t, lock.Create(ctx, saga.Row{
		Kind:          "job",
		CorrelationID: "a",
		State:         "SlotRequested",
		Data:          json.RawMessage(`{"job_id":"a"}`),
		Outbox:        []saga.Effect{effect},
		UpdatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, lock.Release(), "release after create is a no-op")

	got, err := s.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Equal(t, "SlotRequested", got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"job_id":"a"}`, string(got.Data))
	require.Len(t, got.Outbox, 1)
	assert.Equal(t, "e-1", got.Outbox[0].ID)
	assert.Equal(t, saga.OpPublish, got.Outbox[0].Op)
	assert.JSONEq(t, `{"job_id":"a"}`, string(got.Outbox[0].Body))
}

func testCreateExisting(t *testing.T, open Factory) {
	s := open(t, time.Second)
	existing := create(t, s, "job", "a", "Running")

	ctx := context.Background()
	cur, lock, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	assert.True(t, cur.Exists())

	err = lock.Create(ctx, saga.Row{Kind: "job", CorrelationID: "a", State: "Submitted", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, saga.ErrAlreadyExists)
	require.NoError(t, lock.Release())

	got, err := s.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Equal(t, existing.Version, got.Version)
	assert.Equal(t, "Running", got.State)
}

func testSaveBumpsVersion(t *testing.T, open Factory) {
	s := open(t, time.Second)
	create(t, s, "job-type", "crunch", "Open")

	ctx := context.Background()
	cur, lock, err := s.LoadForUpdate(ctx, "job-type", "crunch")
	require.NoError(t, err)
	require.Equal(t, int64(1), cur.Version)

	cur.Data = data(t, map[string]int{"n": 1})
	require.NoError(t, lock.Save(ctx, cur))
	require.NoError(t, lock.Release())

	got, err := s.Get(ctx, "job-type", "crunch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))
	assert.Empty(t, got.Outbox)
}

func testSaveStale(t *testing.T, open Factory) {
	s := open(t, time.Second)
	create(t, s, "job", "a", "Running")

	ctx := context.Background()
	cur, lock, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)

	stale := cur
	stale.Version = cur.Version + 3
	stale.State = "Completed"
	assert.ErrorIs(t, lock.Save(ctx, stale), saga.ErrConflict)
	require.NoError(t, lock.Release())

	got, err := s.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Equal(t, "Running", got.State)
}

func testLockTimeout(t *testing.T, open Factory) {
	s := open(t, 100*time.Millisecond)
	create(t, s, "job", "a", "Running")

	ctx := context.Background()
	_, held, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)

	start := time.Now()
	_, _, err = s.LoadForUpdate(ctx, "job", "a")
	assert.ErrorIs(t, err, saga.ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	require.NoError(t, held.Release())

	_, lock, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err, "lock is free again after release")
	require.NoError(t, lock.Release())
}

func testMutualExclusion(t *testing.T, open Factory) {
	s := open(t, 10*time.Second)
	create(t, s, "job-type", "counter", "Open")

	const workers = 8
	const increments = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				if err := increment(s, "counter"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(context.Background(), "job-type", "counter")
	require.NoError(t, err)
	var body struct{ N int }
	require.NoError(t, json.Unmarshal(got.Data, &body))
	assert.Equal(t, workers*increments, body.N, "no increment was lost")
	assert.Equal(t, int64(1+workers*increments), got.Version)
}

func increment(s saga.Store, id string) error {
	ctx := context.Background()
	cur, lock, err := s.LoadForUpdate(ctx, "job-type", id)
	if err != nil {
		return err
	}
	defer lock.Release()

	var body struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(cur.Data, &body); err != nil {
		return err
	}
	body.N++
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	cur.Data = raw
	if err := lock.Save(ctx, cur); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

func testClearOutbox(t *testing.T, open Factory) {
	s := open(t, time.Second)
	ctx := context.Background()

	_, lock, err := s.LoadForUpdate(ctx, "job", "a")
	require.NoError(t, err)
	require.NoError(t, lock.Create(ctx, saga.Row{
		Kind:          "job",
		CorrelationID: "a",
		State:         "Running",
		Data:          json.RawMessage(`{}`),
		Outbox:        []saga.Effect{{ID: "e-1", Op: saga.OpSend, Address: "job-types", Kind: "request-slot", Body: json.RawMessage(`{}`)}},
	}))

	require.NoError(t, s.ClearOutbox(ctx, "job", "a", 7), "stale version is a no-op")
	got, err := s.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Len(t, got.Outbox, 1)

	require.NoError(t, s.ClearOutbox(ctx, "job", "a", got.Version))
	got, err = s.Get(ctx, "job", "a")
	require.NoError(t, err)
	assert.Empty(t, got.Outbox)
	assert.Equal(t, int64(1), got.Version, "clearing the outbox does not bump the version")
}

func testList(t *testing.T, open Factory) {
	s := open(t, time.Second)
	ctx := context.Background()

	create(t, s, "job-attempt", "c", "Running")
	create(t, s, "job-attempt", "a", "Dispatched")
	create(t, s, "job-attempt", "b", "Succeeded")
	create(t, s, "job", "a", "Running")

	rows, err := s.List(ctx, saga.Query{Kind: "job-attempt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(rows))

	rows, err = s.List(ctx, saga.Query{Kind: "job-attempt", States: []string{"Dispatched", "Running"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(rows))

	rows, err = s.List(ctx, saga.Query{Kind: "job-attempt", PendingOutbox: true})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.List(ctx, saga.Query{Kind: "job-attempt", UpdatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.List(ctx, saga.Query{Kind: "job-attempt", UpdatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func testGetMissing(t *testing.T, open Factory) {
	s := open(t, time.Second)
	_, err := s.Get(context.Background(), "job", "nope")
	assert.True(t, errors.Is(err, saga.ErrNotFound), "got %v", err)
}

func ids(rows []saga.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.CorrelationID
	}
	return out
}
