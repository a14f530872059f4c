// Package saga defines the persistence contract shared by all saga kinds and
// the Runner that applies one transition under a per-instance lock.
//
// A saga instance is a row addressed by (kind, correlation id). Each row
// carries an opaque JSON document, a state name, a version used for
// optimistic concurrency, and an outbox of side effects recorded by the
// transition that produced the row.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned by Get when no row exists.
	ErrNotFound = errors.New("saga: instance not found")

	// ErrConflict is returned by Lock.Save when the row changed since it was
	// loaded, or when the lock was lost (lease expired).
	ErrConflict = errors.New("saga: version conflict")

	// ErrAlreadyExists is returned by Lock.Create when another transition
	// created the row first.
	ErrAlreadyExists = errors.New("saga: instance already exists")

	// ErrLockTimeout is returned by LoadForUpdate when the per-instance lock
	// could not be acquired in time.
	ErrLockTimeout = errors.New("saga: lock timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("saga: store closed")
)

// Row is one persisted saga instance.
type Row struct {
	Kind          string
	CorrelationID string
	State         string

	// Version is 0 for an instance that does not exist yet. Every committed
	// transition increments it by one.
	Version int64

	Data      json.RawMessage
	Outbox    []Effect
	UpdatedAt time.Time
}

// Exists reports whether the row was loaded from storage.
func (r Row) Exists() bool {
	return r.Version > 0
}

// Query filters rows for List.
type Query struct {
	Kind string

	// States restricts the result to rows in one of the given states.
	States []string

	// PendingOutbox restricts the result to rows with undelivered effects.
	PendingOutbox bool

	// UpdatedBefore, if set, restricts the result to rows last written
	// before the given time.
	UpdatedBefore time.Time
}

// Store persists saga rows and provides mutual exclusion per instance.
//
// Implementations must guarantee that between LoadForUpdate and the end of
// the returned Lock (Save, Create or Release) no other LoadForUpdate for the
// same (kind, id) returns, and that the lock is released even if the holder
// crashes (transaction abort or lease expiry).
type Store interface {
	// LoadForUpdate acquires the instance lock and returns the current row.
	// A missing instance is returned as a Row with Version 0; the lock is
	// still held so creation is serialized too.
	LoadForUpdate(ctx context.Context, kind, id string) (Row, Lock, error)

	// Get reads a row without locking.
	Get(ctx context.Context, kind, id string) (Row, error)

	// List returns rows matching q, ordered by correlation id.
	List(ctx context.Context, q Query) ([]Row, error)

	// ClearOutbox empties the outbox of the row if it is still at version.
	// It is a no-op when the row moved on.
	ClearOutbox(ctx context.Context, kind, id string, version int64) error

	Close() error
}

// Lock is a held per-instance lock. Exactly one of Save, Create or Release
// ends it; calling Release after Save or Create is a no-op.
type Lock interface {
	// Create inserts the row at version 1.
	Create(ctx context.Context, row Row) error

	// Save replaces the row. row.Version must be the version that was
	// loaded; the stored version becomes row.Version+1.
	Save(ctx context.Context, row Row) error

	// Release gives up the lock without writing.
	Release() error
}
