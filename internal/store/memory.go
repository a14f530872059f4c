package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/jobsaga/internal/saga"
)

// DefaultLeaseTTL is how long a Memory lock stays valid without being
// released. A holder that outlives it loses the lock.
const DefaultLeaseTTL = 30 * time.Second

var _ saga.Store = (*Memory)(nil)

// Memory is an in-process saga store with per-instance lease locks.
type Memory struct {
	mu     sync.Mutex
	rows   map[memKey]saga.Row
	leases map[memKey]*lease
	nextID uint64
	closed bool

	leaseTTL    time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

type memKey struct {
	kind string
	id   string
}

type lease struct {
	token    uint64
	expires  time.Time
	released chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithLeaseTTL sets the lease duration of Memory locks.
func WithLeaseTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.leaseTTL = d
		}
	}
}

// WithMemoryLockTimeout sets how long LoadForUpdate waits for a lease.
func WithMemoryLockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		rows:        make(map[memKey]saga.Row),
		leases:      make(map[memKey]*lease),
		leaseTTL:    DefaultLeaseTTL,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadForUpdate acquires the lease of (kind, id). An expired lease is taken
// over; its holder's Save then fails with saga.ErrConflict.
func (m *Memory) LoadForUpdate(ctx context.Context, kind, id string) (saga.Row, saga.Lock, error) {
	key := memKey{kind, id}
	deadline := m.now().Add(m.lockTimeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return saga.Row{}, nil, saga.ErrClosed
		}
		now := m.now()
		held := m.leases[key]
		if held == nil || !now.Before(held.expires) {
			if held != nil {
				close(held.released)
			}
			m.nextID++
			l := &lease{token: m.nextID, expires: now.Add(m.leaseTTL), released: make(chan struct{})}
			m.leases[key] = l
			row, ok := m.rows[key]
			m.mu.Unlock()

			if !ok {
				row = saga.Row{Kind: kind, CorrelationID: id}
			}
			return cloneRow(row), &memLock{m: m, key: key, token: l.token}, nil
		}
		wait := held.released
		expires := held.expires
		m.mu.Unlock()

		if !now.Before(deadline) {
			return saga.Row{}, nil, fmt.Errorf("%s/%s after %s: %w", kind, id, m.lockTimeout, saga.ErrLockTimeout)
		}
		timer := time.NewTimer(min(expires.Sub(now), deadline.Sub(now)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return saga.Row{}, nil, ctx.Err()
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Get returns a copy of the row.
func (m *Memory) Get(_ context.Context, kind, id string) (saga.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.Row{}, saga.ErrClosed
	}
	row, ok := m.rows[memKey{kind, id}]
	if !ok {
		return saga.Row{}, fmt.Errorf("%s/%s: %w", kind, id, saga.ErrNotFound)
	}
	return cloneRow(row), nil
}

// List returns copies of matching rows ordered by correlation id.
func (m *Memory) List(_ context.Context, q saga.Query) ([]saga.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, saga.ErrClosed
	}

	var out []saga.Row
	for key, row := range m.rows {
		if key.kind != q.Kind {
			continue
		}
		if len(q.States) > 0 && !slices.Contains(q.States, row.State) {
			continue
		}
		if q.PendingOutbox && len(row.Outbox) == 0 {
			continue
		}
		if !q.UpdatedBefore.IsZero() && !row.UpdatedAt.Before(q.UpdatedBefore) {
			continue
		}
		out = append(out, cloneRow(row))
	}
	slices.SortFunc(out, func(a, b saga.Row) int {
		return strings.Compare(a.CorrelationID, b.CorrelationID)
	})
	return out, nil
}

// ClearOutbox empties the outbox of the row at version.
func (m *Memory) ClearOutbox(_ context.Context, kind, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.ErrClosed
	}
	key := memKey{kind, id}
	row, ok := m.rows[key]
	if !ok || row.Version != version {
		return nil
	}
	row.Outbox = nil
	m.rows[key] = row
	return nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memLock struct {
	m     *Memory
	key   memKey
	token uint64
	done  bool
}

func (l *memLock) Create(_ context.Context, row saga.Row) error {
	if l.done {
		return fmt.Errorf("create %s/%s: lock already released", l.key.kind, l.key.id)
	}
	defer l.Release()

	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !l.holdsLocked() {
		return fmt.Errorf("create %s/%s: lease lost: %w", l.key.kind, l.key.id, saga.ErrConflict)
	}
	if _, ok := m.rows[l.key]; ok {
		return fmt.Errorf("create %s/%s: %w", l.key.kind, l.key.id, saga.ErrAlreadyExists)
	}
	row.Kind, row.CorrelationID = l.key.kind, l.key.id
	row.Version = 1
	m.rows[l.key] = cloneRow(row)
	return nil
}

func (l *memLock) Save(_ context.Context, row saga.Row) error {
	if l.done {
		return fmt.Errorf("save %s/%s: lock already released", l.key.kind, l.key.id)
	}
	defer l.Release()

	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !l.holdsLocked() {
		return fmt.Errorf("save %s/%s: lease lost: %w", l.key.kind, l.key.id, saga.ErrConflict)
	}
	cur, ok := m.rows[l.key]
	if !ok || cur.Version != row.Version {
		return fmt.Errorf("save %s/%s at version %d: %w", l.key.kind, l.key.id, row.Version, saga.ErrConflict)
	}
	row.Kind, row.CorrelationID = l.key.kind, l.key.id
	row.Version = cur.Version + 1
	m.rows[l.key] = cloneRow(row)
	return nil
}

func (l *memLock) Release() error {
	if l.done {
		return nil
	}
	l.done = true

	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if held := m.leases[l.key]; held != nil && held.token == l.token {
		close(held.released)
		delete(m.leases, l.key)
	}
	return nil
}

// holdsLocked reports whether the lease is still ours and unexpired.
// m.mu must be held.
func (l *memLock) holdsLocked() bool {
	held := l.m.leases[l.key]
	return held != nil && held.token == l.token && l.m.now().Before(held.expires)
}

func cloneRow(row saga.Row) saga.Row {
	if row.Data != nil {
		row.Data = bytes.Clone(row.Data)
	}
	if row.Outbox != nil {
		outbox := make([]saga.Effect, len(row.Outbox))
		for i, e := range row.Outbox {
			e.Body = json.RawMessage(bytes.Clone(e.Body))
			outbox[i] = e
		}
		row.Outbox = outbox
	}
	return row
}
