package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/jobsaga/internal/saga"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - sagas table
// 2 - Partial index on rows with a pending outbox
const currentSchemaVersion = 2

// DefaultLockTimeout bounds how long LoadForUpdate waits for the lock.
const DefaultLockTimeout = 5 * time.Second

var _ saga.Store = (*Store)(nil)

// Store is the SQLite saga store.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long LoadForUpdate waits for the instance lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: the write transaction on it is the instance lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dsn makes every transaction begin with BEGIN IMMEDIATE so the write lock
// is taken when the row is read, not when it is written.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 indexes rows whose outbox still holds effects. The sweeper
// scans them on every tick.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sagas_pending_outbox
		ON sagas(kind, updated_at) WHERE outbox != '[]'
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

const selectColumns = `kind, correlation_id, state, version, data, outbox, updated_at`

// LoadForUpdate takes the database write lock and reads the row.
func (s *Store) LoadForUpdate(ctx context.Context, kind, id string) (saga.Row, saga.Lock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	conn, err := s.db.Conn(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return saga.Row{}, nil, fmt.Errorf("%s/%s after %s: %w", kind, id, s.lockTimeout, saga.ErrLockTimeout)
		}
		if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
			return saga.Row{}, nil, saga.ErrClosed
		}
		return saga.Row{}, nil, fmt.Errorf("acquire connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return saga.Row{}, nil, fmt.Errorf("begin: %w", err)
	}

	row, err := scanRow(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sagas WHERE kind = ? AND correlation_id = ?`,
		kind, id,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = saga.Row{Kind: kind, CorrelationID: id}
	case err != nil:
		tx.Rollback()
		conn.Close()
		return saga.Row{}, nil, fmt.Errorf("load %s/%s: %w", kind, id, err)
	}

	return row, &sqliteLock{conn: conn, tx: tx, kind: kind, id: id}, nil
}

// Get reads a row without taking the lock.
func (s *Store) Get(ctx context.Context, kind, id string) (saga.Row, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sagas WHERE kind = ? AND correlation_id = ?`,
		kind, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Row{}, fmt.Errorf("%s/%s: %w", kind, id, saga.ErrNotFound)
	}
	if err != nil {
		return saga.Row{}, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return row, nil
}

// List returns rows matching q ordered by correlation id.
func (s *Store) List(ctx context.Context, q saga.Query) ([]saga.Row, error) {
	var (
		where = []string{"kind = ?"}
		args  = []any{q.Kind}
	)
	if len(q.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(q.States))+")")
		for _, st := range q.States {
			args = append(args, st)
		}
	}
	if q.PendingOutbox {
		where = append(where, "outbox != '[]'")
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, q.UpdatedBefore.UnixNano())
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sagas WHERE `+strings.Join(where, " AND ")+
			` ORDER BY correlation_id COLLATE BINARY ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Kind, err)
	}
	defer rows.Close()

	var out []saga.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Kind, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClearOutbox empties the outbox of the row at version.
func (s *Store) ClearOutbox(ctx context.Context, kind, id string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET outbox = '[]' WHERE kind = ? AND correlation_id = ? AND version = ?`,
		kind, id, version,
	)
	if err != nil {
		return fmt.Errorf("clear outbox %s/%s: %w", kind, id, err)
	}
	return nil
}

type sqliteLock struct {
	conn *sql.Conn
	tx   *sql.Tx
	kind string
	id   string
	done bool
}

func (l *sqliteLock) Create(ctx context.Context, row saga.Row) error {
	if l.done {
		return fmt.Errorf("create %s/%s: lock already released", l.kind, l.id)
	}
	data, outbox, err := encodeRow(row)
	if err != nil {
		l.Release()
		return err
	}

	res, err := l.tx.ExecContext(ctx, `
		INSERT INTO sagas (kind, correlation_id, state, version, data, outbox, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(kind, correlation_id) DO NOTHING
	`, l.kind, l.id, row.State, data, outbox, row.UpdatedAt.UnixNano())
	if err != nil {
		l.Release()
		return fmt.Errorf("create %s/%s: %w", l.kind, l.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.Release()
		return fmt.Errorf("create %s/%s: %w", l.kind, l.id, saga.ErrAlreadyExists)
	}
	return l.commit()
}

func (l *sqliteLock) Save(ctx context.Context, row saga.Row) error {
	if l.done {
		return fmt.Errorf("save %s/%s: lock already released", l.kind, l.id)
	}
	data, outbox, err := encodeRow(row)
	if err != nil {
		l.Release()
		return err
	}

	res, err := l.tx.ExecContext(ctx, `
		UPDATE sagas
		SET state = ?, version = version + 1, data = ?, outbox = ?, updated_at = ?
		WHERE kind = ? AND correlation_id = ? AND version = ?
	`, row.State, data, outbox, row.UpdatedAt.UnixNano(), l.kind, l.id, row.Version)
	if err != nil {
		l.Release()
		return fmt.Errorf("save %s/%s: %w", l.kind, l.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.Release()
		return fmt.Errorf("save %s/%s at version %d: %w", l.kind, l.id, row.Version, saga.ErrConflict)
	}
	return l.commit()
}

func (l *sqliteLock) Release() error {
	if l.done {
		return nil
	}
	l.done = true
	rbErr := l.tx.Rollback()
	closeErr := l.conn.Close()
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return rbErr
	}
	return closeErr
}

func (l *sqliteLock) commit() error {
	l.done = true
	err := l.tx.Commit()
	if closeErr := l.conn.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("commit %s/%s: %w", l.kind, l.id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (saga.Row, error) {
	var (
		row       saga.Row
		data      string
		outbox    string
		updatedAt int64
	)
	if err := sc.Scan(&row.Kind, &row.CorrelationID, &row.State, &row.Version, &data, &outbox, &updatedAt); err != nil {
		return saga.Row{}, err
	}
	row.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(outbox), &row.Outbox); err != nil {
		return saga.Row{}, fmt.Errorf("decode outbox of %s/%s: %w", row.Kind, row.CorrelationID, err)
	}
	if len(row.Outbox) == 0 {
		row.Outbox = nil
	}
	row.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return row, nil
}

func encodeRow(row saga.Row) (data, outbox string, err error) {
	data = string(row.Data)
	if data == "" {
		data = "{}"
	}
	if len(row.Outbox) == 0 {
		return data, "[]", nil
	}
	b, err := json.Marshal(row.Outbox)
	if err != nil {
		return "", "", fmt.Errorf("encode outbox of %s/%s: %w", row.Kind, row.CorrelationID, err)
	}
	return data, string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
