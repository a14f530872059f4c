package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/saga/sagatest"
)

func TestSQLite_Conformance(t *testing.T) {
	sagatest.Run(t, func(t *testing.T, lockTimeout time.Duration) saga.Store {
		s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithLockTimeout(lockTimeout))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	_, lock, err := s1.LoadForUpdate(ctx, "job", "job-1")
	if err != nil {
		t.Fatalf("LoadForUpdate: %v", err)
	}
	err = lock.Create(ctx, saga.Row{
		State:     "Running",
		Data:      json.RawMessage(`{"job_id":"job-1"}`),
		Outbox:    []saga.Effect{{ID: "e-1", Op: saga.OpSend, Address: "attempts", Kind: "start-attempt", Body: json.RawMessage(`{}`)}},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	row, err := s2.Get(ctx, "job", "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.State != "Running" || row.Version != 1 {
		t.Errorf("row = %s@%d, want Running@1", row.State, row.Version)
	}
	if !row.UpdatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)) {
		t.Errorf("UpdatedAt = %v, nanoseconds must survive", row.UpdatedAt)
	}
	if len(row.Outbox) != 1 || row.Outbox[0].Address != "attempts" {
		t.Errorf("Outbox = %+v", row.Outbox)
	}

	pending, err := s2.List(ctx, saga.Query{Kind: "job", PendingOutbox: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending outbox rows = %d, want 1", len(pending))
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestLoadForUpdate_AfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.Close()

	_, _, err = s.LoadForUpdate(context.Background(), "job", "a")
	if !errors.Is(err, saga.ErrClosed) {
		t.Errorf("LoadForUpdate after Close = %v, want ErrClosed", err)
	}
}

func TestDSN(t *testing.T) {
	tests := map[string]string{
		"jobsaga.db":              "jobsaga.db?_txlock=immediate",
		"file:x.db?cache=private": "file:x.db?cache=private&_txlock=immediate",
	}
	for in, want := range tests {
		if got := dsn(in); got != want {
			t.Errorf("dsn(%q) = %q, want %q", in, got, want)
		}
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

// Schema tests

func TestSchema_SagasTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "sagas")
	expected := []string{"kind", "correlation_id", "state", "version", "data", "outbox", "updated_at"}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("sagas table missing column %q", col)
		}
	}
}

func TestSchema_SagasIndexes(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "sagas")
	for _, idx := range []string{"idx_sagas_kind_state", "idx_sagas_pending_outbox"} {
		if !contains(indexes, idx) {
			t.Errorf("sagas table missing index %q", idx)
		}
	}
}

func TestConstraint_VersionPositive(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO sagas (kind, correlation_id, state, version, data, updated_at)
		VALUES ('job', 'a', 'Submitted', 0, '{}', 0)
	`)
	if err == nil {
		t.Error("expected CHECK violation for version 0")
	}
}

func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
