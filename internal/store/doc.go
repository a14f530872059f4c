// Package store provides saga.Store implementations.
//
// Store is the durable default, backed by SQLite. Each saga instance is one
// row of the sagas table; the row carries the instance document, its
// version and its pending outbox.
//
// # Locking
//
// The database is opened with a single connection and every LoadForUpdate
// runs a BEGIN IMMEDIATE transaction on it, so the per-instance lock is the
// write transaction itself. Commit or rollback releases it, and a crashed
// process releases it with its connection. Waiting for the lock is bounded
// by the configured lock timeout.
//
// # Database Configuration
//
//   - WAL mode: readers in other processes (jobsaga status) do not block
//   - synchronous=NORMAL
//   - busy_timeout=5000: cross-process writers wait instead of failing
//   - foreign_keys=ON
//
// Memory is an in-process implementation with lease-based locks. It is
// used by tests and by the scenario harness.
package store
