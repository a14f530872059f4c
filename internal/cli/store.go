package cli

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/jobsaga/internal/saga"
	"github.com/roach88/jobsaga/internal/store"
	"github.com/roach88/jobsaga/internal/store/postgres"
)

// openStore opens the saga store named by db: a PostgreSQL connection URL,
// or a SQLite file path otherwise.
func openStore(ctx context.Context, db string, lockTimeout time.Duration, logger *slog.Logger) (saga.Store, error) {
	if isPostgres(db) {
		s, err := postgres.New(ctx, db, postgres.WithLogger(logger), postgres.WithLockTimeout(lockTimeout))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return store.Open(db, store.WithLockTimeout(lockTimeout))
}

func isPostgres(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
