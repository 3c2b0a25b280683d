package lock

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

func newAdvisoryLocker(db *sql.DB, logger *zap.SugaredLogger) *sessionLocker {
	return &sessionLocker{
		db:       db,
		strategy: Advisory,
		acquire:  advisoryAcquire,
		release:  advisoryRelease,
		logger:   logger,
		held:     make(map[string]*sql.Conn),
	}
}

func advisoryAcquire(ctx context.Context, conn *sql.Conn, identifier string) (bool, error) {
	var ok bool
	err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryKey(identifier)).Scan(&ok)
	return ok, err
}

func advisoryRelease(ctx context.Context, conn *sql.Conn, identifier string) (bool, error) {
	var ok bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryKey(identifier)).Scan(&ok)
	return ok, err
}
