package lock

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

func newMutexLocker(db *sql.DB, logger *zap.SugaredLogger) *sessionLocker {
	return &sessionLocker{
		db:       db,
		strategy: NamedMutex,
		acquire:  mutexAcquire,
		release:  mutexRelease,
		logger:   logger,
		held:     make(map[string]*sql.Conn),
	}
}

// GET_LOCK returns 1 on success, 0 when held elsewhere and NULL on error.
func mutexAcquire(ctx context.Context, conn *sql.Conn, identifier string) (bool, error) {
	var res sql.NullInt64
	err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", MutexName(identifier)).Scan(&res)
	return res.Valid && res.Int64 == 1, err
}

func mutexRelease(ctx context.Context, conn *sql.Conn, identifier string) (bool, error) {
	var res sql.NullInt64
	err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", MutexName(identifier)).Scan(&res)
	return res.Valid && res.Int64 == 1, err
}
