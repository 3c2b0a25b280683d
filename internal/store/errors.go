package store

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateIdentifier is returned by MarkRunning when a record for the
	// identifier already exists, e.g. when two processes race past the lock.
	ErrDuplicateIdentifier = errors.New("duplicate script identifier")

	// ErrPersistence marks a failed write of a state transition.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidTransition is returned when a terminal write targets a record
	// that is no longer running.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when no record exists for an identifier.
	ErrNotFound = errors.New("run record not found")

	// ErrInvalidTimeout is returned for negative timeout overrides.
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

func persistenceErr(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrPersistence)
}
