// Package lock keeps two processes from running the same script at once.
package lock

import (
	"context"
	"database/sql"
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/store"
)

// Strategy names a locking mechanism.
type Strategy string

const (
	// Advisory uses Postgres session-level advisory locks.
	Advisory Strategy = "advisory"
	// NamedMutex uses MySQL-style GET_LOCK/RELEASE_LOCK.
	NamedMutex Strategy = "named-mutex"
	// Uniqueness treats a running record as the lock.
	Uniqueness Strategy = "uniqueness"
)

// Locker grants per-identifier exclusion. TryAcquire never blocks waiting
// for another holder; it returns false instead.
type Locker interface {
	Strategy() Strategy
	TryAcquire(ctx context.Context, identifier string) bool
	Release(ctx context.Context, identifier string)
}

// ParseStrategy validates a configured strategy name. An empty name returns
// the empty strategy so callers can fall back to DefaultStrategy.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case "", Advisory, NamedMutex, Uniqueness:
		return s, nil
	default:
		return "", errors.Newf("unknown lock strategy %q", name)
	}
}

// DefaultStrategy picks the strongest strategy the database driver supports.
func DefaultStrategy(driver string) Strategy {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return Advisory
	case "mysql":
		return NamedMutex
	default:
		return Uniqueness
	}
}

// New builds a Locker. db is required by the session strategies and runs
// by Uniqueness.
func New(strategy Strategy, db *sql.DB, runs store.RunStore, logger *zap.SugaredLogger) (Locker, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("lock_strategy", string(strategy))

	switch strategy {
	case Advisory:
		if db == nil {
			return nil, errors.New("advisory locks need a database")
		}
		return newAdvisoryLocker(db, logger), nil
	case NamedMutex:
		if db == nil {
			return nil, errors.New("named-mutex locks need a database")
		}
		return newMutexLocker(db, logger), nil
	case Uniqueness:
		if runs == nil {
			return nil, errors.New("uniqueness locks need a run store")
		}
		return newUniquenessLocker(runs, logger), nil
	default:
		return nil, errors.Newf("unknown lock strategy %q", strategy)
	}
}

var keyNamespace = uuid.MustParse("8b0e6f5c-2f0a-4d5e-9c1b-6a7d3e2f1c40")

// Key derives the stable lock key for identifier.
func Key(identifier string) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(identifier))
}

// AdvisoryKey maps identifier onto the bigint key space of pg_try_advisory_lock.
func AdvisoryKey(identifier string) int64 {
	k := Key(identifier)
	return int64(binary.BigEndian.Uint64(k[:8]))
}

// MutexName maps identifier onto a GET_LOCK name (at most 64 characters).
func MutexName(identifier string) string {
	return "scripttrack:" + Key(identifier).String()
}
