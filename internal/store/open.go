package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLiteBusyTimeoutMS is applied to every pooled SQLite connection.
const SQLiteBusyTimeoutMS = 5000

// OpenOptions tunes the connection pool.
type OpenOptions struct {
	MaxOpenConns int
	PingTimeout  time.Duration
}

// Open connects to the database, verifies it with a ping and runs migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, opts OpenOptions) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	source := dsn
	if dialect == DialectSQLite {
		source = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName(), source)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dialect)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", dialect)
	}

	if dialect == DialectSQLite {
		// WAL lets readers proceed while a script transaction holds the write lock.
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set WAL mode")
		}
	}

	if err := RunMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	return NewSQLStore(db, dialect), nil
}

// sqliteDSN adds a busy timeout pragma so that every pooled connection
// waits on a locked database instead of failing immediately.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(" + strconv.Itoa(SQLiteBusyTimeoutMS) + ")"
}
