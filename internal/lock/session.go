package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"

	"go.uber.org/zap"
)

// sessionLocker holds each lock on its own pinned connection, since
// advisory and named locks belong to the database session that took them.
type sessionLocker struct {
	db       *sql.DB
	strategy Strategy
	acquire  func(ctx context.Context, conn *sql.Conn, identifier string) (bool, error)
	release  func(ctx context.Context, conn *sql.Conn, identifier string) (bool, error)
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]*sql.Conn
}

func (l *sessionLocker) Strategy() Strategy { return l.strategy }

func (l *sessionLocker) TryAcquire(ctx context.Context, identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[identifier]; ok {
		l.logger.Debugw("lock already held by this process", "script", identifier)
		return false
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.logger.Errorw("lock connection failed", "script", identifier, "error", err)
		return false
	}

	ok, err := l.acquire(ctx, conn, identifier)
	if err != nil {
		l.logger.Errorw("lock acquisition failed", "script", identifier, "error", err)
		discard(conn)
		return false
	}
	if !ok {
		conn.Close()
		return false
	}

	l.held[identifier] = conn
	return true
}

func (l *sessionLocker) Release(ctx context.Context, identifier string) {
	l.mu.Lock()
	conn, ok := l.held[identifier]
	delete(l.held, identifier)
	l.mu.Unlock()

	if !ok {
		return
	}

	released, err := l.release(ctx, conn, identifier)
	if err != nil {
		l.logger.Errorw("lock release failed, dropping connection", "script", identifier, "error", err)
		discard(conn)
		return
	}
	if !released {
		l.logger.Warnw("lock was not held at release", "script", identifier)
	}
	conn.Close()
}

// discard removes conn from the pool. Ending the session frees any lock
// still attached to it.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}
