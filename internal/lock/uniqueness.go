package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/store"
)

// uniquenessLocker grants a lock when no running record exists for the
// identifier. Two processes can both pass the check; the loser then fails
// MarkRunning with store.ErrDuplicateIdentifier.
type uniquenessLocker struct {
	runs   store.RunStore
	logger *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]struct{}
}

func newUniquenessLocker(runs store.RunStore, logger *zap.SugaredLogger) *uniquenessLocker {
	return &uniquenessLocker{runs: runs, logger: logger, held: make(map[string]struct{})}
}

func (l *uniquenessLocker) Strategy() Strategy { return Uniqueness }

func (l *uniquenessLocker) TryAcquire(ctx context.Context, identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[identifier]; ok {
		return false
	}

	rec, err := l.runs.Get(ctx, identifier)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		l.logger.Errorw("lock check failed", "script", identifier, "error", err)
		return false
	case rec.Running():
		return false
	}

	l.held[identifier] = struct{}{}
	return true
}

// Release forgets the identifier. The running record itself is the lock
// and leaves that state through the terminal write.
func (l *uniquenessLocker) Release(_ context.Context, identifier string) {
	l.mu.Lock()
	delete(l.held, identifier)
	l.mu.Unlock()
}
