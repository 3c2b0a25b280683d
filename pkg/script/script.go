// Package script is the contract between script bodies and the harness
// that runs them.
package script

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Func is a script body. A nil return commits the script's transaction.
// Returning Skip(reason) also commits; any other error rolls it back.
type Func func(sc *Context) error

// Context is handed to a running script body. It carries the run's
// deadline, and its transaction is rolled back if the run times out.
type Context struct {
	context.Context

	Identifier string
	// RunID is the ID of the run record created for this run.
	RunID      string
	Tx         *sql.Tx
	StartedAt  time.Time
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// Skip returns an error that ends the run as skipped.
func (sc *Context) Skip(reason string) error {
	return Skip(reason)
}

// CheckTimeout returns an ErrTimeout error once the run's budget is spent.
// Long loops should call it between units of work.
func (sc *Context) CheckTimeout() error {
	return CheckTimeout(sc.StartedAt, sc.Timeout, time.Now())
}

// Log writes an info entry tagged with the script identifier.
func (sc *Context) Log(msg string, keysAndValues ...any) {
	sc.logger().Infow(msg, keysAndValues...)
}

// LogError writes an error entry tagged with the script identifier.
func (sc *Context) LogError(msg string, keysAndValues ...any) {
	sc.logger().Errorw(msg, keysAndValues...)
}

// LogProgress logs current/total with a percentage.
func (sc *Context) LogProgress(current, total int, message string) {
	LogProgress(sc.logger(), current, total, message)
}

func (sc *Context) logger() *zap.SugaredLogger {
	if sc.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return sc.Logger
}
