// Package harness runs a script body exactly once under a lock, inside a
// transaction, with a timeout, and records the outcome.
package harness

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/lock"
	"github.com/patrickspencer/scripttrack/internal/store"
	"github.com/patrickspencer/scripttrack/pkg/script"
)

var (
	// ErrLockUnavailable is reported when another holder has the script's lock.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrExecution marks an error raised by a script body.
	ErrExecution = errors.New("script execution failed")
)

// NoTimeout disables the timeout for a run.
const NoTimeout time.Duration = -1

const maxTraceFrames = 10

// Options tune a single run.
type Options struct {
	// Timeout bounds the body. Zero selects the harness default and
	// NoTimeout disables the bound.
	Timeout time.Duration
}

// Outcome is the result category of a run.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeLockUnavailable Outcome = "lock_unavailable"
)

// Result describes a finished run.
type Result struct {
	Outcome      Outcome
	Success      bool
	Skipped      bool
	LockAcquired bool
	Output       string
	Duration     time.Duration
	Record       *store.RunRecord
	// Err is nil on success. Otherwise it matches one of ErrLockUnavailable,
	// script.ErrSkipped, script.ErrTimeout, ErrExecution, or a store error.
	Err error
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// Harness executes script bodies.
type Harness struct {
	db             *sql.DB
	runs           store.RunStore
	locker         lock.Locker
	logger         *zap.SugaredLogger
	defaultTimeout time.Duration
	txOptions      *sql.TxOptions
	now            func() time.Time
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithDefaultTimeout sets the timeout used when Options.Timeout is zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Harness) { h.defaultTimeout = d }
}

// WithTxOptions sets the options of the transaction wrapping each body.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(h *Harness) { h.txOptions = opts }
}

// New creates a Harness. db provides the transaction handed to bodies.
func New(db *sql.DB, runs store.RunStore, locker lock.Locker, opts ...Option) *Harness {
	h := &Harness{
		db:             db,
		runs:           runs,
		locker:         locker,
		defaultTimeout: store.DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop().Sugar()
	}
	return h
}

func (h *Harness) timeoutFor(opts Options) time.Duration {
	switch {
	case opts.Timeout < 0:
		return 0
	case opts.Timeout == 0:
		return h.defaultTimeout
	default:
		return opts.Timeout
	}
}

// Run executes body for identifier and blocks until it finishes or times
// out. Cancelling ctx does not stop a run once it has started.
func (h *Harness) Run(ctx context.Context, identifier string, body script.Func, opts Options) Result {
	start := h.now()
	timeout := h.timeoutFor(opts)
	log := h.logger.With("script", identifier)

	if !h.locker.TryAcquire(ctx, identifier) {
		log.Warnw("script is already running elsewhere", "lock_strategy", h.locker.Strategy())
		return Result{
			Outcome:  OutcomeLockUnavailable,
			Output:   fmt.Sprintf("Script %s is already running", identifier),
			Duration: h.now().Sub(start),
			Err:      errors.Wrapf(ErrLockUnavailable, "script %s", identifier),
		}
	}

	runCtx := context.WithoutCancel(ctx)
	defer h.locker.Release(runCtx, identifier)

	var recordTimeout time.Duration
	if timeout > 0 && timeout != store.DefaultTimeout {
		recordTimeout = timeout
	}
	rec, err := h.runs.MarkRunning(runCtx, identifier, recordTimeout)
	if err != nil {
		log.Errorw("could not record script start", "error", err)
		return Result{
			Outcome:      OutcomeFailed,
			LockAcquired: true,
			Output:       err.Error(),
			Duration:     h.now().Sub(start),
			Err:          err,
		}
	}

	log.Infow("script started", "timeout", timeout)
	outcome, execErr := h.execute(runCtx, rec, body, timeout, start, log)

	res := Result{
		Outcome:      outcome,
		Success:      outcome == OutcomeSuccess,
		Skipped:      outcome == OutcomeSkipped,
		LockAcquired: true,
		Duration:     h.now().Sub(start),
		Record:       rec,
		Err:          execErr,
	}

	var writeErr error
	switch {
	case outcome == OutcomeSuccess:
		res.Output = fmt.Sprintf("Script completed successfully in %.2fs", res.Duration.Seconds())
		writeErr = h.runs.MarkSuccess(runCtx, rec, res.Output, res.Duration)
		log.Infow("script succeeded", "duration", res.Duration)
	case outcome == OutcomeSkipped:
		res.Output = script.SkipOutput(execErr)
		writeErr = h.runs.MarkSkipped(runCtx, rec, res.Output, res.Duration)
		log.Infow("script skipped", "reason", res.Output, "duration", res.Duration)
	case errors.Is(execErr, script.ErrTimeout):
		res.Output = fmt.Sprintf("Script execution exceeded timeout of %s seconds", script.FormatSeconds(timeout))
		writeErr = h.runs.MarkFailed(runCtx, rec, res.Output, res.Duration)
		log.Errorw("script timed out", "timeout", timeout, "duration", res.Duration)
	default:
		res.Output = failureOutput(execErr)
		writeErr = h.runs.MarkFailed(runCtx, rec, res.Output, res.Duration)
		log.Errorw("script failed", "error", execErr, "duration", res.Duration)
	}

	if writeErr != nil {
		log.Errorw("could not record script outcome", "status", outcome, "error", writeErr)
	}
	return res
}

// execute runs body in its own transaction. The body runs on a separate
// goroutine so that the deadline can end the run even if the body ignores
// its context; the abandoned goroutine's transaction is rolled back by
// database/sql when the context expires.
func (h *Harness) execute(
	ctx context.Context,
	rec *store.RunRecord,
	body script.Func,
	timeout time.Duration,
	start time.Time,
	log *zap.SugaredLogger,
) (Outcome, error) {
	bodyCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	tx, err := h.db.BeginTx(bodyCtx, h.txOptions)
	if err != nil {
		return OutcomeFailed, errors.Mark(errors.Wrap(err, "begin transaction"), ErrExecution)
	}

	sc := &script.Context{
		Context:    bodyCtx,
		Identifier: rec.Identifier,
		RunID:      rec.ID,
		Tx:         tx,
		StartedAt:  start,
		Timeout:    timeout,
		Logger:     log,
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic: %v", r)
			}
		}()
		done <- body(sc)
	}()

	select {
	case err = <-done:
	case <-bodyCtx.Done():
		_ = tx.Rollback()
		return OutcomeFailed, timeoutErr(timeout)
	}

	deadlinePassed := errors.Is(bodyCtx.Err(), context.DeadlineExceeded)
	switch {
	case err == nil && !deadlinePassed:
		if err := tx.Commit(); err != nil {
			return OutcomeFailed, errors.Mark(errors.Wrap(err, "commit transaction"), ErrExecution)
		}
		return OutcomeSuccess, nil

	case errors.Is(err, script.ErrSkipped) && !deadlinePassed:
		// Work done before the skip is kept.
		if cerr := tx.Commit(); cerr != nil {
			return OutcomeFailed, errors.Mark(errors.Wrap(cerr, "commit skipped transaction"), ErrExecution)
		}
		return OutcomeSkipped, err

	case errors.Is(err, script.ErrTimeout):
		_ = tx.Rollback()
		return OutcomeFailed, err

	case deadlinePassed:
		_ = tx.Rollback()
		return OutcomeFailed, timeoutErr(timeout)

	default:
		_ = tx.Rollback()
		return OutcomeFailed, errors.Mark(err, ErrExecution)
	}
}

func timeoutErr(timeout time.Duration) error {
	return errors.Mark(
		errors.Newf("script execution exceeded timeout of %s seconds", script.FormatSeconds(timeout)),
		script.ErrTimeout,
	)
}

// failureOutput renders an execution error as "<type>: <message>" followed
// by the innermost stack frames, when the error carries a stack.
func failureOutput(err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s", errors.UnwrapAll(err), err.Error())

	if st := deepestStack(err); st != nil {
		frames := st.Frames
		for i, n := len(frames)-1, 0; i >= 0 && n < maxTraceFrames; i, n = i-1, n+1 {
			f := frames[i]
			file := f.AbsPath
			if file == "" {
				file = f.Filename
			}
			fmt.Fprintf(&b, "\n    %s:%d %s", file, f.Lineno, f.Function)
		}
	}
	return b.String()
}

// deepestStack returns the stack recorded closest to where err originated.
func deepestStack(err error) *errors.ReportableStackTrace {
	var st *errors.ReportableStackTrace
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		if s := errors.GetReportableStackTrace(e); s != nil {
			st = s
		}
	}
	return st
}
