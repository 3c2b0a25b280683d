package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/runlog"
	"github.com/patrickspencer/scripttrack/internal/store"
)

// Sweeper fails running records that outlived the stale threshold and
// prunes old script output logs.
type Sweeper struct {
	runs       store.RunStore
	logs       *runlog.Manager
	staleAfter time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewSweeper creates a Sweeper. logs may be nil.
func NewSweeper(runs store.RunStore, logs *runlog.Manager, staleAfter time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = store.DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{runs: runs, logs: logs, staleAfter: staleAfter, logger: logger, now: time.Now}
}

// SweepResult reports what a sweep changed.
type SweepResult struct {
	StaleFailed int64
	LogsRemoved int
}

// SweepStale fails running records started more than staleAfter ago.
func (s *Sweeper) SweepStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.runs.SweepStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warnw("marked stale scripts as failed", "count", n, "started_before", cutoff)
	}
	return n, nil
}

// CleanupLogs applies the output log retention policy.
func (s *Sweeper) CleanupLogs(context.Context) (int, error) {
	if s.logs == nil {
		return 0, nil
	}
	n, err := s.logs.Cleanup(s.now())
	if n > 0 {
		s.logger.Infow("removed script output logs", "count", n)
	}
	return n, err
}

// Sweep runs both maintenance steps once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	res.StaleFailed, err = s.SweepStale(ctx)
	if err != nil {
		return res, errors.Wrap(err, "sweep stale records")
	}
	res.LogsRemoved, err = s.CleanupLogs(ctx)
	if err != nil {
		return res, errors.Wrap(err, "clean up output logs")
	}
	return res, nil
}

// Tasks returns the sweeper's steps as scheduler tasks on schedule.
func (s *Sweeper) Tasks(schedule cron.Schedule) []Task {
	tasks := []Task{{
		Name:     "stale-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := s.SweepStale(ctx)
			return err
		},
	}}
	if s.logs != nil {
		tasks = append(tasks, Task{
			Name:     "log-cleanup",
			Schedule: schedule,
			Run: func(ctx context.Context) error {
				_, err := s.CleanupLogs(ctx)
				return err
			},
		})
	}
	return tasks
}
