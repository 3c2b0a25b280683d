// Package scheduler runs periodic maintenance tasks on cron schedules.
// Scripts themselves are never scheduled; they run only when invoked.
package scheduler

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser supports standard 5-field cron expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Wrapf(err, "parse schedule %q", expr)
	}
	return s, nil
}

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Schedule cron.Schedule
	Run      func(ctx context.Context) error
}

type entry struct {
	task    Task
	nextRun time.Time
}

// entryHeap is a min-heap of entries ordered by nextRun (earliest first).
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].nextRun.Before(h[j].nextRun) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler runs tasks from a single goroutine, earliest due first.
// A task that is still running when it comes due again is not overlapped.
type Scheduler struct {
	mu     sync.Mutex
	heap   entryHeap
	reset  chan struct{}
	logger *zap.SugaredLogger
}

// New creates an empty Scheduler.
func New(logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		reset:  make(chan struct{}, 1),
		logger: logger,
	}
}

// Add schedules t, replacing any task with the same name.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Schedule == nil || t.Run == nil {
		return errors.New("task needs a name, schedule and run func")
	}
	s.mu.Lock()
	s.removeLocked(t.Name)
	heap.Push(&s.heap, entry{task: t, nextRun: t.Schedule.Next(time.Now())})
	s.mu.Unlock()
	s.wake()
	return nil
}

// Remove unschedules the named task.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	s.removeLocked(name)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) removeLocked(name string) {
	for i, e := range s.heap {
		if e.task.Name == name {
			heap.Remove(&s.heap, i)
			return
		}
	}
}

// NextRun returns when the named task is due next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.heap {
		if e.task.Name == name {
			return e.nextRun, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) wake() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Run executes due tasks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		timer.Stop()
		if wait, ok := s.untilNext(); ok {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reset:
			continue
		case <-timer.C:
			if t, ok := s.popDue(time.Now()); ok {
				s.runTask(ctx, t)
			}
		}
	}
}

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return 0, false
	}
	return max(time.Until(s.heap[0].nextRun), 0), true
}

// popDue reschedules and returns the earliest task if it is due.
func (s *Scheduler) popDue(now time.Time) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 || s.heap[0].nextRun.After(now) {
		return Task{}, false
	}
	e := heap.Pop(&s.heap).(entry)
	e.nextRun = e.task.Schedule.Next(now)
	heap.Push(&s.heap, e)
	return e.task, true
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("task panicked", "task", t.Name, "panic", r)
		}
	}()
	if err := t.Run(ctx); err != nil {
		s.logger.Errorw("task failed", "task", t.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debugw("task finished", "task", t.Name, "duration", time.Since(start))
}
