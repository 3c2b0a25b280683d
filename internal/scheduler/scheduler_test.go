package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/patrickspencer/scripttrack/internal/store"
)

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@hourly")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), s.Next(from))

	s, err = ParseSchedule(" */5 * * * * ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC), s.Next(from))

	_, err = ParseSchedule("every now and then")
	assert.Error(t, err)
}

func TestSchedulerRunsDueTasks(t *testing.T) {
	s := New(nil)
	var fast, slow atomic.Int32

	require.NoError(t, s.Add(Task{Name: "fast", Schedule: every(20 * time.Millisecond), Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Task{Name: "slow", Schedule: every(time.Hour), Run: func(context.Context) error {
		slow.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, fast.Load(), int32(3))
	assert.Zero(t, slow.Load())

	next, ok := s.NextRun("slow")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestSchedulerAddReplacesAndRemove(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Task{Name: "a", Schedule: every(time.Hour), Run: noop}))
	require.NoError(t, s.Add(Task{Name: "a", Schedule: every(time.Minute), Run: noop}))
	next, ok := s.NextRun("a")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), next, 5*time.Second)
	assert.Len(t, s.heap, 1)

	s.Remove("a")
	_, ok = s.NextRun("a")
	assert.False(t, ok)

	assert.Error(t, s.Add(Task{Name: "bad"}))
}

func TestSchedulerLogsTaskErrorsAndPanics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(zap.New(core).Sugar())

	require.NoError(t, s.Add(Task{Name: "fails", Schedule: every(10 * time.Millisecond), Run: func(context.Context) error {
		return errors.New("db gone")
	}}))
	require.NoError(t, s.Add(Task{Name: "panics", Schedule: every(10 * time.Millisecond), Run: func(context.Context) error {
		panic("oops")
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Positive(t, logs.FilterMessage("task failed").Len())
	assert.Positive(t, logs.FilterMessage("task panicked").Len())
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "sweep.db"), store.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.MarkRunning(ctx, "hung.sql", 0)
	require.NoError(t, err)

	sw := NewSweeper(st, nil, time.Hour, nil)
	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StaleFailed)
	assert.Zero(t, res.LogsRemoved)

	rec, err := st.Get(ctx, "hung.sql")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, store.StaleOutput, rec.Output)

	tasks := sw.Tasks(every(time.Hour))
	require.Len(t, tasks, 1)
	assert.Equal(t, "stale-sweep", tasks[0].Name)
	require.NoError(t, tasks[0].Run(ctx))
}
