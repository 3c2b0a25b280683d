package script

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSkip(t *testing.T) {
	err := Skip("already migrated")
	assert.True(t, errors.Is(err, ErrSkipped))
	assert.False(t, errors.Is(err, ErrTimeout))

	reason, ok := SkipReason(err)
	assert.True(t, ok)
	assert.Equal(t, "already migrated", reason)
	assert.Equal(t, "already migrated", SkipOutput(err))

	wrapped := errors.Wrap(err, "backfill")
	reason, ok = SkipReason(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "already migrated", reason)

	assert.Equal(t, DefaultSkipOutput, SkipOutput(Skip("")))
	assert.Equal(t, DefaultSkipOutput, SkipOutput(ErrSkipped))

	_, ok = SkipReason(errors.New("boom"))
	assert.False(t, ok)
}

func TestCheckTimeout(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, CheckTimeout(start, 5*time.Second, start.Add(4*time.Second)))
	assert.NoError(t, CheckTimeout(start, 5*time.Second, start.Add(5*time.Second)))
	assert.NoError(t, CheckTimeout(start, 0, start.Add(time.Hour)), "zero budget never expires")

	err := CheckTimeout(start, 5*time.Second, start.Add(6010*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "Script execution exceeded 5 seconds (elapsed: 6.01s)", err.Error())
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "300", FormatSeconds(300*time.Second))
	assert.Equal(t, "1.5", FormatSeconds(1500*time.Millisecond))
}

func TestContextHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sc := &Context{
		Context:    context.Background(),
		Identifier: "x.sql",
		StartedAt:  time.Now().Add(-2 * time.Second),
		Timeout:    time.Second,
		Logger:     zap.New(core).Sugar(),
	}

	assert.True(t, errors.Is(sc.CheckTimeout(), ErrTimeout))
	assert.True(t, errors.Is(sc.Skip("nothing to do"), ErrSkipped))

	sc.Log("updated rows", "count", 3)
	sc.LogError("row rejected", "id", 7)
	sc.LogProgress(1, 4, "")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "updated rows", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].ContextMap()["count"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "Progress: 1/4 (25%)", entries[2].Message)

	var bare Context
	bare.Log("no logger configured")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(*Context) error { return nil }

	require.NoError(t, r.Register(Definition{Name: "b.sql", Func: noop}))
	require.NoError(t, r.Register(Definition{Name: " a.sql ", Func: noop, Timeout: time.Minute}))
	assert.Error(t, r.Register(Definition{Name: "a.sql", Func: noop}), "duplicate name")
	assert.Error(t, r.Register(Definition{Name: "", Func: noop}))
	assert.Error(t, r.Register(Definition{Name: "c.sql"}))
	assert.Error(t, r.Register(Definition{Name: "d.sql", Func: noop, Timeout: -time.Second}))
	assert.Panics(t, func() { r.MustRegister(Definition{Name: "b.sql", Func: noop}) })

	def, ok := r.Get("a.sql")
	require.True(t, ok)
	assert.Equal(t, time.Minute, def.Timeout)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.sql", list[0].Name)
	assert.Equal(t, "b.sql", list[1].Name)
	assert.Equal(t, 2, r.Len())
}
