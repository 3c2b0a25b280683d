package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndRead(t *testing.T) {
	m := NewManager(Options{Dir: t.TempDir(), MaxBytesPerStream: 8})

	w, err := m.Open("scripts/../20240101 backfill.sh", "01HXRUN")
	require.NoError(t, err)
	_, err = w.Stdout.Write([]byte("hello world"))
	require.NoError(t, err)
	_, err = w.Stderr.Write([]byte("warn"))
	require.NoError(t, err)
	assert.True(t, w.Stdout.Truncated())
	assert.Equal(t, int64(8), w.Stdout.Written())
	assert.False(t, w.Stderr.Truncated())
	require.NoError(t, w.Close())

	logs, err := m.Read("scripts/../20240101 backfill.sh", "01HXRUN")
	require.NoError(t, err)
	assert.Equal(t, "hello wo", logs.Stdout)
	assert.Equal(t, "warn", logs.Stderr)
	assert.Equal(t, m.Dir(), filepath.Dir(filepath.Dir(logs.StdoutPath)), "identifier becomes a single path segment")
	assert.True(t, strings.HasSuffix(logs.StderrPath, "01HXRUN.stderr.log"))
}

func TestReadMissing(t *testing.T) {
	m := NewManager(Options{Dir: t.TempDir()})
	_, err := m.Read("none.sh", "run")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Options{Dir: dir, Retention: 24 * time.Hour, MaxTotalBytes: 10})
	now := time.Now()

	write := func(id, run, body string, age time.Duration) string {
		w, err := m.Open(id, run)
		require.NoError(t, err)
		_, _ = w.Stdout.Write([]byte(body))
		require.NoError(t, w.Close())
		stdout, _ := m.Paths(id, run)
		require.NoError(t, os.Chtimes(stdout, now.Add(-age), now.Add(-age)))
		return stdout
	}

	expired := write("a.sh", "1", "old", 48*time.Hour)
	older := write("b.sh", "2", "123456", 2*time.Hour)
	newer := write("c.sh", "3", "123456", time.Hour)

	removed, err := m.Cleanup(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "the expired file plus the oldest file over the size cap")

	assert.NoFileExists(t, expired)
	assert.NoFileExists(t, older)
	assert.FileExists(t, newer)
}

func TestCleanupMissingDir(t *testing.T) {
	m := NewManager(Options{Dir: filepath.Join(t.TempDir(), "nope"), Retention: time.Hour})
	removed, err := m.Cleanup(time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "backfill.sql", safeName("backfill.sql"))
	assert.Equal(t, "a_b_c", safeName("a/b c"))
	assert.Equal(t, "unknown", safeName(".."))
	assert.Equal(t, "unknown", safeName(""))
}
