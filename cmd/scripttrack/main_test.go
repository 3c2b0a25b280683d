package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))

	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(scripts, name), []byte(body), 0o644))
	}
	write("001_create_notes.sql", "-- description: notes table\nCREATE TABLE notes (body TEXT);")
	write("002_seed_notes.sql", "-- skip-if: SELECT COUNT(*) = 0 FROM notes\nDELETE FROM notes;")

	config := filepath.Join(dir, "scripttrack.yaml")
	body := fmt.Sprintf(`scripts_dir: %s
data_dir: %s
database:
  driver: sqlite
  dsn: %s
log:
  level: error
output_logs:
  enabled: false
`, scripts, filepath.Join(dir, "data"), filepath.Join(dir, "data", "scripttrack.db"))
	require.NoError(t, os.WriteFile(config, []byte(body), 0o644))

	return &cli{t: t, config: config}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) int {
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestRunAllThenNothingPending(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("pending")
	require.NoError(t, err)
	assert.Contains(t, out, "001_create_notes.sql")
	assert.Contains(t, out, "notes table")

	out, err = c.run("run", "--all")
	assert.Equal(t, 1, exitCode(err), "a skipped script is not a success")
	assert.Contains(t, out, "SUCCESS  001_create_notes.sql")
	assert.Contains(t, out, "SKIPPED  002_seed_notes.sql")
	assert.Contains(t, out, "skip-if condition met")

	out, err = c.run("run", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to run.")

	out, err = c.run("stats")
	require.NoError(t, err)
	assert.Regexp(t, `Total:\s+2`, out)
	assert.Regexp(t, `Succeeded:\s+1`, out)
	assert.Regexp(t, `Skipped:\s+1`, out)
}

func TestRunNamedScript(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("run", "001_create_notes.sql")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS  001_create_notes.sql")

	_, err = c.run("run", "001_create_notes.sql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a success record")

	_, err = c.run("run", "nope.sql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown script "nope.sql"`)
}

func TestRunArguments(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("run")
	assert.Error(t, err)

	_, err = c.run("run", "--all", "001_create_notes.sql")
	assert.Error(t, err)

	_, err = c.run("run", "--all", "--timeout", "1s", "--no-timeout")
	assert.Error(t, err)

	out, err := c.run("run", "--all", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "001_create_notes.sql\n002_seed_notes.sql\n", out)
}

func TestListShowAndReset(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("run", "001_create_notes.sql")
	require.NoError(t, err)

	out, err := c.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTIFIER")
	assert.Contains(t, out, "001_create_notes.sql")
	assert.Contains(t, out, "Script completed successfully in")

	out, err = c.run("list", "--status", "failed")
	require.NoError(t, err)
	assert.NotContains(t, out, "001_create_notes.sql")

	out, err = c.run("show", "001_create_notes.sql")
	require.NoError(t, err)
	assert.Regexp(t, `Status:\s+success`, out)

	out, err = c.run("reset", "001_create_notes.sql")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 001_create_notes.sql (was success).")

	out, err = c.run("pending")
	require.NoError(t, err)
	assert.Contains(t, out, "001_create_notes.sql")

	_, err = c.run("reset", "001_create_notes.sql")
	assert.Error(t, err)
}

func TestSweepAndMigrate(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date (sqlite).")

	out, err = c.run("sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked 0 stale scripts as failed")
}

func TestLockStrategyMustMatchDriver(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("--lock-strategy", "advisory", "run", "--all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs postgres")

	_, err = c.run("--lock-strategy", "named-mutex", "run", "--all")
	require.Error(t, err)

	_, err = c.run("--lock-strategy", "bogus", "run", "--all")
	assert.Error(t, err)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	c := newCLI(t)
	other := filepath.Join(t.TempDir(), "empty")

	out, err := c.run("--scripts-dir", other, "run", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to run.")
	assert.DirExists(t, other, "the scripts dir is created on first use")
}
