package runner

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/patrickspencer/scripttrack/internal/runlog"
	"github.com/patrickspencer/scripttrack/pkg/script"
)

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(8)
	_, _ = rb.Write([]byte("abc"))
	assert.Equal(t, "abc", rb.String())

	_, _ = rb.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", rb.String())

	_, _ = rb.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", rb.String())

	_, _ = rb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", rb.String())
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("SCRIPTTRACK_TEST_INHERITED", "yes")
	env := BuildEnv(Env{
		Driver:      "postgres",
		DatabaseURL: "postgres://localhost/app",
		Extra:       map[string]string{"RAILS_ENV": "production"},
	}, "20240101_fix.sh", "01HXRUN")

	assert.Contains(t, env, "SCRIPTTRACK_TEST_INHERITED=yes")
	assert.Contains(t, env, "RAILS_ENV=production")
	assert.Contains(t, env, "SCRIPTTRACK_IDENTIFIER=20240101_fix.sh")
	assert.Contains(t, env, "SCRIPTTRACK_RUN_ID=01HXRUN")
	assert.Contains(t, env, "SCRIPTTRACK_DATABASE_DRIVER=postgres")
	assert.Contains(t, env, "SCRIPTTRACK_DATABASE_URL=postgres://localhost/app")
}

func TestParseHeader(t *testing.T) {
	src := `-- description: backfill slugs
-- timeout: 10m
-- skip-if: SELECT COUNT(*) = 0 FROM users WHERE slug IS NULL

UPDATE users SET slug = lower(name) WHERE slug IS NULL;
-- timeout: 1s
`
	h, err := ParseHeader(src, "--")
	require.NoError(t, err)
	assert.Equal(t, "backfill slugs", h.Description)
	assert.Equal(t, 10*time.Minute, h.Timeout, "directives after the first statement are ignored")
	assert.Equal(t, "SELECT COUNT(*) = 0 FROM users WHERE slug IS NULL", h.SkipIf)

	h, err = ParseHeader("#!/bin/sh\n# timeout: 90\necho hi\n", "#")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, h.Timeout)

	_, err = ParseHeader("-- timeout: soon\n", "--")
	assert.Error(t, err)
	_, err = ParseHeader("-- timeout: -5s\n", "--")
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_second.sql", "-- timeout: 30s\nSELECT 1;", 0o644)
	writeFile(t, dir, "001_first.sql", "SELECT 1;", 0o644)
	writeFile(t, dir, "003_shell.sh", "echo hi\n", 0o644)
	writeFile(t, dir, "004_binary", "#!/bin/sh\necho hi\n", 0o755)
	writeFile(t, dir, "README.md", "docs", 0o644)
	writeFile(t, dir, ".hidden.sql", "SELECT 1;", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.sql"), 0o755))

	files, err := Discover(dir)
	require.NoError(t, err)

	var ids []string
	for _, f := range files {
		ids = append(ids, f.Identifier)
	}
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "003_shell.sh", "004_binary"}, ids)
	assert.Equal(t, KindSQL, files[1].Kind)
	assert.Equal(t, 30*time.Second, files[1].Header.Timeout)
	assert.Equal(t, KindShell, files[2].Kind)
	assert.Equal(t, KindShell, files[3].Kind)

	_, err = Discover(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadRegistersDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_a.sql", "-- description: first\nSELECT 1;", 0o644)
	writeFile(t, dir, "002_b.sh", "# timeout: 2m\necho hi\n", 0o644)

	reg := script.NewRegistry()
	r := New(Env{}, nil, zaptest.NewLogger(t).Sugar())
	files, err := r.Load(dir, reg)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	a, ok := reg.Get("001_a.sql")
	require.True(t, ok)
	assert.Equal(t, "first", a.Description)
	assert.NotNil(t, a.Func)

	b, ok := reg.Get("002_b.sh")
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, b.Timeout)
}

func newSQLContext(t *testing.T) (*script.Context, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "body.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, slug TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO users (id, slug) VALUES (1, NULL), (2, 'b')")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	return &script.Context{
		Context:    context.Background(),
		Identifier: "body.sql",
		Tx:         tx,
		StartedAt:  time.Now(),
		Logger:     zaptest.NewLogger(t).Sugar(),
	}, db
}

func TestSQLBody(t *testing.T) {
	src := "-- skip-if: SELECT COUNT(*) = 0 FROM users WHERE slug IS NULL\nUPDATE users SET slug = 'a' WHERE slug IS NULL;"
	h, err := ParseHeader(src, "--")
	require.NoError(t, err)

	sc, _ := newSQLContext(t)
	require.NoError(t, SQLBody(src, h)(sc))

	var n int
	require.NoError(t, sc.Tx.QueryRow("SELECT COUNT(*) FROM users WHERE slug IS NULL").Scan(&n))
	assert.Zero(t, n)

	err = SQLBody(src, h)(sc)
	reason, ok := script.SkipReason(err)
	assert.True(t, ok, "second run has nothing to do")
	assert.Equal(t, SkipIfReason, reason)
}

func TestSQLBodyError(t *testing.T) {
	sc, _ := newSQLContext(t)
	err := SQLBody("UPDATE missing_table SET x = 1;", Header{})(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute statements")
}

func shellContext(t *testing.T, ctx context.Context) *script.Context {
	return &script.Context{
		Context:    ctx,
		Identifier: "job.sh",
		RunID:      "01HXRUN",
		StartedAt:  time.Now(),
		Logger:     zaptest.NewLogger(t).Sugar(),
	}
}

func TestShellBody(t *testing.T) {
	dir := t.TempDir()
	logs := runlog.NewManager(runlog.Options{Dir: filepath.Join(dir, "logs")})
	r := New(Env{Driver: "sqlite", DatabaseURL: "file.db"}, logs, nil)

	ok := writeFile(t, dir, "ok.sh", "echo \"$SCRIPTTRACK_IDENTIFIER $SCRIPTTRACK_DATABASE_DRIVER\"\n", 0o644)
	require.NoError(t, r.ShellBody(ok)(shellContext(t, context.Background())))

	out, err := logs.Read("job.sh", "01HXRUN")
	require.NoError(t, err)
	assert.Equal(t, "job.sh sqlite\n", out.Stdout)

	skip := writeFile(t, dir, "skip.sh", "echo working\necho already done\nexit 75\n", 0o644)
	err = r.ShellBody(skip)(shellContext(t, context.Background()))
	reason, isSkip := script.SkipReason(err)
	assert.True(t, isSkip)
	assert.Equal(t, "already done", reason)

	fail := writeFile(t, dir, "fail.sh", "echo 'relation does not exist' >&2\nexit 3\n", 0o644)
	err = r.ShellBody(fail)(shellContext(t, context.Background()))
	require.Error(t, err)
	assert.Equal(t, "fail.sh exited with status 3: relation does not exist", err.Error())
}

func TestShellBodyTimeout(t *testing.T) {
	dir := t.TempDir()
	r := New(Env{}, nil, nil)
	slow := writeFile(t, dir, "slow.sh", "sleep 5\n", 0o644)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.ShellBody(slow)(shellContext(t, ctx))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecExecutable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run", "#!/bin/sh\npwd\n", 0o755)

	res := New(Env{}, nil, nil).Exec(context.Background(), path, "run", nil)
	require.NoError(t, res.Err)
	assert.Zero(t, res.ExitCode)

	wd, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, wd, got, "scripts run from their own directory")
}
