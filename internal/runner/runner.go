package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/runlog"
	"github.com/patrickspencer/scripttrack/pkg/script"
)

const ringBufSize = 64 * 1024 // 64KB

// SkipExitCode is the exit status a shell script uses to report that it
// had nothing to do. The last line of its stdout becomes the skip reason.
const SkipExitCode = 75

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer, overwriting the oldest data once full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= rb.size {
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && rb.pos <= oldPos {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

// Env is the database connection handed to shell scripts.
type Env struct {
	Driver      string
	DatabaseURL string
	Extra       map[string]string
}

// Runner executes script files.
type Runner struct {
	env    Env
	logs   *runlog.Manager
	logger *zap.SugaredLogger
}

// New creates a Runner. logs may be nil to disable persisted output.
func New(env Env, logs *runlog.Manager, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{env: env, logs: logs, logger: logger}
}

// ExecOptions controls optional output destinations for a command run.
type ExecOptions struct {
	RunID       string
	ExtraStdout io.Writer
	ExtraStderr io.Writer
}

// ExecResult is the outcome of one process.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Exec runs the script at path until it exits or ctx is done. Executable
// files run directly; other files are passed to sh.
func (r *Runner) Exec(ctx context.Context, path, identifier string, opts *ExecOptions) *ExecResult {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	var cmd *exec.Cmd
	if isExecutable(path) {
		cmd = exec.CommandContext(ctx, path)
	} else {
		cmd = exec.CommandContext(ctx, "sh", path)
	}
	cmd.Dir = filepath.Dir(path)
	cmd.WaitDelay = time.Second

	runID := ""
	if opts != nil {
		runID = opts.RunID
	}
	cmd.Env = BuildEnv(r.env, identifier, runID)

	stdoutBuf := NewRingBuffer(ringBufSize)
	stderrBuf := NewRingBuffer(ringBufSize)
	if opts != nil {
		cmd.Stdout = newTeeWriter(stdoutBuf, opts.ExtraStdout)
		cmd.Stderr = newTeeWriter(stderrBuf, opts.ExtraStderr)
	} else {
		cmd.Stdout = stdoutBuf
		cmd.Stderr = stderrBuf
	}

	start := time.Now()
	err := cmd.Run()

	res := &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		res.Err = err
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// ShellBody returns a script body that runs the file at path. The
// harness transaction is not visible to the process; it connects on its
// own using the SCRIPTTRACK_DATABASE_* variables.
func (r *Runner) ShellBody(path string) script.Func {
	return func(sc *script.Context) error {
		opts := &ExecOptions{RunID: sc.RunID}
		if r.logs != nil {
			w, err := r.logs.Open(sc.Identifier, sc.RunID)
			if err != nil {
				sc.LogError("could not open output log", "error", err)
			} else {
				defer w.Close()
				opts.ExtraStdout = w.Stdout
				opts.ExtraStderr = w.Stderr
			}
		}

		res := r.Exec(sc, path, sc.Identifier, opts)
		if tail := lastLines(res.Stderr, 20); tail != "" {
			sc.Log("script stderr", "tail", tail)
		}

		switch {
		case res.TimedOut:
			return sc.Err()
		case res.Err == nil:
			sc.Log("script exited", "duration", res.Duration)
			return nil
		case res.ExitCode == SkipExitCode:
			return script.Skip(lastLines(res.Stdout, 1))
		case res.ExitCode < 0:
			return errors.Wrapf(res.Err, "start %s", filepath.Base(path))
		default:
			msg := lastLines(res.Stderr, 1)
			if msg == "" {
				msg = res.Err.Error()
			}
			return errors.Newf("%s exited with status %d: %s", filepath.Base(path), res.ExitCode, msg)
		}
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func newTeeWriter(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return &teeWriter{
		primary:   primary,
		secondary: secondary,
	}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil {
		_, _ = t.secondary.Write(p)
	}
	return n, err
}
