// Package runlog persists the stdout and stderr of shell scripts, one pair
// of files per run, with size caps and retention.
package runlog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	stdoutSuffix = ".stdout.log"
	stderrSuffix = ".stderr.log"
)

// Options configures a Manager.
type Options struct {
	Dir               string
	MaxBytesPerStream int64
	Retention         time.Duration
	MaxTotalBytes     int64
}

// Manager owns the output log directory.
type Manager struct {
	opts Options
}

// NewManager creates a Manager. Zero limits disable the matching policy.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Dir returns the base log directory.
func (m *Manager) Dir() string {
	return m.opts.Dir
}

// Paths returns the stdout and stderr file paths for a run.
func (m *Manager) Paths(identifier, runID string) (stdout, stderr string) {
	dir := filepath.Join(m.opts.Dir, safeName(identifier))
	base := safeName(runID)
	return filepath.Join(dir, base+stdoutSuffix), filepath.Join(dir, base+stderrSuffix)
}

// Open creates the log files for a run.
func (m *Manager) Open(identifier, runID string) (*Writers, error) {
	stdoutPath, stderrPath := m.Paths(identifier, runID)
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create output log dir")
	}

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, errors.Wrap(err, "create stdout log")
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, errors.Wrap(err, "create stderr log")
	}

	return &Writers{
		Stdout: NewCappedWriter(stdout, m.opts.MaxBytesPerStream),
		Stderr: NewCappedWriter(stderr, m.opts.MaxBytesPerStream),
	}, nil
}

// Logs is the persisted output of one run.
type Logs struct {
	Stdout     string
	Stderr     string
	StdoutPath string
	StderrPath string
}

// Read loads the output of a run. A missing stream reads as empty; if both
// are missing the error matches os.ErrNotExist.
func (m *Manager) Read(identifier, runID string) (*Logs, error) {
	logs := &Logs{}
	logs.StdoutPath, logs.StderrPath = m.Paths(identifier, runID)

	missing := 0
	for _, s := range []struct {
		path string
		dst  *string
	}{
		{logs.StdoutPath, &logs.Stdout},
		{logs.StderrPath, &logs.Stderr},
	} {
		data, err := os.ReadFile(s.path)
		switch {
		case err == nil:
			*s.dst = string(data)
		case errors.Is(err, os.ErrNotExist):
			missing++
		default:
			return nil, errors.Wrapf(err, "read %s", s.path)
		}
	}
	if missing == 2 {
		return nil, errors.Wrapf(os.ErrNotExist, "no output logs for %s run %s", identifier, runID)
	}
	return logs, nil
}

// Cleanup deletes logs older than the retention period, then the oldest
// remaining logs until the directory fits MaxTotalBytes. It returns the
// number of files removed.
func (m *Manager) Cleanup(now time.Time) (int, error) {
	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}

	var (
		files   []logFile
		removed int
	)
	cutoff := now.Add(-m.opts.Retention)

	err := filepath.WalkDir(m.opts.Dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isLogFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if m.opts.Retention > 0 && info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		}
		files = append(files, logFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return removed, nil
	}
	if err != nil {
		return removed, errors.Wrap(err, "scan output logs")
	}

	if m.opts.MaxTotalBytes <= 0 {
		return removed, nil
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= m.opts.MaxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
		removed++
		total -= f.size
	}
	return removed, nil
}

func isLogFile(path string) bool {
	return strings.HasSuffix(path, stdoutSuffix) || strings.HasSuffix(path, stderrSuffix)
}

// Writers holds the stdout and stderr files of one run.
type Writers struct {
	Stdout *CappedWriter
	Stderr *CappedWriter
}

// Close closes both files and returns the first error.
func (w *Writers) Close() error {
	return errors.CombineErrors(w.Stdout.Close(), w.Stderr.Close())
}

// CappedWriter writes to a file until maxBytes, then silently drops the
// rest. Write never fails so that script execution is not affected by log
// storage problems.
type CappedWriter struct {
	file      *os.File
	maxBytes  int64
	written   int64
	truncated bool
}

// NewCappedWriter wraps file. maxBytes <= 0 means unlimited.
func NewCappedWriter(file *os.File, maxBytes int64) *CappedWriter {
	return &CappedWriter{file: file, maxBytes: maxBytes}
}

func (w *CappedWriter) Write(p []byte) (int, error) {
	chunk := p
	if w.maxBytes > 0 {
		remaining := w.maxBytes - w.written
		if remaining <= 0 {
			w.truncated = true
			return len(p), nil
		}
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
			w.truncated = true
		}
	}
	n, _ := w.file.Write(chunk)
	w.written += int64(n)
	return len(p), nil
}

// Close closes the file.
func (w *CappedWriter) Close() error {
	return w.file.Close()
}

// Written returns the number of bytes stored.
func (w *CappedWriter) Written() int64 { return w.written }

// Truncated reports whether output was dropped.
func (w *CappedWriter) Truncated() bool { return w.truncated }

// safeName maps an identifier onto a single path segment.
func safeName(value string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, value)
	mapped = strings.Trim(mapped, "._")
	if mapped == "" {
		return "unknown"
	}
	return mapped
}
