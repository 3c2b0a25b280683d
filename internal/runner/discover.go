package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/scripttrack/pkg/script"
)

// Kind is the type of a script file.
type Kind string

const (
	KindSQL   Kind = "sql"
	KindShell Kind = "shell"
)

// SkipIfReason is the skip output of a SQL script whose skip-if query held.
const SkipIfReason = "skip-if condition met"

// File is a discovered script.
type File struct {
	// Identifier is the file name, which is also the run record key.
	Identifier string
	Path       string
	Kind       Kind
	Header     Header
	source     string
}

// Discover lists the scripts in dir, sorted by file name. SQL files,
// .sh files and executable files are scripts; hidden files, directories
// and anything else are ignored.
func Discover(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read scripts dir %s", dir)
	}

	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		var kind Kind
		switch {
		case strings.EqualFold(filepath.Ext(name), ".sql"):
			kind = KindSQL
		case strings.EqualFold(filepath.Ext(name), ".sh"), isExecutable(path):
			kind = KindShell
		default:
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read script %s", name)
		}
		prefix := "--"
		if kind == KindShell {
			prefix = "#"
		}
		header, err := ParseHeader(string(data), prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "script %s", name)
		}

		files = append(files, File{
			Identifier: name,
			Path:       path,
			Kind:       kind,
			Header:     header,
			source:     string(data),
		})
	}
	return files, nil
}

// Definition turns a discovered file into a runnable script.
func (r *Runner) Definition(f File) script.Definition {
	def := script.Definition{
		Name:        f.Identifier,
		Description: f.Header.Description,
		Timeout:     f.Header.Timeout,
	}
	if f.Kind == KindSQL {
		def.Func = SQLBody(f.source, f.Header)
	} else {
		def.Func = r.ShellBody(f.Path)
	}
	return def
}

// Load discovers the scripts in dir and registers them.
func (r *Runner) Load(dir string, reg *script.Registry) ([]File, error) {
	files, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := reg.Register(r.Definition(f)); err != nil {
			return nil, err
		}
	}
	r.logger.Debugw("scripts loaded", "dir", dir, "count", len(files))
	return files, nil
}

// SQLBody returns a body that executes src inside the run's transaction,
// after evaluating the header's skip-if query.
func SQLBody(src string, h Header) script.Func {
	return func(sc *script.Context) error {
		if h.SkipIf != "" {
			var skip bool
			if err := sc.Tx.QueryRowContext(sc, h.SkipIf).Scan(&skip); err != nil {
				return errors.Wrap(err, "evaluate skip-if")
			}
			if skip {
				return sc.Skip(SkipIfReason)
			}
		}

		res, err := sc.Tx.ExecContext(sc, src)
		if err != nil {
			return errors.Wrap(err, "execute statements")
		}
		if n, err := res.RowsAffected(); err == nil {
			sc.Log("statements executed", "rows_affected", n)
		}
		return nil
	}
}
