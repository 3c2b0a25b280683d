package runner

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Header holds the directives found in a script's leading comment block:
//
//	-- description: backfill user slugs
//	-- timeout: 10m
//	-- skip-if: SELECT COUNT(*) = 0 FROM users WHERE slug IS NULL
//
// Shell scripts use # instead of --.
type Header struct {
	Description string
	Timeout     time.Duration
	SkipIf      string
}

// ParseHeader reads directives from the comment lines at the top of src.
// Parsing stops at the first line that is neither blank nor a comment.
func ParseHeader(src, commentPrefix string) (Header, error) {
	var h Header
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#!") {
			continue
		}
		if !strings.HasPrefix(line, commentPrefix) {
			break
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, commentPrefix)), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "description":
			h.Description = value
		case "timeout":
			d, err := parseTimeout(value)
			if err != nil {
				return Header{}, err
			}
			h.Timeout = d
		case "skip-if":
			h.SkipIf = value
		}
	}
	return h, errors.Wrap(sc.Err(), "read header")
}

// parseTimeout accepts a Go duration ("10m") or a number of seconds ("90").
func parseTimeout(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		secs, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil {
			return 0, errors.Newf("invalid timeout %q", value)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, errors.Newf("invalid timeout %q: must be greater than 0", value)
	}
	return d, nil
}
