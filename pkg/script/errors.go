package script

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrSkipped marks a voluntary skip. The harness commits and records
	// the run as skipped.
	ErrSkipped = errors.New("script skipped")

	// ErrTimeout marks a run that exceeded its time budget.
	ErrTimeout = errors.New("script timed out")
)

// DefaultSkipOutput is recorded when a skip carries no reason.
const DefaultSkipOutput = "Script was skipped (no action needed)"

type skipError struct {
	reason string
}

func (e *skipError) Error() string {
	if e.reason == "" {
		return "script skipped"
	}
	return "script skipped: " + e.reason
}

// Skip returns an ErrSkipped error carrying reason.
func Skip(reason string) error {
	return errors.Mark(&skipError{reason: reason}, ErrSkipped)
}

// SkipReason extracts the reason from a Skip error. ok is false if err is
// not a skip.
func SkipReason(err error) (reason string, ok bool) {
	var se *skipError
	if errors.As(err, &se) {
		return se.reason, true
	}
	if errors.Is(err, ErrSkipped) {
		return "", true
	}
	return "", false
}

// SkipOutput is the output recorded for a skipped run.
func SkipOutput(err error) string {
	if reason, _ := SkipReason(err); reason != "" {
		return reason
	}
	return DefaultSkipOutput
}

// CheckTimeout returns an ErrTimeout error if more than budget has elapsed
// between start and now. A budget <= 0 never expires.
func CheckTimeout(start time.Time, budget time.Duration, now time.Time) error {
	if budget <= 0 {
		return nil
	}
	elapsed := now.Sub(start)
	if elapsed <= budget {
		return nil
	}
	return errors.Mark(
		errors.Newf("Script execution exceeded %s seconds (elapsed: %.2fs)", FormatSeconds(budget), elapsed.Seconds()),
		ErrTimeout,
	)
}

// FormatSeconds renders d as a bare number of seconds: 300, 1.5.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
