package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout applies to records without a timeout override.
const DefaultTimeout = 300 * time.Second

// DefaultStaleAfter is the age after which a running record is presumed abandoned.
const DefaultStaleAfter = time.Hour

// StaleOutput is written to records failed by SweepStale.
const StaleOutput = "Script was marked as failed due to stale running status"

const maxDisplayOutput = 500

func (r *RunRecord) Running() bool   { return r.Status == StatusRunning }
func (r *RunRecord) Succeeded() bool { return r.Status == StatusSuccess }
func (r *RunRecord) Failed() bool    { return r.Status == StatusFailed }
func (r *RunRecord) Skipped() bool   { return r.Status == StatusSkipped }

// EffectiveTimeout returns the record's override, or DefaultTimeout if unset.
func (r *RunRecord) EffectiveTimeout() time.Duration {
	if r.TimeoutSeconds == nil || *r.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(*r.TimeoutSeconds * float64(time.Second))
}

// IsTimedOut is an advisory check: the record is still running and its
// effective timeout has elapsed since StartedAt. It never transitions the record.
func (r *RunRecord) IsTimedOut(now time.Time) bool {
	if !r.Running() {
		return false
	}
	return now.After(r.StartedAt.Add(r.EffectiveTimeout()))
}

// IsStale reports whether a running record is older than threshold.
func (r *RunRecord) IsStale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return r.Running() && now.Sub(r.StartedAt) > threshold
}

// Duration returns the recorded duration, or zero if none was recorded.
func (r *RunRecord) Duration() time.Duration {
	if r.DurationSeconds == nil {
		return 0
	}
	return time.Duration(*r.DurationSeconds * float64(time.Second))
}

// FormattedDuration renders the duration for display: "N/A", "12.5ms",
// "3.25s" or "2m 5.5s".
func (r *RunRecord) FormattedDuration() string {
	if r.DurationSeconds == nil {
		return "N/A"
	}
	d := *r.DurationSeconds
	switch {
	case d < 1:
		return formatFloat(d*1000) + "ms"
	case d < 60:
		return formatFloat(d) + "s"
	default:
		minutes := math.Floor(d / 60)
		seconds := math.Mod(d, 60)
		return fmt.Sprintf("%dm %ss", int(minutes), formatFloat(seconds))
	}
}

// FormattedOutput renders the output for display, truncated to 500 characters.
// The stored output is never truncated.
func (r *RunRecord) FormattedOutput() string {
	if strings.TrimSpace(r.Output) == "" {
		return "No output"
	}
	runes := []rune(r.Output)
	if len(runes) <= maxDisplayOutput {
		return r.Output
	}
	return string(runes[:maxDisplayOutput-3]) + "..."
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func seconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}
