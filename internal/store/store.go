package store

import (
	"context"
	"time"
)

// Status is the lifecycle state of a RunRecord.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is an end state. Only running is not.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// RunRecord is the persisted outcome of one script's execution attempt.
// There is at most one record per identifier.
type RunRecord struct {
	ID              string
	Identifier      string
	StartedAt       time.Time
	Status          Status
	Output          string
	DurationSeconds *float64
	TimeoutSeconds  *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Order controls how List sorts records by started_at.
type Order int

const (
	OrderRecentFirst Order = iota
	OrderOldestFirst
)

// ListOpts controls filtering and pagination for record queries.
type ListOpts struct {
	Status Status
	Order  Order
	Limit  int
	Offset int
}

// Stats holds record counts per status.
type Stats struct {
	Total     int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Completed counts records that finished with success or failure.
func (s Stats) Completed() int {
	return s.Succeeded + s.Failed
}

// RunStore is the interface for persisting and querying run records.
type RunStore interface {
	// Exists reports whether any record exists for identifier, regardless of status.
	Exists(ctx context.Context, identifier string) (bool, error)
	// MarkRunning creates a running record. A zero timeout stores no override.
	MarkRunning(ctx context.Context, identifier string, timeout time.Duration) (*RunRecord, error)
	MarkSuccess(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error
	MarkFailed(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error
	MarkSkipped(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error
	// SweepStale fails every running record started before olderThan.
	SweepStale(ctx context.Context, olderThan time.Time) (int64, error)
	Get(ctx context.Context, identifier string) (*RunRecord, error)
	List(ctx context.Context, opts ListOpts) ([]*RunRecord, error)
	Stats(ctx context.Context) (*Stats, error)
	// Delete removes the record so the script can run again.
	Delete(ctx context.Context, identifier string) error
}
