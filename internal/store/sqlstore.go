package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
)

// NewRunID generates a new ULID-based record identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLStore implements RunStore on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ RunStore = (*SQLStore)(nil)

// NewSQLStore wraps an open database. The schema must already exist; see RunMigrations.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect the store was opened with.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// Exists reports whether a record exists for identifier.
func (s *SQLStore) Exists(ctx context.Context, identifier string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM executed_scripts WHERE identifier = ?"),
		strings.TrimSpace(identifier),
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check executed script")
	}
	return n > 0, nil
}

// MarkRunning inserts a running record for identifier. It fails with
// ErrDuplicateIdentifier if a record already exists.
func (s *SQLStore) MarkRunning(ctx context.Context, identifier string, timeout time.Duration) (*RunRecord, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("script identifier is required")
	}
	if timeout < 0 {
		return nil, errors.Wrapf(ErrInvalidTimeout, "script %s", identifier)
	}

	now := s.now().UTC()
	rec := &RunRecord{
		ID:         NewRunID(),
		Identifier: identifier,
		StartedAt:  now,
		Status:     StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if timeout > 0 {
		rec.TimeoutSeconds = seconds(timeout)
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO executed_scripts (
			id, identifier, started_at, status, timeout_seconds, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Identifier,
		s.dialect.timeValue(rec.StartedAt),
		string(rec.Status),
		nullFloat(rec.TimeoutSeconds),
		s.dialect.timeValue(rec.CreatedAt),
		s.dialect.timeValue(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Mark(errors.Wrapf(err, "mark %s running", identifier), ErrDuplicateIdentifier)
		}
		return nil, persistenceErr(err, "mark "+identifier+" running")
	}
	return rec, nil
}

// MarkSuccess transitions a running record to success.
func (s *SQLStore) MarkSuccess(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error {
	return s.finish(ctx, rec, StatusSuccess, output, duration)
}

// MarkFailed transitions a running record to failed.
func (s *SQLStore) MarkFailed(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error {
	return s.finish(ctx, rec, StatusFailed, output, duration)
}

// MarkSkipped transitions a running record to skipped.
func (s *SQLStore) MarkSkipped(ctx context.Context, rec *RunRecord, output string, duration time.Duration) error {
	return s.finish(ctx, rec, StatusSkipped, output, duration)
}

// finish writes a terminal status. The UPDATE only matches running rows, so
// a record can leave running exactly once. rec is updated only after the
// write succeeds.
func (s *SQLStore) finish(ctx context.Context, rec *RunRecord, status Status, output string, duration time.Duration) error {
	if rec == nil {
		return errors.New("run record is nil")
	}
	if !status.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s is not a terminal status", status)
	}

	now := s.now().UTC()
	dur := seconds(duration)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executed_scripts
		SET status = ?, output = ?, duration_seconds = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(status),
		nullString(output),
		nullFloat(dur),
		s.dialect.timeValue(now),
		rec.ID,
		string(StatusRunning),
	)
	if err != nil {
		return persistenceErr(err, "mark "+rec.Identifier+" "+string(status))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr(err, "mark "+rec.Identifier+" "+string(status))
	}
	if n == 0 {
		current, err := s.Get(ctx, rec.Identifier)
		if err != nil {
			return err
		}
		return errors.Wrapf(ErrInvalidTransition, "script %s: %s -> %s", rec.Identifier, current.Status, status)
	}

	rec.Status = status
	rec.Output = output
	rec.DurationSeconds = dur
	rec.UpdatedAt = now
	return nil
}

// SweepStale fails every running record started before olderThan and
// returns the number of records changed.
func (s *SQLStore) SweepStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executed_scripts
		SET status = ?, output = ?, updated_at = ?
		WHERE status = ? AND started_at < ?`),
		string(StatusFailed),
		StaleOutput,
		s.dialect.timeValue(s.now()),
		string(StatusRunning),
		s.dialect.timeValue(olderThan),
	)
	if err != nil {
		return 0, persistenceErr(err, "sweep stale scripts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceErr(err, "sweep stale scripts")
	}
	return n, nil
}

const selectRecordCols = `id, identifier, started_at, status, output,
	duration_seconds, timeout_seconds, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*RunRecord, error) {
	var r RunRecord
	var status string
	var startedAt, createdAt, updatedAt dbTime
	var output sql.NullString
	var duration, timeout sql.NullFloat64

	err := row.Scan(
		&r.ID,
		&r.Identifier,
		&startedAt,
		&status,
		&output,
		&duration,
		&timeout,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.StartedAt = startedAt.Time
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	if output.Valid {
		r.Output = output.String
	}
	if duration.Valid {
		v := duration.Float64
		r.DurationSeconds = &v
	}
	if timeout.Valid {
		v := timeout.Float64
		r.TimeoutSeconds = &v
	}
	return &r, nil
}

// Get retrieves the record for identifier.
func (s *SQLStore) Get(ctx context.Context, identifier string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+selectRecordCols+" FROM executed_scripts WHERE identifier = ?"),
		strings.TrimSpace(identifier))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "script %s", identifier)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get script %s", identifier)
	}
	return rec, nil
}

// List returns records matching opts, ordered by started_at.
func (s *SQLStore) List(ctx context.Context, opts ListOpts) ([]*RunRecord, error) {
	query := "SELECT " + selectRecordCols + " FROM executed_scripts"
	var args []any

	if opts.Status != "" {
		if !opts.Status.Valid() {
			return nil, errors.Newf("unknown status %q", opts.Status)
		}
		query += " WHERE status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Order == OrderOldestFirst {
		query += " ORDER BY started_at ASC, identifier ASC"
	} else {
		query += " ORDER BY started_at DESC, identifier ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 && s.dialect == DialectSQLite {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executed scripts")
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan executed script")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns record counts per status.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var running, succeeded, failed, skipped sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END)
		FROM executed_scripts`).Scan(
		&stats.Total,
		&running,
		&succeeded,
		&failed,
		&skipped,
	)
	if err != nil {
		return nil, errors.Wrap(err, "executed script stats")
	}
	stats.Running = int(running.Int64)
	stats.Succeeded = int(succeeded.Int64)
	stats.Failed = int(failed.Int64)
	stats.Skipped = int(skipped.Int64)
	return &stats, nil
}

// Delete removes the record for identifier.
func (s *SQLStore) Delete(ctx context.Context, identifier string) error {
	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM executed_scripts WHERE identifier = ?"),
		strings.TrimSpace(identifier))
	if err != nil {
		return persistenceErr(err, "delete "+identifier)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr(err, "delete "+identifier)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "script %s", identifier)
	}
	return nil
}
