package script

import (
	"context"
	"database/sql"
	"math"
	"regexp"

	"github.com/cockroachdb/errors"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// KeySource pages through the integer primary keys of a table using keyset
// pagination, so memory use is bounded by the batch size.
type KeySource struct {
	DB     Queryer
	Table  string
	Column string // defaults to "id"
	// Where is an optional extra predicate without placeholders.
	Where string
	// Dollar selects $1-style placeholders (Postgres) instead of ?.
	Dollar bool
}

func (s KeySource) column() string {
	if s.Column == "" {
		return "id"
	}
	return s.Column
}

func (s KeySource) validate() error {
	if s.DB == nil {
		return errors.New("key source has no database")
	}
	if !sqlIdent.MatchString(s.Table) {
		return errors.Newf("invalid table name %q", s.Table)
	}
	if !sqlIdent.MatchString(s.column()) {
		return errors.Newf("invalid column name %q", s.column())
	}
	return nil
}

func (s KeySource) placeholders() (string, string) {
	if s.Dollar {
		return "$1", "$2"
	}
	return "?", "?"
}

// Count returns the number of matching rows.
func (s KeySource) Count(ctx context.Context) (int, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + s.Table
	if s.Where != "" {
		query += " WHERE " + s.Where
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", s.Table)
	}
	return n, nil
}

// Batches yields keys in ascending order.
func (s KeySource) Batches(ctx context.Context, batchSize int, fn func([]int64) error) error {
	if err := s.validate(); err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	col := s.column()
	after, limit := s.placeholders()
	query := "SELECT " + col + " FROM " + s.Table + " WHERE " + col + " > " + after
	if s.Where != "" {
		query += " AND (" + s.Where + ")"
	}
	query += " ORDER BY " + col + " LIMIT " + limit

	last := int64(math.MinInt64)
	for {
		batch, err := s.page(ctx, query, last, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last = batch[len(batch)-1]
	}
}

func (s KeySource) page(ctx context.Context, query string, after int64, size int) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, after, size)
	if err != nil {
		return nil, errors.Wrapf(err, "page %s", s.Table)
	}
	defer rows.Close()

	batch := make([]int64, 0, size)
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrapf(err, "scan %s key", s.Table)
		}
		batch = append(batch, key)
	}
	return batch, rows.Err()
}
