package script

import (
	"context"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is used when ProcessInBatches gets a non-positive size.
const DefaultBatchSize = 1000

// Source yields records in a stable order, a batch at a time.
type Source[T any] interface {
	Count(ctx context.Context) (int, error)
	Batches(ctx context.Context, batchSize int, fn func(batch []T) error) error
}

type batchConfig struct {
	limiter *rate.Limiter
}

// BatchOption configures ProcessInBatches.
type BatchOption func(*batchConfig)

// WithRateLimit throttles processing to the limiter's rate, one token per
// record, reserved a batch at a time.
func WithRateLimit(l *rate.Limiter) BatchOption {
	return func(c *batchConfig) { c.limiter = l }
}

// ProcessInBatches calls fn for every record of src in order and returns the
// number of calls made. The first error from fn stops processing and is
// returned. Progress is logged every max(batchSize, 10% of total) records.
func ProcessInBatches[T any](
	ctx context.Context,
	logger *zap.SugaredLogger,
	src Source[T],
	batchSize int,
	fn func(ctx context.Context, item T) error,
	opts ...BatchOption,
) (int, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var cfg batchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	total, err := src.Count(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	logger.Infof("There are %d records to process", total)
	if total == 0 {
		return 0, nil
	}
	logger.Infof("Processing %d records in batches of %d", total, batchSize)

	interval := max(batchSize, int(float64(total)*0.1))
	processed := 0

	err = src.Batches(ctx, batchSize, func(batch []T) error {
		if err := waitN(ctx, cfg.limiter, len(batch)); err != nil {
			return err
		}
		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			processed++
			if err := fn(ctx, item); err != nil {
				return err
			}
			if processed%interval == 0 {
				LogProgress(logger, processed, total, "")
			}
		}
		return nil
	})
	if err != nil {
		return processed, err
	}

	LogProgress(logger, processed, total, "Completed")
	return processed, nil
}

// waitN takes n tokens from l, in burst-sized chunks.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	burst := l.Burst()
	if burst <= 0 || l.Limit() == rate.Inf {
		return l.WaitN(ctx, n)
	}
	for n > 0 {
		chunk := min(n, burst)
		if err := l.WaitN(ctx, chunk); err != nil {
			return errors.Wrap(err, "rate limit")
		}
		n -= chunk
	}
	return nil
}

// LogProgress logs "Progress: 50/100 (50%)", or "<message> (50/100 - 50%)"
// when message is set.
func LogProgress(logger *zap.SugaredLogger, current, total int, message string) {
	if logger == nil {
		return
	}
	pct := "0"
	if total > 0 {
		pct = strconv.FormatFloat(math.Round(float64(current)/float64(total)*10000)/100, 'f', -1, 64)
	}
	if message == "" {
		logger.Infof("Progress: %d/%d (%s%%)", current, total, pct)
		return
	}
	logger.Infof("%s (%d/%d - %s%%)", message, current, total, pct)
}

// SliceSource serves an in-memory slice.
type SliceSource[T any] []T

// Count returns the slice length.
func (s SliceSource[T]) Count(context.Context) (int, error) {
	return len(s), nil
}

// Batches passes consecutive sub-slices of at most batchSize elements to fn.
func (s SliceSource[T]) Batches(ctx context.Context, batchSize int, fn func([]T) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for start := 0; start < len(s); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(s))
		if err := fn(s[start:end]); err != nil {
			return err
		}
	}
	return nil
}
