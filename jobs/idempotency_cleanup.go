package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/agrobooks/agrobooks/internal/jobs"
)

// IdempotencyPurger is satisfied by *shared.IdempotencyStore.
type IdempotencyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob drops idempotency keys older than Retention.
type IdempotencyCleanupJob struct {
	Store     IdempotencyPurger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes the purge.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: store not configured")
	}
	if _, err := decodeScheduled(task); err != nil {
		return err
	}
	retention := j.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	n, err := j.Store.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	logger(j.Logger).Info("idempotency keys purged", slog.Int64("deleted", n), slog.Duration("retention", retention))
	return nil
}
