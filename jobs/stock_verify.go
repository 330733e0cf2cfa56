package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/agrobooks/agrobooks/internal/inventory"
	jobmetrics "github.com/agrobooks/agrobooks/internal/jobs"
)

// StockVerifier is satisfied by *inventory.Service.
type StockVerifier interface {
	VerifyAll(ctx context.Context) ([]inventory.HistoryMismatch, error)
}

// StockVerifyJob replays stock histories and reports drift.
type StockVerifyJob struct {
	Service StockVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockVerifyJob constructs the job handler.
func NewStockVerifyJob(service StockVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockVerifyJob {
	return &StockVerifyJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the verification. Drift is logged and counted, not retried.
func (j *StockVerifyJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("stock verify: service not configured")
	}
	if _, err := decodeScheduled(task); err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskStockVerify)
	defer func() { err = tracker.End(err) }()

	mismatches, err := j.Service.VerifyAll(ctx)
	if err != nil {
		logger(j.Logger).Error("verify stock history", slog.Any("error", err))
		return err
	}
	for _, m := range mismatches {
		logger(j.Logger).Warn("stock history drift",
			slog.Int64("product_id", m.ProductID),
			slog.Int64("replayed", m.Replayed),
			slog.Int64("recorded", m.Recorded),
			slog.Int64("product_stock", m.ProductStock))
	}
	j.Metrics.AddStockMismatches(len(mismatches))
	logger(j.Logger).Info("stock history verified", slog.Int("mismatches", len(mismatches)))
	return nil
}
