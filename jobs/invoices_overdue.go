package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/agrobooks/agrobooks/internal/jobs"
)

// OverdueRefresher is satisfied by *invoicing.Service.
type OverdueRefresher interface {
	RefreshOverdue(ctx context.Context) (int64, error)
}

// InvoicesOverdueJob flips unpaid invoices past their due date to Overdue.
type InvoicesOverdueJob struct {
	Service OverdueRefresher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoicesOverdueJob constructs the job handler.
func NewInvoicesOverdueJob(service OverdueRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoicesOverdueJob {
	return &InvoicesOverdueJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the overdue refresh.
func (j *InvoicesOverdueJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("invoices overdue: service not configured")
	}
	payload, err := decodeScheduled(task)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskInvoicesOverdue)
	defer func() { err = tracker.End(err) }()

	n, err := j.Service.RefreshOverdue(ctx)
	if err != nil {
		logger(j.Logger).Error("refresh overdue invoices", slog.Any("error", err))
		return err
	}
	j.Metrics.AddOverdue(n)
	logger(j.Logger).Info("overdue invoices refreshed", slog.Int64("marked", n), slog.Time("scheduled_for", payload.ScheduledFor))
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
