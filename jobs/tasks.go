package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoicesOverdue persists the Overdue status of unpaid invoices past due.
	TaskInvoicesOverdue = "invoices:overdue"
	// TaskStockVerify replays every product's stock history.
	TaskStockVerify = "stock:verify"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ScheduledPayload carries scheduling metadata shared by the periodic tasks.
type ScheduledPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func newScheduledTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: at.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewInvoicesOverdueTask constructs the overdue refresh task.
func NewInvoicesOverdueTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskInvoicesOverdue, at)
}

// NewStockVerifyTask constructs the stock verification task.
func NewStockVerifyTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskStockVerify, at)
}

// NewIdempotencyCleanupTask constructs the idempotency purge task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskIdempotencyCleanup, at)
}

func decodeScheduled(t *asynq.Task) (ScheduledPayload, error) {
	var payload ScheduledPayload
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, asynq.SkipRetry
	}
	return payload, nil
}
