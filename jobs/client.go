package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

var taskBuilders = map[string]func(time.Time) (*asynq.Task, error){
	TaskInvoicesOverdue:    NewInvoicesOverdueTask,
	TaskStockVerify:        NewStockVerifyTask,
	TaskIdempotencyCleanup: NewIdempotencyCleanupTask,
}

// Client enqueues periodic tasks outside their schedule.
type Client struct {
	client *asynq.Client
}

// NewClient connects lazily; no Redis round trip happens here.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueNow submits taskType for immediate processing.
func (c *Client) EnqueueNow(ctx context.Context, taskType string) (*asynq.TaskInfo, error) {
	build, ok := taskBuilders[taskType]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown task type %q", taskType)
	}
	task, err := build(time.Now())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
