// Package queue provides the task transport between the API and the
// inference workers.
//
// Two backends are supported, selected by the broker URL scheme: a Redis
// list broker (redis:// or rediss://) and a RabbitMQ broker (amqp:// or
// amqps://). Both move the same JSON task envelope; delivery guarantees
// differ per backend and are documented on the implementations.
//
// The broker carries task routing only. Job state lives in the database
// and always wins when the two disagree.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskRunJob is the task name workers execute for queued inference jobs.
const TaskRunJob = "run_job"

// Task is one unit of work routed through the broker.
type Task struct {
	ID         string    `json:"task_id"`
	Name       string    `json:"task_name"`
	Queue      string    `json:"queue"`
	JobID      string    `json:"job_id"`
	Priority   string    `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Retry counts broker deliveries of this envelope, not job retries.
	Retry int `json:"retry"`
}

// NewTask builds a task envelope with a fresh task ID.
func NewTask(name, queueName, jobID, priority string) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queueName,
		JobID:      jobID,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is a dequeued task together with its backend acknowledgement.
// The task stays claimed by the consumer until Ack is called; a consumer
// that dies without acking gets the task redelivered.
type Delivery struct {
	Task Task

	ack func(ctx context.Context) error
}

// Ack marks the delivery as fully processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Broker moves task envelopes between producers and workers.
type Broker interface {
	// Enqueue makes the task available to consumers of its queue.
	Enqueue(ctx context.Context, task *Task) error

	// EnqueueDelayed makes the task available after the given delay.
	EnqueueDelayed(ctx context.Context, task *Task, delay time.Duration) error

	// Dequeue blocks up to timeout for the next task on the queue.
	// Returns (nil, nil) when the timeout elapses with nothing to do.
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Delivery, error)

	// Revoke asks consumers to skip the task. Best effort; callers must
	// not rely on it reaching a worker.
	Revoke(ctx context.Context, taskID string) error

	// Revoked reports whether the task has been revoked.
	Revoked(ctx context.Context, taskID string) (bool, error)

	// Depth returns the number of tasks waiting on the queue.
	Depth(ctx context.Context, queueName string) (int, error)

	// Ping verifies the broker connection.
	Ping(ctx context.Context) error

	// Close releases the broker connection.
	Close() error
}

// Options tunes the broker built by Open. Zero values select the
// per-backend defaults.
type Options struct {
	// KeyPrefix namespaces Redis broker keys.
	KeyPrefix string

	// ClaimTTL is how long a dequeued Redis task may stay unacked before
	// it is handed to another consumer.
	ClaimTTL time.Duration

	// RevokedTTL is how long revocation marks are kept.
	RevokedTTL time.Duration

	// PrefetchCount is the AMQP per-channel unacked message window.
	PrefetchCount int
}

// Open connects to the broker named by the URL. The scheme selects the
// backend: redis:// and rediss:// build a Redis list broker, amqp:// and
// amqps:// a RabbitMQ broker.
func Open(ctx context.Context, brokerURL string, opts Options) (Broker, error) {
	switch {
	case strings.HasPrefix(brokerURL, "redis://"), strings.HasPrefix(brokerURL, "rediss://"):
		return NewRedisBroker(ctx, RedisBrokerConfig{
			URL:        brokerURL,
			KeyPrefix:  opts.KeyPrefix,
			ClaimTTL:   opts.ClaimTTL,
			RevokedTTL: opts.RevokedTTL,
		})
	case strings.HasPrefix(brokerURL, "amqp://"), strings.HasPrefix(brokerURL, "amqps://"):
		return NewAMQPBroker(AMQPBrokerConfig{
			URL:           brokerURL,
			PrefetchCount: opts.PrefetchCount,
		})
	default:
		return nil, fmt.Errorf("unsupported broker url scheme: %s", brokerURL)
	}
}
