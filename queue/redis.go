package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"modelforge.evalgo.org/common"
)

const (
	defaultKeyPrefix  = "queue:"
	defaultClaimTTL   = 15 * time.Minute
	defaultRevokedTTL = time.Hour

	// maintenanceBatch bounds how many delayed or expired entries a single
	// Dequeue call will move.
	maintenanceBatch = 100
)

// RedisBrokerConfig configures the Redis list broker.
type RedisBrokerConfig struct {
	// URL is the Redis connection string (redis://host:port/db)
	URL string

	// KeyPrefix namespaces every broker key (defaults to "queue:")
	KeyPrefix string

	// ClaimTTL is how long a dequeued task may stay unacked before another
	// consumer may take it (defaults to 15m)
	ClaimTTL time.Duration

	// RevokedTTL is how long revocation marks live (defaults to 1h)
	RevokedTTL time.Duration
}

// RedisBroker is a list-backed task broker. Waiting tasks sit in a Redis
// list per queue; dequeued tasks move to a processing sorted set scored by
// claim deadline, and expired claims are pushed back onto their list so a
// crashed worker cannot strand a task.
type RedisBroker struct {
	client     *redis.Client
	prefix     string
	claimTTL   time.Duration
	revokedTTL time.Duration
	logger     *common.ContextLogger
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, config RedisBrokerConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	claimTTL := config.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	revokedTTL := config.RevokedTTL
	if revokedTTL <= 0 {
		revokedTTL = defaultRevokedTTL
	}

	return &RedisBroker{
		client:     client,
		prefix:     prefix,
		claimTTL:   claimTTL,
		revokedTTL: revokedTTL,
		logger:     common.ServiceLogger("queue").WithField("broker", "redis"),
	}, nil
}

func (b *RedisBroker) queueKey(queueName string) string {
	return b.prefix + queueName
}

func (b *RedisBroker) processingKey() string {
	return b.prefix + "processing"
}

func (b *RedisBroker) delayedKey(queueName string) string {
	return b.prefix + "delayed:" + queueName
}

func (b *RedisBroker) revokedKey(taskID string) string {
	return b.prefix + "revoked:" + taskID
}

// Enqueue pushes the task onto its queue list.
func (b *RedisBroker) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(task.Queue), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// EnqueueDelayed parks the task in the delayed sorted set until it is due.
// Scores are unix milliseconds.
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, task *Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, task)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	due := time.Now().Add(delay)
	err = b.client.ZAdd(ctx, b.delayedKey(task.Queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed task: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed tasks, requeues expired claims, then blocks
// up to timeout for the next task. The returned delivery is claimed until
// acked; the claim expires after the configured ClaimTTL.
func (b *RedisBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Delivery, error) {
	b.promoteDelayed(ctx, queueName)
	b.requeueExpired(ctx)

	result, err := b.client.BLPop(ctx, timeout, b.queueKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	payload := []byte(result[1])
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	deadline := time.Now().Add(b.claimTTL)
	err = b.client.ZAdd(ctx, b.processingKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	return &Delivery{
		Task: task,
		ack: func(ctx context.Context) error {
			return b.client.ZRem(ctx, b.processingKey(), payload).Err()
		},
	}, nil
}

// promoteDelayed moves due delayed tasks onto their queue list.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queueName string) {
	key := b.delayedKey(queueName)
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: maintenanceBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		// Only the remover promotes, so racing consumers cannot double it.
		removed, err := b.client.ZRem(ctx, key, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := b.client.RPush(ctx, b.queueKey(queueName), member).Err(); err != nil {
			b.logger.WithError(err).Warn("Failed to promote delayed task")
		}
	}
}

// requeueExpired pushes tasks whose claim deadline has passed back onto
// their queue list with an incremented delivery count.
func (b *RedisBroker) requeueExpired(ctx context.Context) {
	key := b.processingKey()
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: maintenanceBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		removed, err := b.client.ZRem(ctx, key, member).Result()
		if err != nil || removed == 0 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			b.logger.WithError(err).Error("Dropping unreadable expired claim")
			continue
		}
		task.Retry++

		if err := b.Enqueue(ctx, &task); err != nil {
			b.logger.WithError(err).WithField("task_id", task.ID).
				Warn("Failed to requeue expired claim")
			continue
		}
		b.logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"job_id":  task.JobID,
			"retry":   task.Retry,
		}).Warn("Requeued task with expired claim")
	}
}

// Revoke marks the task so consumers skip it. The mark expires on its own.
func (b *RedisBroker) Revoke(ctx context.Context, taskID string) error {
	if err := b.client.Set(ctx, b.revokedKey(taskID), "1", b.revokedTTL).Err(); err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	return nil
}

// Revoked reports whether the task carries a revocation mark.
func (b *RedisBroker) Revoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.revokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Depth returns the number of tasks waiting on the queue list.
func (b *RedisBroker) Depth(ctx context.Context, queueName string) (int, error) {
	depth, err := b.client.LLen(ctx, b.queueKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return int(depth), nil
}

// Ping verifies the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping broker: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
