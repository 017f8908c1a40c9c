package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"modelforge.evalgo.org/common"
)

const (
	defaultRegistryPrefix = "modelforge"
	defaultWorkerTTL      = 45 * time.Second

	registryScanCount = 100
)

// WorkerInfo describes one live worker process.
type WorkerInfo struct {
	ID          string    `json:"worker_id"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	Concurrency int       `json:"concurrency"`
	Queues      []string  `json:"queues"`
	StartedAt   time.Time `json:"started_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry tracks live workers through expiring Redis keys. Each worker
// heartbeats its own key; the roster is whatever keys have not expired,
// so a dead worker drops out after one TTL without any cleanup pass.
type Registry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *common.ContextLogger
}

// NewRegistry builds a registry on the given Redis URL. The connection is
// lazy; callers that need certainty use Ping.
func NewRegistry(url, keyPrefix string, ttl time.Duration) (*Registry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry URL: %w", err)
	}

	prefix := keyPrefix
	if prefix == "" {
		prefix = defaultRegistryPrefix
	}
	if ttl <= 0 {
		ttl = defaultWorkerTTL
	}

	return &Registry{
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
		logger: common.ServiceLogger("registry"),
	}, nil
}

func (r *Registry) workerKey(workerID string) string {
	return fmt.Sprintf("%s:workers:%s", r.prefix, workerID)
}

// TTL returns how long a worker key lives between heartbeats.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register writes the worker's entry with the registry TTL.
func (r *Registry) Register(ctx context.Context, info *WorkerInfo) error {
	info.LastSeen = time.Now().UTC()
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	if err := r.client.Set(ctx, r.workerKey(info.ID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// Deregister removes the worker's entry immediately.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	if err := r.client.Del(ctx, r.workerKey(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// Workers returns the current roster.
func (r *Registry) Workers(ctx context.Context) ([]WorkerInfo, error) {
	pattern := fmt.Sprintf("%s:workers:*", r.prefix)

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, registryScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	workers := make([]WorkerInfo, 0, len(keys))
	for _, key := range keys {
		payload, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read worker entry: %w", err)
		}

		var info WorkerInfo
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable worker entry")
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// Heartbeat registers the worker and refreshes its entry at a third of the
// TTL until the context is cancelled, then deregisters it. Blocks; run it
// on its own goroutine.
func (r *Registry) Heartbeat(ctx context.Context, info *WorkerInfo) {
	if err := r.Register(ctx, info); err != nil {
		r.logger.WithError(err).Warn("Initial worker registration failed")
	}

	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Register(ctx, info); err != nil {
				r.logger.WithError(err).Warn("Worker heartbeat failed")
			}
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Deregister(cleanupCtx, info.ID); err != nil {
				r.logger.WithError(err).Warn("Worker deregistration failed")
			}
			return
		}
	}
}

// Ping verifies the registry connection.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping registry: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}
