package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTask tests envelope construction
func TestNewTask(t *testing.T) {
	before := time.Now().UTC()
	task := NewTask(TaskRunJob, "inference", "job-1", "high")

	_, err := uuid.Parse(task.ID)
	assert.NoError(t, err)
	assert.Equal(t, TaskRunJob, task.Name)
	assert.Equal(t, "inference", task.Queue)
	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, "high", task.Priority)
	assert.Zero(t, task.Retry)
	assert.False(t, task.EnqueuedAt.Before(before))
}

// TestOpen tests broker selection by URL scheme
func TestOpen(t *testing.T) {
	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)

		broker, err := Open(context.Background(), "redis://"+mr.Addr(), Options{KeyPrefix: "mq:"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = broker.Close() })

		assert.IsType(t, &RedisBroker{}, broker)
		assert.NoError(t, broker.Ping(context.Background()))
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		_, err := Open(context.Background(), "kafka://localhost:9092", Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported broker url scheme")
	})
}

// TestDelivery_AckWithoutBackend tests the nil-safe acknowledgement
func TestDelivery_AckWithoutBackend(t *testing.T) {
	var missing *Delivery
	assert.NoError(t, missing.Ack(context.Background()))
	assert.NoError(t, (&Delivery{}).Ack(context.Background()))
}

// TestMockBroker tests the in-memory broker used by engine tests
func TestMockBroker(t *testing.T) {
	broker := NewMockBroker()
	ctx := context.Background()

	task := NewTask(TaskRunJob, "inference", "job-1", "normal")
	require.NoError(t, broker.Enqueue(ctx, task))
	require.NoError(t, broker.EnqueueDelayed(ctx, NewTask(TaskRunJob, "inference", "job-2", "normal"), 30*time.Second))

	depth, err := broker.Depth(ctx, "inference")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	require.Len(t, broker.Delayed, 1)
	assert.Equal(t, 30*time.Second, broker.Delayed[0].Delay)

	d, err := broker.Dequeue(ctx, "inference", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, task.ID, d.Task.ID)
	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, []string{task.ID}, broker.AckedIDs)

	require.NoError(t, broker.Revoke(ctx, "task-9"))
	revoked, err := broker.Revoked(ctx, "task-9")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Drain, then an empty dequeue times out cleanly.
	d2, err := broker.Dequeue(ctx, "inference", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d2)
	d3, err := broker.Dequeue(ctx, "inference", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d3)
}
