package queue

import (
	"context"
	"sync"
	"time"
)

// DelayedTask records one EnqueueDelayed call on the mock broker.
type DelayedTask struct {
	Task  Task
	Delay time.Duration
}

// MockBroker is an in-memory Broker for testing. Delayed tasks become
// available immediately so tests never wait on timers; the requested delay
// is recorded for assertions.
type MockBroker struct {
	mu     sync.Mutex
	queues map[string][]Task

	// Enqueued records every task accepted, in order
	Enqueued []Task
	// Delayed records every EnqueueDelayed call
	Delayed []DelayedTask
	// RevokedIDs records every revoked task ID
	RevokedIDs []string
	// AckedIDs records every acked task ID
	AckedIDs []string
	// Errors to return from operations
	EnqueueErr error
	DequeueErr error
	RevokeErr  error
	PingErr    error
	// Track function calls
	CloseCalled bool
}

// NewMockBroker creates an empty in-memory broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		queues: make(map[string][]Task),
	}
}

// Enqueue appends the task to its in-memory queue.
func (m *MockBroker) Enqueue(ctx context.Context, task *Task) error {
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enqueued = append(m.Enqueued, *task)
	m.queues[task.Queue] = append(m.queues[task.Queue], *task)
	return nil
}

// EnqueueDelayed records the delay and makes the task available at once.
func (m *MockBroker) EnqueueDelayed(ctx context.Context, task *Task, delay time.Duration) error {
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.mu.Lock()
	m.Delayed = append(m.Delayed, DelayedTask{Task: *task, Delay: delay})
	m.mu.Unlock()
	return m.Enqueue(ctx, task)
}

// Dequeue pops the next task, polling until the timeout elapses.
func (m *MockBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Delivery, error) {
	if m.DequeueErr != nil {
		return nil, m.DequeueErr
	}

	deadline := time.Now().Add(timeout)
	for {
		if task, ok := m.pop(queueName); ok {
			id := task.ID
			return &Delivery{
				Task: task,
				ack: func(context.Context) error {
					m.mu.Lock()
					defer m.mu.Unlock()
					m.AckedIDs = append(m.AckedIDs, id)
					return nil
				},
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *MockBroker) pop(queueName string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueName]
	if len(q) == 0 {
		return Task{}, false
	}
	task := q[0]
	m.queues[queueName] = q[1:]
	return task, true
}

// Revoke records the task ID.
func (m *MockBroker) Revoke(ctx context.Context, taskID string) error {
	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RevokedIDs = append(m.RevokedIDs, taskID)
	return nil
}

// Revoked reports whether Revoke was called for the task ID.
func (m *MockBroker) Revoked(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.RevokedIDs {
		if id == taskID {
			return true, nil
		}
	}
	return false, nil
}

// Depth returns the number of tasks waiting in the in-memory queue.
func (m *MockBroker) Depth(ctx context.Context, queueName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueName]), nil
}

// Ping returns the configured ping error.
func (m *MockBroker) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close marks the broker as closed.
func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled = true
	return nil
}
