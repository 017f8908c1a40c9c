package jobs

import (
	"context"
	"sync"
	"time"

	"modelforge.evalgo.org/common"
)

// MockStore is an in-memory Store for testing. It enforces the same
// conditional-transition semantics as SQLStore so engine and processor logic
// is exercised against real state-machine behavior, not a yes-store.
type MockStore struct {
	mu   sync.Mutex
	rows map[string]*Job

	// Errors to return from operations
	CreateErr   error
	GetErr      error
	ClaimErr    error
	CompleteErr error
	ReapErr     error
	PingErr     error
	// Track function calls
	FailCalls        []string
	RetryCalls       []string
	FailIfRunningIDs []string
	CloseCalled      bool
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{rows: make(map[string]*Job)}
}

// Snapshot returns a copy of the stored row for assertions.
func (m *MockStore) Snapshot(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.rows[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Put seeds a row directly, bypassing transition checks.
func (m *MockStore) Put(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.rows[job.ID] = &cp
}

func (m *MockStore) Create(ctx context.Context, job *Job) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	cp := *job
	m.rows[job.ID] = &cp
	return nil
}

func (m *MockStore) Get(ctx context.Context, id string) (*Job, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return nil, common.CatalogErrorf(common.CatalogNotFound, "Job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MockStore) List(ctx context.Context, f Filter) ([]*Job, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Job
	for _, j := range m.rows {
		if f.ModelID != "" && j.ModelID != f.ModelID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}

	// Newest first, matching the SQL ordering.
	for i := 0; i < len(matched); i++ {
		for k := i + 1; k < len(matched); k++ {
			if matched[k].CreatedAt.After(matched[i].CreatedAt) {
				matched[i], matched[k] = matched[k], matched[i]
			}
		}
	}

	total := int64(len(matched))
	page, pageSize := normalizePage(f.Page, f.PageSize)
	lo := (page - 1) * pageSize
	if lo >= len(matched) {
		return nil, total, nil
	}
	hi := lo + pageSize
	if hi > len(matched) {
		hi = len(matched)
	}
	return matched[lo:hi], total, nil
}

func (m *MockStore) MarkQueued(ctx context.Context, id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok || j.Status != StatusPending {
		return ErrConflict
	}
	j.Status = StatusQueued
	j.WorkerTaskID = &taskID
	return nil
}

func (m *MockStore) Claim(ctx context.Context, id, workerID string) error {
	if m.ClaimErr != nil {
		return m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok || (j.Status != StatusPending && j.Status != StatusQueued) {
		return ErrConflict
	}
	now := time.Now().UTC()
	queueMS := float64(now.Sub(j.CreatedAt)) / float64(time.Millisecond)
	j.Status = StatusRunning
	j.WorkerID = &workerID
	j.StartedAt = &now
	j.QueueTimeMS = &queueMS
	return nil
}

func (m *MockStore) Complete(ctx context.Context, id string, output map[string]interface{}, elapsedMS float64) error {
	if m.CompleteErr != nil {
		return m.CompleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok || j.Status != StatusRunning {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.OutputData = output
	j.InferenceTimeMS = &elapsedMS
	j.CompletedAt = &now
	j.ErrorMessage = nil
	j.ErrorTraceback = nil
	return nil
}

func (m *MockStore) Fail(ctx context.Context, id, message, traceback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailCalls = append(m.FailCalls, id)
	j, ok := m.rows[id]
	if !ok || j.Terminal() {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = &message
	j.ErrorTraceback = nullable(traceback)
	j.CompletedAt = &now
	return nil
}

func (m *MockStore) FailIfRunning(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailIfRunningIDs = append(m.FailIfRunningIDs, id)
	j, ok := m.rows[id]
	if !ok || j.Status != StatusRunning {
		return nil
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = &message
	j.CompletedAt = &now
	return nil
}

func (m *MockStore) ScheduleRetry(ctx context.Context, id, taskID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetryCalls = append(m.RetryCalls, id)
	j, ok := m.rows[id]
	if !ok || j.Status != StatusRunning {
		return ErrConflict
	}
	j.Status = StatusQueued
	j.Retries++
	j.WorkerTaskID = &taskID
	j.ErrorMessage = &message
	return nil
}

func (m *MockStore) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok || !j.Active() {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	return nil
}

func (m *MockStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok || !j.Terminal() {
		return ErrConflict
	}
	delete(m.rows, id)
	return nil
}

func (m *MockStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int64)
	for _, j := range m.rows {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *MockStore) Reap(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.ReapErr != nil {
		return 0, m.ReapErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.rows {
		if j.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

func (m *MockStore) Close() {
	m.CloseCalled = true
}
