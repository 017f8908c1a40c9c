package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/queue"
	"modelforge.evalgo.org/store"
)

var validArtifact = []byte("ONNX\x00mock-graph-payload")

type harness struct {
	eng     *Engine
	proc    *Processor
	jobs    *MockStore
	broker  *queue.MockBroker
	cat     *catalog.Service
	runtime *engine.MockRuntime
	adapter *engine.Adapter
	db      *gorm.DB
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("PRAGMA foreign_keys = ON").Error)
	require.NoError(t, catalog.Migrate(db, &Job{}))

	dir := t.TempDir()
	blobs, err := store.NewLocalStore(dir)
	require.NoError(t, err)

	runtime := engine.NewMockRuntime()
	runtime.MagicPrefix = []byte("ONNX")
	adapter := engine.NewAdapter(runtime)

	mr := miniredis.RunT(t)
	client := cache.NewClient(cache.ClientConfig{
		URL:           "redis://" + mr.Addr(),
		SocketTimeout: time.Second,
		KeyPrefix:     "modelforge",
		Enabled:       true,
	})
	require.True(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	results := cache.NewPredictionCache(client, time.Minute, true)
	models := cache.NewModelCache(client, 5*time.Minute)
	cat := catalog.NewService(db, blobs, adapter, results, models, 16*1024)

	jobStore := NewMockStore()
	broker := queue.NewMockBroker()
	proc := NewProcessor(jobStore, cat, adapter, broker, "worker-test", 0, 0)
	proc.retryBase = time.Millisecond
	proc.retryCap = 4 * time.Millisecond

	return &harness{
		eng:     NewEngine(jobStore, cat, broker, 3),
		proc:    proc,
		jobs:    jobStore,
		broker:  broker,
		cat:     cat,
		runtime: runtime,
		adapter: adapter,
		db:      db,
		dir:     dir,
	}
}

func readyModel(t *testing.T, h *harness, name, version string) *catalog.Model {
	t.Helper()
	ctx := context.Background()

	m, err := h.cat.Create(ctx, name, version, "")
	require.NoError(t, err)
	_, err = h.cat.UploadArtifact(ctx, m.ID, bytes.NewReader(validArtifact))
	require.NoError(t, err)
	ready, err := h.cat.Commit(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusReady, ready.Status)

	return ready
}

func rowOfTen(start float64) map[string]interface{} {
	row := make([]interface{}, 10)
	for i := range row {
		row[i] = start + float64(i)
	}
	return map[string]interface{}{"input": []interface{}{row}}
}

// terminalJob seeds a settled row directly in the store.
func terminalJob(h *harness, modelID string, status Status, completedAt time.Time) *Job {
	job := &Job{
		ID:          uuid.NewString(),
		ModelID:     modelID,
		Status:      status,
		Priority:    PriorityNormal,
		MaxRetries:  3,
		CreatedAt:   completedAt.Add(-time.Minute),
		CompletedAt: &completedAt,
	}
	h.jobs.Put(job)
	return job
}

// TestEngine_CreateDispatches tests the create-and-dispatch happy path
func TestEngine_CreateDispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Zero(t, job.Retries)
	require.NotNil(t, job.WorkerTaskID)

	require.Len(t, h.broker.Enqueued, 1)
	task := h.broker.Enqueued[0]
	assert.Equal(t, queue.TaskRunJob, task.Name)
	assert.Equal(t, QueueName, task.Queue)
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, *job.WorkerTaskID, task.ID)
}

// TestEngine_CreatePriority tests that the requested priority is recorded
// and carried on the envelope
func TestEngine_CreatePriority(t *testing.T) {
	h := newHarness(t)
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(context.Background(), &CreateRequest{
		ModelID:   m.ID,
		InputData: rowOfTen(1),
		Priority:  PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, job.Priority)
	require.Len(t, h.broker.Enqueued, 1)
	assert.Equal(t, string(PriorityHigh), h.broker.Enqueued[0].Priority)
}

// TestEngine_CreateRejectsUncommitted tests the commitment gate on creation
func TestEngine_CreateRejectsUncommitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.cat.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)

	_, err = h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
	assert.Contains(t, err.Error(), "commitment boundary")

	assert.Empty(t, h.broker.Enqueued)
	_, total, err := h.eng.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

// TestEngine_CreateModelNotFound tests the missing-model failure
func TestEngine_CreateModelNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Create(context.Background(), &CreateRequest{
		ModelID:   "00000000-0000-0000-0000-000000000000",
		InputData: rowOfTen(1),
	})
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestEngine_CreateSurvivesBrokerOutage tests that a dispatch failure leaves
// the job pending instead of failing the create
func TestEngine_CreateSurvivesBrokerOutage(t *testing.T) {
	h := newHarness(t)
	m := readyModel(t, h, "sentiment", "1.0.0")

	h.broker.EnqueueErr = errors.New("broker unreachable")

	job, err := h.eng.Create(context.Background(), &CreateRequest{
		ModelID:   m.ID,
		InputData: rowOfTen(1),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Nil(t, job.WorkerTaskID)
}

// TestEngine_CancelQueued tests cancelling a dispatched job
func TestEngine_CancelQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)
	taskID := *job.WorkerTaskID

	cancelled, err := h.eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Contains(t, h.broker.RevokedIDs, taskID)
}

// TestEngine_CancelTerminalRejected tests the terminal-state guard
func TestEngine_CancelTerminalRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")
	job := terminalJob(h, m.ID, StatusCompleted, time.Now().UTC())

	_, err := h.eng.Cancel(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
	assert.Contains(t, err.Error(), "Cannot cancel job in completed status")
}

// TestEngine_CancelRevokeFailureStillCancels tests that a broker revoke
// failure does not block the row transition
func TestEngine_CancelRevokeFailureStillCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)

	h.broker.RevokeErr = errors.New("broker unreachable")

	cancelled, err := h.eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

// TestEngine_CancelNotFound tests the missing-job failure
func TestEngine_CancelNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Cancel(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestEngine_ResultImmediate tests terminal and zero-wait reads
func TestEngine_ResultImmediate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	done := terminalJob(h, m.ID, StatusCompleted, time.Now().UTC())
	got, err := h.eng.Result(ctx, done.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	active, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)
	got, err = h.eng.Result(ctx, active.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}

// TestEngine_ResultWaitsForCompletion tests the polling wait
func TestEngine_ResultWaitsForCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := h.jobs.Claim(ctx, job.ID, "worker-test"); err != nil {
			return
		}
		_ = h.jobs.Complete(ctx, job.ID, map[string]interface{}{"output": 1}, 1.5)
	}()

	start := time.Now()
	got, err := h.eng.Result(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
}

// TestEngine_ResultWaitElapses tests that an unfinished job comes back in
// its current state once the wait runs out
func TestEngine_ResultWaitElapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	job, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)

	got, err := h.eng.Result(ctx, job.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}

// TestEngine_ResultNotFound tests the missing-job failure
func TestEngine_ResultNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Result(context.Background(), uuid.NewString(), 0)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestEngine_DeleteTerminalOnly tests the deletion guard
func TestEngine_DeleteTerminalOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	active, err := h.eng.Create(ctx, &CreateRequest{ModelID: m.ID, InputData: rowOfTen(1)})
	require.NoError(t, err)

	err = h.eng.Delete(ctx, active.ID)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
	assert.Contains(t, err.Error(), "Only completed, failed, or cancelled jobs can be deleted")

	done := terminalJob(h, m.ID, StatusFailed, time.Now().UTC())
	require.NoError(t, h.eng.Delete(ctx, done.ID))

	_, err = h.eng.Get(ctx, done.ID)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))

	err = h.eng.Delete(ctx, uuid.NewString())
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestEngine_ListFilters tests status and model filtering with totals
func TestEngine_ListFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m1 := readyModel(t, h, "sentiment", "1.0.0")
	m2 := readyModel(t, h, "vision", "1.0.0")

	terminalJob(h, m1.ID, StatusCompleted, time.Now().UTC())
	terminalJob(h, m1.ID, StatusFailed, time.Now().UTC())
	terminalJob(h, m2.ID, StatusCompleted, time.Now().UTC())

	_, total, err := h.eng.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	rows, total, err := h.eng.List(ctx, Filter{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, r := range rows {
		assert.Equal(t, StatusCompleted, r.Status)
	}

	rows, total, err = h.eng.List(ctx, Filter{ModelID: m2.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, m2.ID, rows[0].ModelID)
}
