package predict

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/store"
)

var validArtifact = []byte("ONNX\x00mock-graph-payload")

type harness struct {
	orch    *Orchestrator
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
	require.NoError(t, catalog.Migrate(db))

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

	return &harness{
		orch:    NewOrchestrator(cat, adapter, results),
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

// firstOutput digs the first scalar out of the nested output lists,
// tolerating the float32/float64 difference between fresh and cached runs.
func firstOutput(t *testing.T, out map[string]interface{}) float64 {
	t.Helper()

	outer, ok := out["output"].([]interface{})
	require.True(t, ok, "missing output tensor")
	inner, ok := outer[0].([]interface{})
	require.True(t, ok, "output not nested")

	switch v := inner[0].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		t.Fatalf("unexpected output element type %T", inner[0])
		return 0
	}
}

func predictionTotal(t *testing.T, h *harness, modelID string) int64 {
	t.Helper()
	_, total, err := h.cat.ListPredictions(context.Background(), modelID, 1, 1)
	require.NoError(t, err)
	return total
}

// TestOrchestrator_Predict tests the full flow with a cache hit on repeat
func TestOrchestrator_Predict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	input := rowOfTen(1)

	p1, err := h.orch.Predict(ctx, m.ID, &Request{InputData: input})
	require.NoError(t, err)
	assert.False(t, p1.Cached)
	assert.Equal(t, 2.0, firstOutput(t, p1.OutputData))
	assert.NotEmpty(t, p1.ID)
	assert.Equal(t, 1, h.runtime.RunCalls)

	// Identical payload: served from the result cache, engine untouched.
	p2, err := h.orch.Predict(ctx, m.ID, &Request{InputData: input})
	require.NoError(t, err)
	assert.True(t, p2.Cached)
	assert.Equal(t, 2.0, firstOutput(t, p2.OutputData))
	assert.Equal(t, 1, h.runtime.RunCalls)

	// Both executions were recorded.
	assert.Equal(t, int64(2), predictionTotal(t, h, m.ID))

	// skip_cache forces a fresh engine run.
	p3, err := h.orch.Predict(ctx, m.ID, &Request{InputData: input, SkipCache: true})
	require.NoError(t, err)
	assert.False(t, p3.Cached)
	assert.Equal(t, 2, h.runtime.RunCalls)
}

// TestOrchestrator_ModelNotFound tests the lookup failure
func TestOrchestrator_ModelNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Predict(context.Background(), "00000000-0000-0000-0000-000000000000", &Request{
		InputData: rowOfTen(1),
	})
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestOrchestrator_RejectsUncommitted tests the commitment gate
func TestOrchestrator_RejectsUncommitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.cat.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)

	_, err = h.orch.Predict(ctx, m.ID, &Request{InputData: rowOfTen(1)})
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
	assert.Contains(t, err.Error(), "commitment boundary")
	assert.Contains(t, err.Error(), "pending")

	// Uploaded but never validated is still on the wrong side.
	_, err = h.cat.UploadArtifact(ctx, m.ID, bytes.NewReader(validArtifact))
	require.NoError(t, err)

	_, err = h.orch.Predict(ctx, m.ID, &Request{InputData: rowOfTen(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commitment boundary")
	assert.Contains(t, err.Error(), "uploaded")

	assert.Zero(t, h.runtime.RunCalls)
	assert.Zero(t, predictionTotal(t, h, m.ID))
}

// TestOrchestrator_MissingInput tests input validation by declared name
func TestOrchestrator_MissingInput(t *testing.T) {
	h := newHarness(t)
	m := readyModel(t, h, "sentiment", "1.0.0")

	_, err := h.orch.Predict(context.Background(), m.ID, &Request{
		InputData: map[string]interface{}{"wrong_name": []interface{}{1.0}},
	})
	require.Error(t, err)
	assert.True(t, common.IsEngineKind(err, common.EngineInput))
	assert.Contains(t, err.Error(), "Missing required input: input")
}

// TestOrchestrator_NilFilePathInvariant tests the D2 invariant check
func TestOrchestrator_NilFilePathInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	// Break the contract behind the registry's back.
	require.NoError(t, h.db.Model(&catalog.Model{}).
		Where("id = ?", m.ID).
		Updates(map[string]interface{}{"file_path": nil, "file_hash": nil}).Error)

	_, err := h.orch.Predict(ctx, m.ID, &Request{InputData: rowOfTen(1)})
	require.Error(t, err)
	assert.True(t, common.IsEngineKind(err, common.EngineInvariantViolation))
	assert.Contains(t, err.Error(), "POST-COMMITMENT INVARIANT VIOLATED")
	assert.Contains(t, err.Error(), "committed model has file_path set")
	assert.Contains(t, err.Error(), "file_path is nil")
}

// TestOrchestrator_VanishedFile tests the invariant raised when a committed
// artifact disappears from storage, and that other models keep serving
func TestOrchestrator_VanishedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	_, err := h.orch.Predict(ctx, m.ID, &Request{InputData: rowOfTen(1)})
	require.NoError(t, err)
	require.Equal(t, 1, h.adapter.SessionCount())

	require.NoError(t, os.Remove(filepath.Join(h.dir, *m.FilePath)))

	// Fresh payload so the result cache cannot mask the missing file.
	_, err = h.orch.Predict(ctx, m.ID, &Request{InputData: rowOfTen(100)})
	require.Error(t, err)
	assert.True(t, common.IsEngineKind(err, common.EngineInvariantViolation))
	assert.Contains(t, err.Error(), "file_path points to a valid ONNX file")
	assert.Contains(t, err.Error(), "file no longer exists")

	// The stale session is gone and the failed attempt was not recorded.
	assert.Zero(t, h.adapter.SessionCount())
	assert.Equal(t, int64(1), predictionTotal(t, h, m.ID))

	// Another model is unaffected.
	other := readyModel(t, h, "other", "1.0.0")
	p, err := h.orch.Predict(ctx, other.ID, &Request{InputData: rowOfTen(5)})
	require.NoError(t, err)
	assert.Equal(t, 6.0, firstOutput(t, p.OutputData))
}

// TestOrchestrator_RecordsRequestMetadata tests the persisted row fields
func TestOrchestrator_RecordsRequestMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := readyModel(t, h, "sentiment", "1.0.0")

	reqID := "req-42"
	p, err := h.orch.Predict(ctx, m.ID, &Request{
		InputData:  rowOfTen(1),
		RequestID:  &reqID,
		ClientAddr: "203.0.113.9",
	})
	require.NoError(t, err)

	rows, _, err := h.cat.ListPredictions(ctx, m.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, p.ID, rows[0].ID)
	require.NotNil(t, rows[0].RequestID)
	assert.Equal(t, "req-42", *rows[0].RequestID)
	assert.Equal(t, "203.0.113.9", rows[0].ClientAddr)
	assert.False(t, rows[0].Cached)
	assert.NotEmpty(t, rows[0].InputData)
	assert.NotEmpty(t, rows[0].OutputData)
}
