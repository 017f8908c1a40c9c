package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/store"
)

// validArtifact carries the magic prefix the test runtime checks for.
var validArtifact = []byte("ONNX\x00mock-graph-payload")

type harness struct {
	svc     *Service
	db      *gorm.DB
	blobs   store.BlobStore
	runtime *engine.MockRuntime
	adapter *engine.Adapter
}

func newTestDB(t *testing.T) *gorm.DB {
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
	require.NoError(t, Migrate(db))

	return db
}

func newHarness(t *testing.T, maxBytes int64) *harness {
	t.Helper()

	db := newTestDB(t)

	blobs, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	runtime := engine.NewMockRuntime()
	runtime.MagicPrefix = []byte("ONNX")
	adapter := engine.NewAdapter(runtime)

	client := cache.NewClient(cache.ClientConfig{Enabled: false})
	results := cache.NewPredictionCache(client, time.Minute, true)
	models := cache.NewModelCache(client, time.Minute)

	return &harness{
		svc:     NewService(db, blobs, adapter, results, models, maxBytes),
		db:      db,
		blobs:   blobs,
		runtime: runtime,
		adapter: adapter,
	}
}

func newTestService(t *testing.T) *harness {
	return newHarness(t, 16*1024)
}

func mustCreate(t *testing.T, h *harness, name, version string) *Model {
	t.Helper()
	m, err := h.svc.Create(context.Background(), name, version, "")
	require.NoError(t, err)
	return m
}

func mustUpload(t *testing.T, h *harness, id string, content []byte) *Model {
	t.Helper()
	m, err := h.svc.UploadArtifact(context.Background(), id, bytes.NewReader(content))
	require.NoError(t, err)
	return m
}

// TestService_Create tests registration and the duplicate guard
func TestService_Create(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m, err := h.svc.Create(ctx, "sentiment", "1.0.0", "baseline")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StatusPending, m.Status)
	assert.Nil(t, m.FilePath)
	assert.Nil(t, m.InputSchema)

	_, err = h.svc.Create(ctx, "sentiment", "1.0.0", "dup")
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogConflict))
	assert.Contains(t, err.Error(), "Model 'sentiment' version '1.0.0' already exists")

	_, err = h.svc.Create(ctx, "sentiment", "1.0.1", "next")
	assert.NoError(t, err)
}

// TestService_UploadArtifact tests the pending → uploaded transition
func TestService_UploadArtifact(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")

	sum := sha256.Sum256(validArtifact)
	up := mustUpload(t, h, m.ID, validArtifact)

	assert.Equal(t, StatusUploaded, up.Status)
	require.NotNil(t, up.FilePath)
	assert.Equal(t, m.ID+".onnx", *up.FilePath)
	require.NotNil(t, up.FileSizeBytes)
	assert.Equal(t, int64(len(validArtifact)), *up.FileSizeBytes)
	require.NotNil(t, up.FileHash)
	assert.Equal(t, hex.EncodeToString(sum[:]), *up.FileHash)

	exists, err := h.blobs.Exists(ctx, *up.FilePath)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second upload must not replace the artifact.
	_, err = h.svc.UploadArtifact(ctx, m.ID, bytes.NewReader(validArtifact))
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogConflict))
	assert.Contains(t, err.Error(), "already has an uploaded file")

	_, err = h.svc.UploadArtifact(ctx, "00000000-0000-0000-0000-000000000000", bytes.NewReader(validArtifact))
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestService_UploadSizeCap tests that oversized uploads leave no trace
func TestService_UploadSizeCap(t *testing.T) {
	h := newHarness(t, 64)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")

	big := append([]byte("ONNX"), bytes.Repeat([]byte{0xAB}, 256)...)
	_, err := h.svc.UploadArtifact(ctx, m.ID, bytes.NewReader(big))
	require.Error(t, err)
	assert.True(t, common.IsStorageKind(err, common.StorageFull))

	cur, err := h.svc.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cur.Status)
	assert.Nil(t, cur.FilePath)

	stats, err := h.blobs.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)
}

// TestService_Commit tests the commitment boundary end to end
func TestService_Commit(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")

	// No artifact yet.
	_, err := h.svc.Commit(ctx, m.ID)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
	assert.Contains(t, err.Error(), "does not have an uploaded file")

	mustUpload(t, h, m.ID, validArtifact)

	ready, err := h.svc.Commit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ready.Status)
	assert.Nil(t, ready.ErrorMessage)

	require.Len(t, ready.InputSchema, 1)
	assert.Equal(t, "input", ready.InputSchema[0].Name)
	assert.Equal(t, engine.DTypeFloat32, ready.InputSchema[0].DType)
	require.Len(t, ready.InputSchema[0].Shape, 2)
	assert.Nil(t, ready.InputSchema[0].Shape[0])
	require.NotNil(t, ready.InputSchema[0].Shape[1])
	assert.Equal(t, int64(10), *ready.InputSchema[0].Shape[1])

	require.Len(t, ready.OutputSchema, 1)
	assert.Equal(t, "output", ready.OutputSchema[0].Name)
	assert.NotEmpty(t, ready.ModelMetadata)

	// READY does not re-validate.
	_, err = h.svc.Commit(ctx, m.ID)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogConflict))
	assert.Contains(t, err.Error(), "cannot be validated in 'ready' status")
	assert.Contains(t, err.Error(), "Only models in 'uploaded' or 'error' status")
}

// TestService_CommitInvalidArtifact tests the error leg and the retry path
func TestService_CommitInvalidArtifact(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "broken", "1.0.0")
	mustUpload(t, h, m.ID, []byte("PK\x03\x04 definitely a zip"))

	failed, err := h.svc.Commit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "not a valid ONNX file")
	assert.Nil(t, failed.InputSchema)

	// Inference is still refused in error status.
	assert.Error(t, AssertCommitted(failed))

	// Re-validation from error is allowed; loosen the runtime so the same
	// artifact now passes.
	h.runtime.MagicPrefix = nil

	ready, err := h.svc.Commit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ready.Status)
	assert.Nil(t, ready.ErrorMessage)
}

// TestService_AssertCommitted tests the single post-commitment check
func TestService_AssertCommitted(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		committed bool
	}{
		{name: "Pending", status: StatusPending},
		{name: "Uploaded", status: StatusUploaded},
		{name: "Validating", status: StatusValidating},
		{name: "Error", status: StatusError},
		{name: "Archived", status: StatusArchived},
		{name: "Ready", status: StatusReady, committed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Model{ID: "m-1", Status: tt.status}
			err := AssertCommitted(m)

			if tt.committed {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, common.IsCatalogKind(err, common.CatalogBadState))
			assert.Contains(t, err.Error(), "has not crossed the pipeline commitment boundary")
			assert.Contains(t, err.Error(), fmt.Sprintf("Current status: %s", tt.status))
			assert.Contains(t, err.Error(), "must be validated before inference operations")
		})
	}
}

// TestService_VersionsAndLatest tests semver listings and latest resolution
func TestService_VersionsAndLatest(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	var target *Model
	for _, v := range []string{"1.0.0", "1.9.0", "2.0.0", "1.0.0-beta", "1.10.0"} {
		m := mustCreate(t, h, "ranker", v)
		if v == "1.9.0" {
			target = m
		}
	}

	versions, err := h.svc.VersionsByName(ctx, "ranker")
	require.NoError(t, err)

	got := make([]string, 0, len(versions))
	for _, m := range versions {
		got = append(got, m.Version)
	}
	assert.Equal(t, []string{"2.0.0", "1.10.0", "1.9.0", "1.0.0", "1.0.0-beta"}, got)

	latest, err := h.svc.LatestByName(ctx, "ranker", false)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Version)

	// No committed version yet.
	_, err = h.svc.LatestByName(ctx, "ranker", true)
	require.Error(t, err)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
	assert.Contains(t, err.Error(), "No ready version found for model 'ranker'")

	mustUpload(t, h, target.ID, validArtifact)
	_, err = h.svc.Commit(ctx, target.ID)
	require.NoError(t, err)

	latestReady, err := h.svc.LatestByName(ctx, "ranker", true)
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", latestReady.Version)

	_, err = h.svc.VersionsByName(ctx, "nope")
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestService_List tests pagination
func TestService_List(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		mustCreate(t, h, "bulk", fmt.Sprintf("1.0.%d", i))
	}

	page1, total, err := h.svc.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	assert.Len(t, page1, 10)

	page3, _, err := h.svc.List(ctx, 3, 10)
	require.NoError(t, err)
	assert.Len(t, page3, 5)

	// Out-of-range pages are empty, not errors.
	page9, _, err := h.svc.List(ctx, 9, 10)
	require.NoError(t, err)
	assert.Empty(t, page9)
}

// TestService_Update tests the description patch
func TestService_Update(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")

	desc := "tuned on holdout"
	updated, err := h.svc.Update(ctx, m.ID, &desc)
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
	assert.Equal(t, m.Name, updated.Name)
	assert.Equal(t, m.Version, updated.Version)

	same, err := h.svc.Update(ctx, m.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, desc, same.Description)

	_, err = h.svc.Update(ctx, "00000000-0000-0000-0000-000000000000", &desc)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}

// TestService_Delete tests the cascade: rows, blob, compiled session
func TestService_Delete(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")
	mustUpload(t, h, m.ID, validArtifact)
	ready, err := h.svc.Commit(ctx, m.ID)
	require.NoError(t, err)

	// Compile a session so there is something to evict.
	local, err := h.svc.ResolveArtifact(ctx, ready)
	require.NoError(t, err)
	row := make([]interface{}, 10)
	for i := range row {
		row[i] = float64(i)
	}
	_, err = h.adapter.Run(ctx, local, map[string]interface{}{
		"input": []interface{}{row},
	})
	require.NoError(t, err)
	require.Equal(t, 1, h.adapter.SessionCount())

	require.NoError(t, h.svc.RecordPrediction(ctx, &Prediction{
		ModelID:         m.ID,
		InputData:       map[string]interface{}{"input": "x"},
		OutputData:      map[string]interface{}{"output": "y"},
		InferenceTimeMS: 1.5,
	}))

	require.NoError(t, h.svc.Delete(ctx, m.ID))

	_, err = h.svc.GetByID(ctx, m.ID)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))

	var predictions int64
	require.NoError(t, h.db.Model(&Prediction{}).Where("model_id = ?", m.ID).Count(&predictions).Error)
	assert.Zero(t, predictions)

	exists, err := h.blobs.Exists(ctx, *ready.FilePath)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Zero(t, h.adapter.SessionCount())

	assert.True(t, common.IsCatalogKind(h.svc.Delete(ctx, m.ID), common.CatalogNotFound))
}

// TestService_Predictions tests recording and paging prediction rows
func TestService_Predictions(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	m := mustCreate(t, h, "sentiment", "1.0.0")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.RecordPrediction(ctx, &Prediction{
			ModelID:         m.ID,
			InputData:       map[string]interface{}{"i": float64(i)},
			OutputData:      map[string]interface{}{"o": float64(i)},
			InferenceTimeMS: float64(i),
			Cached:          i == 2,
		}))
		time.Sleep(5 * time.Millisecond)
	}

	rows, total, err := h.svc.ListPredictions(ctx, m.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, rows, 3)
	assert.Equal(t, float64(2), rows[0].InputData["i"], "newest first")
	assert.True(t, rows[0].Cached)

	_, _, err = h.svc.ListPredictions(ctx, "00000000-0000-0000-0000-000000000000", 1, 10)
	assert.True(t, common.IsCatalogKind(err, common.CatalogNotFound))
}
