package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/predict"
	"modelforge.evalgo.org/queue"
	"modelforge.evalgo.org/store"
)

// validArtifact carries the magic prefix the test runtime checks for.
var validArtifact = []byte("ONNX\x00mock-graph-payload")

type harness struct {
	srv     *Server
	cat     *catalog.Service
	jobs    *jobs.MockStore
	eng     *jobs.Engine
	proc    *jobs.Processor
	broker  *queue.MockBroker
	blobs   store.BlobStore
	runtime *engine.MockRuntime
	adapter *engine.Adapter
	reg     *queue.Registry
	client  *cache.Client
	results *cache.PredictionCache
	models  *cache.ModelCache
	db      *gorm.DB
	mr      *miniredis.Miniredis
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

	jobStore := jobs.NewMockStore()
	broker := queue.NewMockBroker()
	eng := jobs.NewEngine(jobStore, cat, broker, 3)
	proc := jobs.NewProcessor(jobStore, cat, adapter, broker, "worker-test", 0, 0)

	reg, err := queue.NewRegistry("redis://"+mr.Addr(), "modelforge", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	srv := New(Config{
		Host:           "127.0.0.1",
		BodyLimit:      "1M",
		ServiceName:    "ModelForge",
		Version:        "0.1.0-test",
		Environment:    "test",
		AllowedOrigins: []string{"*"},
		ModelCacheTTL:  5 * time.Minute,
	}, Deps{
		DB:        db,
		Catalog:   cat,
		Predictor: predict.NewOrchestrator(cat, adapter, results),
		Jobs:      eng,
		Blobs:     blobs,
		Results:   results,
		Models:    models,
		Cache:     client,
		Registry:  reg,
		Broker:    broker,
	})

	return &harness{
		srv:     srv,
		cat:     cat,
		jobs:    jobStore,
		eng:     eng,
		proc:    proc,
		broker:  broker,
		blobs:   blobs,
		runtime: runtime,
		adapter: adapter,
		reg:     reg,
		client:  client,
		results: results,
		models:  models,
		db:      db,
		mr:      mr,
		dir:     dir,
	}
}

// newJSONRequest builds a request with an optional JSON body.
func newJSONRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// serve runs one request through the full middleware and handler chain.
func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return serve(h.srv, newJSONRequest(t, method, path, body))
}

// upload posts a multipart artifact to the model upload endpoint.
func (h *harness) upload(t *testing.T, id, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, APIPrefix+"/models/"+id+"/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return serve(h.srv, req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

// createModel registers a model over HTTP and returns its id.
func (h *harness) createModel(t *testing.T, name, version string) string {
	t.Helper()

	rec := h.do(t, http.MethodPost, APIPrefix+"/models", map[string]string{
		"name":    name,
		"version": version,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m catalog.Model
	decode(t, rec, &m)
	return m.ID
}

// readyModel walks a model through upload and validation over HTTP.
func (h *harness) readyModel(t *testing.T, name, version string) string {
	t.Helper()

	id := h.createModel(t, name, version)
	rec := h.upload(t, id, "model.onnx", validArtifact)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, APIPrefix+"/models/"+id+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var v validateResponse
	decode(t, rec, &v)
	require.True(t, v.Valid)
	return id
}

// rowOfTen builds a 1x10 input row matching the mock graph signature.
func rowOfTen(start float64) map[string]interface{} {
	row := make([]float64, 10)
	for i := range row {
		row[i] = start + float64(i)
	}
	return map[string]interface{}{"input": [][]float64{row}}
}

// drainOne pops one task off the inference queue and processes it the way a
// worker would.
func (h *harness) drainOne(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	d, err := h.broker.Dequeue(ctx, jobs.QueueName, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d, "expected a queued task")
	require.NoError(t, h.proc.Handle(ctx, d))
}

// TestServer_ServiceInfo tests the root document outside the API prefix
func TestServer_ServiceInfo(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]interface{}
	decode(t, rec, &info)
	assert.Equal(t, "ModelForge", info["name"])
	assert.Equal(t, "0.1.0-test", info["version"])
	assert.Equal(t, "test", info["environment"])
	assert.Equal(t, APIPrefix, info["api_prefix"])
}

// TestServer_NotFoundRoute tests that unknown paths keep the error envelope
func TestServer_NotFoundRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, APIPrefix+"/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, "Not Found", body.Error)
}

// TestServer_RequestID tests that responses carry a request id header
func TestServer_RequestID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, APIPrefix+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

// TestServer_UnclassifiedErrorsAreOpaque tests that internal failures never
// leak their cause to the client
func TestServer_UnclassifiedErrorsAreOpaque(t *testing.T) {
	h := newHarness(t)

	e := h.srv.Echo()
	e.GET("/explode", func(c echo.Context) error {
		return fmt.Errorf("secret database password leaked")
	})

	req := httptest.NewRequest(http.MethodGet, "/explode", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, "Internal server error", body.Message)
	assert.NotContains(t, rec.Body.String(), "secret")
}
