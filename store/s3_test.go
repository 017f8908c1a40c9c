package store

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelforge.evalgo.org/common"
)

func newTestS3Store(t *testing.T) (*S3Store, *MockS3Client) {
	t.Helper()
	client := NewMockS3Client()
	client.Buckets["models"] = true
	s := NewS3Store(client, "models", "artifacts")
	s.scratch = t.TempDir()
	return s, client
}

func TestS3StoreSave(t *testing.T) {
	s, client := newTestS3Store(t)
	ctx := context.Background()

	content := []byte("serialized graph")
	result, err := s.Save(ctx, bytes.NewReader(content), "model.onnx", 0)
	require.NoError(t, err)

	assert.Equal(t, "model.onnx", result.Path)
	assert.Equal(t, int64(len(content)), result.SizeBytes)
	assert.Len(t, result.SHA256, 64)

	obj, exists := client.Objects["artifacts/model.onnx"]
	require.True(t, exists, "object should land under the key prefix")
	assert.Equal(t, string(content), obj.Content)
	assert.Equal(t, result.SHA256, obj.Metadata["sha256"])
}

func TestS3StoreSaveSizeCap(t *testing.T) {
	s, client := newTestS3Store(t)
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 4096)
	_, err := s.Save(ctx, bytes.NewReader(big), "big.onnx", 1024)
	require.Error(t, err)
	assert.True(t, common.IsStorageKind(err, common.StorageFull))

	// Nothing reached the bucket.
	assert.Empty(t, client.Objects)
}

func TestS3StoreGetExistsDelete(t *testing.T) {
	s, client := newTestS3Store(t)
	ctx := context.Background()

	_, err := s.Save(ctx, strings.NewReader("bytes"), "m.onnx", 0)
	require.NoError(t, err)

	data, err := s.Get(ctx, "m.onnx")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)

	exists, err := s.Exists(ctx, "m.onnx")
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := s.Delete(ctx, "m.onnx")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, client.DeleteObjectCalled)

	deleted, err = s.Delete(ctx, "m.onnx")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get(ctx, "m.onnx")
	require.Error(t, err)
	assert.True(t, common.IsStorageKind(err, common.StorageNotFound))
}

func TestS3StoreResolve(t *testing.T) {
	s, _ := newTestS3Store(t)

	key, err := s.Resolve("model.onnx")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/model.onnx", key)

	_, err = s.Resolve("../other/model.onnx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory traversal")

	_, err = s.Resolve("/absolute.onnx")
	require.Error(t, err)
}

func TestS3StoreLocalize(t *testing.T) {
	s, client := newTestS3Store(t)
	ctx := context.Background()

	result, err := s.Save(ctx, strings.NewReader("graph"), "m.onnx", 0)
	require.NoError(t, err)

	local, err := s.Localize(ctx, "m.onnx", result.SHA256)
	require.NoError(t, err)
	assert.Contains(t, local, result.SHA256)

	// Second call serves the scratch copy without another download.
	client.GetObjectCalled = false
	again, err := s.Localize(ctx, "m.onnx", result.SHA256)
	require.NoError(t, err)
	assert.Equal(t, local, again)
	assert.False(t, client.GetObjectCalled)
}

func TestS3StoreStatsAndPing(t *testing.T) {
	s, client := newTestS3Store(t)
	ctx := context.Background()

	_, err := s.Save(ctx, strings.NewReader("aaaa"), "a.onnx", 0)
	require.NoError(t, err)
	_, err = s.Save(ctx, strings.NewReader("bb"), "b.onnx", 0)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Files)
	assert.Equal(t, int64(6), stats.TotalBytes)

	require.NoError(t, s.Ping(ctx))

	client.Buckets = map[string]bool{}
	assert.Error(t, s.Ping(ctx))
}

func TestParseS3Root(t *testing.T) {
	tests := []struct {
		name       string
		root       string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{"BucketOnly", "s3://models", "models", "", false},
		{"BucketWithPrefix", "s3://models/team/artifacts", "models", "team/artifacts", false},
		{"TrailingSlash", "s3://models/artifacts/", "models", "artifacts", false},
		{"MissingBucket", "s3://", "", "", true},
		{"WrongScheme", "http://models", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, prefix, err := parseS3Root(tt.root)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}
