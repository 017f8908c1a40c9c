package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"modelforge.evalgo.org/common"
)

// S3Store keeps blobs in an S3-compatible bucket under an optional key
// prefix. The inference engine only reads local files, so Localize caches
// bucket objects in a scratch directory keyed by content hash.
type S3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	scratch  string
	logger   *common.ContextLogger
}

// NewS3Store wraps an S3 client for the given bucket and key prefix.
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		scratch:  filepath.Join(os.TempDir(), "modelforge-models"),
		logger: common.ServiceLogger("store").WithFields(map[string]interface{}{
			"backend": "s3",
			"bucket":  bucket,
		}),
	}
}

// OpenS3 parses an s3://bucket[/prefix] root and builds the AWS client from
// the standard environment. AWS_ENDPOINT_URL switches on path-style
// addressing for MinIO-compatible endpoints.
func OpenS3(ctx context.Context, root string) (*S3Store, error) {
	bucket, prefix, err := parseS3Root(root)
	if err != nil {
		return nil, err
	}

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL")

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey, secretKey := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to load AWS configuration", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true // required for MinIO
		}
		o.HTTPClient = &http.Client{}
	})

	return NewS3Store(client, bucket, prefix), nil
}

func parseS3Root(root string) (bucket, prefix string, err error) {
	u, err := url.Parse(root)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", common.StorageErrorf(common.StorageOther, "invalid s3 storage root: %s", root)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// key maps a logical path onto the bucket key space.
func (s *S3Store) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

// Save spools the stream to a local temp file first so the size cap and
// hash are settled before any bytes reach the bucket, then hands the
// seekable file to the upload manager.
func (s *S3Store) Save(ctx context.Context, r io.Reader, suggestedName string, maxBytes int64) (*SaveResult, error) {
	name, err := sanitizeName(suggestedName)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "modelforge-upload-*")
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to create temp file", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, digest, err := copyLimited(tmp, r, maxBytes)
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to rewind temp file", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   tmp,
		Metadata: map[string]string{
			"sha256": digest,
		},
	})
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to upload blob", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":  s.key(name),
		"size": humanSize(size),
	}).Debug("stored blob")

	return &SaveResult{Path: name, SizeBytes: size, SHA256: digest}, nil
}

// Get downloads the full object.
func (s *S3Store) Get(ctx context.Context, p string) ([]byte, error) {
	key, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, common.StorageErrorf(common.StorageNotFound, "file not found: %s", p)
		}
		return nil, common.NewStorageError(common.StorageOther, "failed to get blob", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to read blob body", err)
	}
	return data, nil
}

// Delete removes the object. Missing keys report false without error.
func (s *S3Store) Delete(ctx context.Context, p string) (bool, error) {
	key, err := s.Resolve(p)
	if err != nil {
		return false, err
	}
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, common.NewStorageError(common.StorageOther, "failed to delete blob", err)
	}
	return true, nil
}

// Exists probes the object with a HEAD request.
func (s *S3Store) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.Resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, common.NewStorageError(common.StorageOther, "failed to stat blob", err)
	}
	return true, nil
}

// Resolve returns the object key for a logical path. There is no
// filesystem here; the traversal check keeps keys inside the prefix.
func (s *S3Store) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", common.NewStorageError(common.StorageOther, "Invalid path: empty path", nil)
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", common.NewStorageError(common.StorageOther, "Invalid path: directory traversal detected", nil)
	}
	return s.key(cleaned), nil
}

// LocalPath is the scratch location a blob occupies once localized.
func (s *S3Store) LocalPath(p, hash string) string {
	if _, err := s.Resolve(p); err != nil {
		return ""
	}
	return s.scratchPath(p, hash)
}

func (s *S3Store) scratchPath(p, hash string) string {
	if hash == "" {
		hash = strings.ReplaceAll(p, "/", "_")
	}
	return filepath.Join(s.scratch, hash+path.Ext(p))
}

// Localize downloads the object into the scratch directory once per content
// hash and returns the local path for the engine.
func (s *S3Store) Localize(ctx context.Context, p, hash string) (string, error) {
	if _, err := s.Resolve(p); err != nil {
		return "", err
	}

	local := s.scratchPath(p, hash)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	data, err := s.Get(ctx, p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.scratch, 0o755); err != nil {
		return "", common.NewStorageError(common.StorageOther, "failed to create scratch directory", err)
	}

	tmp, err := os.CreateTemp(s.scratch, uploadTempPattern)
	if err != nil {
		return "", common.NewStorageError(common.StorageOther, "failed to create scratch file", err)
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", common.NewStorageError(common.StorageOther, "failed to write scratch file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", common.NewStorageError(common.StorageOther, "failed to flush scratch file", err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return "", common.NewStorageError(common.StorageOther, "failed to finalize scratch file", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":   s.key(p),
		"local": local,
	}).Debug("localized blob")

	return local, nil
}

// Stats pages through the prefix and sums object sizes.
func (s *S3Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	for {
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, common.NewStorageError(common.StorageOther, "failed to list blobs", err)
		}
		for _, obj := range out.Contents {
			stats.Files++
			stats.TotalBytes += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}

	return stats, nil
}

// Ping verifies the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return common.NewStorageError(common.StorageOther,
			fmt.Sprintf("bucket unavailable: %s", s.bucket), err)
	}
	return nil
}

// isNoSuchKey matches both the GET and HEAD flavors of a missing object.
func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
