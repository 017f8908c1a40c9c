// Package store persists model artifacts. A BlobStore hides whether blobs
// live on the local filesystem or in an S3-compatible bucket; callers work
// with logical paths and resolve them only at the inference boundary.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"modelforge.evalgo.org/common"
)

// saveChunkSize is the streaming buffer size for uploads.
const saveChunkSize = 8 * 1024

// SaveResult describes a stored blob.
type SaveResult struct {
	// Path is the logical path of the blob, relative to the store root
	Path string

	// SizeBytes is the stored size
	SizeBytes int64

	// SHA256 is the hex digest computed while streaming
	SHA256 string
}

// StoreStats summarizes store usage.
type StoreStats struct {
	Files      int64 `json:"total_files"`
	TotalBytes int64 `json:"total_size_bytes"`
}

// BlobStore stores and retrieves model artifacts.
type BlobStore interface {
	// Save streams r into the store under a sanitized version of
	// suggestedName. It enforces maxBytes (0 disables the cap) while
	// streaming and removes partial writes on failure.
	Save(ctx context.Context, r io.Reader, suggestedName string, maxBytes int64) (*SaveResult, error)

	// Get returns the full blob content.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes a blob. A missing blob is not an error; the bool
	// reports whether anything was removed.
	Delete(ctx context.Context, path string) (bool, error)

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Resolve canonicalizes a logical path for engine use. Paths that
	// escape the store root are rejected.
	Resolve(path string) (string, error)

	// Localize guarantees a local filesystem copy of the blob and
	// returns its absolute path. hash keys the scratch copy for remote
	// backends; local backends resolve in place.
	Localize(ctx context.Context, path, hash string) (string, error)

	// LocalPath reports the local path a blob occupies (or would occupy
	// after Localize) without fetching anything. Empty for invalid paths.
	LocalPath(path, hash string) string

	// Stats reports file count and total size.
	Stats(ctx context.Context) (*StoreStats, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}

// Open selects a backend from the storage root: s3://bucket[/prefix]
// opens the S3 backend, anything else a local directory.
func Open(ctx context.Context, root string) (BlobStore, error) {
	if strings.HasPrefix(root, "s3://") {
		return OpenS3(ctx, root)
	}
	return NewLocalStore(root)
}

// copyLimited streams r into dst in fixed-size chunks, maintaining a running
// SHA-256 digest and aborting as soon as the byte count exceeds maxBytes.
func copyLimited(dst io.Writer, r io.Reader, maxBytes int64) (int64, string, error) {
	hasher := sha256.New()
	buf := make([]byte, saveChunkSize)
	var written int64

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if maxBytes > 0 && written > maxBytes {
				return written, "", common.StorageErrorf(common.StorageFull,
					"File exceeds maximum size of %s", humanize.IBytes(uint64(maxBytes)))
			}
			hasher.Write(buf[:n])
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, "", common.NewStorageError(common.StorageOther,
					"failed to write blob", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, "", common.NewStorageError(common.StorageOther,
				"failed to read upload stream", readErr)
		}
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// sanitizeName strips directory components from a client-supplied name.
func sanitizeName(suggestedName string) (string, error) {
	name := strings.TrimSpace(suggestedName)
	if name == "" {
		return "", common.NewStorageError(common.StorageOther, "blob name must not be empty", nil)
	}
	// Keep only the final path element, regardless of separator style.
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", common.StorageErrorf(common.StorageOther, "invalid blob name: %q", suggestedName)
	}
	return name, nil
}

func humanSize(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.IBytes(uint64(n))
}
