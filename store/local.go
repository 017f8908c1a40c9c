package store

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"modelforge.evalgo.org/common"
)

// uploadTempPattern marks in-flight writes so Stats can skip them.
const uploadTempPattern = ".upload-*"

// LocalStore keeps blobs in a flat directory on the local filesystem.
type LocalStore struct {
	base   string
	logger *common.ContextLogger
}

// NewLocalStore creates the base directory if needed and canonicalizes it
// so traversal checks compare real paths.
func NewLocalStore(base string) (*LocalStore, error) {
	if base == "" {
		return nil, common.NewStorageError(common.StorageOther, "storage path must not be empty", nil)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to create storage directory", err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to resolve storage directory", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &LocalStore{
		base:   abs,
		logger: common.ServiceLogger("store").WithField("backend", "local"),
	}, nil
}

// Base returns the canonical storage root.
func (s *LocalStore) Base() string { return s.base }

// Save streams the reader into a temp file and renames it into place so
// readers never observe partial blobs.
func (s *LocalStore) Save(ctx context.Context, r io.Reader, suggestedName string, maxBytes int64) (*SaveResult, error) {
	name, err := sanitizeName(suggestedName)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.base, uploadTempPattern)
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()

	size, digest, err := copyLimited(tmp, r, maxBytes)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = common.NewStorageError(common.StorageOther, "failed to flush blob", cerr)
	}
	if err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil {
			s.logger.WithError(rmErr).WithField("path", tmpPath).Warn("failed to remove partial upload")
		}
		return nil, err
	}

	final := filepath.Join(s.base, name)
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return nil, common.NewStorageError(common.StorageOther, "failed to finalize blob", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path": name,
		"size": humanSize(size),
	}).Debug("stored blob")

	return &SaveResult{Path: name, SizeBytes: size, SHA256: digest}, nil
}

// Get returns the blob content.
func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.StorageErrorf(common.StorageNotFound, "file not found: %s", path)
		}
		return nil, common.NewStorageError(common.StorageOther, "failed to read blob", err)
	}
	return data, nil
}

// Delete removes the blob. Missing files report false without error.
func (s *LocalStore) Delete(ctx context.Context, path string) (bool, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, common.NewStorageError(common.StorageOther, "failed to delete blob", err)
	}
	return true, nil
}

// Exists reports whether the blob is present.
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, common.NewStorageError(common.StorageOther, "failed to stat blob", err)
	}
	return true, nil
}

// Resolve joins the logical path onto the base directory and rejects
// anything that escapes it after symlink resolution.
func (s *LocalStore) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", common.NewStorageError(common.StorageOther, "Invalid path: empty path", nil)
	}
	abs := filepath.Join(s.base, path)
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	rel, err := filepath.Rel(s.base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", common.NewStorageError(common.StorageOther, "Invalid path: directory traversal detected", nil)
	}
	return abs, nil
}

// LocalPath is the resolved path; local blobs are already in place.
func (s *LocalStore) LocalPath(path, hash string) string {
	abs, err := s.Resolve(path)
	if err != nil {
		return ""
	}
	return abs
}

// Localize is a resolve for local blobs; nothing needs copying.
func (s *LocalStore) Localize(ctx context.Context, path, hash string) (string, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", common.StorageErrorf(common.StorageNotFound, "file not found: %s", path)
		}
		return "", common.NewStorageError(common.StorageOther, "failed to stat blob", err)
	}
	return abs, nil
}

// Stats walks the base directory, skipping in-flight temp files.
func (s *LocalStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Files++
		stats.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, common.NewStorageError(common.StorageOther, "failed to collect storage stats", err)
	}
	return stats, nil
}

// Ping verifies the base directory is still a directory.
func (s *LocalStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.base)
	if err != nil {
		return common.NewStorageError(common.StorageOther, "storage directory unavailable", err)
	}
	if !info.IsDir() {
		return common.StorageErrorf(common.StorageOther, "storage path is not a directory: %s", s.base)
	}
	return nil
}
