package cache

import (
	"context"
	"time"

	"modelforge.evalgo.org/common"
)

// NameVersion identifies a model by its catalog coordinates. Invalidation
// takes a list of these so renames can purge both the old and new entries.
type NameVersion struct {
	Name    string
	Version string
}

// ModelCache caches serialized model representations so hot metadata reads
// skip the database. Four key shapes exist per model: by id, by
// name+version, the latest-version pointer, and the version list.
type ModelCache struct {
	client *Client
	ttl    time.Duration
	logger *common.ContextLogger
}

// NewModelCache creates a model metadata cache with the given entry TTL.
func NewModelCache(client *Client, ttl time.Duration) *ModelCache {
	return &ModelCache{
		client: client,
		ttl:    ttl,
		logger: common.ServiceLogger("cache").WithField("cache", "model"),
	}
}

// Enabled reports whether the underlying client has a live backend.
func (m *ModelCache) Enabled() bool {
	return m != nil && m.client.Enabled()
}

// TTL returns the configured entry lifetime.
func (m *ModelCache) TTL() time.Duration {
	return m.ttl
}

func modelIDKey(id string) string { return "model:" + id }

func modelNameKey(nv NameVersion) string { return "model:name:" + nv.Name + ":" + nv.Version }

func modelLatestKey(name string) string { return "model:latest:" + name }

func modelVersionsKey(name string) string { return "model:versions:" + name }

// GetByID loads the cached representation for a model id into dest.
func (m *ModelCache) GetByID(ctx context.Context, id string, dest interface{}) bool {
	return m.client.Get(ctx, modelIDKey(id), dest)
}

// SetByID caches the representation for a model id.
func (m *ModelCache) SetByID(ctx context.Context, id string, value interface{}) bool {
	return m.client.Set(ctx, modelIDKey(id), value, m.ttl)
}

// GetByNameVersion loads the cached representation for exact coordinates.
func (m *ModelCache) GetByNameVersion(ctx context.Context, name, version string, dest interface{}) bool {
	return m.client.Get(ctx, modelNameKey(NameVersion{name, version}), dest)
}

// SetByNameVersion caches the representation for exact coordinates.
func (m *ModelCache) SetByNameVersion(ctx context.Context, name, version string, value interface{}) bool {
	return m.client.Set(ctx, modelNameKey(NameVersion{name, version}), value, m.ttl)
}

// GetLatest loads the cached latest-version representation for a name.
func (m *ModelCache) GetLatest(ctx context.Context, name string, dest interface{}) bool {
	return m.client.Get(ctx, modelLatestKey(name), dest)
}

// SetLatest caches the latest-version representation for a name.
func (m *ModelCache) SetLatest(ctx context.Context, name string, value interface{}) bool {
	return m.client.Set(ctx, modelLatestKey(name), value, m.ttl)
}

// GetVersions loads the cached version list for a name.
func (m *ModelCache) GetVersions(ctx context.Context, name string, dest interface{}) bool {
	return m.client.Get(ctx, modelVersionsKey(name), dest)
}

// SetVersions caches the version list for a name.
func (m *ModelCache) SetVersions(ctx context.Context, name string, value interface{}) bool {
	return m.client.Set(ctx, modelVersionsKey(name), value, m.ttl)
}

// InvalidateModel removes every cached shape for a model. Pass both the
// prior and the updated coordinates after a rename so neither survives.
func (m *ModelCache) InvalidateModel(ctx context.Context, id string, coords ...NameVersion) int {
	keys := []string{modelIDKey(id)}

	seen := make(map[string]struct{}, len(keys))
	seen[keys[0]] = struct{}{}

	add := func(k string) {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	for _, nv := range coords {
		add(modelNameKey(nv))
		add(modelLatestKey(nv.Name))
		add(modelVersionsKey(nv.Name))
	}

	removed := m.client.Delete(ctx, keys...)
	if removed > 0 {
		m.logger.WithFields(map[string]interface{}{
			"model_id": id,
			"removed":  removed,
		}).Debug("Invalidated cached model entries")
	}
	return removed
}
