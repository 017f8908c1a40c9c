package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"modelforge.evalgo.org/common"
)

const (
	predictionHitsKey   = "metrics:prediction:hits"
	predictionMissesKey = "metrics:prediction:misses"

	// fingerprintLen is the number of hex characters kept from the input
	// digest. 16 characters (64 bits) keeps keys short while collisions
	// stay negligible within a per-model TTL window.
	fingerprintLen = 16
)

// CachedPrediction is the payload stored per (model, input) pair.
type CachedPrediction struct {
	Output    map[string]interface{} `json:"output_data"`
	ElapsedMS float64                `json:"inference_time_ms"`
}

// PredictionMetrics is the counter snapshot served by the metrics endpoint.
type PredictionMetrics struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Total      int64   `json:"total_requests"`
	HitRate    float64 `json:"hit_rate_percent"`
	Enabled    bool    `json:"enabled"`
	TTLSeconds int     `json:"ttl_seconds"`
}

// HashInput fingerprints a prediction input. The input is serialized as
// canonical JSON (sorted keys, no insignificant whitespace) so that
// semantically identical requests map to the same cache entry regardless of
// field order in the incoming payload.
func HashInput(input map[string]interface{}) string {
	data, err := json.Marshal(input)
	if err != nil {
		// Inputs arrive as decoded JSON, so this only fires for values
		// injected programmatically. Fall back to a stable textual form.
		data = []byte(fmt.Sprintf("%#v", input))
	}

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// PredictionCache deduplicates identical prediction requests across
// processes. Entries are short-lived; the cache is bypassed entirely when
// disabled by configuration.
type PredictionCache struct {
	client  *Client
	ttl     time.Duration
	enabled bool
	logger  *common.ContextLogger
}

// NewPredictionCache creates a prediction cache with the given entry TTL.
func NewPredictionCache(client *Client, ttl time.Duration, enabled bool) *PredictionCache {
	return &PredictionCache{
		client:  client,
		ttl:     ttl,
		enabled: enabled,
		logger:  common.ServiceLogger("cache").WithField("cache", "prediction"),
	}
}

// Enabled reports whether result caching is active.
func (p *PredictionCache) Enabled() bool {
	return p != nil && p.enabled && p.client.Enabled()
}

func predictionKey(modelID, fingerprint string) string {
	return "prediction:" + modelID + ":" + fingerprint
}

// Lookup returns the cached result for an identical earlier request, if one
// exists. Hits and misses are counted for the metrics endpoint.
func (p *PredictionCache) Lookup(ctx context.Context, modelID string, input map[string]interface{}) (*CachedPrediction, bool) {
	if !p.Enabled() {
		return nil, false
	}

	key := predictionKey(modelID, HashInput(input))

	var cached CachedPrediction
	if p.client.Get(ctx, key, &cached) {
		p.client.Incr(ctx, predictionHitsKey)
		p.logger.WithField("key", key).Debug("Prediction cache hit")
		return &cached, true
	}

	p.client.Incr(ctx, predictionMissesKey)
	return nil, false
}

// Store saves a prediction result for reuse by identical requests.
func (p *PredictionCache) Store(ctx context.Context, modelID string, input, output map[string]interface{}, elapsedMS float64) bool {
	if !p.Enabled() {
		return false
	}

	key := predictionKey(modelID, HashInput(input))
	return p.client.Set(ctx, key, &CachedPrediction{
		Output:    output,
		ElapsedMS: elapsedMS,
	}, p.ttl)
}

// InvalidateModel drops every cached result for a model. Called when the
// model is re-validated, updated, or deleted.
func (p *PredictionCache) InvalidateModel(ctx context.Context, modelID string) int {
	removed := p.client.ClearPrefix(ctx, "prediction:"+modelID+":")
	if removed > 0 {
		p.logger.WithFields(map[string]interface{}{
			"model_id": modelID,
			"removed":  removed,
		}).Info("Invalidated cached predictions")
	}
	return removed
}

// Metrics returns the current hit/miss counters.
func (p *PredictionCache) Metrics(ctx context.Context) PredictionMetrics {
	m := PredictionMetrics{
		Enabled:    p.Enabled(),
		TTLSeconds: int(p.ttl / time.Second),
	}

	m.Hits = p.counter(ctx, predictionHitsKey)
	m.Misses = p.counter(ctx, predictionMissesKey)
	m.Total = m.Hits + m.Misses

	if m.Total > 0 {
		rate := float64(m.Hits) / float64(m.Total) * 100
		m.HitRate = math.Round(rate*100) / 100
	}
	return m
}

// ResetMetrics zeroes the hit/miss counters.
func (p *PredictionCache) ResetMetrics(ctx context.Context) {
	p.client.Delete(ctx, predictionHitsKey, predictionMissesKey)
}

func (p *PredictionCache) counter(ctx context.Context, key string) int64 {
	raw, ok := p.client.GetRaw(ctx, key)
	if !ok {
		return 0
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
