package jobs

import (
	"context"
	"time"

	"modelforge.evalgo.org/common"
)

// Reaper removes terminal job rows older than the retention window. Active
// rows are never touched; the store's sweep is a single guarded DELETE.
type Reaper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *common.ContextLogger
}

// NewReaper builds a sweep over the given store. retention is how long
// terminal rows are kept after completion.
func NewReaper(store Store, retention time.Duration) *Reaper {
	return &Reaper{
		store:     store,
		retention: retention,
		interval:  24 * time.Hour,
		logger:    common.ServiceLogger("jobs.reaper"),
	}
}

// RunOnce performs one retention sweep and reports how many rows it removed.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.retention)
	removed, err := r.store.Reap(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.WithFields(map[string]interface{}{
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("Retention sweep completed")
	return removed, nil
}

// Run sweeps immediately and then once per interval until ctx is cancelled.
// Sweep failures are logged and the loop keeps going; a transient database
// outage should not kill the process.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.WithError(err).Error("Retention sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
