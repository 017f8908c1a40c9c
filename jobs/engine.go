package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/queue"
)

const (
	// QueueName is the broker queue all inference jobs flow through.
	QueueName = "inference"

	// resultPollInterval is how often Result re-reads a non-terminal row
	// while a caller is waiting.
	resultPollInterval = 500 * time.Millisecond

	// MaxResultWait bounds how long a single Result call may block.
	MaxResultWait = 30 * time.Second
)

// CreateRequest carries the caller-supplied job parameters.
type CreateRequest struct {
	ModelID   string
	InputData map[string]interface{}
	Priority  Priority
}

// Engine is the API-side job lifecycle: creation and dispatch, cancellation,
// result waiting, and deletion. Worker-side execution lives in Processor.
type Engine struct {
	store      Store
	catalog    *catalog.Service
	broker     queue.Broker
	maxRetries int
	logger     *common.ContextLogger
}

// NewEngine wires the job engine. maxRetries is stamped onto every new job
// row; the worker consults the row, not config, so in-flight jobs keep the
// budget they were created with.
func NewEngine(store Store, cat *catalog.Service, broker queue.Broker, maxRetries int) *Engine {
	return &Engine{
		store:      store,
		catalog:    cat,
		broker:     broker,
		maxRetries: maxRetries,
		logger:     common.ServiceLogger("jobs"),
	}
}

// Create registers a job for a committed model and dispatches it to the
// inference queue. A dispatch failure is not fatal: the row stays PENDING
// and the job is still returned, so callers get an id they can poll or
// cancel while the broker recovers.
func (e *Engine) Create(ctx context.Context, req *CreateRequest) (*Job, error) {
	model, err := e.catalog.GetByID(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if err := catalog.AssertCommitted(model); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	job := &Job{
		ID:         uuid.NewString(),
		ModelID:    model.ID,
		Status:     StatusPending,
		Priority:   priority,
		InputData:  req.InputData,
		MaxRetries: e.maxRetries,
	}
	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}

	entry := e.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"model_id": model.ID,
		"priority": priority,
	})

	task := queue.NewTask(queue.TaskRunJob, QueueName, job.ID, string(priority))
	if err := e.broker.Enqueue(ctx, task); err != nil {
		entry.WithError(err).Warn("Job created but dispatch failed; row stays pending")
		return job, nil
	}

	if err := e.store.MarkQueued(ctx, job.ID, task.ID); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	entry.WithField("task_id", task.ID).Info("Job dispatched")

	return e.store.Get(ctx, job.ID)
}

// Get loads one job row.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Get(ctx, id)
}

// List returns one page of jobs plus the total count.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Job, int64, error) {
	return e.store.List(ctx, f)
}

// Cancel stops an active job. The broker revoke is best-effort; the row
// transition is what counts, and workers re-check the row before running.
func (e *Engine) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Active() {
		return nil, common.CatalogErrorf(common.CatalogBadState,
			"Cannot cancel job in %s status", job.Status)
	}

	if job.WorkerTaskID != nil {
		if err := e.broker.Revoke(ctx, *job.WorkerTaskID); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"job_id":  job.ID,
				"task_id": *job.WorkerTaskID,
			}).WithError(err).Warn("Broker revoke failed; relying on row state")
		}
	}

	if err := e.store.Cancel(ctx, id); err != nil {
		if errors.Is(err, ErrConflict) {
			// The job settled while we were cancelling. Report the state
			// the caller actually raced against.
			current, gerr := e.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, common.CatalogErrorf(common.CatalogBadState,
				"Cannot cancel job in %s status", current.Status)
		}
		return nil, err
	}

	e.logger.WithField("job_id", id).Info("Job cancelled")
	return e.store.Get(ctx, id)
}

// Result returns the job outcome. Terminal rows return immediately. For an
// active row with wait > 0 the row is re-read every 500 ms until it settles
// or the wait elapses; the caller decides what a still-active row means
// (HTTP serves 202). Polling the database instead of the broker keeps
// results available even when the broker is degraded.
func (e *Engine) Result(ctx context.Context, id string, wait time.Duration) (*Job, error) {
	if wait > MaxResultWait {
		wait = MaxResultWait
	}

	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Terminal() || wait <= 0 {
		return job, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return e.store.Get(ctx, id)
		case <-ticker.C:
			job, err = e.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if job.Terminal() {
				return job, nil
			}
		}
	}
}

// Delete removes a terminal job row. Active jobs must be cancelled first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrConflict) {
			job, gerr := e.store.Get(ctx, id)
			if gerr != nil {
				return gerr
			}
			return common.CatalogErrorf(common.CatalogBadState,
				"Cannot delete job in %s status. Only completed, failed, or cancelled jobs can be deleted",
				job.Status)
		}
		return err
	}
	e.logger.WithField("job_id", id).Info("Job deleted")
	return nil
}

// CountByStatus reports row counts per lifecycle state for the metrics
// endpoint.
func (e *Engine) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return e.store.CountByStatus(ctx)
}
