package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/queue"
)

// unexpectedExitMessage settles rows whose task ended without reaching a
// terminal transition.
const unexpectedExitMessage = "Task exited unexpectedly while job was running"

// nilFilePathMessage names the invariant broken when a committed row carries
// no artifact coordinates.
const nilFilePathMessage = "POST-COMMITMENT INVARIANT VIOLATED. " +
	"Invariant: committed model has file_path set. " +
	"Observed: file_path is nil. " +
	"The pipeline contract is broken. Execution cannot continue."

const (
	defaultRetryBase = 60 * time.Second
	defaultRetryCap  = 600 * time.Second
)

// Runner executes inference for an artifact on a local path.
type Runner interface {
	Run(ctx context.Context, path string, namedInputs map[string]interface{}) (*engine.RunResult, error)
}

// Processor executes one dispatched job at a time: claim the row, re-check
// the model against the database, run inference under time limits, and
// settle the row. Engine-originated errors are permanent; anything else is
// retried with backoff until the row's retry budget runs out.
type Processor struct {
	store    Store
	catalog  *catalog.Service
	runner   Runner
	broker   queue.Broker
	workerID string

	softLimit time.Duration
	hardLimit time.Duration
	retryBase time.Duration
	retryCap  time.Duration

	logger *common.ContextLogger
}

// NewProcessor wires a worker-side processor. softLimit bounds the inference
// context; hardLimit is the watchdog beyond which the attempt is abandoned
// and the job fails. Zero disables either limit.
func NewProcessor(store Store, cat *catalog.Service, runner Runner, broker queue.Broker, workerID string, softLimit, hardLimit time.Duration) *Processor {
	return &Processor{
		store:     store,
		catalog:   cat,
		runner:    runner,
		broker:    broker,
		workerID:  workerID,
		softLimit: softLimit,
		hardLimit: hardLimit,
		retryBase: defaultRetryBase,
		retryCap:  defaultRetryCap,
		logger:    common.ServiceLogger("jobs.processor").WithField("worker_id", workerID),
	}
}

// Handle consumes one delivery. The delivery is acked once the row is
// settled (or found to need no work); a returned error means the envelope
// was left unacked so the broker redelivers it after the claim expires.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) error {
	task := d.Task
	entry := p.logger.WithFields(map[string]interface{}{
		"task_id": task.ID,
		"job_id":  task.JobID,
	})

	if task.Name != queue.TaskRunJob {
		entry.WithField("task_name", task.Name).Warn("Unknown task name; discarding")
		return d.Ack(ctx)
	}

	if revoked, err := p.broker.Revoked(ctx, task.ID); err == nil && revoked {
		entry.Info("Task revoked; discarding")
		return d.Ack(ctx)
	}

	job, err := p.store.Get(ctx, task.JobID)
	if err != nil {
		if common.IsCatalogKind(err, common.CatalogNotFound) {
			entry.Warn("Job row gone; discarding task")
			return d.Ack(ctx)
		}
		// Store unreachable: leave the envelope unacked so the claim
		// expires and another worker picks it up.
		return err
	}

	if err := p.store.Claim(ctx, job.ID, p.workerID); err != nil {
		if errors.Is(err, ErrConflict) {
			entry.WithField("status", job.Status).Info("Claim lost; job already handled")
			return d.Ack(ctx)
		}
		return err
	}

	p.run(ctx, job, entry)
	return d.Ack(ctx)
}

// run executes a claimed job and settles the row in every path. The deferred
// safety net catches panics and any path that slipped through without a
// terminal transition.
func (p *Processor) run(ctx context.Context, job *Job, entry *common.ContextLogger) {
	settle := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("Task panicked while running job")
		}
		if err := p.store.FailIfRunning(settle, job.ID, unexpectedExitMessage); err != nil {
			entry.WithError(err).Error("Failed to settle running job after task exit")
		}
	}()

	// The row is the source of truth at execution time: the model may have
	// been deleted, re-validated, or corrupted since dispatch.
	model, err := p.catalog.GetByID(ctx, job.ModelID)
	if err != nil {
		p.settleError(settle, job, entry, err)
		return
	}
	if err := catalog.AssertCommitted(model); err != nil {
		p.settleError(settle, job, entry, err)
		return
	}
	if !model.HasArtifact() {
		p.settleError(settle, job, entry,
			common.EngineErrorf(common.EngineInvariantViolation, nilFilePathMessage))
		return
	}

	local, err := p.catalog.ResolveArtifact(ctx, model)
	if err != nil {
		p.settleError(settle, job, entry, err)
		return
	}

	result, err := p.runWithLimits(ctx, local, job.InputData)
	if err != nil {
		p.settleError(settle, job, entry, err)
		return
	}

	if err := p.store.Complete(settle, job.ID, result.Outputs, result.ElapsedMS); err != nil {
		if errors.Is(err, ErrConflict) {
			entry.Info("Job settled concurrently; dropping result")
			return
		}
		entry.WithError(err).Error("Failed to record job completion")
		return
	}
	entry.WithField("inference_time_ms", result.ElapsedMS).Info("Job completed")
}

// settleError routes an execution error: engine-originated errors are
// permanent, everything else goes through the retry budget.
func (p *Processor) settleError(ctx context.Context, job *Job, entry *common.ContextLogger, cause error) {
	if _, ok := common.AsEngineError(cause); ok {
		p.fail(ctx, job, entry, cause)
		return
	}
	p.retryOrFail(ctx, job, entry, cause)
}

// fail settles the row as FAILED. Engine errors and exhausted retries both
// land here; ErrConflict means someone else settled the row first.
func (p *Processor) fail(ctx context.Context, job *Job, entry *common.ContextLogger, cause error) {
	message := cause.Error()
	traceback := fmt.Sprintf("%+v", cause)
	var pe *panicError
	if errors.As(cause, &pe) {
		traceback = pe.stack
	}

	if err := p.store.Fail(ctx, job.ID, message, traceback); err != nil && !errors.Is(err, ErrConflict) {
		entry.WithError(err).Error("Failed to record job failure")
		return
	}
	entry.WithError(cause).Error("Job failed")
}

// retryOrFail schedules another attempt with backoff, or fails the job when
// the budget is spent. The row moves to QUEUED before the delayed envelope
// is published; if publishing fails the job fails too, instead of parking
// forever in QUEUED.
func (p *Processor) retryOrFail(ctx context.Context, job *Job, entry *common.ContextLogger, cause error) {
	if job.Retries >= job.MaxRetries {
		entry.WithFields(map[string]interface{}{
			"retries":     job.Retries,
			"max_retries": job.MaxRetries,
		}).Warn("Retry budget exhausted")
		p.fail(ctx, job, entry, cause)
		return
	}

	delay := p.retryDelay(job.Retries)
	task := queue.NewTask(queue.TaskRunJob, QueueName, job.ID, string(job.Priority))

	if err := p.store.ScheduleRetry(ctx, job.ID, task.ID, cause.Error()); err != nil {
		if errors.Is(err, ErrConflict) {
			entry.Info("Retry abandoned; job settled concurrently")
			return
		}
		entry.WithError(err).Error("Failed to schedule job retry")
		return
	}

	if err := p.broker.EnqueueDelayed(ctx, task, delay); err != nil {
		entry.WithError(err).Error("Failed to dispatch retry; failing job")
		p.fail(ctx, job, entry, cause)
		return
	}

	entry.WithFields(map[string]interface{}{
		"retry": job.Retries + 1,
		"delay": delay.String(),
	}).WithError(cause).Warn("Job scheduled for retry")
}

// retryDelay is the Celery-style backoff for the nth retry: full jitter
// over min(base·2ⁿ, cap).
func (p *Processor) retryDelay(retries int) time.Duration {
	ceiling := p.retryCap
	if retries < 16 {
		if d := p.retryBase << uint(retries); d < ceiling {
			ceiling = d
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// runWithLimits executes inference under the soft context deadline and the
// hard watchdog. A hard-limit hit abandons the attempt; the inference
// goroutine cannot be interrupted mid-run, so it is left to finish into a
// buffered channel and its result is discarded.
func (p *Processor) runWithLimits(ctx context.Context, path string, inputs map[string]interface{}) (*engine.RunResult, error) {
	runCtx := ctx
	if p.softLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.softLimit)
		defer cancel()
	}

	type outcome struct {
		result *engine.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r, stack: string(debug.Stack())}}
			}
		}()
		result, err := p.runner.Run(runCtx, path, inputs)
		done <- outcome{result: result, err: err}
	}()

	if p.hardLimit <= 0 {
		o := <-done
		return o.result, o.err
	}

	watchdog := time.NewTimer(p.hardLimit)
	defer watchdog.Stop()
	select {
	case o := <-done:
		return o.result, o.err
	case <-watchdog.C:
		return nil, common.EngineErrorf(common.EngineRuntime,
			"hard time limit (%s) exceeded", p.hardLimit)
	}
}

// panicError carries a recovered panic and its stack into the job's error
// fields.
type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic during inference: %v", e.value)
}

// Pool runs a fixed set of worker goroutines against the inference queue.
// Each goroutine handles one task at a time, so concurrency equals prefetch.
type Pool struct {
	broker         queue.Broker
	processor      *Processor
	queueName      string
	concurrency    int
	dequeueTimeout time.Duration
	logger         *common.ContextLogger
}

// NewPool sizes a worker pool over the shared broker and processor.
func NewPool(broker queue.Broker, processor *Processor, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		broker:         broker,
		processor:      processor,
		queueName:      QueueName,
		concurrency:    concurrency,
		dequeueTimeout: 5 * time.Second,
		logger:         common.ServiceLogger("jobs.pool"),
	}
}

// Run blocks until ctx is cancelled and every worker goroutine has drained
// its in-flight task.
func (p *Pool) Run(ctx context.Context) {
	p.logger.WithField("concurrency", p.concurrency).Info("Worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("Worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	entry := p.logger.WithField("worker", id)
	entry.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			entry.Info("Worker stopped")
			return
		default:
		}

		delivery, err := p.broker.Dequeue(ctx, p.queueName, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				entry.Info("Worker stopped")
				return
			}
			entry.WithError(err).Error("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}

		if err := p.processor.Handle(ctx, delivery); err != nil {
			entry.WithError(err).Error("Task left unacked for redelivery")
		}
	}
}
