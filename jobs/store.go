package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"modelforge.evalgo.org/common"
)

// ErrConflict is returned by guarded transitions when the row was not in the
// expected source state. Callers re-read the row to decide what happened:
// another worker claimed it, it was cancelled, or it already finished.
var ErrConflict = errors.New("job state changed concurrently")

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	ModelID  string
	Status   Status
	Page     int
	PageSize int
}

// Store is the durable job table. Plain CRUD goes through gorm; the
// state-machine legs are single conditional UPDATE statements so that two
// workers (or a worker racing a cancel) can never both win a transition.
type Store interface {
	// Create inserts a new PENDING row.
	Create(ctx context.Context, job *Job) error

	// Get loads one row or a not-found error.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns one page of jobs, newest first, with the total row count.
	List(ctx context.Context, f Filter) ([]*Job, int64, error)

	// MarkQueued records the broker envelope id and moves pending → queued.
	MarkQueued(ctx context.Context, id, taskID string) error

	// Claim moves pending|queued → running for exactly one caller, stamping
	// worker_id, started_at and the queue latency. Losing the race returns
	// ErrConflict.
	Claim(ctx context.Context, id, workerID string) error

	// Complete moves running → completed with the inference outcome and
	// clears any error fields left over from earlier attempts.
	Complete(ctx context.Context, id string, output map[string]interface{}, elapsedMS float64) error

	// Fail settles any still-active row as FAILED with the error detail.
	Fail(ctx context.Context, id, message, traceback string) error

	// FailIfRunning is the exit safety net: it settles the row as FAILED
	// only when it is still RUNNING, and reports nothing otherwise.
	FailIfRunning(ctx context.Context, id, message string) error

	// ScheduleRetry moves running → queued for a later attempt, bumping the
	// retry counter and repointing worker_task_id at the new envelope.
	ScheduleRetry(ctx context.Context, id, taskID, message string) error

	// Cancel moves pending|queued|running → cancelled.
	Cancel(ctx context.Context, id string) error

	// Delete removes a terminal row. Active rows are refused.
	Delete(ctx context.Context, id string) error

	// CountByStatus reports row counts per lifecycle state.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Reap deletes terminal rows whose completed_at is older than cutoff and
	// returns the number of rows removed.
	Reap(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}

// SQLStore is the production Store: gorm for row CRUD and listing (the Job
// entity owns the DDL via AutoMigrate), a pgx pool for the guarded
// transitions and the retention sweep.
type SQLStore struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

// NewSQLStore wraps an open gorm handle and pgx pool. Both point at the same
// database; the split mirrors their roles, not their targets.
func NewSQLStore(db *gorm.DB, pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db, pool: pool}
}

// OpenPool dials a pgx connection pool and verifies it with a ping.
func OpenPool(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.CatalogErrorf(common.CatalogNotFound, "Job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Job, int64, error) {
	page, pageSize := normalizePage(f.Page, f.PageSize)

	q := s.db.WithContext(ctx).Model(&Job{})
	if f.ModelID != "" {
		q = q.Where("model_id = ?", f.ModelID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var list []*Job
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	return list, total, nil
}

func (s *SQLStore) MarkQueued(ctx context.Context, id, taskID string) error {
	query := `
		UPDATE jobs
		SET status = 'queued', worker_task_id = $1
		WHERE id = $2 AND status = 'pending'`

	result, err := s.pool.Exec(ctx, query, taskID, id)
	if err != nil {
		return fmt.Errorf("failed to mark job queued: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Claim(ctx context.Context, id, workerID string) error {
	// Queue latency is computed database-side so worker clock skew cannot
	// produce negative or inflated values.
	query := `
		UPDATE jobs
		SET status = 'running', worker_id = $1, started_at = NOW(),
		    queue_time_ms = EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000
		WHERE id = $2 AND status IN ('pending', 'queued')`

	result, err := s.pool.Exec(ctx, query, workerID, id)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Complete(ctx context.Context, id string, output map[string]interface{}, elapsedMS float64) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to encode job output: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = 'completed', output_data = $1, inference_time_ms = $2,
		    completed_at = NOW(), error_message = NULL, error_traceback = NULL
		WHERE id = $3 AND status = 'running'`

	result, err := s.pool.Exec(ctx, query, string(encoded), elapsedMS, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Fail(ctx context.Context, id, message, traceback string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', error_message = $1, error_traceback = $2,
		    completed_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'queued', 'running')`

	result, err := s.pool.Exec(ctx, query, message, nullable(traceback), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) FailIfRunning(ctx context.Context, id, message string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', error_message = $1, completed_at = NOW()
		WHERE id = $2 AND status = 'running'`

	_, err := s.pool.Exec(ctx, query, message, id)
	if err != nil {
		return fmt.Errorf("failed to settle running job: %w", err)
	}
	return nil
}

func (s *SQLStore) ScheduleRetry(ctx context.Context, id, taskID, message string) error {
	query := `
		UPDATE jobs
		SET status = 'queued', retries = retries + 1, worker_task_id = $1,
		    error_message = $2
		WHERE id = $3 AND status = 'running'`

	result, err := s.pool.Exec(ctx, query, taskID, message, id)
	if err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued', 'running')`

	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, TerminalStatuses).
		Delete(&Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *SQLStore) Reap(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < $1`

	result, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLStore) Close() {
	s.pool.Close()
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
