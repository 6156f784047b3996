package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gtsbahamas/taxflow/internal/jobs"
	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, result, error,
	priority, scheduled_for, started_at, completed_at, created_at, updated_at`

// Storage is the PostgreSQL implementation of the job store.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a job storage backed by the given database handle.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

var _ jobs.Store = (*Storage)(nil)

// Insert persists a freshly enqueued job.
func (s *Storage) Insert(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, type, payload, status, attempts, max_attempts,
			priority, scheduled_for, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		[]byte(job.Payload),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		job.ScheduledFor,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Storage) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List fetches jobs matching the filter with pagination and ordering.
func (s *Storage) List(ctx context.Context, f jobs.ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if len(f.Statuses) > 0 {
		query += ` AND status IN (?)`
		args = append(args, f.Statuses)
	}
	if len(f.Types) > 0 {
		query += ` AND type IN (?)`
		args = append(args, f.Types)
	}

	orderBy := f.OrderBy
	switch orderBy {
	case jobs.OrderByCreatedAt, jobs.OrderByScheduledFor, jobs.OrderByPriority:
	case "":
		orderBy = jobs.OrderByCreatedAt
	default:
		return nil, fmt.Errorf("unsupported order column: %s", f.OrderBy)
	}
	direction := "ASC"
	if f.Desc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderBy, direction)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	expanded = s.db.Rebind(expanded)

	rows, err := s.db.QueryxContext(ctx, expanded, expandedArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// ListDue fetches up to limit pending jobs whose schedule time has passed,
// highest priority first, oldest due first within a priority.
func (s *Storage) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3
	`

	rows, err := s.db.QueryxContext(ctx, query, domain.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer rows.Close()

	var result []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due job row: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// Claim moves a pending job to running with a conditional update. The
// WHERE status = pending guard is what keeps two workers from
// double-processing the same due job.
func (s *Storage) Claim(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowxContext(ctx, query, domain.StatusRunning, now, id, domain.StatusPending))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// MarkCompleted finishes a job with its result.
func (s *Storage) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, result = $2, error = NULL, completed_at = $3, updated_at = $3
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.StatusCompleted, []byte(result), at, id); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkFailed finishes a job with a terminal error.
func (s *Storage) MarkFailed(ctx context.Context, id string, jobErr *domain.Error, at time.Time) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1, error = $2, completed_at = $3, updated_at = $3
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.StatusFailed, errJSON, at, id); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// Reschedule returns a running job to pending for its next attempt, keeping
// the last error on the record for visibility.
func (s *Storage) Reschedule(ctx context.Context, id string, jobErr *domain.Error, runAt time.Time) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1, error = $2, scheduled_for = $3, updated_at = NOW()
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.StatusPending, errJSON, runAt, id); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Cancel conditionally moves a pending or failed job to cancelled.
func (s *Storage) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusCancelled, id, domain.StatusPending, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ResetForRetry re-arms a failed job without touching the attempts counter.
func (s *Storage) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, error = NULL, scheduled_for = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusPending, now, id, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset job for retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		payload     []byte
		result      []byte
		errJSON     []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&result,
		&errJSON,
		&job.Priority,
		&job.ScheduledFor,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if len(errJSON) > 0 {
		var jerr domain.Error
		if err := json.Unmarshal(errJSON, &jerr); err != nil {
			return nil, fmt.Errorf("failed to decode job error column: %w", err)
		}
		job.Error = &jerr
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
