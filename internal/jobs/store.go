package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

// Order columns accepted by List.
const (
	OrderByCreatedAt    = "created_at"
	OrderByScheduledFor = "scheduled_for"
	OrderByPriority     = "priority"
)

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	Statuses []domain.Status
	Types    []string
	Limit    int
	Offset   int
	OrderBy  string // created_at | scheduled_for | priority; defaults to created_at
	Desc     bool
}

// Store is the persistence contract for the job queue and worker. The queue
// keeps no in-memory state, so any number of queue instances and worker
// processes may share one store; Claim is the mutual-exclusion point.
type Store interface {
	Insert(ctx context.Context, job *domain.Job) error

	// Get returns domain.ErrJobNotFound when no such job exists.
	Get(ctx context.Context, id string) (*domain.Job, error)

	List(ctx context.Context, f ListFilter) ([]*domain.Job, error)

	// ListDue returns up to limit pending jobs with scheduled_for <= now,
	// ordered by priority descending then scheduled_for ascending.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// Claim atomically moves a pending job to running, stamps started_at
	// on first claim and increments attempts. Returns
	// domain.ErrJobAlreadyClaimed when the job is no longer pending.
	Claim(ctx context.Context, id string, now time.Time) (*domain.Job, error)

	MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error

	MarkFailed(ctx context.Context, id string, jobErr *domain.Error, at time.Time) error

	// Reschedule returns a running job to pending for a later attempt,
	// keeping the last error visible on the record.
	Reschedule(ctx context.Context, id string, jobErr *domain.Error, runAt time.Time) error

	// Cancel moves a pending or failed job to cancelled. Returns
	// domain.ErrJobNotFound when the conditional update matched no row.
	Cancel(ctx context.Context, id string) error

	// ResetForRetry moves a failed job back to pending, clears the error
	// and reschedules it for now. Attempts are deliberately not reset.
	// Returns domain.ErrJobNotFound when the job is absent or not failed.
	ResetForRetry(ctx context.Context, id string, now time.Time) error
}
