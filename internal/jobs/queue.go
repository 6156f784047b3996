package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

// EnqueueOptions tune a single enqueue. Scheduling precedence: Delay wins
// over At; when neither is set the job is due immediately.
type EnqueueOptions struct {
	Delay       time.Duration
	At          time.Time
	Priority    int
	MaxAttempts int // 0 takes the per-type retry config's ceiling
}

// QueueConfig holds queue dependencies.
type QueueConfig struct {
	Logger   *slog.Logger
	Store    Store
	Registry *Registry
	Now      func() time.Time // defaults to time.Now
}

// Queue is the persistence-backed job queue. It holds no job state of its
// own, so multiple instances across processes are safe.
type Queue struct {
	logger   *slog.Logger
	store    Store
	registry *Registry
	now      func() time.Time
}

// NewQueue creates a queue instance.
func NewQueue(cfg *QueueConfig) *Queue {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:   logger,
		store:    cfg.Store,
		registry: cfg.Registry,
		now:      now,
	}
}

// Enqueue inserts a new pending job. The payload may be a json.RawMessage
// or any JSON-marshalable value.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts *EnqueueOptions) (*domain.Job, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, domain.NewInvalidPayloadError(err)
	}

	now := q.now()
	scheduledFor := now
	priority := 0
	maxAttempts := q.registry.RetryConfig(jobType).MaxAttempts
	if opts != nil {
		switch {
		case opts.Delay > 0:
			scheduledFor = now.Add(opts.Delay)
		case !opts.At.IsZero():
			scheduledFor = opts.At
		}
		priority = opts.Priority
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
	}

	job := &domain.Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      raw,
		Status:       domain.StatusPending,
		Attempts:     0,
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, domain.NewDatabaseError(fmt.Errorf("failed to enqueue job: %w", err))
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("priority", job.Priority),
		slog.Time("scheduled_for", job.ScheduledFor),
	)

	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.Get(ctx, id)
}

// Cancel transitions a pending or failed job to cancelled. Cancelling an
// already terminal job is a no-op success; cancelling a running job fails.
func (q *Queue) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case domain.StatusRunning:
		return nil, domain.ErrJobAlreadyRunning
	case domain.StatusCompleted, domain.StatusCancelled:
		return job, nil
	}

	if err := q.store.Cancel(ctx, id); err != nil {
		// Lost a race with a worker claiming the job between the read
		// and the conditional update.
		return nil, err
	}

	q.logger.Info("Job cancelled", slog.String("job_id", id))
	return q.store.Get(ctx, id)
}

// Retry re-arms a failed job: status back to pending, error cleared,
// scheduled for now. The attempts counter keeps accumulating toward
// max_attempts across explicit retries.
func (q *Queue) Retry(ctx context.Context, id string) (*domain.Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status != domain.StatusFailed {
		return nil, domain.NewError(domain.CodeExecutionFailed, false,
			"job %s is %s, only failed jobs can be retried", id, job.Status)
	}

	if err := q.store.ResetForRetry(ctx, id, q.now()); err != nil {
		return nil, err
	}

	q.logger.Info("Job re-armed for retry",
		slog.String("job_id", id),
		slog.Int("attempts_so_far", job.Attempts),
	)
	return q.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	jobs, err := q.store.List(ctx, f)
	if err != nil {
		return nil, domain.NewDatabaseError(fmt.Errorf("failed to list jobs: %w", err))
	}
	return jobs, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}
