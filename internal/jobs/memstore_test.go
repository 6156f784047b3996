package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

// memStore is an in-memory Store used by queue and worker tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (s *memStore) put(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

func (s *memStore) Insert(ctx context.Context, job *domain.Job) error {
	s.put(job)
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *memStore) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
			continue
		}
		if len(f.Types) > 0 && !containsString(f.Types, job.Type) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		less := out[i].CreatedAt.Before(out[j].CreatedAt)
		if f.Desc {
			return !less
		}
		return less
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.StatusPending && !job.ScheduledFor.After(now) {
			due = append(due, job.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) Claim(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.StatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.StatusRunning
	job.Attempts++
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *memStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.StatusCompleted
	job.Result = result
	job.Error = nil
	completed := at
	job.CompletedAt = &completed
	job.UpdatedAt = at
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, jobErr *domain.Error, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.StatusFailed
	job.Error = jobErr
	completed := at
	job.CompletedAt = &completed
	job.UpdatedAt = at
	return nil
}

func (s *memStore) Reschedule(ctx context.Context, id string, jobErr *domain.Error, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.StatusPending
	job.Error = jobErr
	job.ScheduledFor = runAt
	job.UpdatedAt = runAt
	return nil
}

func (s *memStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusPending && job.Status != domain.StatusFailed {
		return domain.ErrJobNotFound
	}
	job.Status = domain.StatusCancelled
	completed := time.Now()
	job.CompletedAt = &completed
	return nil
}

func (s *memStore) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.StatusFailed {
		return domain.ErrJobNotFound
	}
	job.Status = domain.StatusPending
	job.Error = nil
	job.CompletedAt = nil
	job.ScheduledFor = now
	job.UpdatedAt = now
	return nil
}

func containsStatus(statuses []domain.Status, status domain.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
