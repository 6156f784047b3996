package jobs

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler processes one job payload and returns a JSON result. A nil error
// marks the job completed; a returned error is classified through the job
// error taxonomy to decide between reschedule and terminal failure.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps job types to handlers and retry policies. It is pure
// in-memory state and must be populated at process startup; pass one
// explicit instance to the queue and the worker rather than sharing a
// package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	retry    map[string]RetryConfig
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		retry:    make(map[string]RetryConfig),
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// SetRetryConfig overrides the retry policy for a job type.
func (r *Registry) SetRetryConfig(jobType string, cfg RetryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retry[jobType] = cfg
}

// Handler looks up the handler for a job type.
func (r *Registry) Handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// RetryConfig returns the retry policy for a job type, falling back to
// DefaultRetryConfig when none was set.
func (r *Registry) RetryConfig(jobType string) RetryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.retry[jobType]; ok {
		return cfg
	}
	return DefaultRetryConfig
}
