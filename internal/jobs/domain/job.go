package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status can no longer be advanced.
// A failed job is not terminal: it may be re-armed through an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job types shipped with the service. Handlers for these are registered at
// worker startup; the registry accepts arbitrary additional types.
const (
	TypeSendEmail      = "send-email"
	TypeProcessUpload  = "process-upload"
	TypeCleanupExpired = "cleanup-expired"
	TypeSyncData       = "sync-data"
)

// Job is a discrete, independently retryable unit of asynchronous work.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Error          `json:"error,omitempty"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing out across goroutine
// boundaries without sharing mutable state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
