package dto

import "encoding/json"

type CreateJobRequest struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	Priority    int             `json:"priority"`
	DelaySecs   int             `json:"delay_seconds"`
	ScheduledAt string          `json:"scheduled_at"`
	MaxAttempts int             `json:"max_attempts"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Type   string `form:"type"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Sort   string `form:"sort"`
	Desc   bool   `form:"desc"`
}

type JobDTO struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *JobErrorDTO    `json:"error,omitempty"`
	Priority     int             `json:"priority"`
	ScheduledFor string          `json:"scheduled_for"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type JobErrorDTO struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ListJobsResponse struct {
	Jobs   []JobDTO `json:"jobs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}
