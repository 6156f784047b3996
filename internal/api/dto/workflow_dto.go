package dto

type StartWorkflowRequest struct {
	WorkflowID string         `json:"workflow_id" binding:"required"`
	EntityID   string         `json:"entity_id" binding:"required"`
	Variables  map[string]any `json:"variables"`
	UserID     string         `json:"user_id"`
}

type ExecuteStepRequest struct {
	UserID string `json:"user_id"`
}

type ResumeRequest struct {
	Event   string         `json:"event" binding:"required"`
	Payload map[string]any `json:"payload"`
	UserID  string         `json:"user_id"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason"`
	UserID string `json:"user_id"`
}

type InstanceDTO struct {
	InstanceID    string         `json:"instance_id"`
	WorkflowID    string         `json:"workflow_id"`
	EntityID      string         `json:"entity_id"`
	CurrentState  string         `json:"current_state"`
	CurrentStepID string         `json:"current_step_id"`
	Status        string         `json:"status"`
	StartedAt     string         `json:"started_at"`
	CompletedAt   string         `json:"completed_at,omitempty"`
	Variables     map[string]any `json:"variables"`
	Version       int            `json:"version"`
}

type InstanceDetailDTO struct {
	InstanceDTO
	History      []HistoryEntryDTO `json:"history"`
	Compensation *CompensationDTO  `json:"compensation_state,omitempty"`
}

type HistoryEntryDTO struct {
	Timestamp string         `json:"timestamp"`
	StepID    string         `json:"step_id"`
	State     string         `json:"state"`
	Event     string         `json:"event,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type CompensationDTO struct {
	FailedStepID         string                 `json:"failed_step_id"`
	CompensatedSteps     []string               `json:"compensated_steps"`
	PendingCompensations []string               `json:"pending_compensations"`
	CompensationErrors   []CompensationErrorDTO `json:"compensation_errors,omitempty"`
}

type CompensationErrorDTO struct {
	StepID string `json:"step_id"`
	Error  string `json:"error"`
}
