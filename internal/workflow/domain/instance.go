package domain

import (
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending      InstanceStatus = "pending"
	InstanceRunning      InstanceStatus = "running"
	InstanceWaiting      InstanceStatus = "waiting"
	InstanceCompleted    InstanceStatus = "completed"
	InstanceFailed       InstanceStatus = "failed"
	InstanceCompensating InstanceStatus = "compensating"
	InstanceCompensated  InstanceStatus = "compensated"
	InstanceCancelled    InstanceStatus = "cancelled"
)

// Terminal reports whether the instance may no longer be advanced. A failed
// instance is not terminal in this sense: it is parked for manual
// remediation and can still be cancelled.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCompensated || s == InstanceCancelled
}

// HistoryEntry is one line of the append-only audit trail.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	StepID    string         `json:"step_id"`
	State     string         `json:"state"`
	Event     string         `json:"event,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// CompensationError records one compensation handler failure.
type CompensationError struct {
	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

// CompensationState tracks saga progress after a step failure.
type CompensationState struct {
	FailedStepID         string              `json:"failed_step_id"`
	CompensatedSteps     []string            `json:"compensated_steps"`
	PendingCompensations []string            `json:"pending_compensations"`
	CompensationErrors   []CompensationError `json:"compensation_errors,omitempty"`
}

// Instance is the mutable runtime record of one workflow execution bound to
// one business entity. Version increases by exactly one per persisted
// mutation and backs optimistic concurrency detection.
type Instance struct {
	InstanceID    string             `json:"instance_id"`
	WorkflowID    string             `json:"workflow_id"`
	EntityID      string             `json:"entity_id"`
	CurrentState  string             `json:"current_state"`
	CurrentStepID string             `json:"current_step_id"`
	Status        InstanceStatus     `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Variables     map[string]any     `json:"variables"`
	History       []HistoryEntry     `json:"history"`
	Compensation  *CompensationState `json:"compensation_state,omitempty"`
	Version       int                `json:"version"`
}

// AppendHistory adds an audit entry. History is never rewritten, only
// appended.
func (in *Instance) AppendHistory(entry HistoryEntry) {
	in.History = append(in.History, entry)
}

// ExecutedStepIDs returns the set of step ids present in the history, the
// definition of "steps that actually ran" for compensation selection.
func (in *Instance) ExecutedStepIDs() map[string]bool {
	ids := make(map[string]bool, len(in.History))
	for _, h := range in.History {
		if h.StepID != "" {
			ids[h.StepID] = true
		}
	}
	return ids
}

// MergeVariables folds step output into the variable bag, the only data
// channel between steps.
func (in *Instance) MergeVariables(output map[string]any) {
	if len(output) == 0 {
		return
	}
	if in.Variables == nil {
		in.Variables = make(map[string]any, len(output))
	}
	for k, v := range output {
		in.Variables[k] = v
	}
}
