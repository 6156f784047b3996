package domain

import (
	"errors"
	"fmt"
)

// API-level failures: these abort the call and surface to the caller.
// Step failures never take this path; they are absorbed into the
// compensation flow and communicated through the instance status.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrStepNotFound       = errors.New("workflow step not found")
)

// StepFailedError reports a precondition failure on an explicit driver
// call, such as resuming an instance that is not waiting.
type StepFailedError struct {
	StepID string
	Reason string
}

func (e *StepFailedError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %s: %s", e.StepID, e.Reason)
	}
	return e.Reason
}

// ConflictError reports an optimistic concurrency violation: the instance
// was persisted by someone else between our read and our write.
type ConflictError struct {
	InstanceID string
	Expected   int
	Actual     int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of instance %s: expected version %d, found %d",
		e.InstanceID, e.Expected, e.Actual)
}

// RuleContext is handed to the business rule evaluator before a gated step.
type RuleContext struct {
	Entity    string
	Operation string
	RuleIDs   []string
	Data      map[string]any
	UserID    string
}

// RuleResult is the evaluator's verdict.
type RuleResult struct {
	Passed bool
	Errors []string
}
