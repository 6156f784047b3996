package domain

import (
	"time"

	"github.com/gtsbahamas/taxflow/internal/workflow/statemachine"
)

// StepType discriminates the per-step config union.
type StepType string

const (
	StepTask       StepType = "task"
	StepDecision   StepType = "decision"
	StepParallel   StepType = "parallel"
	StepWait       StepType = "wait"
	StepSubprocess StepType = "subprocess"
)

// JoinType controls how a parallel step combines branch outcomes.
type JoinType string

const (
	JoinAll  JoinType = "all"  // every branch must succeed
	JoinAny  JoinType = "any"  // at least one branch must succeed
	JoinNone JoinType = "none" // outcome ignored, always succeeds
)

// Definition is a static workflow description, registered once at startup.
type Definition struct {
	ID            string
	Name          string
	Entity        string
	StateMachine  statemachine.Config
	Steps         []Step
	Compensations []CompensationStep
}

// Step describes one unit of forward execution. Exactly one of the config
// pointers must be set, matching Type; registration validates this.
type Step struct {
	ID    string
	Name  string
	State string
	Type  StepType
	Rules []string // business rule ids gating entry

	Task       *TaskConfig
	Decision   *DecisionConfig
	Parallel   *ParallelConfig
	Wait       *WaitConfig
	Subprocess *SubprocessConfig
}

// TaskConfig invokes a registered handler. Input maps handler input keys to
// expressions evaluated against the instance variables. NextState and
// NextStepID are fallbacks when the handler result does not name a target.
type TaskConfig struct {
	Handler    string
	Input      map[string]string
	NextState  string
	NextStepID string
}

// DecisionCondition routes to Goto when the When expression is true.
type DecisionCondition struct {
	When string
	Goto string
}

// DecisionConfig picks the first matching condition in order, falling back
// to Default. Decisions always succeed; an expression that fails to
// evaluate simply does not match.
type DecisionConfig struct {
	Conditions []DecisionCondition
	Default    string
}

// Branch is one sequential lane inside a parallel step. Branch steps must
// be tasks; the registry rejects anything else.
type Branch struct {
	Name  string
	Steps []Step
}

// ParallelConfig runs all branches concurrently, each branch sequentially.
type ParallelConfig struct {
	Branches []Branch
	Join     JoinType
}

// WaitConfig pauses the instance until Event arrives. When Timeout is set,
// a delayed job fires TimeoutEvent (default "timeout") if the instance is
// still parked on this step.
type WaitConfig struct {
	Event        string
	Timeout      time.Duration
	TimeoutEvent string
}

// SubprocessConfig starts a nested workflow for the same entity. The parent
// does not block on the child; the child's instance id lands in the parent
// variables.
type SubprocessConfig struct {
	WorkflowID string
	Input      map[string]string
}

// CompensationStep undoes the effects of a completed forward step.
// Compensations run in descending Order, i.e. reverse of forward
// execution. Idempotent is informational for operators; the engine runs
// each compensation exactly once per saga.
type CompensationStep struct {
	ID             string
	CompensatesFor string
	Handler        string
	Order          int
	Idempotent     bool
}

// StepByID finds a step in definition order.
func (d *Definition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepByState finds the step representing a state.
func (d *Definition) StepByState(state string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].State == state {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepAfter returns the step immediately following id in definition order.
func (d *Definition) StepAfter(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id && i+1 < len(d.Steps) {
			return &d.Steps[i+1], true
		}
	}
	return nil, false
}
