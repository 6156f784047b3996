package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
	"github.com/gtsbahamas/taxflow/internal/workflow/statemachine"
)

// TaskContext is handed to task and compensation handlers.
type TaskContext struct {
	InstanceID string
	WorkflowID string
	EntityID   string
	UserID     string
	Input      map[string]any
	Variables  map[string]any
}

// StepResult is a successful handler outcome. Output is merged into the
// instance variables; NextState/NextStepID override the step's configured
// target when set.
type StepResult struct {
	Output     map[string]any
	NextState  string
	NextStepID string
}

// TaskHandler executes one task or compensation step. A non-nil error is a
// step failure and routes the instance into compensation.
type TaskHandler func(ctx context.Context, tc TaskContext) (*StepResult, error)

// Registry holds workflow definitions, task handlers and the state
// machines derived from each definition. Pure in-memory state with no
// persistence: repopulate it at process startup before using the engine.
// Inject one explicit instance instead of sharing a package singleton so
// tests can build isolated registries.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*domain.Definition
	machines map[string]*statemachine.Machine
	handlers map[string]TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]*domain.Definition),
		machines: make(map[string]*statemachine.Machine),
		handlers: make(map[string]TaskHandler),
	}
}

// RegisterDefinition validates a definition, derives its state machine and
// stores both. Re-registering an id replaces the previous definition.
func (r *Registry) RegisterDefinition(def *domain.Definition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow definition needs an id")
	}
	machine, err := statemachine.New(def.StateMachine)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", def.ID, err)
	}
	if err := validateDefinition(def, machine); err != nil {
		return fmt.Errorf("workflow %s: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	r.machines[def.ID] = machine
	return nil
}

// RegisterHandler binds a named handler usable by task, parallel-branch
// and compensation steps.
func (r *Registry) RegisterHandler(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Definition looks up a registered workflow definition.
func (r *Registry) Definition(id string) (*domain.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// StateMachine looks up the machine derived from a definition.
func (r *Registry) StateMachine(id string) (*statemachine.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// Handler looks up a named task handler.
func (r *Registry) Handler(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func validateDefinition(def *domain.Definition, machine *statemachine.Machine) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("definition has no steps")
	}

	seen := make(map[string]bool, len(def.Steps))
	states := make(map[string]bool)
	for _, st := range def.StateMachine.States {
		states[st.Name] = true
	}

	for i, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d has an empty id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true
		if !states[step.State] {
			return fmt.Errorf("step %s references unknown state %q", step.ID, step.State)
		}
		if err := validateStep(&def.Steps[i], i == len(def.Steps)-1); err != nil {
			return err
		}
	}

	if _, ok := def.StepByState(machine.InitialState()); !ok {
		return fmt.Errorf("no step represents the initial state %q", machine.InitialState())
	}

	for _, step := range def.Steps {
		if step.Type != domain.StepDecision {
			continue
		}
		for _, cond := range step.Decision.Conditions {
			if !seen[cond.Goto] {
				return fmt.Errorf("decision %s routes to unknown step %q", step.ID, cond.Goto)
			}
		}
		if !seen[step.Decision.Default] {
			return fmt.Errorf("decision %s has unknown default step %q", step.ID, step.Decision.Default)
		}
	}

	compIDs := make(map[string]bool, len(def.Compensations))
	for _, comp := range def.Compensations {
		if comp.ID == "" {
			return fmt.Errorf("compensation step needs an id")
		}
		if compIDs[comp.ID] {
			return fmt.Errorf("duplicate compensation id %q", comp.ID)
		}
		compIDs[comp.ID] = true
		if !seen[comp.CompensatesFor] {
			return fmt.Errorf("compensation %s references unknown step %q", comp.ID, comp.CompensatesFor)
		}
		if comp.Handler == "" {
			return fmt.Errorf("compensation %s needs a handler name", comp.ID)
		}
	}

	return nil
}

func validateStep(step *domain.Step, last bool) error {
	configs := 0
	for _, set := range []bool{
		step.Task != nil,
		step.Decision != nil,
		step.Parallel != nil,
		step.Wait != nil,
		step.Subprocess != nil,
	} {
		if set {
			configs++
		}
	}
	if configs != 1 {
		return fmt.Errorf("step %s must carry exactly one config, has %d", step.ID, configs)
	}

	switch step.Type {
	case domain.StepTask:
		if step.Task == nil {
			return fmt.Errorf("step %s is a task without a task config", step.ID)
		}
		if step.Task.Handler == "" {
			return fmt.Errorf("task step %s needs a handler name", step.ID)
		}
	case domain.StepDecision:
		if step.Decision == nil {
			return fmt.Errorf("step %s is a decision without a decision config", step.ID)
		}
		if step.Decision.Default == "" {
			return fmt.Errorf("decision step %s needs a default target", step.ID)
		}
	case domain.StepParallel:
		if step.Parallel == nil {
			return fmt.Errorf("step %s is parallel without a parallel config", step.ID)
		}
		switch step.Parallel.Join {
		case domain.JoinAll, domain.JoinAny, domain.JoinNone:
		default:
			return fmt.Errorf("parallel step %s has unknown join type %q", step.ID, step.Parallel.Join)
		}
		if len(step.Parallel.Branches) == 0 {
			return fmt.Errorf("parallel step %s has no branches", step.ID)
		}
		// Branches are not a recursive interpreter: only plain task
		// steps are allowed inside.
		for _, branch := range step.Parallel.Branches {
			for _, bstep := range branch.Steps {
				if bstep.Type != domain.StepTask || bstep.Task == nil {
					return fmt.Errorf("parallel step %s branch %q contains non-task step %q",
						step.ID, branch.Name, bstep.ID)
				}
				if bstep.Task.Handler == "" {
					return fmt.Errorf("parallel step %s branch step %s needs a handler name", step.ID, bstep.ID)
				}
			}
		}
	case domain.StepWait:
		if step.Wait == nil {
			return fmt.Errorf("step %s is a wait without a wait config", step.ID)
		}
		if step.Wait.Event == "" {
			return fmt.Errorf("wait step %s needs an event name", step.ID)
		}
		if last {
			// Resume advances sequentially, so a wait step needs a
			// successor.
			return fmt.Errorf("wait step %s cannot be the last step", step.ID)
		}
	case domain.StepSubprocess:
		if step.Subprocess == nil {
			return fmt.Errorf("step %s is a subprocess without a subprocess config", step.ID)
		}
		if step.Subprocess.WorkflowID == "" {
			return fmt.Errorf("subprocess step %s needs a workflow id", step.ID)
		}
	default:
		return fmt.Errorf("step %s has unknown type %q", step.ID, step.Type)
	}

	return nil
}
