package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// Store is the persistence contract for workflow instances. UpdateInstance
// must perform a compare-and-swap on the version the instance was loaded
// with, bump it by exactly one on success and return
// *domain.ConflictError when someone else persisted first.
type Store interface {
	CreateInstance(ctx context.Context, inst *domain.Instance) error
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	UpdateInstance(ctx context.Context, inst *domain.Instance) error
}

// ExpressionEvaluator computes decision conditions and input projections
// from the instance variable bag.
type ExpressionEvaluator interface {
	Evaluate(expression string, env map[string]any) (any, error)
	EvaluateBool(expression string, env map[string]any) (bool, error)
}

// RuleEvaluator gates step entry with business rules.
type RuleEvaluator interface {
	EvaluateRules(ctx context.Context, rc domain.RuleContext) domain.RuleResult
}

// TimeoutScheduler arms a delayed wake-up for a wait step. The job queue
// implementation lives in timeout.go.
type TimeoutScheduler interface {
	ScheduleWaitTimeout(ctx context.Context, instanceID, stepID, event string, delay time.Duration) error
}

// Config holds engine dependencies. Rules, Events and Timeouts are
// optional; a nil Rules skips rule gating, a nil Events disables
// publishing and a nil Timeouts leaves wait timeouts unarmed.
type Config struct {
	Logger      *slog.Logger
	Store       Store
	Registry    *Registry
	Expressions ExpressionEvaluator
	Rules       RuleEvaluator
	Events      EventPublisher
	Timeouts    TimeoutScheduler
	Now         func() time.Time
}

// Engine drives workflow instances one step at a time. It is
// request/response shaped: every call loads the instance, advances it to
// the next step boundary and persists, relying on the store's version CAS
// to serialize concurrent drivers.
type Engine struct {
	logger   *slog.Logger
	store    Store
	registry *Registry
	exprs    ExpressionEvaluator
	rules    RuleEvaluator
	events   EventPublisher
	timeouts TimeoutScheduler
	now      func() time.Time
}

// StartOptions and StepOptions carry the acting user for the audit trail.
type StartOptions struct {
	UserID string
}

type StepOptions struct {
	UserID string
}

// NewEngine creates an engine instance.
func NewEngine(cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:   logger,
		store:    cfg.Store,
		registry: cfg.Registry,
		exprs:    cfg.Expressions,
		rules:    cfg.Rules,
		events:   cfg.Events,
		timeouts: cfg.Timeouts,
		now:      now,
	}
}

// Start creates and persists a fresh instance positioned on the step that
// represents the state machine's initial state.
func (e *Engine) Start(ctx context.Context, workflowID, entityID string, initialVariables map[string]any, opts *StartOptions) (*domain.Instance, error) {
	def, ok := e.registry.Definition(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionNotFound, workflowID)
	}
	machine, _ := e.registry.StateMachine(workflowID)

	initial := machine.InitialState()
	step, ok := def.StepByState(initial)
	if !ok {
		// Registration validates this; reaching here means the
		// definition was mutated after registration.
		return nil, fmt.Errorf("%w: no step for initial state %q", domain.ErrStepNotFound, initial)
	}

	userID := ""
	if opts != nil {
		userID = opts.UserID
	}

	now := e.now()
	variables := make(map[string]any, len(initialVariables))
	for k, v := range initialVariables {
		variables[k] = v
	}

	inst := &domain.Instance{
		InstanceID:    uuid.New().String(),
		WorkflowID:    workflowID,
		EntityID:      entityID,
		CurrentState:  initial,
		CurrentStepID: step.ID,
		Status:        domain.InstancePending,
		StartedAt:     now,
		Variables:     variables,
		History: []domain.HistoryEntry{{
			Timestamp: now,
			StepID:    step.ID,
			State:     initial,
			UserID:    userID,
		}},
		Version: 1,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to persist new instance: %w", err)
	}

	e.logger.Info("Workflow instance started",
		slog.String("instance_id", inst.InstanceID),
		slog.String("workflow_id", workflowID),
		slog.String("entity_id", entityID),
		slog.String("state", initial),
	)
	e.publish(ctx, EventInstanceStarted, inst)

	return inst, nil
}

// ExecuteStep advances the instance across its current step. Step failures
// do not surface as errors: they route into compensation and the caller
// inspects the returned instance's status. Only load/lookup/persistence
// problems return an error.
func (e *Engine) ExecuteStep(ctx context.Context, instanceID string, opts *StepOptions) (*domain.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch inst.Status {
	case domain.InstancePending, domain.InstanceRunning, domain.InstanceWaiting:
	default:
		e.logger.Warn("Refusing to advance instance",
			slog.String("instance_id", instanceID),
			slog.String("status", string(inst.Status)),
		)
		return inst, nil
	}

	def, ok := e.registry.Definition(inst.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionNotFound, inst.WorkflowID)
	}
	machine, _ := e.registry.StateMachine(inst.WorkflowID)

	step, ok := def.StepByID(inst.CurrentStepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotFound, inst.CurrentStepID)
	}

	userID := ""
	if opts != nil {
		userID = opts.UserID
	}

	// Running is set in memory only; the status is persisted together
	// with the step outcome.
	inst.Status = domain.InstanceRunning

	if len(step.Rules) > 0 && e.rules != nil {
		verdict := e.rules.EvaluateRules(ctx, domain.RuleContext{
			Entity:    def.Entity,
			Operation: "transition",
			RuleIDs:   step.Rules,
			Data:      inst.Variables,
			UserID:    userID,
		})
		if !verdict.Passed {
			cause := fmt.Errorf("rule validation failed: %s", strings.Join(verdict.Errors, "; "))
			return e.compensate(ctx, inst, def, step, cause)
		}
	}

	outcome, err := e.runStep(ctx, inst, def, step, userID)
	if err != nil {
		return e.compensate(ctx, inst, def, step, err)
	}

	now := e.now()

	if outcome.waiting {
		inst.Status = domain.InstanceWaiting
		inst.AppendHistory(domain.HistoryEntry{
			Timestamp: now,
			StepID:    step.ID,
			State:     inst.CurrentState,
			Event:     "waiting:" + step.Wait.Event,
			UserID:    userID,
		})
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
		e.armWaitTimeout(ctx, inst, step)
		e.publish(ctx, EventInstanceWaiting, inst)
		return inst, nil
	}

	inst.MergeVariables(outcome.output)

	nextState, nextStepID := e.resolveNext(def, step, outcome)
	if nextState == "" {
		nextState = inst.CurrentState
		nextStepID = inst.CurrentStepID
		e.logger.Warn("Step produced no next target, instance stays put",
			slog.String("instance_id", inst.InstanceID),
			slog.String("step_id", step.ID),
		)
	}

	inst.CurrentState = nextState
	inst.CurrentStepID = nextStepID
	inst.AppendHistory(domain.HistoryEntry{
		Timestamp: now,
		StepID:    step.ID,
		State:     nextState,
		UserID:    userID,
		Variables: outcome.output,
	})

	if machine.IsFinal(nextState) {
		inst.Status = domain.InstanceCompleted
		completed := now
		inst.CompletedAt = &completed
	} else {
		inst.Status = domain.InstanceRunning
	}

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow step executed",
		slog.String("instance_id", inst.InstanceID),
		slog.String("step_id", step.ID),
		slog.String("step_type", string(step.Type)),
		slog.String("state", nextState),
		slog.String("status", string(inst.Status)),
	)
	if inst.Status == domain.InstanceCompleted {
		e.publish(ctx, EventInstanceCompleted, inst)
	}

	return inst, nil
}

// ResumeOnEvent wakes a waiting instance. The event must match the wait
// step's configured event (or its timeout event); otherwise the call fails
// without touching the instance. On a match the instance advances to the
// step following the wait step in definition order and execution continues
// immediately.
func (e *Engine) ResumeOnEvent(ctx context.Context, instanceID, event string, payload map[string]any, opts *StepOptions) (*domain.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status != domain.InstanceWaiting {
		return nil, &domain.StepFailedError{
			StepID: inst.CurrentStepID,
			Reason: fmt.Sprintf("instance is %s, not waiting", inst.Status),
		}
	}

	def, ok := e.registry.Definition(inst.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionNotFound, inst.WorkflowID)
	}
	step, ok := def.StepByID(inst.CurrentStepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotFound, inst.CurrentStepID)
	}
	if step.Type != domain.StepWait || !waitAccepts(step.Wait, event) {
		return nil, &domain.StepFailedError{
			StepID: step.ID,
			Reason: fmt.Sprintf("event %q does not match the awaited event", event),
		}
	}

	next, ok := def.StepAfter(step.ID)
	if !ok {
		return nil, fmt.Errorf("%w: no step after wait step %s", domain.ErrStepNotFound, step.ID)
	}

	userID := ""
	if opts != nil {
		userID = opts.UserID
	}

	inst.MergeVariables(payload)
	inst.MergeVariables(map[string]any{event + "_received": true})
	inst.CurrentStepID = next.ID
	inst.CurrentState = next.State
	inst.Status = domain.InstanceRunning
	inst.AppendHistory(domain.HistoryEntry{
		Timestamp: e.now(),
		StepID:    step.ID,
		State:     next.State,
		Event:     event,
		UserID:    userID,
		Variables: payload,
	})

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow instance resumed",
		slog.String("instance_id", instanceID),
		slog.String("event", event),
		slog.String("next_step", next.ID),
	)

	// Continue without another external trigger.
	return e.ExecuteStep(ctx, instanceID, opts)
}

// Cancel stops an instance. Idempotent for already completed or cancelled
// instances; any other status, terminal or not, transitions to cancelled
// immediately, with no graceful step completion wait.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string, opts *StepOptions) (*domain.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status == domain.InstanceCompleted || inst.Status == domain.InstanceCancelled {
		return inst, nil
	}

	userID := ""
	if opts != nil {
		userID = opts.UserID
	}

	now := e.now()
	inst.Status = domain.InstanceCancelled
	inst.CompletedAt = &now
	inst.AppendHistory(domain.HistoryEntry{
		Timestamp: now,
		StepID:    inst.CurrentStepID,
		State:     inst.CurrentState,
		Event:     "cancelled",
		UserID:    userID,
		Error:     reason,
	})

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow instance cancelled",
		slog.String("instance_id", instanceID),
		slog.String("reason", reason),
	)
	e.publish(ctx, EventInstanceCancelled, inst)

	return inst, nil
}

// GetStatus loads the instance. Pure read.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*domain.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// stepOutcome is the internal result of forward-executing one step.
type stepOutcome struct {
	output     map[string]any
	nextState  string
	nextStepID string
	waiting    bool
}

func (e *Engine) runStep(ctx context.Context, inst *domain.Instance, def *domain.Definition, step *domain.Step, userID string) (*stepOutcome, error) {
	switch step.Type {
	case domain.StepTask:
		return e.runTask(ctx, inst, step.Task, userID)
	case domain.StepDecision:
		return e.runDecision(def, step, inst.Variables)
	case domain.StepParallel:
		return e.runParallel(ctx, inst, step, userID)
	case domain.StepWait:
		return &stepOutcome{waiting: true}, nil
	case domain.StepSubprocess:
		return e.runSubprocess(ctx, inst, step.Subprocess, userID)
	default:
		return nil, fmt.Errorf("unsupported step type %q", step.Type)
	}
}

func (e *Engine) runTask(ctx context.Context, inst *domain.Instance, cfg *domain.TaskConfig, userID string) (*stepOutcome, error) {
	handler, ok := e.registry.Handler(cfg.Handler)
	if !ok {
		return nil, fmt.Errorf("task handler %q not registered", cfg.Handler)
	}

	input := e.evalInputs(cfg.Input, inst.Variables)
	result, err := e.invokeHandler(ctx, handler, TaskContext{
		InstanceID: inst.InstanceID,
		WorkflowID: inst.WorkflowID,
		EntityID:   inst.EntityID,
		UserID:     userID,
		Input:      input,
		Variables:  inst.Variables,
	})
	if err != nil {
		return nil, err
	}

	out := &stepOutcome{nextState: cfg.NextState, nextStepID: cfg.NextStepID}
	if result != nil {
		out.output = result.Output
		if result.NextState != "" {
			out.nextState = result.NextState
		}
		if result.NextStepID != "" {
			out.nextStepID = result.NextStepID
		}
	}
	return out, nil
}

// runDecision is a pure step: conditions are evaluated in order, the first
// true one wins, and evaluation problems count as "did not match".
func (e *Engine) runDecision(def *domain.Definition, step *domain.Step, variables map[string]any) (*stepOutcome, error) {
	cfg := step.Decision
	target := cfg.Default
	for _, cond := range cfg.Conditions {
		matched, err := e.exprs.EvaluateBool(cond.When, variables)
		if err != nil {
			e.logger.Warn("Decision condition failed to evaluate, treating as false",
				slog.String("step_id", step.ID),
				slog.String("expression", cond.When),
				slog.Any("error", err),
			)
			continue
		}
		if matched {
			target = cond.Goto
			break
		}
	}

	next, ok := def.StepByID(target)
	if !ok {
		// Registration guarantees the target exists.
		return nil, fmt.Errorf("decision target %q not found", target)
	}
	return &stepOutcome{nextStepID: next.ID, nextState: next.State}, nil
}

// runParallel executes every branch concurrently, each branch's task list
// sequentially, then combines the branch outcomes per the join type.
func (e *Engine) runParallel(ctx context.Context, inst *domain.Instance, step *domain.Step, userID string) (*stepOutcome, error) {
	cfg := step.Parallel

	type branchResult struct {
		output map[string]any
		err    error
	}
	results := make([]branchResult, len(cfg.Branches))

	g := new(errgroup.Group)
	for i := range cfg.Branches {
		i := i
		branch := cfg.Branches[i]
		g.Go(func() error {
			output := make(map[string]any)
			for j := range branch.Steps {
				bstep := &branch.Steps[j]

				// Branch steps see the instance variables plus
				// everything earlier branch steps produced.
				env := make(map[string]any, len(inst.Variables)+len(output))
				for k, v := range inst.Variables {
					env[k] = v
				}
				for k, v := range output {
					env[k] = v
				}

				handler, ok := e.registry.Handler(bstep.Task.Handler)
				if !ok {
					results[i] = branchResult{err: fmt.Errorf("branch %q: handler %q not registered", branch.Name, bstep.Task.Handler)}
					return results[i].err
				}
				res, err := e.invokeHandler(ctx, handler, TaskContext{
					InstanceID: inst.InstanceID,
					WorkflowID: inst.WorkflowID,
					EntityID:   inst.EntityID,
					UserID:     userID,
					Input:      e.evalInputs(bstep.Task.Input, env),
					Variables:  env,
				})
				if err != nil {
					results[i] = branchResult{err: fmt.Errorf("branch %q step %s: %w", branch.Name, bstep.ID, err)}
					return results[i].err
				}
				if res != nil {
					for k, v := range res.Output {
						output[k] = v
					}
				}
			}
			results[i] = branchResult{output: output}
			return nil
		})
	}
	firstErr := g.Wait()

	successes := 0
	merged := make(map[string]any)
	for _, res := range results {
		if res.err == nil {
			successes++
			for k, v := range res.output {
				merged[k] = v
			}
		}
	}

	switch cfg.Join {
	case domain.JoinAll:
		if firstErr != nil {
			return nil, firstErr
		}
	case domain.JoinAny:
		if successes == 0 {
			return nil, fmt.Errorf("all parallel branches failed: %w", firstErr)
		}
	case domain.JoinNone:
		// Outcomes ignored.
	}

	return &stepOutcome{output: merged}, nil
}

// runSubprocess starts a nested workflow for the same entity and returns
// immediately; the parent does not block on the child.
func (e *Engine) runSubprocess(ctx context.Context, inst *domain.Instance, cfg *domain.SubprocessConfig, userID string) (*stepOutcome, error) {
	input := e.evalInputs(cfg.Input, inst.Variables)
	sub, err := e.Start(ctx, cfg.WorkflowID, inst.EntityID, input, &StartOptions{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to start subprocess %s: %w", cfg.WorkflowID, err)
	}
	return &stepOutcome{
		output: map[string]any{"subprocess_instance_id": sub.InstanceID},
	}, nil
}

// resolveNext turns a step outcome into a concrete (state, step) pair.
// Explicit targets win; otherwise execution falls through to the next step
// in definition order.
func (e *Engine) resolveNext(def *domain.Definition, step *domain.Step, outcome *stepOutcome) (string, string) {
	state, stepID := outcome.nextState, outcome.nextStepID

	if stepID == "" && state != "" {
		if next, ok := def.StepByState(state); ok {
			stepID = next.ID
		}
	}
	if state == "" && stepID != "" {
		if next, ok := def.StepByID(stepID); ok {
			state = next.State
		}
	}
	if state == "" && stepID == "" {
		if next, ok := def.StepAfter(step.ID); ok {
			return next.State, next.ID
		}
	}
	return state, stepID
}

// evalInputs projects the variable bag through configured expressions.
// An expression that fails to evaluate is dropped from the input rather
// than failing the step.
func (e *Engine) evalInputs(exprs map[string]string, variables map[string]any) map[string]any {
	if len(exprs) == 0 {
		return nil
	}
	input := make(map[string]any, len(exprs))
	for key, expression := range exprs {
		value, err := e.exprs.Evaluate(expression, variables)
		if err != nil {
			e.logger.Warn("Input expression failed to evaluate",
				slog.String("key", key),
				slog.String("expression", expression),
				slog.Any("error", err),
			)
			continue
		}
		input[key] = value
	}
	return input
}

// invokeHandler shields the engine from handler panics.
func (e *Engine) invokeHandler(ctx context.Context, handler TaskHandler, tc TaskContext) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, tc)
}

func (e *Engine) armWaitTimeout(ctx context.Context, inst *domain.Instance, step *domain.Step) {
	if e.timeouts == nil || step.Wait.Timeout <= 0 {
		return
	}
	event := step.Wait.TimeoutEvent
	if event == "" {
		event = "timeout"
	}
	if err := e.timeouts.ScheduleWaitTimeout(ctx, inst.InstanceID, step.ID, event, step.Wait.Timeout); err != nil {
		e.logger.Error("Failed to schedule wait timeout",
			slog.String("instance_id", inst.InstanceID),
			slog.String("step_id", step.ID),
			slog.Any("error", err),
		)
	}
}

func waitAccepts(cfg *domain.WaitConfig, event string) bool {
	if event == cfg.Event {
		return true
	}
	timeoutEvent := cfg.TimeoutEvent
	if timeoutEvent == "" {
		timeoutEvent = "timeout"
	}
	return cfg.Timeout > 0 && event == timeoutEvent
}
