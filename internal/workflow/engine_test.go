package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtsbahamas/taxflow/internal/expreval"
	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
	"github.com/gtsbahamas/taxflow/internal/workflow/statemachine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memInstanceStore is an in-memory Store with the same version
// compare-and-swap semantics as the PostgreSQL implementation.
type memInstanceStore struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
}

func newMemInstanceStore() *memInstanceStore {
	return &memInstanceStore{instances: make(map[string]*domain.Instance)}
}

func cloneInstance(in *domain.Instance) *domain.Instance {
	cp := *in
	cp.Variables = make(map[string]any, len(in.Variables))
	for k, v := range in.Variables {
		cp.Variables[k] = v
	}
	cp.History = append([]domain.HistoryEntry(nil), in.History...)
	if in.Compensation != nil {
		cs := *in.Compensation
		cs.CompensatedSteps = append([]string(nil), in.Compensation.CompensatedSteps...)
		cs.PendingCompensations = append([]string(nil), in.Compensation.PendingCompensations...)
		cs.CompensationErrors = append([]domain.CompensationError(nil), in.Compensation.CompensationErrors...)
		cp.Compensation = &cs
	}
	if in.CompletedAt != nil {
		at := *in.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func (s *memInstanceStore) CreateInstance(ctx context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = cloneInstance(inst)
	return nil
}

func (s *memInstanceStore) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return cloneInstance(inst), nil
}

func (s *memInstanceStore) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.InstanceID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, inst.InstanceID)
	}
	if current.Version != inst.Version {
		return &domain.ConflictError{
			InstanceID: inst.InstanceID,
			Expected:   inst.Version,
			Actual:     current.Version,
		}
	}
	inst.Version++
	s.instances[inst.InstanceID] = cloneInstance(inst)
	return nil
}

// recordingPublisher captures lifecycle events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// recordingScheduler captures wait timeout requests.
type recordingScheduler struct {
	instanceID string
	stepID     string
	event      string
	delay      time.Duration
	calls      int
}

func (s *recordingScheduler) ScheduleWaitTimeout(ctx context.Context, instanceID, stepID, event string, delay time.Duration) error {
	s.instanceID = instanceID
	s.stepID = stepID
	s.event = event
	s.delay = delay
	s.calls++
	return nil
}

type ruleEvaluatorFunc func(ctx context.Context, rc domain.RuleContext) domain.RuleResult

func (f ruleEvaluatorFunc) EvaluateRules(ctx context.Context, rc domain.RuleContext) domain.RuleResult {
	return f(ctx, rc)
}

type engineFixture struct {
	engine    *Engine
	store     *memInstanceStore
	registry  *Registry
	events    *recordingPublisher
	scheduler *recordingScheduler
	now       time.Time
}

func newEngineFixture(t *testing.T, defs ...*domain.Definition) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:     newMemInstanceStore(),
		registry:  NewRegistry(),
		events:    &recordingPublisher{},
		scheduler: &recordingScheduler{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, def := range defs {
		require.NoError(t, f.registry.RegisterDefinition(def))
	}
	f.engine = NewEngine(&Config{
		Logger:      testLogger(),
		Store:       f.store,
		Registry:    f.registry,
		Expressions: expreval.New(),
		Events:      f.events,
		Timeouts:    f.scheduler,
		Now:         func() time.Time { return f.now },
	})
	return f
}

func okHandler(output map[string]any) TaskHandler {
	return func(ctx context.Context, tc TaskContext) (*StepResult, error) {
		return &StepResult{Output: output}, nil
	}
}

func failHandler(msg string) TaskHandler {
	return func(ctx context.Context, tc TaskContext) (*StepResult, error) {
		return nil, errors.New(msg)
	}
}

func twoTaskDefinition() *domain.Definition {
	return &domain.Definition{
		ID:     "onboarding",
		Name:   "Client Onboarding",
		Entity: "client",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "new", Initial: true},
				{Name: "verified"},
				{Name: "active", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "verify", State: "new", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "verify", NextState: "verified"},
			},
			{
				ID: "activate", State: "verified", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "activate", NextState: "active"},
			},
		},
		Compensations: []domain.CompensationStep{
			{ID: "undo-verify", CompensatesFor: "verify", Handler: "undo-verify", Order: 1},
		},
	}
}

// filingDefinition is a three step chain with a compensation per step,
// used to exercise the saga path.
func filingDefinition() *domain.Definition {
	return &domain.Definition{
		ID:     "filing",
		Entity: "return",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "drafting", Initial: true},
				{Name: "reviewing"},
				{Name: "filing"},
				{Name: "filed", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "draft", State: "drafting", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "draft", NextState: "reviewing"},
			},
			{
				ID: "review", State: "reviewing", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "review", NextState: "filing"},
			},
			{
				ID: "submit", State: "filing", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "submit", NextState: "filed"},
			},
		},
		Compensations: []domain.CompensationStep{
			{ID: "undo-draft", CompensatesFor: "draft", Handler: "undo-draft", Order: 1},
			{ID: "undo-review", CompensatesFor: "review", Handler: "undo-review", Order: 2},
			{ID: "undo-submit", CompensatesFor: "submit", Handler: "undo-submit", Order: 3},
		},
	}
}

func TestEngine_Start(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", map[string]any{"tier": "gold"}, &StartOptions{UserID: "ana"})
	require.NoError(t, err)

	assert.NotEmpty(t, inst.InstanceID)
	assert.Equal(t, "onboarding", inst.WorkflowID)
	assert.Equal(t, "client-42", inst.EntityID)
	assert.Equal(t, "new", inst.CurrentState)
	assert.Equal(t, "verify", inst.CurrentStepID)
	assert.Equal(t, domain.InstancePending, inst.Status)
	assert.Equal(t, 1, inst.Version)
	assert.Equal(t, "gold", inst.Variables["tier"])

	require.Len(t, inst.History, 1)
	assert.Equal(t, "verify", inst.History[0].StepID)
	assert.Equal(t, "new", inst.History[0].State)
	assert.Equal(t, "ana", inst.History[0].UserID)

	assert.Equal(t, []string{EventInstanceStarted}, f.events.types())
}

func TestEngine_StartUnknownWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Start(context.Background(), "nope", "client-1", nil, nil)
	require.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestEngine_HappyPathToCompletion(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	f.registry.RegisterHandler("verify", okHandler(map[string]any{"verified": true}))
	f.registry.RegisterHandler("activate", okHandler(map[string]any{"active": true}))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)

	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceRunning, inst.Status)
	assert.Equal(t, "verified", inst.CurrentState)
	assert.Equal(t, "activate", inst.CurrentStepID)
	assert.Equal(t, 2, inst.Version)
	assert.Equal(t, true, inst.Variables["verified"])

	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Equal(t, "active", inst.CurrentState)
	assert.Equal(t, 3, inst.Version)
	assert.Len(t, inst.History, 3)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, true, inst.Variables["active"])

	assert.Equal(t, []string{EventInstanceStarted, EventInstanceCompleted}, f.events.types())

	// A completed instance refuses to advance further.
	again, err := f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, again.Status)
	assert.Equal(t, 3, again.Version)
}

func TestEngine_VersionConflict(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)

	// Simulate a concurrent writer bumping the stored version.
	other, err := f.store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateInstance(ctx, other))

	err = f.store.UpdateInstance(ctx, inst)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 2, conflict.Actual)
}

func TestEngine_Decision(t *testing.T) {
	def := &domain.Definition{
		ID:     "triage",
		Entity: "return",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "start", Initial: true},
				{Name: "simple_prep"},
				{Name: "complex_prep"},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "route", State: "start", Type: domain.StepDecision,
				Decision: &domain.DecisionConfig{
					Conditions: []domain.DecisionCondition{
						{When: `income > 100000`, Goto: "complex"},
					},
					Default: "simple",
				},
			},
			{
				ID: "simple", State: "simple_prep", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "noop", NextState: "done"},
			},
			{
				ID: "complex", State: "complex_prep", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "noop", NextState: "done"},
			},
		},
	}

	tests := []struct {
		name      string
		variables map[string]any
		wantStep  string
	}{
		{name: "matching condition routes", variables: map[string]any{"income": 250000}, wantStep: "complex"},
		{name: "no match falls to default", variables: map[string]any{"income": 40000}, wantStep: "simple"},
		{name: "evaluation error counts as no match", variables: map[string]any{}, wantStep: "simple"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, def)
			f.registry.RegisterHandler("noop", okHandler(nil))
			ctx := context.Background()

			inst, err := f.engine.Start(ctx, "triage", "r-1", tt.variables, nil)
			require.NoError(t, err)

			inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStep, inst.CurrentStepID)
			assert.Equal(t, domain.InstanceRunning, inst.Status)
		})
	}
}

func waitDefinition(timeout time.Duration) *domain.Definition {
	return &domain.Definition{
		ID:     "review",
		Entity: "return",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "awaiting", Initial: true},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "await-approval", State: "awaiting", Type: domain.StepWait,
				Wait: &domain.WaitConfig{Event: "approved", Timeout: timeout, TimeoutEvent: "review.expired"},
			},
			{
				ID: "finish", State: "done", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "finish"},
			},
		},
	}
}

func TestEngine_WaitAndResume(t *testing.T) {
	f := newEngineFixture(t, waitDefinition(72*time.Hour))
	f.registry.RegisterHandler("finish", okHandler(map[string]any{"finished": true}))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "review", "r-1", nil, nil)
	require.NoError(t, err)

	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceWaiting, inst.Status)
	assert.Equal(t, "await-approval", inst.CurrentStepID)
	assert.Equal(t, 2, inst.Version)
	require.Len(t, inst.History, 2)
	assert.Equal(t, "waiting:approved", inst.History[1].Event)

	// The wait armed a delayed wake-up through the scheduler.
	assert.Equal(t, 1, f.scheduler.calls)
	assert.Equal(t, inst.InstanceID, f.scheduler.instanceID)
	assert.Equal(t, "await-approval", f.scheduler.stepID)
	assert.Equal(t, "review.expired", f.scheduler.event)
	assert.Equal(t, 72*time.Hour, f.scheduler.delay)

	inst, err = f.engine.ResumeOnEvent(ctx, inst.InstanceID, "approved", map[string]any{"reviewer": "bo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Equal(t, "bo", inst.Variables["reviewer"])
	assert.Equal(t, true, inst.Variables["approved_received"])
	assert.Equal(t, true, inst.Variables["finished"])

	assert.Equal(t, []string{EventInstanceStarted, EventInstanceWaiting, EventInstanceCompleted}, f.events.types())
}

func TestEngine_ResumeRejectsWrongEvent(t *testing.T) {
	f := newEngineFixture(t, waitDefinition(0))
	f.registry.RegisterHandler("finish", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "review", "r-1", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.InstanceWaiting, inst.Status)

	_, err = f.engine.ResumeOnEvent(ctx, inst.InstanceID, "rejected", nil, nil)
	var sfe *domain.StepFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "await-approval", sfe.StepID)

	// Without a timeout the timeout event is not accepted either.
	_, err = f.engine.ResumeOnEvent(ctx, inst.InstanceID, "review.expired", nil, nil)
	require.ErrorAs(t, err, &sfe)

	// The instance was not touched.
	after, err := f.engine.GetStatus(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceWaiting, after.Status)
	assert.Equal(t, inst.Version, after.Version)
}

func TestEngine_ResumeAcceptsTimeoutEvent(t *testing.T) {
	f := newEngineFixture(t, waitDefinition(time.Hour))
	f.registry.RegisterHandler("finish", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "review", "r-1", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	inst, err = f.engine.ResumeOnEvent(ctx, inst.InstanceID, "review.expired", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["review.expired_received"])
}

func TestEngine_ResumeRequiresWaitingStatus(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-1", nil, nil)
	require.NoError(t, err)

	_, err = f.engine.ResumeOnEvent(ctx, inst.InstanceID, "approved", nil, nil)
	var sfe *domain.StepFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Contains(t, sfe.Reason, "not waiting")
}

func TestEngine_CompensationRunsInReverseOrder(t *testing.T) {
	f := newEngineFixture(t, filingDefinition())
	var mu sync.Mutex
	var order []string
	record := func(name string) TaskHandler {
		return func(ctx context.Context, tc TaskContext) (*StepResult, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	f.registry.RegisterHandler("draft", okHandler(nil))
	f.registry.RegisterHandler("review", okHandler(nil))
	f.registry.RegisterHandler("submit", failHandler("filing gateway rejected the return"))
	f.registry.RegisterHandler("undo-draft", record("undo-draft"))
	f.registry.RegisterHandler("undo-review", record("undo-review"))
	f.registry.RegisterHandler("undo-submit", record("undo-submit"))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "filing", "r-7", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	// Third step fails and triggers the saga.
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.InstanceCompensated, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	require.NotNil(t, inst.Compensation)
	assert.Equal(t, "submit", inst.Compensation.FailedStepID)
	assert.Empty(t, inst.Compensation.PendingCompensations)
	assert.Empty(t, inst.Compensation.CompensationErrors)

	// Only the steps that actually completed are compensated, highest
	// order first. The failed submit step itself is not undone.
	assert.Equal(t, []string{"undo-review", "undo-draft"}, order)
	assert.Equal(t, []string{"undo-review", "undo-draft"}, inst.Compensation.CompensatedSteps)

	// The failure itself landed in the audit trail.
	var failure *domain.HistoryEntry
	for i := range inst.History {
		if inst.History[i].StepID == "submit" && inst.History[i].Error != "" {
			failure = &inst.History[i]
		}
	}
	require.NotNil(t, failure)
	assert.Contains(t, failure.Error, "filing gateway rejected")

	assert.Equal(t, []string{EventInstanceStarted, EventInstanceCompensating, EventInstanceCompensated}, f.events.types())
}

func TestEngine_CompensationFailureParksInstance(t *testing.T) {
	f := newEngineFixture(t, filingDefinition())
	f.registry.RegisterHandler("draft", okHandler(nil))
	f.registry.RegisterHandler("review", okHandler(nil))
	f.registry.RegisterHandler("submit", failHandler("boom"))
	f.registry.RegisterHandler("undo-review", failHandler("review record is locked"))
	f.registry.RegisterHandler("undo-draft", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "filing", "r-7", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.InstanceFailed, inst.Status)
	assert.Nil(t, inst.CompletedAt)
	require.NotNil(t, inst.Compensation)

	// The chain continued past the failing compensation.
	assert.Equal(t, []string{"undo-draft"}, inst.Compensation.CompensatedSteps)
	require.Len(t, inst.Compensation.CompensationErrors, 1)
	assert.Equal(t, "undo-review", inst.Compensation.CompensationErrors[0].StepID)
	assert.Contains(t, inst.Compensation.CompensationErrors[0].Error, "review record is locked")

	assert.Equal(t, []string{EventInstanceStarted, EventInstanceCompensating, EventInstanceFailed}, f.events.types())
}

func TestEngine_MissingCompensationHandlerIsRecorded(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	f.registry.RegisterHandler("verify", failHandler("verification service down"))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.InstanceFailed, inst.Status)
	require.NotNil(t, inst.Compensation)
	require.Len(t, inst.Compensation.CompensationErrors, 1)
	assert.Contains(t, inst.Compensation.CompensationErrors[0].Error, "not registered")
}

func parallelDefinition(join domain.JoinType) *domain.Definition {
	return &domain.Definition{
		ID:     "checks",
		Entity: "return",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "checking", Initial: true},
				{Name: "reviewing"},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "run-checks", State: "checking", Type: domain.StepParallel,
				Parallel: &domain.ParallelConfig{
					Join: join,
					Branches: []domain.Branch{
						{Name: "identity", Steps: []domain.Step{{
							ID: "check-identity", State: "checking", Type: domain.StepTask,
							Task: &domain.TaskConfig{Handler: "check-identity"},
						}}},
						{Name: "credit", Steps: []domain.Step{{
							ID: "check-credit", State: "checking", Type: domain.StepTask,
							Task: &domain.TaskConfig{Handler: "check-credit"},
						}}},
					},
				},
			},
			{
				ID: "wrap-up", State: "reviewing", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "wrap-up", NextState: "done"},
			},
		},
	}
}

func TestEngine_Parallel(t *testing.T) {
	t.Run("join all merges branch outputs", func(t *testing.T) {
		f := newEngineFixture(t, parallelDefinition(domain.JoinAll))
		f.registry.RegisterHandler("check-identity", okHandler(map[string]any{"identity_ok": true}))
		f.registry.RegisterHandler("check-credit", okHandler(map[string]any{"credit_ok": true}))
		f.registry.RegisterHandler("wrap-up", okHandler(nil))
		ctx := context.Background()

		inst, err := f.engine.Start(ctx, "checks", "r-1", nil, nil)
		require.NoError(t, err)
		inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
		require.NoError(t, err)

		assert.Equal(t, domain.InstanceRunning, inst.Status)
		assert.Equal(t, "wrap-up", inst.CurrentStepID)
		assert.Equal(t, true, inst.Variables["identity_ok"])
		assert.Equal(t, true, inst.Variables["credit_ok"])
	})

	t.Run("join all fails when one branch fails", func(t *testing.T) {
		f := newEngineFixture(t, parallelDefinition(domain.JoinAll))
		f.registry.RegisterHandler("check-identity", okHandler(nil))
		f.registry.RegisterHandler("check-credit", failHandler("bureau timeout"))
		f.registry.RegisterHandler("wrap-up", okHandler(nil))
		ctx := context.Background()

		inst, err := f.engine.Start(ctx, "checks", "r-1", nil, nil)
		require.NoError(t, err)
		inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
		require.NoError(t, err)

		// No compensations are defined, so the saga ends immediately.
		assert.Equal(t, domain.InstanceCompensated, inst.Status)
	})

	t.Run("join any tolerates one failure", func(t *testing.T) {
		f := newEngineFixture(t, parallelDefinition(domain.JoinAny))
		f.registry.RegisterHandler("check-identity", okHandler(map[string]any{"identity_ok": true}))
		f.registry.RegisterHandler("check-credit", failHandler("bureau timeout"))
		f.registry.RegisterHandler("wrap-up", okHandler(nil))
		ctx := context.Background()

		inst, err := f.engine.Start(ctx, "checks", "r-1", nil, nil)
		require.NoError(t, err)
		inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
		require.NoError(t, err)

		assert.Equal(t, domain.InstanceRunning, inst.Status)
		assert.Equal(t, true, inst.Variables["identity_ok"])
		_, hasCredit := inst.Variables["credit_ok"]
		assert.False(t, hasCredit)
	})

	t.Run("join none ignores failures", func(t *testing.T) {
		f := newEngineFixture(t, parallelDefinition(domain.JoinNone))
		f.registry.RegisterHandler("check-identity", failHandler("down"))
		f.registry.RegisterHandler("check-credit", failHandler("also down"))
		f.registry.RegisterHandler("wrap-up", okHandler(nil))
		ctx := context.Background()

		inst, err := f.engine.Start(ctx, "checks", "r-1", nil, nil)
		require.NoError(t, err)
		inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
		require.NoError(t, err)

		assert.Equal(t, domain.InstanceRunning, inst.Status)
		assert.Equal(t, "wrap-up", inst.CurrentStepID)
	})
}

func TestEngine_Subprocess(t *testing.T) {
	parent := &domain.Definition{
		ID:     "parent",
		Entity: "client",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "spawning", Initial: true},
				{Name: "finishing"},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "spawn", State: "spawning", Type: domain.StepSubprocess,
				Subprocess: &domain.SubprocessConfig{
					WorkflowID: "child",
					Input:      map[string]string{"parent_tier": "tier"},
				},
			},
			{
				ID: "finish", State: "finishing", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "finish", NextState: "done"},
			},
		},
	}
	child := &domain.Definition{
		ID:     "child",
		Entity: "client",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "working", Initial: true},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "work", State: "working", Type: domain.StepTask,
				Task: &domain.TaskConfig{Handler: "work", NextState: "done"},
			},
		},
	}

	f := newEngineFixture(t, parent, child)
	f.registry.RegisterHandler("finish", okHandler(nil))
	f.registry.RegisterHandler("work", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "parent", "client-1", map[string]any{"tier": "gold"}, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	// The parent advanced without waiting for the child.
	assert.Equal(t, domain.InstanceRunning, inst.Status)
	assert.Equal(t, "finish", inst.CurrentStepID)
	subID, ok := inst.Variables["subprocess_instance_id"].(string)
	require.True(t, ok)

	sub, err := f.engine.GetStatus(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, "child", sub.WorkflowID)
	assert.Equal(t, "client-1", sub.EntityID)
	assert.Equal(t, domain.InstancePending, sub.Status)
	assert.Equal(t, "gold", sub.Variables["parent_tier"])
}

func TestEngine_Cancel(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	f.registry.RegisterHandler("verify", okHandler(nil))
	f.registry.RegisterHandler("activate", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)

	inst, err = f.engine.Cancel(ctx, inst.InstanceID, "client withdrew", &StepOptions{UserID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	last := inst.History[len(inst.History)-1]
	assert.Equal(t, "cancelled", last.Event)
	assert.Equal(t, "client withdrew", last.Error)
	assert.Equal(t, "ana", last.UserID)

	// Cancelling again is a no-op.
	version := inst.Version
	inst, err = f.engine.Cancel(ctx, inst.InstanceID, "again", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, inst.Status)
	assert.Equal(t, version, inst.Version)

	// A cancelled instance refuses to advance.
	after, err := f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, after.Status)
	assert.Equal(t, version, after.Version)
}

func TestEngine_CancelUnknownInstance(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Cancel(context.Background(), "missing", "why not", nil)
	require.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestEngine_RuleGateFailureCompensates(t *testing.T) {
	def := twoTaskDefinition()
	def.Steps[0].Rules = []string{"client-must-be-of-age"}

	f := newEngineFixture(t, def)
	f.engine.rules = ruleEvaluatorFunc(func(ctx context.Context, rc domain.RuleContext) domain.RuleResult {
		assert.Equal(t, "client", rc.Entity)
		assert.Equal(t, []string{"client-must-be-of-age"}, rc.RuleIDs)
		return domain.RuleResult{Passed: false, Errors: []string{"client is a minor"}}
	})
	f.registry.RegisterHandler("verify", okHandler(nil))
	f.registry.RegisterHandler("undo-verify", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.InstanceCompensated, inst.Status)
	found := false
	for _, entry := range inst.History {
		if entry.Error != "" && entry.Event != "compensation" {
			assert.Contains(t, entry.Error, "rule validation failed")
			assert.Contains(t, entry.Error, "client is a minor")
			found = true
		}
	}
	assert.True(t, found)
}

func TestEngine_TaskInputExpressions(t *testing.T) {
	def := &domain.Definition{
		ID:     "notify",
		Entity: "client",
		StateMachine: statemachine.Config{
			States: []statemachine.State{
				{Name: "notifying", Initial: true},
				{Name: "done", Final: true},
			},
		},
		Steps: []domain.Step{
			{
				ID: "send", State: "notifying", Type: domain.StepTask,
				Task: &domain.TaskConfig{
					Handler:   "send",
					NextState: "done",
					Input: map[string]string{
						"to":     "client_email",
						"amount": "refund * 2",
						"broken": "does_not_exist.nested",
					},
				},
			},
		},
	}

	f := newEngineFixture(t, def)
	var got map[string]any
	f.registry.RegisterHandler("send", func(ctx context.Context, tc TaskContext) (*StepResult, error) {
		got = tc.Input
		return nil, nil
	})
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "notify", "c-1", map[string]any{
		"client_email": "pat@example.com",
		"refund":       150,
	}, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)

	require.NotNil(t, got)
	assert.Equal(t, "pat@example.com", got["to"])
	assert.EqualValues(t, 300, got["amount"])
	// Expressions that fail to evaluate are dropped, not fatal.
	_, hasBroken := got["broken"]
	assert.False(t, hasBroken)
}

func TestEngine_HandlerPanicTriggersCompensation(t *testing.T) {
	f := newEngineFixture(t, twoTaskDefinition())
	f.registry.RegisterHandler("verify", func(ctx context.Context, tc TaskContext) (*StepResult, error) {
		panic("nil map write")
	})
	f.registry.RegisterHandler("undo-verify", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "onboarding", "client-42", nil, nil)
	require.NoError(t, err)

	var result *domain.Instance
	assert.NotPanics(t, func() {
		result, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompensated, result.Status)
}

func TestEngine_HandlerOverridesNextTarget(t *testing.T) {
	def := filingDefinition()
	def.Steps[0].Task.NextState = ""
	f := newEngineFixture(t, def)
	// The draft handler skips review entirely.
	f.registry.RegisterHandler("draft", func(ctx context.Context, tc TaskContext) (*StepResult, error) {
		return &StepResult{NextStepID: "submit"}, nil
	})
	f.registry.RegisterHandler("submit", okHandler(nil))
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "filing", "r-7", nil, nil)
	require.NoError(t, err)
	inst, err = f.engine.ExecuteStep(ctx, inst.InstanceID, nil)
	require.NoError(t, err)

	assert.Equal(t, "submit", inst.CurrentStepID)
	assert.Equal(t, "filing", inst.CurrentState)
}
