package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// compensate runs the saga path after a step failure. Compensations for
// every step present in the history run sequentially in descending order
// (reverse of forward execution). The run is best-effort: a failing
// compensation is recorded and the chain continues. The call returns a nil
// error unless persistence itself breaks; the outcome is communicated
// through the instance status.
func (e *Engine) compensate(ctx context.Context, inst *domain.Instance, def *domain.Definition, failed *domain.Step, cause error) (*domain.Instance, error) {
	e.logger.Error("Workflow step failed, starting compensation",
		slog.String("instance_id", inst.InstanceID),
		slog.String("step_id", failed.ID),
		slog.Any("error", cause),
	)

	executed := inst.ExecutedStepIDs()
	comps := make([]domain.CompensationStep, 0, len(def.Compensations))
	for _, comp := range def.Compensations {
		if executed[comp.CompensatesFor] {
			comps = append(comps, comp)
		}
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].Order > comps[j].Order })

	pending := make([]string, len(comps))
	for i, comp := range comps {
		pending[i] = comp.ID
	}

	inst.Status = domain.InstanceCompensating
	inst.AppendHistory(domain.HistoryEntry{
		Timestamp: e.now(),
		StepID:    failed.ID,
		State:     inst.CurrentState,
		Error:     cause.Error(),
	})
	inst.Compensation = &domain.CompensationState{
		FailedStepID:         failed.ID,
		CompensatedSteps:     []string{},
		PendingCompensations: pending,
	}

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.publish(ctx, EventInstanceCompensating, inst)

	for _, comp := range comps {
		cerr := e.runCompensation(ctx, inst, comp)

		cs := inst.Compensation
		cs.PendingCompensations = remove(cs.PendingCompensations, comp.ID)
		entry := domain.HistoryEntry{
			Timestamp: e.now(),
			StepID:    comp.ID,
			State:     inst.CurrentState,
			Event:     "compensation",
		}
		if cerr != nil {
			cs.CompensationErrors = append(cs.CompensationErrors, domain.CompensationError{
				StepID: comp.ID,
				Error:  cerr.Error(),
			})
			entry.Error = cerr.Error()
			e.logger.Error("Compensation step failed, continuing chain",
				slog.String("instance_id", inst.InstanceID),
				slog.String("compensation_id", comp.ID),
				slog.Any("error", cerr),
			)
		} else {
			cs.CompensatedSteps = append(cs.CompensatedSteps, comp.ID)
		}
		inst.AppendHistory(entry)

		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
	}

	cs := inst.Compensation
	if len(cs.PendingCompensations) == 0 && len(cs.CompensationErrors) == 0 {
		inst.Status = domain.InstanceCompensated
		now := e.now()
		inst.CompletedAt = &now
	} else {
		// Compensation was attempted but did not fully succeed; the
		// instance is parked for manual remediation with the error
		// details on the compensation state.
		inst.Status = domain.InstanceFailed
	}

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("Compensation finished",
		slog.String("instance_id", inst.InstanceID),
		slog.String("status", string(inst.Status)),
		slog.Int("compensated", len(cs.CompensatedSteps)),
		slog.Int("errors", len(cs.CompensationErrors)),
	)
	if inst.Status == domain.InstanceCompensated {
		e.publish(ctx, EventInstanceCompensated, inst)
	} else {
		e.publish(ctx, EventInstanceFailed, inst)
	}

	return inst, nil
}

func (e *Engine) runCompensation(ctx context.Context, inst *domain.Instance, comp domain.CompensationStep) error {
	handler, ok := e.registry.Handler(comp.Handler)
	if !ok {
		return &domain.StepFailedError{
			StepID: comp.ID,
			Reason: "compensation handler " + comp.Handler + " not registered",
		}
	}
	_, err := e.invokeHandler(ctx, handler, TaskContext{
		InstanceID: inst.InstanceID,
		WorkflowID: inst.WorkflowID,
		EntityID:   inst.EntityID,
		Variables:  inst.Variables,
	})
	return err
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
