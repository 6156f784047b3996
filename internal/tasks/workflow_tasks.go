package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gtsbahamas/taxflow/internal/jobs"
	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
	"github.com/gtsbahamas/taxflow/internal/workflow"
)

// WorkflowTasks holds the task handlers the shipped workflow
// definitions reference. Queue may be nil in tests.
type WorkflowTasks struct {
	Logger *slog.Logger
	Queue  *jobs.Queue
}

// Register binds the built-in workflow task handlers.
func (w *WorkflowTasks) Register(registry *workflow.Registry) {
	registry.RegisterHandler("record-intake", w.RecordIntake)
	registry.RegisterHandler("prepare-return", w.PrepareReturn)
	registry.RegisterHandler("file-return", w.FileReturn)
	registry.RegisterHandler("notify-client", w.NotifyClient)
	registry.RegisterHandler("void-filing", w.VoidFiling)
	registry.RegisterHandler("discard-draft", w.DiscardDraft)
}

// RecordIntake captures the intake input into the instance variables.
func (w *WorkflowTasks) RecordIntake(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	out := map[string]any{"intake_recorded": true}
	for k, v := range tc.Input {
		out[k] = v
	}
	return &workflow.StepResult{Output: out}, nil
}

// PrepareReturn marks the draft as prepared. The heavy lifting happens in
// the preparation service; the workflow only tracks state.
func (w *WorkflowTasks) PrepareReturn(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	if tc.EntityID == "" {
		return nil, fmt.Errorf("prepare-return needs an entity")
	}
	w.Logger.Info("Return draft prepared",
		slog.String("instance_id", tc.InstanceID),
		slog.String("entity_id", tc.EntityID),
	)
	return &workflow.StepResult{Output: map[string]any{"draft_ready": true}}, nil
}

// FileReturn submits the prepared return downstream.
func (w *WorkflowTasks) FileReturn(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	if ready, ok := tc.Variables["draft_ready"].(bool); !ok || !ready {
		return nil, fmt.Errorf("cannot file: no prepared draft for entity %s", tc.EntityID)
	}
	w.Logger.Info("Return filed",
		slog.String("instance_id", tc.InstanceID),
		slog.String("entity_id", tc.EntityID),
	)
	return &workflow.StepResult{Output: map[string]any{"filed": true}}, nil
}

// NotifyClient enqueues a send-email job instead of mailing inline, so
// delivery gets the queue's retry policy.
func (w *WorkflowTasks) NotifyClient(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	if w.Queue == nil {
		return nil, fmt.Errorf("job queue unavailable")
	}
	to, _ := tc.Input["to"].(string)
	template, _ := tc.Input["template"].(string)
	if template == "" {
		template = "workflow-update"
	}
	payload, err := json.Marshal(EmailPayload{
		To:       to,
		Template: template,
		Subject:  fmt.Sprintf("Update on %s", tc.EntityID),
		Data:     map[string]any{"instanceId": tc.InstanceID, "workflowId": tc.WorkflowID},
	})
	if err != nil {
		return nil, err
	}

	job, err := w.Queue.Enqueue(ctx, domain.TypeSendEmail, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return &workflow.StepResult{Output: map[string]any{"notification_job_id": job.ID}}, nil
}

// VoidFiling is the compensation for file-return.
func (w *WorkflowTasks) VoidFiling(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	w.Logger.Warn("Filing voided",
		slog.String("instance_id", tc.InstanceID),
		slog.String("entity_id", tc.EntityID),
	)
	return &workflow.StepResult{Output: map[string]any{"filing_voided": true}}, nil
}

// DiscardDraft is the compensation for prepare-return.
func (w *WorkflowTasks) DiscardDraft(ctx context.Context, tc workflow.TaskContext) (*workflow.StepResult, error) {
	w.Logger.Warn("Draft discarded",
		slog.String("instance_id", tc.InstanceID),
		slog.String("entity_id", tc.EntityID),
	)
	return &workflow.StepResult{Output: map[string]any{"draft_discarded": true}}, nil
}
