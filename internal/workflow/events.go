package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// Lifecycle event types published by the engine.
const (
	EventInstanceStarted      = "workflow.instance.started"
	EventInstanceWaiting      = "workflow.instance.waiting"
	EventInstanceCompleted    = "workflow.instance.completed"
	EventInstanceCompensating = "workflow.instance.compensating"
	EventInstanceCompensated  = "workflow.instance.compensated"
	EventInstanceFailed       = "workflow.instance.failed"
	EventInstanceCancelled    = "workflow.instance.cancelled"
)

// Event is a workflow lifecycle notification for external consumers.
type Event struct {
	Type       string                `json:"type"`
	InstanceID string                `json:"instance_id"`
	WorkflowID string                `json:"workflow_id"`
	EntityID   string                `json:"entity_id"`
	Status     domain.InstanceStatus `json:"status"`
	State      string                `json:"state"`
	Timestamp  time.Time             `json:"timestamp"`
}

// EventPublisher delivers lifecycle events to an external broker.
// Publishing is best-effort: the engine logs failures and moves on.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

func (e *Engine) publish(ctx context.Context, eventType string, inst *domain.Instance) {
	if e.events == nil {
		return
	}
	event := Event{
		Type:       eventType,
		InstanceID: inst.InstanceID,
		WorkflowID: inst.WorkflowID,
		EntityID:   inst.EntityID,
		Status:     inst.Status,
		State:      inst.CurrentState,
		Timestamp:  e.now(),
	}
	if err := e.events.PublishEvent(ctx, event); err != nil {
		e.logger.Warn("Failed to publish workflow event",
			slog.String("type", eventType),
			slog.String("instance_id", inst.InstanceID),
			slog.Any("error", err),
		)
	}
}
