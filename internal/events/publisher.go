// Package events bridges the workflow engine to RabbitMQ: lifecycle
// events go out through the Publisher, external resume events come in
// through the ResumeConsumer.
package events

import (
	"context"

	"github.com/gtsbahamas/taxflow/internal/workflow"
	"github.com/gtsbahamas/taxflow/shared/rabbitmq"
)

// Publisher forwards workflow lifecycle events to the broker, routed by
// their event type ("workflow.instance.completed", ...).
type Publisher struct {
	client *rabbitmq.Client
}

// NewPublisher creates a lifecycle event publisher.
func NewPublisher(client *rabbitmq.Client) *Publisher {
	return &Publisher{client: client}
}

var _ workflow.EventPublisher = (*Publisher)(nil)

// PublishEvent implements workflow.EventPublisher.
func (p *Publisher) PublishEvent(ctx context.Context, event workflow.Event) error {
	return p.client.PublishJSON(ctx, event.Type, event)
}
