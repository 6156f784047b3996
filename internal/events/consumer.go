package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gtsbahamas/taxflow/internal/workflow"
	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
	"github.com/gtsbahamas/taxflow/shared/rabbitmq"
)

// ResumeMessage is the wire format external systems publish to wake a
// waiting workflow instance.
type ResumeMessage struct {
	InstanceID string         `json:"instance_id"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
}

// ResumeConsumer consumes resume messages from the broker and feeds them
// into the workflow engine. It is the concrete "external trigger" behind
// ResumeOnEvent.
type ResumeConsumer struct {
	logger   *slog.Logger
	client   *rabbitmq.Client
	engine   *workflow.Engine
	prefetch int
}

// NewResumeConsumer creates a resume consumer.
func NewResumeConsumer(logger *slog.Logger, client *rabbitmq.Client, engine *workflow.Engine, prefetch int) *ResumeConsumer {
	return &ResumeConsumer{
		logger:   logger,
		client:   client,
		engine:   engine,
		prefetch: prefetch,
	}
}

// Run consumes until the context is cancelled or the delivery channel
// closes.
func (c *ResumeConsumer) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := c.client.Consume(consumerTag, c.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start resume consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Resume consumer context cancelled, stopping")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Resume delivery channel closed")
				return nil
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *ResumeConsumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var msg ResumeMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Dropping malformed resume message", slog.Any("error", err))
		c.nack(delivery, false)
		return
	}

	inst, err := c.engine.ResumeOnEvent(ctx, msg.InstanceID, msg.Event, msg.Payload, &workflow.StepOptions{UserID: msg.UserID})
	if err != nil {
		requeue := c.shouldRequeue(err)
		c.logger.Error("Failed to resume workflow instance",
			slog.String("instance_id", msg.InstanceID),
			slog.String("event", msg.Event),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		c.nack(delivery, requeue)
		return
	}

	c.logger.Info("Workflow instance resumed from broker event",
		slog.String("instance_id", inst.InstanceID),
		slog.String("event", msg.Event),
		slog.String("status", string(inst.Status)),
	)
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK resume message", slog.Any("error", err))
	}
}

// shouldRequeue keeps transient failures (version conflicts, store
// hiccups) in flight and discards messages that can never succeed.
func (c *ResumeConsumer) shouldRequeue(err error) bool {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	var stepFailed *domain.StepFailedError
	if errors.As(err, &stepFailed) {
		// Wrong event or instance not waiting; redelivery cannot fix it.
		return false
	}
	if errors.Is(err, domain.ErrInstanceNotFound) || errors.Is(err, domain.ErrDefinitionNotFound) {
		return false
	}
	return true
}

func (c *ResumeConsumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK resume message", slog.Any("error", err))
	}
}
