package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gtsbahamas/taxflow/internal/jobs"
	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// WaitTimeoutJobType is the job type carrying delayed wait-step wake-ups.
// Wait timeouts reuse the job queue instead of a second timer mechanism.
const WaitTimeoutJobType = "workflow.wait-timeout"

// WaitTimeoutPayload is the queued wake-up request.
type WaitTimeoutPayload struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Event      string `json:"event"`
}

// queueScheduler arms wait timeouts as delayed jobs.
type queueScheduler struct {
	queue *jobs.Queue
}

// NewQueueScheduler returns a TimeoutScheduler backed by the job queue.
func NewQueueScheduler(q *jobs.Queue) TimeoutScheduler {
	return &queueScheduler{queue: q}
}

func (s *queueScheduler) ScheduleWaitTimeout(ctx context.Context, instanceID, stepID, event string, delay time.Duration) error {
	_, err := s.queue.Enqueue(ctx, WaitTimeoutJobType, WaitTimeoutPayload{
		InstanceID: instanceID,
		StepID:     stepID,
		Event:      event,
	}, &jobs.EnqueueOptions{Delay: delay})
	return err
}

// NewWaitTimeoutHandler returns the job handler that fires queued wait
// timeouts. Register it under WaitTimeoutJobType on the worker's job
// registry. The wake-up is a no-op when the instance already moved on.
func NewWaitTimeoutHandler(engine *Engine, logger *slog.Logger) jobs.Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p WaitTimeoutPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid wait timeout payload: %w", err)
		}

		inst, err := engine.GetStatus(ctx, p.InstanceID)
		if err != nil {
			if errors.Is(err, domain.ErrInstanceNotFound) {
				logger.Warn("Wait timeout fired for missing instance",
					slog.String("instance_id", p.InstanceID),
				)
				return json.RawMessage(`{"resumed":false}`), nil
			}
			return nil, err
		}
		if inst.Status != domain.InstanceWaiting || inst.CurrentStepID != p.StepID {
			// The awaited event arrived before the timeout.
			return json.RawMessage(`{"resumed":false}`), nil
		}

		if _, err := engine.ResumeOnEvent(ctx, p.InstanceID, p.Event, map[string]any{"timed_out": true}, nil); err != nil {
			var sfe *domain.StepFailedError
			if errors.As(err, &sfe) {
				// Lost a race with a real event; nothing to do.
				logger.Info("Wait timeout lost race with event",
					slog.String("instance_id", p.InstanceID),
					slog.String("reason", sfe.Reason),
				)
				return json.RawMessage(`{"resumed":false}`), nil
			}
			return nil, err
		}

		return json.RawMessage(`{"resumed":true}`), nil
	}
}
