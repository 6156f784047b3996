package handler

import (
	"log/slog"
	"time"

	"github.com/gtsbahamas/taxflow/internal/api/dto"
	"github.com/gtsbahamas/taxflow/internal/jobs"
	jobdomain "github.com/gtsbahamas/taxflow/internal/jobs/domain"
	"github.com/gtsbahamas/taxflow/internal/workflow"
	wfdomain "github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  *jobs.Queue
	Engine *workflow.Engine
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  *jobs.Queue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}

// WorkflowHandler handles workflow-related HTTP requests
type WorkflowHandler struct {
	logger *slog.Logger
	engine *workflow.Engine
}

// NewWorkflowHandler creates a new WorkflowHandler instance
func NewWorkflowHandler(deps *Dependencies) *WorkflowHandler {
	return &WorkflowHandler{
		logger: deps.Logger,
		engine: deps.Engine,
	}
}

func toJobDTO(job *jobdomain.Job) dto.JobDTO {
	out := dto.JobDTO{
		ID:           job.ID,
		Type:         job.Type,
		Payload:      job.Payload,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Result:       job.Result,
		Priority:     job.Priority,
		ScheduledFor: job.ScheduledFor.Format(time.RFC3339),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Error != nil {
		out.Error = &dto.JobErrorDTO{
			Code:      string(job.Error.Code),
			Message:   job.Error.Message,
			Retryable: job.Error.Retryable,
		}
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func toInstanceDTO(inst *wfdomain.Instance) dto.InstanceDTO {
	out := dto.InstanceDTO{
		InstanceID:    inst.InstanceID,
		WorkflowID:    inst.WorkflowID,
		EntityID:      inst.EntityID,
		CurrentState:  inst.CurrentState,
		CurrentStepID: inst.CurrentStepID,
		Status:        string(inst.Status),
		StartedAt:     inst.StartedAt.Format(time.RFC3339),
		Variables:     inst.Variables,
		Version:       inst.Version,
	}
	if inst.CompletedAt != nil {
		out.CompletedAt = inst.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func toInstanceDetailDTO(inst *wfdomain.Instance) dto.InstanceDetailDTO {
	out := dto.InstanceDetailDTO{InstanceDTO: toInstanceDTO(inst)}
	out.History = make([]dto.HistoryEntryDTO, len(inst.History))
	for i, entry := range inst.History {
		out.History[i] = dto.HistoryEntryDTO{
			Timestamp: entry.Timestamp.Format(time.RFC3339),
			StepID:    entry.StepID,
			State:     entry.State,
			Event:     entry.Event,
			UserID:    entry.UserID,
			Variables: entry.Variables,
			Error:     entry.Error,
		}
	}
	if inst.Compensation != nil {
		comp := &dto.CompensationDTO{
			FailedStepID:         inst.Compensation.FailedStepID,
			CompensatedSteps:     inst.Compensation.CompensatedSteps,
			PendingCompensations: inst.Compensation.PendingCompensations,
		}
		for _, cerr := range inst.Compensation.CompensationErrors {
			comp.CompensationErrors = append(comp.CompensationErrors, dto.CompensationErrorDTO{
				StepID: cerr.StepID,
				Error:  cerr.Error,
			})
		}
		out.Compensation = comp
	}
	return out
}
