package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gtsbahamas/taxflow/internal/api/dto"
	"github.com/gtsbahamas/taxflow/internal/workflow"
	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// StartWorkflow handles POST /api/v1/workflows
// Creates a new workflow instance in its initial state
func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inst, err := h.engine.Start(c.Request.Context(), req.WorkflowID, req.EntityID, req.Variables,
		&workflow.StartOptions{UserID: req.UserID})
	if err != nil {
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Workflow definition not found",
			})
			return
		}
		h.logger.Error("Failed to start workflow", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start workflow",
		})
		return
	}

	c.JSON(http.StatusCreated, toInstanceDTO(inst))
}

// ExecuteStep handles POST /api/v1/workflows/:instance_id/step
// Advances the instance by executing its current step
func (h *WorkflowHandler) ExecuteStep(c *gin.Context) {
	instanceID := c.Param("instance_id")

	var req dto.ExecuteStepRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inst, err := h.engine.ExecuteStep(c.Request.Context(), instanceID,
		&workflow.StepOptions{UserID: req.UserID})
	if err != nil {
		h.respondWorkflowError(c, "Failed to execute step", err)
		return
	}

	c.JSON(http.StatusOK, toInstanceDTO(inst))
}

// ResumeWorkflow handles POST /api/v1/workflows/:instance_id/resume
// Delivers an external event to a waiting instance
func (h *WorkflowHandler) ResumeWorkflow(c *gin.Context) {
	instanceID := c.Param("instance_id")

	var req dto.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inst, err := h.engine.ResumeOnEvent(c.Request.Context(), instanceID, req.Event, req.Payload,
		&workflow.StepOptions{UserID: req.UserID})
	if err != nil {
		h.respondWorkflowError(c, "Failed to resume workflow", err)
		return
	}

	c.JSON(http.StatusOK, toInstanceDTO(inst))
}

// CancelWorkflow handles POST /api/v1/workflows/:instance_id/cancel
// Terminates an in-flight instance
func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	instanceID := c.Param("instance_id")

	var req dto.CancelWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inst, err := h.engine.Cancel(c.Request.Context(), instanceID, req.Reason,
		&workflow.StepOptions{UserID: req.UserID})
	if err != nil {
		h.respondWorkflowError(c, "Failed to cancel workflow", err)
		return
	}

	c.JSON(http.StatusOK, toInstanceDTO(inst))
}

// GetWorkflow handles GET /api/v1/workflows/:instance_id
// Returns the full instance including history and compensation state
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	instanceID := c.Param("instance_id")

	inst, err := h.engine.GetStatus(c.Request.Context(), instanceID)
	if err != nil {
		h.respondWorkflowError(c, "Failed to get workflow", err)
		return
	}

	c.JSON(http.StatusOK, toInstanceDetailDTO(inst))
}

func (h *WorkflowHandler) respondWorkflowError(c *gin.Context, msg string, err error) {
	var conflict *domain.ConflictError
	var stepFailed *domain.StepFailedError

	switch {
	case errors.Is(err, domain.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Workflow instance not found",
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":            "Instance was modified concurrently",
			"expected_version": conflict.Expected,
			"actual_version":   conflict.Actual,
		})
	case errors.As(err, &stepFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   stepFailed.Error(),
			"step_id": stepFailed.StepID,
		})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
