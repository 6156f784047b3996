package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gtsbahamas/taxflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "taxflow-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workflowHandler := handler.NewWorkflowHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		workflows := v1.Group("/workflows")
		{
			workflows.POST("", workflowHandler.StartWorkflow)
			workflows.GET("/:instance_id", workflowHandler.GetWorkflow)
			workflows.POST("/:instance_id/step", workflowHandler.ExecuteStep)
			workflows.POST("/:instance_id/resume", workflowHandler.ResumeWorkflow)
			workflows.POST("/:instance_id/cancel", workflowHandler.CancelWorkflow)
		}
	}

	return r
}
