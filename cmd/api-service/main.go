package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/gtsbahamas/taxflow/internal/api/handler"
	"github.com/gtsbahamas/taxflow/internal/api/router"
	"github.com/gtsbahamas/taxflow/internal/config"
	"github.com/gtsbahamas/taxflow/internal/events"
	"github.com/gtsbahamas/taxflow/internal/expreval"
	"github.com/gtsbahamas/taxflow/internal/jobs"
	jobstorage "github.com/gtsbahamas/taxflow/internal/jobs/storage"
	"github.com/gtsbahamas/taxflow/internal/rules"
	"github.com/gtsbahamas/taxflow/internal/tasks"
	"github.com/gtsbahamas/taxflow/internal/workflow"
	wfstorage "github.com/gtsbahamas/taxflow/internal/workflow/storage"
	"github.com/gtsbahamas/taxflow/shared/logger"
	"github.com/gtsbahamas/taxflow/shared/postgresql"
	"github.com/gtsbahamas/taxflow/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Job queue wiring
	jobRegistry := jobs.NewRegistry()
	for jobType, policy := range cfg.RetryPolicies {
		jobRegistry.SetRetryConfig(jobType, jobs.RetryConfig{
			MaxAttempts:       policy.MaxAttempts,
			BaseDelay:         policy.BaseDelay.Std(),
			MaxDelay:          policy.MaxDelay.Std(),
			BackoffMultiplier: policy.BackoffMultiplier,
			JitterFactor:      policy.JitterFactor,
		})
	}
	queue := jobs.NewQueue(&jobs.QueueConfig{
		Logger:   appLogger.Logger,
		Store:    jobstorage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Registry: jobRegistry,
	})

	// Workflow engine wiring
	wfRegistry := workflow.NewRegistry()
	if cfg.Workflows.DefinitionsPath != "" {
		if err := workflow.LoadDefinitions(cfg.Workflows.DefinitionsPath, wfRegistry); err != nil {
			return fmt.Errorf("failed to load workflow definitions: %w", err)
		}
	}
	workflowTasks := &tasks.WorkflowTasks{Logger: appLogger.Logger, Queue: queue}
	workflowTasks.Register(wfRegistry)

	engine := workflow.NewEngine(&workflow.Config{
		Logger:      appLogger.Logger,
		Store:       wfstorage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Registry:    wfRegistry,
		Expressions: expreval.New(),
		Rules:       rules.NewEvaluator(),
		Events:      events.NewPublisher(rabbitClient),
		Timeouts:    workflow.NewQueueScheduler(queue),
	})

	r := initRouter(cfg.App.Environment, appLogger.Logger, queue, engine)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())

	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		BindingKey:         cfg.BindingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval.Std(),
		Heartbeat:          cfg.Connection.Heartbeat.Std(),
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, queue *jobs.Queue, engine *workflow.Engine) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger: logger,
		Queue:  queue,
		Engine: engine,
	}

	return router.SetupRouter(handlerDeps)
}
