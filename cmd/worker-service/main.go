package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
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

	appLogger.Info("Starting worker service",
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
	jobStore := jobstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
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
		Store:    jobStore,
		Registry: jobRegistry,
	})

	// Built-in job handlers
	jobHandlers := &tasks.Handlers{
		Logger: appLogger.Logger,
		DB:     dbClient.GetDB(),
		Broker: rabbitClient,
	}
	jobHandlers.Register(jobRegistry)

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

	// Wait-step wake-ups run through the job queue like any other job.
	jobRegistry.Register(workflow.WaitTimeoutJobType, workflow.NewWaitTimeoutHandler(engine, appLogger.Logger))

	workerInstance := jobs.NewWorker(&jobs.WorkerConfig{
		Logger:       appLogger.Logger,
		Store:        jobStore,
		Registry:     jobRegistry,
		Policy:       jobs.NewPolicy(),
		PollInterval: cfg.Worker.PollInterval.Std(),
		BatchSize:    cfg.Worker.BatchSize,
		JobTimeout:   cfg.Worker.JobTimeout.Std(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerInstance.Start(ctx)
	appLogger.Info("Job worker started")

	// Resume-event consumer feeds broker events into waiting instances.
	consumer := events.NewResumeConsumer(appLogger.Logger, rabbitClient, engine, cfg.RabbitMQ.Consumer.PrefetchCount)
	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Run(ctx, cfg.App.Name); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Resume consumer error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout.Std()
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
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
