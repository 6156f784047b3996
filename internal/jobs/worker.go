package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

// WorkerConfig holds worker dependencies and tuning knobs.
type WorkerConfig struct {
	Logger       *slog.Logger
	Store        Store
	Registry     *Registry
	Policy       *Policy
	PollInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration // 0 disables the per-job deadline
	Now          func() time.Time
}

// Worker polls the store for due pending jobs and dispatches them to
// registered handlers. Multiple worker processes may share one store: the
// conditional claim update is the mutual-exclusion point, losers skip.
type Worker struct {
	logger       *slog.Logger
	store        Store
	registry     *Registry
	policy       *Policy
	pollInterval time.Duration
	batchSize    int
	jobTimeout   time.Duration
	now          func() time.Time

	started  atomic.Bool
	stopped  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker instance.
func NewWorker(cfg *WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewPolicy()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		logger:       logger,
		store:        cfg.Store,
		registry:     cfg.Registry,
		policy:       policy,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		jobTimeout:   cfg.JobTimeout,
		now:          now,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the polling loop. Calling Start more than once is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	w.logger.Info("Starting job worker",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("batch_size", w.batchSize),
	)

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop halts polling and waits for in-flight handlers to finish. It does
// not interrupt handlers already running. Idempotent.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Job worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Job worker context cancelled, stopping")
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.ProcessDue(ctx)
		}
	}
}

// ProcessDue runs one processing pass: fetch up to batchSize due pending
// jobs and run all their handlers concurrently, waiting for the whole
// batch before returning. Exported so callers (and tests) can drive the
// worker without the poll timer.
func (w *Worker) ProcessDue(ctx context.Context) {
	due, err := w.store.ListDue(ctx, w.now(), w.batchSize)
	if err != nil {
		w.logger.Error("Failed to fetch due jobs", slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}

	g := new(errgroup.Group)
	for _, job := range due {
		id := job.ID
		g.Go(func() error {
			w.processJob(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// processJob runs the full state machine for one job:
// pending -> running -> completed | pending (rescheduled) | failed.
func (w *Worker) processJob(ctx context.Context, id string) {
	// Claim before invoking the handler so a crash mid-handler still
	// leaves an accurate attempt count behind.
	job, err := w.store.Claim(ctx, id, w.now())
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Debug("Job claimed elsewhere, skipping", slog.String("job_id", id))
			return
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	handler, ok := w.registry.Handler(job.Type)
	if !ok {
		jerr := domain.NewError(domain.CodeExecutionFailed, false, "no handler registered for job type %q", job.Type)
		w.finalize(ctx, job, nil, jerr)
		return
	}

	result, herr := w.invoke(ctx, handler, job.Payload)
	if herr == nil {
		if err := w.store.MarkCompleted(ctx, job.ID, result, w.now()); err != nil {
			w.logger.Error("Failed to mark job completed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return
		}
		w.logger.Info("Job completed",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
		)
		return
	}

	w.finalize(ctx, job, herr, domain.Classify(herr))
}

// finalize applies the retry decision after a failed attempt.
func (w *Worker) finalize(ctx context.Context, job *domain.Job, cause error, jerr *domain.Error) {
	if jerr.Retryable && job.Attempts < job.MaxAttempts {
		cfg := w.registry.RetryConfig(job.Type)
		delay := w.policy.Delay(job.Attempts, cfg)
		runAt := w.now().Add(delay)

		if err := w.store.Reschedule(ctx, job.ID, jerr, runAt); err != nil {
			w.logger.Error("Failed to reschedule job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return
		}
		w.logger.Warn("Job failed, rescheduled",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.Int("attempt", job.Attempts),
			slog.Duration("retry_in", delay),
			slog.String("error", jerr.Error()),
		)
		return
	}

	final := jerr
	if jerr.Retryable {
		// Retryable error but no attempts remain.
		final = domain.NewMaxRetriesError(job.Attempts, job.MaxAttempts, cause)
	}

	if err := w.store.MarkFailed(ctx, job.ID, final, w.now()); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Error("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempts", job.Attempts),
		slog.String("error", final.Error()),
	)
}

// invoke runs a handler with the configured deadline, converting panics
// into errors so one bad handler cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, handler Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, payload)
}
