package flowgraph

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/flowgraph/script"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Queue       JobQueue
	Definitions DefinitionSource
	Registry    *Registry
	Store       *StateStore
	Bus         *Bus
	Resources   ResourceManager
	Logger      *slog.Logger
	Compiler    script.Compiler

	// Concurrency is how many executions one worker drives at a time.
	Concurrency int
}

// Worker pulls jobs off the queue and runs them through an engine. A job
// whose execution fails for infrastructure reasons is requeued with
// exponential backoff until its attempts are spent.
type Worker struct {
	queue       JobQueue
	definitions DefinitionSource
	registry    *Registry
	store       *StateStore
	bus         *Bus
	resources   ResourceManager
	logger      *slog.Logger
	compiler    script.Compiler
	concurrency int

	wg sync.WaitGroup
}

// NewWorker creates a worker. Queue, Definitions and Registry are required.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil {
		return nil, NewValidationError("job queue required")
	}
	if opts.Definitions == nil {
		return nil, NewValidationError("definition source required")
	}
	if opts.Registry == nil {
		return nil, NewValidationError("executor registry required")
	}
	if opts.Store == nil {
		opts.Store = NewStateStore(StateStoreOptions{})
	}
	if opts.Resources == nil {
		opts.Resources = NewUnlimitedResourceManager(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	return &Worker{
		queue:       opts.Queue,
		definitions: opts.Definitions,
		registry:    opts.Registry,
		store:       opts.Store,
		bus:         opts.Bus,
		resources:   opts.Resources,
		logger:      opts.Logger,
		compiler:    opts.Compiler,
		concurrency: opts.Concurrency,
	}, nil
}

// Run consumes jobs until the context ends. It blocks; callers wanting a
// background worker start it on their own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		}
		w.wg.Add(1)
		go func(job *Job) {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "workflow_id", job.WorkflowID)
	logger.Info("job picked up", "attempt", job.Attempt)

	err := w.execute(ctx, job)
	if err == nil {
		w.resources.Deallocate(job.WorkflowID)
		return
	}

	// A failed execution already has its state and events recorded by the
	// engine. Requeueing is only for jobs that never got a fair run.
	if IsErrorType(err, ErrorTypeValidation) || IsErrorType(err, ErrorTypeUnknownNodeType) {
		logger.Error("job rejected", "error", err)
		w.resources.Deallocate(job.WorkflowID)
		return
	}
	if job.Attempt+1 >= job.MaxAttempts {
		logger.Error("job failed, attempts exhausted", "attempt", job.Attempt, "error", err)
		w.resources.Deallocate(job.WorkflowID)
		return
	}

	requeued := *job
	requeued.Attempt = job.Attempt + 1
	requeued.NotBefore = time.Now().Add(job.BackoffDelay())
	if enqueueErr := w.queue.Enqueue(ctx, &requeued); enqueueErr != nil {
		logger.Error("failed to requeue job", "error", enqueueErr)
		w.resources.Deallocate(job.WorkflowID)
		return
	}
	logger.Warn("job requeued", "next_attempt", requeued.Attempt, "delay", job.BackoffDelay(), "error", err)
}

func (w *Worker) execute(ctx context.Context, job *Job) error {
	def, err := w.definitions.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	mode := job.Mode
	if job.Attempt > 0 {
		mode = ExecutionModeRetry
	}
	ec := NewExecutionContext(ExecutionContextOptions{
		ExecutionID:    job.ExecutionID,
		WorkflowID:     job.WorkflowID,
		UserID:         job.UserID,
		OrganizationID: job.OrganizationID,
		Mode:           mode,
		Variables:      job.TriggerData,
	})
	engine, err := NewEngine(EngineOptions{
		Definition:       def,
		Registry:         w.registry,
		Store:            w.store,
		Bus:              w.bus,
		Logger:           w.logger,
		Compiler:         w.compiler,
		ExecutionContext: ec,
	})
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}
