package flowgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefinitionSource resolves workflow ids to their definitions. Backed by
// whatever the embedding application stores workflows in.
type DefinitionSource interface {
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
}

// StaticDefinitions is a DefinitionSource over a fixed set of definitions.
type StaticDefinitions struct {
	definitions map[string]*WorkflowDefinition
}

// NewStaticDefinitions creates a source holding the given definitions.
func NewStaticDefinitions(definitions ...*WorkflowDefinition) *StaticDefinitions {
	byID := make(map[string]*WorkflowDefinition, len(definitions))
	for _, def := range definitions {
		byID[def.ID] = def
	}
	return &StaticDefinitions{definitions: byID}
}

func (s *StaticDefinitions) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	def, ok := s.definitions[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", workflowID)
	}
	return def, nil
}

// Job is one queued execution request. Jobs survive requeueing: Attempt
// counts how many times a worker has picked this job up.
type Job struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	UserID         string         `json:"user_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Mode           ExecutionMode  `json:"mode"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	NotBefore      time.Time      `json:"not_before,omitzero"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// BackoffDelay returns how long a requeued job waits before its next
// attempt: 2s doubled per attempt.
func (j *Job) BackoffDelay() time.Duration {
	delay := 2000 * time.Millisecond
	for i := 0; i < j.Attempt; i++ {
		delay *= 2
	}
	return delay
}

// JobQueue hands execution jobs from launchers to workers.
type JobQueue interface {
	// Enqueue adds a job. Implementations must honor NotBefore.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a job is available or the context ends.
	Dequeue(ctx context.Context) (*Job, error)
}

// ChannelJobQueue is an in-process JobQueue over a buffered channel.
// Delayed jobs (NotBefore in the future) are held on a timer goroutine
// before entering the channel.
type ChannelJobQueue struct {
	jobs chan *Job
}

// NewChannelJobQueue creates a queue buffering up to capacity jobs.
func NewChannelJobQueue(capacity int) *ChannelJobQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChannelJobQueue{jobs: make(chan *Job, capacity)}
}

func (q *ChannelJobQueue) Enqueue(ctx context.Context, job *Job) error {
	job.EnqueuedAt = time.Now()
	if wait := time.Until(job.NotBefore); wait > 0 {
		go func() {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
				q.jobs <- job
			case <-ctx.Done():
			}
		}()
		return nil
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelJobQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of immediately available jobs.
func (q *ChannelJobQueue) Len() int {
	return len(q.jobs)
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	Definitions DefinitionSource
	Queue       JobQueue
	Resources   ResourceManager

	// MaxJobAttempts caps how often a crashed job is retried. Zero means 3.
	MaxJobAttempts int
}

// Launcher admits and enqueues new executions. Admission control happens
// here, synchronously: a caller that gets an execution id back knows the
// execution was accepted and will eventually run.
type Launcher struct {
	definitions DefinitionSource
	queue       JobQueue
	resources   ResourceManager
	maxAttempts int
}

// NewLauncher creates a launcher. Definitions and Queue are required.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition source required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	if opts.Resources == nil {
		opts.Resources = NewUnlimitedResourceManager(0)
	}
	if opts.MaxJobAttempts <= 0 {
		opts.MaxJobAttempts = 3
	}
	return &Launcher{
		definitions: opts.Definitions,
		queue:       opts.Queue,
		resources:   opts.Resources,
		maxAttempts: opts.MaxJobAttempts,
	}, nil
}

// StartExecution admits, creates, and enqueues a new execution for a
// workflow. Returns the execution id, or an admission_denied error when
// the resource manager refuses capacity.
func (l *Launcher) StartExecution(ctx context.Context, workflowID, userID string, mode ExecutionMode, triggerData map[string]any) (string, error) {
	def, err := l.definitions.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	allocation, err := l.resources.Allocate(ctx, workflowID, ResourceProfile{})
	if err != nil {
		return "", fmt.Errorf("resource allocation failed: %w", err)
	}
	if !allocation.Allocated {
		return "", NewAdmissionDeniedError(workflowID, allocation.Reason)
	}

	executionID := NewExecutionID()
	job := &Job{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		UserID:         userID,
		OrganizationID: def.OrganizationID,
		Mode:           mode,
		TriggerData:    copyMap(triggerData),
		MaxAttempts:    l.maxAttempts,
	}
	if err := l.queue.Enqueue(ctx, job); err != nil {
		l.resources.Deallocate(workflowID)
		return "", fmt.Errorf("failed to enqueue execution: %w", err)
	}
	return executionID, nil
}
