package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/knowflow-io/knowflow/types"
)

// Metadata keys stamped on the in-flight copy of a task when a consumer
// claims it. The stored record is left untouched so a concurrent
// cancellation cannot be overwritten by the delivery path.
const (
	metaDeliveryID = "delivery_id"
	metaDequeuedAt = "dequeued_at"
)

// TaskQueue stores tasks and delivers pending work to the backend's
// execution mechanism.
type TaskQueue interface {
	// Push enqueues a task for execution. Pushing an id that is already
	// stored replaces the stored task wholesale without duplicating its
	// delivery, which is how retries re-enter the queue.
	Push(ctx context.Context, task *types.Task) error

	// Pop removes and returns the oldest task of the highest non-empty
	// priority, or (nil, nil) when nothing is pending.
	Pop(ctx context.Context) (*types.Task, error)

	// GetStatus returns the status of a stored task.
	GetStatus(ctx context.Context, taskID string) (types.TaskStatus, error)

	// UpdateStatus transitions a stored task through its lifecycle. An
	// illegal transition fails with an INVALID_TRANSITION error and
	// leaves the task unchanged.
	UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus) error

	// SetResult attaches an execution result to a stored task. Executors
	// call it just before the terminal transition; a task already terminal
	// keeps its result and the call fails with INVALID_TRANSITION.
	SetResult(ctx context.Context, taskID string, result *types.TaskResult) error

	// GetTask returns a copy of a stored task.
	GetTask(ctx context.Context, taskID string) (*types.Task, error)

	// Depth reports how many tasks are waiting for delivery across all
	// priorities.
	Depth(ctx context.Context) (int, error)
}

// Executor runs tasks handed over by a queue's consumer loop. The executor
// owns the running and terminal transitions; the queue only records a
// failure when Execute returns an error with the task still non-terminal.
type Executor interface {
	Execute(ctx context.Context, task *types.Task) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *types.Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *types.Task) error {
	return f(ctx, task)
}

func validateTask(task *types.Task) error {
	if task == nil {
		return types.NewValidationError("task must not be nil")
	}
	if task.ID == "" {
		return types.NewValidationError("task id must not be empty")
	}
	return nil
}

// normalizeTask clones the task and fills the fields a caller may
// legitimately leave zero.
func normalizeTask(task *types.Task) *types.Task {
	stored := task.Clone()
	if !stored.Priority.Valid() {
		stored.Priority = types.PriorityMedium
	}
	if stored.Status == "" {
		stored.Status = types.TaskPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	return stored
}

// applyTransition mutates the task for an already validated status change,
// stamping the lifecycle timestamps exactly once.
func applyTransition(task *types.Task, status types.TaskStatus) {
	now := time.Now().UTC()
	switch {
	case status == types.TaskRunning && task.StartedAt == nil:
		task.StartedAt = &now
	case status.Terminal() && task.CompletedAt == nil:
		task.CompletedAt = &now
	}
	task.Status = status
}

// terminalDuration measures run time for a finished task, falling back to
// time since creation when it never started.
func terminalDuration(task *types.Task) time.Duration {
	if task.CompletedAt == nil {
		return 0
	}
	start := task.CreatedAt
	if task.StartedAt != nil {
		start = *task.StartedAt
	}
	return task.CompletedAt.Sub(start)
}

func stampDelivery(task *types.Task) {
	if task.Metadata == nil {
		task.Metadata = make(map[string]any, 2)
	}
	task.Metadata[metaDeliveryID] = uuid.NewString()
	task.Metadata[metaDequeuedAt] = time.Now().UTC().Format(time.RFC3339Nano)
}
