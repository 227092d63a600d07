package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/internal/pool"
	"github.com/knowflow-io/knowflow/types"
)

// MemoryQueue is the in-process TaskQueue. Pending task ids sit in one FIFO
// list per priority; a single dispatcher drains them most-urgent-first and
// hands each task to the executor on a bounded worker pool.
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   map[string]*types.Task
	pending map[types.TaskPriority][]string
	queued  map[string]types.TaskPriority

	executor Executor
	workers  *pool.WorkerPool
	limiter  *rate.Limiter
	capacity int
	backoff  time.Duration

	notify  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool

	metrics *metrics.Collector
	logger  *zap.Logger
}

var _ TaskQueue = (*MemoryQueue)(nil)

// NewMemoryQueue builds an in-process queue. The executor may be nil, in
// which case Start is a no-op and tasks are only consumed through Pop. The
// collector may be nil.
func NewMemoryQueue(cfg config.QueueConfig, exec Executor, collector *metrics.Collector, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	backoff := cfg.PollInterval
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60, workers)
	}
	return &MemoryQueue{
		tasks:    make(map[string]*types.Task),
		pending:  make(map[types.TaskPriority][]string),
		queued:   make(map[string]types.TaskPriority),
		executor: exec,
		workers: pool.NewWorkerPool(pool.WorkerPoolConfig{
			MaxWorkers: workers,
			QueueSize:  workers * 4,
		}),
		limiter:  limiter,
		capacity: cfg.Capacity,
		backoff:  backoff,
		notify:   make(chan struct{}, 1),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "queue.memory")),
	}
}

// Start launches the dispatcher feeding pending tasks to the executor.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.NewError(types.ErrShutdown, "queue is closed").WithComponent("queue.memory")
	}
	if q.started {
		return nil
	}
	q.started = true
	if q.executor == nil {
		q.logger.Debug("no executor wired, dispatcher not started")
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.dispatch(ctx)
	q.logger.Info("queue started")
	return nil
}

// Close stops the dispatcher and the worker pool. Stored tasks stay
// readable; Push and Start fail afterwards.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	q.workers.Close()
	return nil
}

// Push stores the task and marks it pending delivery. Re-pushing a queued
// id replaces the stored task without adding a second delivery; a changed
// priority moves the id to its new list.
func (q *MemoryQueue) Push(ctx context.Context, task *types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	stored := normalizeTask(task)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.NewError(types.ErrShutdown, "queue is closed").WithComponent("queue.memory")
	}
	prev, inFlight := q.queued[stored.ID]
	if !inFlight && q.capacity > 0 && len(q.queued) >= q.capacity {
		q.mu.Unlock()
		return types.NewError(types.ErrQueue, fmt.Sprintf("queue is full (capacity %d)", q.capacity)).
			WithComponent("queue.memory").WithRetryable(true)
	}
	q.tasks[stored.ID] = stored
	switch {
	case !inFlight:
		q.pending[stored.Priority] = append(q.pending[stored.Priority], stored.ID)
		q.queued[stored.ID] = stored.Priority
	case prev != stored.Priority:
		q.pending[prev] = removeID(q.pending[prev], stored.ID)
		q.pending[stored.Priority] = append(q.pending[stored.Priority], stored.ID)
		q.queued[stored.ID] = stored.Priority
	}
	q.recordDepthLocked()
	q.mu.Unlock()

	q.logger.Debug("task enqueued",
		zap.String("task_id", stored.ID),
		zap.String("task_type", stored.Type),
		zap.String("priority", string(stored.Priority)))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the next pending task, or (nil, nil) when the
// queue is drained.
func (q *MemoryQueue) Pop(ctx context.Context) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.takePendingLocked()
	if task == nil {
		return nil, nil
	}
	q.recordDepthLocked()
	return task.Clone(), nil
}

// GetStatus returns the stored task's status.
func (q *MemoryQueue) GetStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return "", types.NewNotFoundError("task", taskID)
	}
	return task.Status, nil
}

// GetTask returns a copy of the stored task.
func (q *MemoryQueue) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, types.NewNotFoundError("task", taskID)
	}
	return task.Clone(), nil
}

// Depth reports the number of tasks waiting for delivery.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued), nil
}

// UpdateStatus transitions the stored task, stamping StartedAt on the first
// move to running and CompletedAt on the move to a terminal status.
func (q *MemoryQueue) UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	if !status.Valid() {
		return types.NewValidationError("invalid task status %q", status)
	}
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return types.NewNotFoundError("task", taskID)
	}
	if !task.Status.CanTransition(status) {
		from := task.Status
		q.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot transition task %s from %s to %s", taskID, from, status)).
			WithComponent("queue.memory")
	}
	applyTransition(task, status)
	finished := task.Status.Terminal()
	taskType := task.Type
	duration := terminalDuration(task)
	q.mu.Unlock()

	if finished && q.metrics != nil {
		q.metrics.RecordTaskFinished(taskType, string(status), duration)
	}
	return nil
}

// SetResult attaches the execution result to a stored non-terminal task.
func (q *MemoryQueue) SetResult(ctx context.Context, taskID string, result *types.TaskResult) error {
	if result == nil {
		return types.NewValidationError("result must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return types.NewNotFoundError("task", taskID)
	}
	if task.Status.Terminal() {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot attach result to %s task %s", task.Status, taskID)).
			WithComponent("queue.memory")
	}
	task.Result = result
	return nil
}

// takePendingLocked pops the oldest id of the highest non-empty priority,
// skipping tasks that are no longer pending, such as a task cancelled while
// it sat in the list.
func (q *MemoryQueue) takePendingLocked() *types.Task {
	for _, p := range types.Priorities() {
		for len(q.pending[p]) > 0 {
			id := q.pending[p][0]
			q.pending[p] = q.pending[p][1:]
			delete(q.queued, id)
			task, ok := q.tasks[id]
			if !ok || task.Status != types.TaskPending {
				continue
			}
			return task
		}
	}
	return nil
}

func (q *MemoryQueue) recordDepthLocked() {
	if q.metrics == nil {
		return
	}
	for _, p := range types.Priorities() {
		q.metrics.SetQueueDepth("memory", string(p), len(q.pending[p]))
	}
}

func (q *MemoryQueue) dispatch(ctx context.Context) {
	defer close(q.done)
	for {
		task := q.next(ctx)
		if task == nil {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.requeueFront(task)
				return
			}
		}
		t := task
		err := q.workers.Submit(ctx, func(jobCtx context.Context) error {
			q.deliver(jobCtx, t)
			return nil
		})
		if err == nil {
			continue
		}
		q.requeueFront(t)
		if errors.Is(err, pool.ErrPoolClosed) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoff):
		}
	}
}

// next blocks until a pending task is available or the context ends.
func (q *MemoryQueue) next(ctx context.Context) *types.Task {
	for {
		q.mu.Lock()
		task := q.takePendingLocked()
		if task != nil {
			q.recordDepthLocked()
		}
		q.mu.Unlock()
		if task != nil {
			return task
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

// requeueFront puts a task back at the head of its priority list after a
// delivery attempt could not be handed to the pool.
func (q *MemoryQueue) requeueFront(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[task.ID]; !ok {
		return
	}
	if _, inFlight := q.queued[task.ID]; inFlight {
		return
	}
	q.pending[task.Priority] = append([]string{task.ID}, q.pending[task.Priority]...)
	q.queued[task.ID] = task.Priority
}

func (q *MemoryQueue) deliver(ctx context.Context, task *types.Task) {
	inflight := task.Clone()
	stampDelivery(inflight)
	err := q.executor.Execute(ctx, inflight)
	if err == nil {
		return
	}
	q.logger.Warn("task execution failed",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Error(err))
	q.markFailed(task.ID, err)
}

// markFailed is the fallback for executors that error out before recording
// a terminal status themselves. A task still pending is walked through
// running first so the lifecycle stays intact.
func (q *MemoryQueue) markFailed(taskID string, cause error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	if task.Status == types.TaskPending {
		applyTransition(task, types.TaskRunning)
	}
	if !task.Status.CanTransition(types.TaskFailed) {
		q.mu.Unlock()
		return
	}
	if task.Result == nil {
		task.Result = types.FailedResult(cause.Error())
	}
	applyTransition(task, types.TaskFailed)
	taskType := task.Type
	duration := terminalDuration(task)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordTaskFinished(taskType, string(types.TaskFailed), duration)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
