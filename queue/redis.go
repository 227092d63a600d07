package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/internal/pool"
	"github.com/knowflow-io/knowflow/types"
)

// watchRetries bounds optimistic-transaction retries on a contended task.
const watchRetries = 3

// pushScript enqueues atomically: the task record is written, and the id is
// added to its priority list only when it is not already awaiting delivery.
// Returns -1 when the queue is at capacity, else the list depth.
var pushScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 0 and tonumber(ARGV[3]) > 0 and redis.call('SCARD', KEYS[2]) >= tonumber(ARGV[3]) then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
if redis.call('SADD', KEYS[2], ARGV[2]) == 1 then
	redis.call('LPUSH', KEYS[3], ARGV[2])
end
return redis.call('LLEN', KEYS[3])
`)

// RedisQueue is the multi-process TaskQueue. Tasks live as JSON records
// under {prefix}task:{id}, pending ids on one list per priority, and a set
// of queued ids guards against duplicate delivery. The consumer loop blocks
// on the priority lists in urgency order and hands claimed tasks to the
// executor on a bounded worker pool.
type RedisQueue struct {
	client   redis.UniversalClient
	prefix   string
	poll     time.Duration
	capacity int
	executor Executor
	workers  *pool.WorkerPool
	limiter  *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool

	metrics *metrics.Collector
	logger  *zap.Logger
}

var _ TaskQueue = (*RedisQueue)(nil)

// NewRedisQueue builds a Redis-backed queue on an existing client. The
// executor may be nil, in which case Start is a no-op and tasks are only
// consumed through Pop. The collector may be nil.
func NewRedisQueue(client redis.UniversalClient, cfg config.QueueConfig, exec Executor, collector *metrics.Collector, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "knowflow:queue:"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60, workers)
	}
	return &RedisQueue{
		client:   client,
		prefix:   prefix,
		poll:     poll,
		capacity: cfg.Capacity,
		executor: exec,
		workers: pool.NewWorkerPool(pool.WorkerPoolConfig{
			MaxWorkers: workers,
			QueueSize:  workers * 4,
		}),
		limiter: limiter,
		metrics: collector,
		logger:  logger.With(zap.String("component", "queue.redis")),
	}
}

func (q *RedisQueue) taskKey(id string) string { return q.prefix + "task:" + id }

func (q *RedisQueue) queuedKey() string { return q.prefix + "queued" }

func (q *RedisQueue) pendingKey(p types.TaskPriority) string {
	return q.prefix + "pending:" + string(p)
}

// Start launches the consumer loop feeding claimed tasks to the executor.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.NewError(types.ErrShutdown, "queue is closed").WithComponent("queue.redis")
	}
	if q.started {
		return nil
	}
	q.started = true
	if q.executor == nil {
		q.logger.Debug("no executor wired, consumer not started")
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.consume(ctx)
	q.logger.Info("queue started", zap.String("key_prefix", q.prefix))
	return nil
}

// Close stops the consumer and the worker pool. The Redis client is owned
// by the caller and stays open.
func (q *RedisQueue) Close() error {
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

// Push stores the task and enqueues it for delivery. An id already awaiting
// delivery keeps its list position; only the stored record is replaced.
func (q *RedisQueue) Push(ctx context.Context, task *types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return types.NewError(types.ErrShutdown, "queue is closed").WithComponent("queue.redis")
	}

	stored := normalizeTask(task)
	payload, err := json.Marshal(stored)
	if err != nil {
		return types.NewError(types.ErrQueue, "marshal task").WithCause(err).WithComponent("queue.redis")
	}

	keys := []string{q.taskKey(stored.ID), q.queuedKey(), q.pendingKey(stored.Priority)}
	depth, err := pushScript.Run(ctx, q.client, keys, payload, stored.ID, q.capacity).Int()
	if err != nil {
		return types.NewError(types.ErrQueue, "enqueue task").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	if depth < 0 {
		return types.NewError(types.ErrQueue, fmt.Sprintf("queue is full (capacity %d)", q.capacity)).
			WithComponent("queue.redis").WithRetryable(true)
	}
	if q.metrics != nil {
		q.metrics.SetQueueDepth("redis", string(stored.Priority), depth)
	}
	q.logger.Debug("task enqueued",
		zap.String("task_id", stored.ID),
		zap.String("task_type", stored.Type),
		zap.String("priority", string(stored.Priority)),
		zap.Int("depth", depth))
	return nil
}

// Pop claims the next pending task in priority order, or (nil, nil) when
// every list is empty.
func (q *RedisQueue) Pop(ctx context.Context) (*types.Task, error) {
	for _, p := range types.Priorities() {
		for {
			id, err := q.client.RPop(ctx, q.pendingKey(p)).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return nil, types.NewError(types.ErrQueue, "pop pending task").WithCause(err).
					WithComponent("queue.redis").WithRetryable(true)
			}
			task, err := q.claim(ctx, id)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		}
	}
	return nil, nil
}

// GetStatus returns the stored task's status.
func (q *RedisQueue) GetStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// GetTask loads and decodes the stored task record.
func (q *RedisQueue) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	payload, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewNotFoundError("task", taskID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrQueue, "load task").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	var task types.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, types.NewError(types.ErrQueue, "decode task record").WithCause(err).
			WithComponent("queue.redis")
	}
	return &task, nil
}

// Depth reports the number of tasks waiting for delivery, using the
// queued membership set shared by every consumer.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.SCard(ctx, q.queuedKey()).Result()
	if err != nil {
		return 0, types.NewError(types.ErrQueue, "read queue depth").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	return int(n), nil
}

// UpdateStatus transitions the stored task inside an optimistic transaction
// so concurrent writers cannot interleave an illegal lifecycle change.
func (q *RedisQueue) UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	if !status.Valid() {
		return types.NewValidationError("invalid task status %q", status)
	}
	var finished types.Task
	var terminal bool
	err := q.mutateTask(ctx, taskID, func(task *types.Task) error {
		if !task.Status.CanTransition(status) {
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("cannot transition task %s from %s to %s", taskID, task.Status, status)).
				WithComponent("queue.redis")
		}
		applyTransition(task, status)
		if task.Status.Terminal() {
			terminal = true
			finished = *task
		}
		return nil
	})
	if err != nil {
		if te := types.AsError(err); te != nil {
			return te
		}
		return types.NewError(types.ErrQueue, "update task status").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	if terminal && q.metrics != nil {
		q.metrics.RecordTaskFinished(finished.Type, string(status), terminalDuration(&finished))
	}
	return nil
}

// SetResult attaches the execution result to a stored non-terminal task.
func (q *RedisQueue) SetResult(ctx context.Context, taskID string, result *types.TaskResult) error {
	if result == nil {
		return types.NewValidationError("result must not be nil")
	}
	err := q.mutateTask(ctx, taskID, func(task *types.Task) error {
		if task.Status.Terminal() {
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("cannot attach result to %s task %s", task.Status, taskID)).
				WithComponent("queue.redis")
		}
		task.Result = result
		return nil
	})
	if err != nil {
		if te := types.AsError(err); te != nil {
			return te
		}
		return types.NewError(types.ErrQueue, "set task result").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	return nil
}

// mutateTask applies fn to the stored task under WATCH, retrying a few
// times when a concurrent writer wins the race.
func (q *RedisQueue) mutateTask(ctx context.Context, taskID string, fn func(*types.Task) error) error {
	key := q.taskKey(taskID)
	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return err
		}
		var task types.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		next, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < watchRetries; attempt++ {
		err = q.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return err
}

// claim removes id from the queued set and loads its record, returning nil
// when the task is gone or no longer pending.
func (q *RedisQueue) claim(ctx context.Context, id string) (*types.Task, error) {
	if err := q.client.SRem(ctx, q.queuedKey(), id).Err(); err != nil {
		return nil, types.NewError(types.ErrQueue, "release queued id").WithCause(err).
			WithComponent("queue.redis").WithRetryable(true)
	}
	task, err := q.GetTask(ctx, id)
	if types.IsErrorCode(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskPending {
		return nil, nil
	}
	return task, nil
}

func (q *RedisQueue) consume(ctx context.Context) {
	defer close(q.done)
	keys := make([]string, 0, 4)
	for _, p := range types.Priorities() {
		keys = append(keys, q.pendingKey(p))
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
		res, err := q.client.BRPop(ctx, q.poll, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.poll):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		task, err := q.claim(ctx, res[1])
		if err != nil {
			q.logger.Warn("claim dequeued task failed", zap.String("task_id", res[1]), zap.Error(err))
			continue
		}
		if task == nil {
			continue
		}
		t := task
		serr := q.workers.Submit(ctx, func(jobCtx context.Context) error {
			q.deliver(jobCtx, t)
			return nil
		})
		if serr == nil {
			continue
		}
		q.requeue(ctx, t)
		if errors.Is(serr, pool.ErrPoolClosed) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.poll):
		}
	}
}

// requeue puts a claimed task back at the head of its priority list after a
// delivery attempt could not be handed to the pool.
func (q *RedisQueue) requeue(ctx context.Context, task *types.Task) {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.queuedKey(), task.ID)
	pipe.RPush(ctx, q.pendingKey(task.Priority), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("requeue failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (q *RedisQueue) deliver(ctx context.Context, task *types.Task) {
	stampDelivery(task)
	err := q.executor.Execute(ctx, task)
	if err == nil {
		return
	}
	q.logger.Warn("task execution failed",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Error(err))
	q.markFailed(ctx, task.ID, err)
}

// markFailed records a terminal failure for executors that errored out
// before reaching a terminal status themselves.
func (q *RedisQueue) markFailed(ctx context.Context, taskID string, cause error) {
	var finished types.Task
	var terminal bool
	err := q.mutateTask(ctx, taskID, func(task *types.Task) error {
		if task.Status.Terminal() {
			return nil
		}
		if task.Status == types.TaskPending {
			applyTransition(task, types.TaskRunning)
		}
		if task.Result == nil {
			task.Result = types.FailedResult(cause.Error())
		}
		applyTransition(task, types.TaskFailed)
		terminal = true
		finished = *task
		return nil
	})
	if err != nil {
		q.logger.Error("mark task failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if terminal && q.metrics != nil {
		q.metrics.RecordTaskFinished(finished.Type, string(types.TaskFailed), terminalDuration(&finished))
	}
}
