package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/types"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Backend:      "memory",
		Workers:      4,
		PollInterval: 20 * time.Millisecond,
	}
}

func newMemoryQueue(t *testing.T, exec Executor) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(testQueueConfig(), exec, nil, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func makeTask(id string, priority types.TaskPriority) *types.Task {
	task := types.NewTask(id, "web_search", map[string]any{"query": "go concurrency"})
	task.Priority = priority
	return task
}

func TestMemoryQueue_PopOrdersByPriority(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-low", types.PriorityLow)))
	require.NoError(t, q.Push(ctx, makeTask("t-high-1", types.PriorityHigh)))
	require.NoError(t, q.Push(ctx, makeTask("t-medium", types.PriorityMedium)))
	require.NoError(t, q.Push(ctx, makeTask("t-high-2", types.PriorityHigh)))
	require.NoError(t, q.Push(ctx, makeTask("t-critical", types.PriorityCritical)))

	var order []string
	for {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"t-critical", "t-high-1", "t-high-2", "t-medium", "t-low"}, order)
}

func TestMemoryQueue_PushValidation(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	err := q.Push(ctx, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	err = q.Push(ctx, &types.Task{})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestMemoryQueue_RepushReplacesStoredTask(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))

	retry := makeTask("t-1", types.PriorityMedium)
	retry.InputData["query"] = "updated"
	retry.SetRetryCount(2)
	require.NoError(t, q.Push(ctx, retry))

	stored, err := q.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", stored.InputData["query"])
	assert.Equal(t, 2, stored.RetryCount())

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t-1", task.ID)

	task, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemoryQueue_RepushMovesPriority(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-a", types.PriorityLow)))
	require.NoError(t, q.Push(ctx, makeTask("t-b", types.PriorityMedium)))
	require.NoError(t, q.Push(ctx, makeTask("t-a", types.PriorityCritical)))

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t-a", task.ID)
	assert.Equal(t, types.PriorityCritical, task.Priority)
}

func TestMemoryQueue_DepthTracksPendingDeliveries(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))
	require.NoError(t, q.Push(ctx, makeTask("t-2", types.PriorityHigh)))
	// A re-push replaces the stored task without a second delivery.
	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityCritical)))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	_, err = q.Pop(ctx)
	require.NoError(t, err)
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestMemoryQueue_UpdateStatusLifecycle(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))

	require.NoError(t, q.UpdateStatus(ctx, "t-1", types.TaskRunning))
	task, err := q.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)

	require.NoError(t, q.UpdateStatus(ctx, "t-1", types.TaskCompleted))
	task, err = q.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, types.TaskCompleted, task.Status)

	err = q.UpdateStatus(ctx, "t-1", types.TaskRunning)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	status, err := q.GetStatus(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, status)
}

func TestMemoryQueue_UpdateStatusRejectsSkippedStates(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))

	err := q.UpdateStatus(ctx, "t-1", types.TaskCompleted)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	status, err := q.GetStatus(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, status)
}

func TestMemoryQueue_UpdateStatusUnknownTask(t *testing.T) {
	q := newMemoryQueue(t, nil)
	err := q.UpdateStatus(context.Background(), "missing", types.TaskRunning)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestMemoryQueue_SetResult(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	err := q.SetResult(ctx, "missing", &types.TaskResult{Success: true})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))
	err = q.SetResult(ctx, "t-1", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	require.NoError(t, q.UpdateStatus(ctx, "t-1", types.TaskRunning))
	require.NoError(t, q.SetResult(ctx, "t-1", &types.TaskResult{
		Success: true,
		Data:    map[string]any{"pages": 3},
	}))
	require.NoError(t, q.UpdateStatus(ctx, "t-1", types.TaskCompleted))

	task, err := q.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, task.Result)
	assert.Equal(t, 3, task.Result.Data["pages"])

	// Terminal tasks keep the result they finished with.
	err = q.SetResult(ctx, "t-1", types.FailedResult("late write"))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	task, err = q.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, task.Result.Success)
}

func TestMemoryQueue_CancelledTaskIsNotDelivered(t *testing.T) {
	q := newMemoryQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-cancel", types.PriorityHigh)))
	require.NoError(t, q.Push(ctx, makeTask("t-keep", types.PriorityLow)))
	require.NoError(t, q.UpdateStatus(ctx, "t-cancel", types.TaskCancelled))

	task, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t-keep", task.ID)

	task, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemoryQueue_CapacityLimit(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 2
	q := NewMemoryQueue(cfg, nil, nil, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, makeTask("t-1", types.PriorityMedium)))
	require.NoError(t, q.Push(ctx, makeTask("t-2", types.PriorityMedium)))

	err := q.Push(ctx, makeTask("t-3", types.PriorityMedium))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrQueue))
	assert.True(t, types.IsRetryable(err))

	// Replacing a queued task does not consume extra capacity.
	require.NoError(t, q.Push(ctx, makeTask("t-2", types.PriorityHigh)))
}

func TestMemoryQueue_DeliversToExecutor(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}

	var q *MemoryQueue
	exec := ExecutorFunc(func(ctx context.Context, task *types.Task) error {
		mu.Lock()
		executed[task.ID] = true
		mu.Unlock()
		if err := q.UpdateStatus(ctx, task.ID, types.TaskRunning); err != nil {
			return err
		}
		return q.UpdateStatus(ctx, task.ID, types.TaskCompleted)
	})
	q = newMemoryQueue(t, exec)
	require.NoError(t, q.Start(context.Background()))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, makeTask(fmt.Sprintf("t-%d", i), types.PriorityMedium)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		n := len(executed)
		mu.Unlock()
		if n != 3 {
			return false
		}
		for i := 0; i < 3; i++ {
			status, err := q.GetStatus(ctx, fmt.Sprintf("t-%d", i))
			if err != nil || status != types.TaskCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryQueue_ExecutorErrorMarksTaskFailed(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *types.Task) error {
		return errors.New("agent exploded")
	})
	q := newMemoryQueue(t, exec)
	require.NoError(t, q.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, q.Push(ctx, makeTask("t-boom", types.PriorityHigh)))

	assert.Eventually(t, func() bool {
		status, err := q.GetStatus(ctx, "t-boom")
		return err == nil && status == types.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	task, err := q.GetTask(ctx, "t-boom")
	require.NoError(t, err)
	require.NotNil(t, task.Result)
	assert.False(t, task.Result.Success)
	assert.Contains(t, task.Result.Error, "agent exploded")
	require.NotNil(t, task.CompletedAt)
}

func TestMemoryQueue_DeliveryCarriesHandle(t *testing.T) {
	got := make(chan *types.Task, 1)
	exec := ExecutorFunc(func(ctx context.Context, task *types.Task) error {
		got <- task
		return nil
	})
	q := newMemoryQueue(t, exec)
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Push(context.Background(), makeTask("t-1", types.PriorityMedium)))

	select {
	case task := <-got:
		id, ok := task.Metadata[metaDeliveryID].(string)
		assert.True(t, ok)
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not delivered")
	}

	// The stored record stays clean of delivery metadata.
	stored, err := q.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	_, ok := stored.Metadata[metaDeliveryID]
	assert.False(t, ok)
}

func TestMemoryQueue_PushAfterClose(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig(), nil, nil, zap.NewNop())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Push(context.Background(), makeTask("t-1", types.PriorityLow))
	assert.True(t, types.IsErrorCode(err, types.ErrShutdown))
}

// Drain order is total: priorities strictly most-urgent-first, insertion
// order preserved within a priority, nothing lost and nothing duplicated.
func TestMemoryQueue_PopOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := NewMemoryQueue(testQueueConfig(), nil, nil, zap.NewNop())
		defer q.Close()
		ctx := context.Background()

		priorities := types.Priorities()
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		pushed := make(map[string]types.TaskPriority, n)
		for i := 0; i < n; i++ {
			p := priorities[rapid.IntRange(0, len(priorities)-1).Draw(rt, "p")]
			id := fmt.Sprintf("t-%03d", i)
			if err := q.Push(ctx, makeTask(id, p)); err != nil {
				rt.Fatalf("push %s: %v", id, err)
			}
			pushed[id] = p
		}

		lastRank := types.PriorityCritical.Rank()
		lastID := map[types.TaskPriority]string{}
		seen := 0
		for {
			task, err := q.Pop(ctx)
			if err != nil {
				rt.Fatalf("pop: %v", err)
			}
			if task == nil {
				break
			}
			seen++
			if rank := task.Priority.Rank(); rank > lastRank {
				rt.Fatalf("%s task %s popped after a less urgent one", task.Priority, task.ID)
			} else {
				lastRank = rank
			}
			if prev, ok := lastID[task.Priority]; ok && prev >= task.ID {
				rt.Fatalf("order within %s not FIFO: %s after %s", task.Priority, task.ID, prev)
			}
			lastID[task.Priority] = task.ID
			if pushed[task.ID] != task.Priority {
				rt.Fatalf("task %s popped with priority %s, pushed with %s", task.ID, task.Priority, pushed[task.ID])
			}
		}
		if seen != len(pushed) {
			rt.Fatalf("popped %d tasks, pushed %d", seen, len(pushed))
		}
	})
}
