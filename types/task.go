package types

import (
	"time"
)

// MetaRetryCount is the metadata key holding the number of retry attempts
// consumed by a task. It is stored in Task.Metadata rather than as a struct
// field so that it round-trips opaquely across queue backends together with
// any backend-specific delivery handles.
const MetaRetryCount = "retry_count"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending means the task is queued and waiting for an agent.
	TaskPending TaskStatus = "pending"
	// TaskRunning means an agent is currently executing the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means the task finished successfully. Terminal.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the task finished unsuccessfully. Terminal.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled means the task was cancelled before completion. Terminal.
	TaskCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal states never
// transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a status update from s to next is legal.
// Legal transitions are pending→running, running→{completed,failed}, and
// any non-terminal state→cancelled. Retry re-submission does not pass
// through here: a re-pushed task replaces the stored task wholesale.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	default:
		return false
	}
}

// TaskPriority represents the scheduling priority of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Valid reports whether p is a known priority value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns the numeric weight of the priority, higher meaning more
// urgent. Unknown priorities rank as medium.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 2
	}
}

// Priorities lists all priorities from most to least urgent. Queue backends
// drain in this order.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// TaskResult captures the outcome of executing a task. Immutable once
// attached to a Task.
type TaskResult struct {
	Success   bool               `json:"success"`
	Data      map[string]any     `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts map[string]string  `json:"artifacts,omitempty"`
}

// FailedResult builds a failed TaskResult carrying the given error message.
func FailedResult(message string) *TaskResult {
	return &TaskResult{Success: false, Error: message}
}

// Task is a unit of work flowing through the queue, the orchestrator and
// the agents. The JSON shape below is the wire format used whenever a task
// crosses a queue boundary; Metadata round-trips opaque keys without loss.
//
// A task is owned by whichever component currently holds it. All
// cross-component status mutation goes through the queue's UpdateStatus.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Priority     TaskPriority   `json:"priority"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	InputData    map[string]any `json:"input_data"`
	Result       *TaskResult    `json:"result,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	SubtaskIDs   []string       `json:"subtask_ids,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewTask creates a pending task with the given id, type and input payload.
func NewTask(id, taskType string, input map[string]any) *Task {
	return &Task{
		ID:        id,
		Type:      taskType,
		Priority:  PriorityMedium,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
		InputData: input,
		Metadata:  map[string]any{},
	}
}

// RetryCount returns the number of retries consumed so far. Metadata values
// may arrive as int or float64 depending on whether the task crossed a JSON
// boundary; both are normalized here.
func (t *Task) RetryCount() int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetRetryCount records the retry counter in the task metadata.
func (t *Task) SetRetryCount(n int) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[MetaRetryCount] = n
}

// Clone returns a deep copy of the task. Queue and registry backends return
// clones so callers can never mutate stored state behind the owner's back.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.InputData = cloneAnyMap(t.InputData)
	cp.Metadata = cloneAnyMap(t.Metadata)
	if t.SubtaskIDs != nil {
		cp.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Result != nil {
		res := *t.Result
		res.Data = cloneAnyMap(t.Result.Data)
		if t.Result.Metrics != nil {
			res.Metrics = make(map[string]float64, len(t.Result.Metrics))
			for k, v := range t.Result.Metrics {
				res.Metrics[k] = v
			}
		}
		if t.Result.Artifacts != nil {
			res.Artifacts = make(map[string]string, len(t.Result.Artifacts))
			for k, v := range t.Result.Artifacts {
				res.Artifacts[k] = v
			}
		}
		cp.Result = &res
	}
	return &cp
}

// cloneAnyMap shallow-copies a string-keyed map. Nested values are shared;
// task payloads are treated as immutable by convention.
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
