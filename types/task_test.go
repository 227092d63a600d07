package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStatus_Transitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskPending, false},
		{TaskCompleted, TaskRunning, false},
		{TaskCompleted, TaskCancelled, false},
		{TaskFailed, TaskPending, false},
		{TaskFailed, TaskRunning, false},
		{TaskCancelled, TaskRunning, false},
		{TaskCancelled, TaskPending, false},
		{TaskRunning, TaskStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTaskStatus_TerminalStatesAllowNoTransition(t *testing.T) {
	t.Parallel()

	all := []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestTask_RetryCountNormalization(t *testing.T) {
	t.Parallel()

	task := NewTask("t1", "web_crawl", map[string]any{"url": "https://example.org"})
	if task.RetryCount() != 0 {
		t.Fatalf("fresh task retry count = %d, want 0", task.RetryCount())
	}

	task.SetRetryCount(2)
	if task.RetryCount() != 2 {
		t.Fatalf("retry count = %d, want 2", task.RetryCount())
	}

	// A JSON round trip turns the counter into float64; the accessor must
	// still read it.
	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded.Metadata[MetaRetryCount].(float64); !ok {
		t.Fatalf("expected float64 retry_count after round trip, got %T", decoded.Metadata[MetaRetryCount])
	}
	if decoded.RetryCount() != 2 {
		t.Fatalf("decoded retry count = %d, want 2", decoded.RetryCount())
	}
}

func TestTask_WireShapeRoundTripsOpaqueMetadata(t *testing.T) {
	t.Parallel()

	task := NewTask("t2", "video_transcribe", map[string]any{"url": "https://example.org/v"})
	task.Metadata["broker_delivery_tag"] = "celery-0192"
	task.Metadata[MetaRetryCount] = 1
	task.AgentID = "youtube-1"
	task.ParentTaskID = "t0"
	task.SubtaskIDs = []string{"t2_a", "t2_b"}

	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != task.ID || decoded.Type != task.Type || decoded.AgentID != task.AgentID {
		t.Fatalf("identity fields lost in round trip: %+v", decoded)
	}
	if decoded.Metadata["broker_delivery_tag"] != "celery-0192" {
		t.Fatalf("opaque metadata key lost: %v", decoded.Metadata)
	}
	if len(decoded.SubtaskIDs) != 2 {
		t.Fatalf("subtask ids lost: %v", decoded.SubtaskIDs)
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	t.Parallel()

	task := NewTask("t3", "code_index", map[string]any{"repo": "a/b"})
	task.SetRetryCount(1)
	task.Result = &TaskResult{
		Success: true,
		Data:    map[string]any{"k": "v"},
		Metrics: map[string]float64{"files": 10},
	}
	now := time.Now().UTC()
	task.StartedAt = &now

	cp := task.Clone()
	cp.InputData["repo"] = "mutated"
	cp.Metadata["extra"] = true
	cp.Result.Data["k"] = "mutated"
	cp.Result.Metrics["files"] = 99

	if task.InputData["repo"] != "a/b" {
		t.Fatalf("clone shares input data")
	}
	if _, ok := task.Metadata["extra"]; ok {
		t.Fatalf("clone shares metadata")
	}
	if task.Result.Data["k"] != "v" || task.Result.Metrics["files"] != 10 {
		t.Fatalf("clone shares result maps")
	}
}

func TestTaskPriority_Rank(t *testing.T) {
	t.Parallel()

	if PriorityCritical.Rank() <= PriorityHigh.Rank() ||
		PriorityHigh.Rank() <= PriorityMedium.Rank() ||
		PriorityMedium.Rank() <= PriorityLow.Rank() {
		t.Fatalf("priority ranks are not strictly ordered")
	}
	if TaskPriority("unknown").Rank() != PriorityMedium.Rank() {
		t.Fatalf("unknown priority should rank as medium")
	}
}
