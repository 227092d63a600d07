package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/coordinator"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/queue"
	"github.com/knowflow-io/knowflow/registry"
	"github.com/knowflow-io/knowflow/types"
)

// ResultSink receives the output of completed tasks. StoreResults gets the
// result payload keyed by task; ProcessArtifact gets each artifact path on
// its own. Sink errors are logged by the task monitor and never retried.
type ResultSink interface {
	StoreResults(ctx context.Context, taskID string, data map[string]any) error
	ProcessArtifact(ctx context.Context, path string) error
}

// TaskArchiver is an optional upgrade to ResultSink. A sink that
// implements it receives the final form of every task that settles in a
// terminal status, completed, failed and cancelled alike. Archive errors
// are logged and never retried.
type TaskArchiver interface {
	ArchiveTask(ctx context.Context, task *types.Task) error
}

// Orchestrator owns the task lifecycle: submission, execution through the
// queue, retry on failure, result handoff and agent health supervision.
type Orchestrator struct {
	queue       queue.TaskQueue
	registry    registry.AgentRegistry
	coordinator *coordinator.Coordinator
	sink        ResultSink
	cfg         config.OrchestratorConfig
	supported   map[string]struct{}

	mu      sync.Mutex
	tasks   map[string]*types.Task
	agents  map[string]struct{}
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
}

var _ queue.Executor = (*Orchestrator)(nil)

// New wires an orchestrator over its queue, registry and coordinator.
// Zero config fields fall back to the documented defaults.
func New(q queue.TaskQueue, reg registry.AgentRegistry, coord *coordinator.Coordinator, sink ResultSink, cfg config.OrchestratorConfig, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TaskPollInterval <= 0 {
		cfg.TaskPollInterval = 5 * time.Second
	}
	if cfg.AgentMonitorInterval <= 0 {
		cfg.AgentMonitorInterval = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	var supported map[string]struct{}
	if len(cfg.SupportedTaskTypes) > 0 {
		supported = make(map[string]struct{}, len(cfg.SupportedTaskTypes))
		for _, taskType := range cfg.SupportedTaskTypes {
			supported[taskType] = struct{}{}
		}
	}
	return &Orchestrator{
		queue:       q,
		registry:    reg,
		coordinator: coord,
		sink:        sink,
		cfg:         cfg,
		supported:   supported,
		tasks:       make(map[string]*types.Task),
		agents:      make(map[string]struct{}),
		metrics:     collector,
		logger:      logger.With(zap.String("component", "orchestrator")),
		tracer:      otel.Tracer("knowflow/orchestrator"),
	}
}

// Start launches the task and agent monitor loops. Calling Start on a
// running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	o.running = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(2)
	go o.monitorTasks(ctx)
	go o.monitorAgents(ctx)
	o.logger.Info("orchestrator started",
		zap.Duration("task_poll_interval", o.cfg.TaskPollInterval),
		zap.Duration("agent_monitor_interval", o.cfg.AgentMonitorInterval),
		zap.Int("max_retries", o.cfg.MaxRetries))
	return nil
}

// Stop halts both monitor loops and waits for them to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// SubmitTask validates a task, records it for monitoring and pushes it
// onto the queue. A blank ID gets a generated one; the assigned ID is
// returned. A failed push rolls the local record back.
func (o *Orchestrator) SubmitTask(ctx context.Context, task *types.Task) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit_task")
	defer span.End()

	if err := o.validateTask(task); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)

	record := task.Clone()
	if !record.Priority.Valid() {
		record.Priority = types.PriorityMedium
	}
	record.Status = types.TaskPending
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	o.mu.Lock()
	if _, exists := o.tasks[record.ID]; exists {
		o.mu.Unlock()
		return "", types.NewError(types.ErrAlreadyExists, fmt.Sprintf("task %s already submitted", record.ID)).
			WithComponent("orchestrator")
	}
	o.tasks[record.ID] = record
	o.mu.Unlock()

	if err := o.queue.Push(ctx, task); err != nil {
		o.mu.Lock()
		delete(o.tasks, record.ID)
		o.mu.Unlock()
		return "", err
	}

	if o.metrics != nil {
		o.metrics.RecordTaskSubmitted(record.Type, string(record.Priority))
	}
	o.logger.Info("task submitted",
		zap.String("task_id", record.ID),
		zap.String("task_type", record.Type),
		zap.String("agent_id", record.AgentID))
	return record.ID, nil
}

func (o *Orchestrator) validateTask(task *types.Task) error {
	if task == nil {
		return types.NewValidationError("task must not be nil")
	}
	if task.Type == "" {
		return types.NewValidationError("task type must not be empty")
	}
	if len(task.InputData) == 0 {
		return types.NewValidationError("task input data must not be empty")
	}
	if task.Status != "" && task.Status != types.TaskPending {
		return types.NewValidationError("task status must be pending at submission, got %s", task.Status)
	}
	if o.supported != nil {
		if _, ok := o.supported[task.Type]; !ok {
			return types.NewValidationError("unsupported task type %q", task.Type)
		}
	}
	return nil
}

// CancelTask cancels a known, non-terminal task. Terminal tasks are
// rejected with an invalid transition error.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	record, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return types.NewNotFoundError("task", taskID)
	}

	if err := o.queue.UpdateStatus(ctx, taskID, types.TaskCancelled); err != nil {
		return err
	}

	now := time.Now().UTC()
	o.mu.Lock()
	record.Status = types.TaskCancelled
	if record.CompletedAt == nil {
		record.CompletedAt = &now
	}
	o.mu.Unlock()

	// The local record is already terminal, so the task monitor will never
	// observe this transition; archive here instead.
	if stored, err := o.queue.GetTask(ctx, taskID); err == nil {
		o.archiveTask(ctx, stored)
	}

	o.logger.Info("task cancelled", zap.String("task_id", taskID))
	return nil
}

// GetTaskStatus reports the queue's view of a task.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	return o.queue.GetStatus(ctx, taskID)
}

// GetTask returns the stored task, result included once it has one.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return o.queue.GetTask(ctx, taskID)
}

// RegisterAgent registers an agent and puts it under health supervision.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agent types.Agent, cfg types.AgentConfig) error {
	if err := o.registry.RegisterAgent(ctx, agent, cfg); err != nil {
		return err
	}
	o.mu.Lock()
	o.agents[agent.ID()] = struct{}{}
	o.mu.Unlock()
	return nil
}

// UnregisterAgent removes an agent from the registry and from supervision.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, agentID string) error {
	err := o.registry.UnregisterAgent(ctx, agentID)
	o.mu.Lock()
	delete(o.agents, agentID)
	o.mu.Unlock()
	return err
}

// Execute makes the orchestrator the queue's executor. It claims the task
// by moving it to running, runs it and writes the result plus the terminal
// status back to the queue. Local records are left to the task monitor so
// the result handoff always sees the transition.
func (o *Orchestrator) Execute(ctx context.Context, task *types.Task) error {
	if task == nil {
		return types.NewValidationError("executor received nil task")
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
		))
	defer span.End()

	if err := o.queue.UpdateStatus(ctx, task.ID, types.TaskRunning); err != nil {
		if types.IsErrorCode(err, types.ErrInvalidTransition) {
			// Cancelled between delivery and claim.
			o.logger.Debug("task no longer runnable", zap.String("task_id", task.ID))
			return nil
		}
		return err
	}

	result := o.runTask(ctx, task)
	if result == nil {
		result = types.FailedResult("task produced no result")
	}
	span.SetAttributes(attribute.Bool("task.success", result.Success))

	if err := o.queue.SetResult(ctx, task.ID, result); err != nil {
		o.logger.Warn("record task result failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	next := types.TaskFailed
	if result.Success {
		next = types.TaskCompleted
	}
	if err := o.queue.UpdateStatus(ctx, task.ID, next); err != nil {
		if types.IsErrorCode(err, types.ErrInvalidTransition) {
			// Cancellation won the race; the run's outcome is discarded.
			o.logger.Info("task finished after cancellation", zap.String("task_id", task.ID))
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, task *types.Task) *types.TaskResult {
	if task.AgentID != "" {
		return o.runAssigned(ctx, task)
	}
	return o.runFanout(ctx, task)
}

// runAssigned hands the task to the agent it is addressed to.
func (o *Orchestrator) runAssigned(ctx context.Context, task *types.Task) (res *types.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent panicked",
				zap.String("task_id", task.ID),
				zap.String("agent_id", task.AgentID),
				zap.Any("panic", r))
			res = types.FailedResult(fmt.Sprintf("agent %s panicked: %v", task.AgentID, r))
		}
	}()

	agent, err := o.registry.GetAgent(ctx, task.AgentID)
	if err != nil {
		return types.FailedResult(err.Error())
	}
	if !agent.CanHandle(task) {
		return types.FailedResult(fmt.Sprintf("agent %s cannot handle task type %s", task.AgentID, task.Type))
	}

	result, err := agent.ProcessTask(ctx, task)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordAgentFailure(task.AgentID)
		}
		o.logger.Warn("agent processing failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", task.AgentID),
			zap.Error(err))
		return types.FailedResult(err.Error())
	}
	if result == nil {
		return types.FailedResult(fmt.Sprintf("agent %s returned no result", task.AgentID))
	}
	return result
}

// runFanout routes an unaddressed task through the coordinator and picks
// up the combined result.
func (o *Orchestrator) runFanout(ctx context.Context, task *types.Task) *types.TaskResult {
	taskID, err := o.coordinator.SubmitTask(ctx, task)
	if err != nil {
		return types.FailedResult(err.Error())
	}
	combined, err := o.coordinator.GetTaskResult(taskID)
	if err != nil {
		return types.FailedResult(err.Error())
	}
	o.coordinator.ClearTaskResult(taskID)
	return combined
}

// watchedAgents is the union of agents registered through the
// orchestrator and agents named by local task records. Records carry the
// agent from submission, so a directed task is covered before the task
// monitor mirrors its first status change.
func (o *Orchestrator) watchedAgents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]struct{}, len(o.agents))
	for id := range o.agents {
		seen[id] = struct{}{}
	}
	for _, task := range o.tasks {
		if !task.Status.Terminal() && task.AgentID != "" {
			seen[task.AgentID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveTaskCount reports how many tracked tasks are still non-terminal.
func (o *Orchestrator) ActiveTaskCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for _, task := range o.tasks {
		if !task.Status.Terminal() {
			count++
		}
	}
	return count
}

// activeTasks snapshots the local records still worth monitoring.
func (o *Orchestrator) activeTasks() []*types.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Task, 0, len(o.tasks))
	for _, task := range o.tasks {
		if !task.Status.Terminal() {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resetForRetry rewinds a task to pending so a fresh push replaces the
// stored record cleanly.
func resetForRetry(task *types.Task) {
	task.Status = types.TaskPending
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Result = nil
}
