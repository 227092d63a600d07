package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/registry"
	"github.com/knowflow-io/knowflow/types"
)

// Coordinator fans tasks out to agents selected by capability and merges
// the per-agent results. One Coordinator serves many concurrent callers.
type Coordinator struct {
	registry   registry.AgentRegistry
	groups     map[string][]string
	defaultMax int

	mu       sync.Mutex
	inflight map[string]int
	results  map[string]*types.TaskResult

	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New builds a Coordinator over the given registry. An empty capability
// group table falls back to the built-in one; the collector may be nil.
func New(reg registry.AgentRegistry, cfg config.CoordinatorConfig, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := cfg.CapabilityGroups
	if len(groups) == 0 {
		groups = config.DefaultCapabilityGroups()
	}
	defaultMax := cfg.DefaultMaxConcurrent
	if defaultMax <= 0 {
		defaultMax = 5
	}
	return &Coordinator{
		registry:   reg,
		groups:     groups,
		defaultMax: defaultMax,
		inflight:   make(map[string]int),
		results:    make(map[string]*types.TaskResult),
		metrics:    collector,
		logger:     logger.With(zap.String("component", "coordinator")),
		tracer:     otel.Tracer("knowflow/coordinator"),
	}
}

// SelectAgentsForTask returns the ids of ready agents able to serve the
// task, ordered by id. The task type is scanned for keyword table matches
// and every agent carrying a mapped capability tag becomes a candidate; a
// type matching no keyword falls back to the registry's task-type index.
func (c *Coordinator) SelectAgentsForTask(ctx context.Context, task *types.Task) ([]string, error) {
	if task == nil {
		return nil, types.NewValidationError("task is required")
	}

	taskType := strings.ToLower(task.Type)
	tagSet := make(map[string]struct{})
	for keyword, tags := range c.groups {
		if !strings.Contains(taskType, keyword) {
			continue
		}
		for _, tag := range tags {
			tagSet[tag] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	if len(tagSet) == 0 {
		agents, err := c.registry.GetAvailableAgents(ctx, task.Type)
		if err != nil {
			return nil, err
		}
		for _, agent := range agents {
			seen[agent.ID()] = struct{}{}
		}
	} else {
		tags := make([]string, 0, len(tagSet))
		for tag := range tagSet {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			agents, err := c.registry.GetAgentsByCapability(ctx, tag)
			if err != nil {
				return nil, err
			}
			for _, agent := range agents {
				seen[agent.ID()] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SubmitTask fans the task out to the named agents, or to the selected
// ones when none are named, and records the combined result under the
// task's id. Agents without a local handle are skipped; every dispatched
// sub-task contributes to the combined result even when it fails.
func (c *Coordinator) SubmitTask(ctx context.Context, task *types.Task, agentIDs ...string) (string, error) {
	if task == nil || task.ID == "" {
		return "", types.NewValidationError("task with a non-empty id is required")
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.submit_task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type)))
	defer span.End()

	if len(agentIDs) == 0 {
		selected, err := c.SelectAgentsForTask(ctx, task)
		if err != nil {
			return "", err
		}
		agentIDs = selected
	}
	if len(agentIDs) == 0 {
		return "", types.NewError(types.ErrAgentUnavailable,
			fmt.Sprintf("no suitable agents for task %s of type %s", task.ID, task.Type)).
			WithComponent("coordinator")
	}
	span.SetAttributes(attribute.Int("task.fanout", len(agentIDs)))

	results, err := c.Dispatch(ctx, task, agentIDs)
	if err != nil {
		return "", err
	}
	combined := c.CombineResults(results)

	c.mu.Lock()
	c.results[task.ID] = combined
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("task.success", combined.Success))
	c.logger.Info("task fanned out",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Int("agents", len(agentIDs)),
		zap.Int("results", len(results)),
		zap.Bool("success", combined.Success))
	return task.ID, nil
}

// GetTaskResult returns the combined result recorded by SubmitTask.
func (c *Coordinator) GetTaskResult(taskID string) (*types.TaskResult, error) {
	c.mu.Lock()
	result, ok := c.results[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, types.NewNotFoundError("task result", taskID)
	}
	return result, nil
}

// ClearTaskResult drops a recorded result once the caller has consumed it.
func (c *Coordinator) ClearTaskResult(taskID string) {
	c.mu.Lock()
	delete(c.results, taskID)
	c.mu.Unlock()
}

// InFlight returns the number of sub-tasks currently executing on an agent.
func (c *Coordinator) InFlight(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[agentID]
}

// dispatchTarget pairs a resolved agent handle with its derived sub-task.
type dispatchTarget struct {
	agent types.Agent
	task  *types.Task
}

// Dispatch runs one sub-task per named agent concurrently and returns the
// per-agent results in dispatch order, uncombined. Agents that cannot be
// resolved to a local handle are logged and skipped; the remaining
// sub-tasks all run to completion regardless of each other's outcome.
func (c *Coordinator) Dispatch(ctx context.Context, task *types.Task, agentIDs []string) ([]*types.TaskResult, error) {
	if task == nil || task.ID == "" {
		return nil, types.NewValidationError("task with a non-empty id is required")
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.dispatch", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.fanout", len(agentIDs))))
	defer span.End()

	targets := c.resolveTargets(ctx, task, agentIDs)
	if len(targets) == 0 {
		return nil, nil
	}

	subtaskIDs := make([]string, len(targets))
	for i, target := range targets {
		subtaskIDs[i] = target.task.ID
	}
	task.SubtaskIDs = subtaskIDs

	results := make([]*types.TaskResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = c.executeSubtask(gctx, target.agent, target.task)
			// Siblings run to completion; failures surface in the result.
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// resolveTargets looks up each agent handle and derives its sub-task.
// Unknown or remote agents are skipped rather than failed so an explicit
// agent list with one stale entry still fans out to the rest.
func (c *Coordinator) resolveTargets(ctx context.Context, task *types.Task, agentIDs []string) []dispatchTarget {
	targets := make([]dispatchTarget, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		agent, err := c.registry.GetAgent(ctx, agentID)
		if err != nil {
			c.logger.Warn("agent not dispatchable",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		targets = append(targets, dispatchTarget{agent: agent, task: buildSubtask(task, agentID)})
	}
	return targets
}

// buildSubtask derives the per-agent task: same type, input and priority,
// id {parent_id}_{agent_id}, parent and agent stamped, fresh metadata.
func buildSubtask(parent *types.Task, agentID string) *types.Task {
	st := types.NewTask(parent.ID+"_"+agentID, parent.Type, parent.InputData)
	st.Priority = parent.Priority
	st.ParentTaskID = parent.ID
	st.AgentID = agentID
	return st
}

// executeSubtask runs one sub-task behind the availability gate. Every
// failure mode, agent error return or panic included, comes back as a
// failed result so the join barrier always gets len(targets) results.
func (c *Coordinator) executeSubtask(ctx context.Context, agent types.Agent, st *types.Task) (res *types.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subtask panicked",
				zap.String("task_id", st.ID),
				zap.String("agent_id", st.AgentID),
				zap.Any("panic", r))
			res = types.FailedResult(fmt.Sprintf("agent %s panicked: %v", st.AgentID, r))
		}
	}()

	if err := c.admit(ctx, st.AgentID); err != nil {
		c.logger.Warn("subtask rejected",
			zap.String("task_id", st.ID),
			zap.String("agent_id", st.AgentID),
			zap.Error(err))
		return types.FailedResult(err.Error())
	}
	defer c.release(st.AgentID)

	result, err := agent.ProcessTask(ctx, st)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordAgentFailure(st.AgentID)
		}
		c.logger.Warn("subtask failed",
			zap.String("task_id", st.ID),
			zap.String("agent_id", st.AgentID),
			zap.Error(err))
		return types.FailedResult(err.Error())
	}
	if result == nil {
		return types.FailedResult(fmt.Sprintf("agent %s returned no result", st.AgentID))
	}
	return result
}

// admit checks the availability gate and claims an in-flight slot. The
// check and the increment happen under one lock so N concurrent admits
// against a limit of N never over-admit.
func (c *Coordinator) admit(ctx context.Context, agentID string) error {
	rec, err := c.registry.GetRegistration(ctx, agentID)
	if err != nil {
		return types.NewAgentUnavailableError(agentID, "not registered")
	}
	if !rec.Config.Enabled {
		return types.NewAgentUnavailableError(agentID, "disabled")
	}
	limit := rec.Config.MaxConcurrentTasks
	if limit <= 0 {
		limit = c.defaultMax
	}

	c.mu.Lock()
	if c.inflight[agentID] >= limit {
		c.mu.Unlock()
		return types.NewAgentUnavailableError(agentID,
			fmt.Sprintf("at concurrency limit (%d)", limit))
	}
	c.inflight[agentID]++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.TaskStarted(agentID)
	}
	return nil
}

func (c *Coordinator) release(agentID string) {
	c.mu.Lock()
	if c.inflight[agentID] > 0 {
		c.inflight[agentID]--
	}
	if c.inflight[agentID] == 0 {
		delete(c.inflight, agentID)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.TaskEnded(agentID)
	}
}

// CombineResults merges per-agent results into one. When every result is
// a failure the combination is a failure concatenating all sub-errors.
// Otherwise only successful results contribute: data maps merge with the
// last writer winning a key collision, and metric values for a recurring
// key are summed across agents.
func (c *Coordinator) CombineResults(results []*types.TaskResult) *types.TaskResult {
	valid := make([]*types.TaskResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return types.FailedResult("All subtasks failed")
	}

	successful := make([]*types.TaskResult, 0, len(valid))
	errs := make([]string, 0, len(valid))
	for _, r := range valid {
		if r.Success {
			successful = append(successful, r)
		} else {
			errs = append(errs, r.Error)
		}
	}
	if len(successful) == 0 {
		return types.FailedResult("All subtasks failed: " + strings.Join(errs, "; "))
	}

	combined := &types.TaskResult{
		Success: true,
		Data:    make(map[string]any),
		Metrics: make(map[string]float64),
	}
	for _, r := range successful {
		for k, v := range r.Data {
			combined.Data[k] = v
		}
		for k, v := range r.Metrics {
			combined.Metrics[k] += v
		}
	}
	return combined
}
