package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/types"
)

// monitorTasks follows submitted tasks until they settle, handing off
// completed results and requeueing retryable failures.
func (o *Orchestrator) monitorTasks(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TaskPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := o.checkTasks(ctx); err != nil {
			o.logger.Error("task monitor pass failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ErrorBackoff):
			}
		}
	}
}

func (o *Orchestrator) checkTasks(ctx context.Context) error {
	for _, record := range o.activeTasks() {
		if ctx.Err() != nil {
			return nil
		}
		if err := o.checkTask(ctx, record); err != nil {
			o.logger.Warn("task check failed",
				zap.String("task_id", record.ID), zap.Error(err))
		}
	}
	return nil
}

// checkTask reconciles one local record against the queue and reacts to
// terminal transitions.
func (o *Orchestrator) checkTask(ctx context.Context, record *types.Task) error {
	status, err := o.queue.GetStatus(ctx, record.ID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	previous := record.Status
	if status != previous {
		record.Status = status
	}
	o.mu.Unlock()
	if status == previous {
		return nil
	}

	switch status {
	case types.TaskCompleted:
		stored, err := o.queue.GetTask(ctx, record.ID)
		if err != nil {
			return err
		}
		o.mu.Lock()
		record.Result = stored.Result
		record.CompletedAt = stored.CompletedAt
		o.mu.Unlock()
		o.processTaskResults(ctx, stored)
		o.archiveTask(ctx, stored)
	case types.TaskFailed:
		stored, err := o.queue.GetTask(ctx, record.ID)
		if err != nil {
			return err
		}
		o.handleTaskFailure(ctx, record, stored)
	case types.TaskCancelled:
		stored, err := o.queue.GetTask(ctx, record.ID)
		if err != nil {
			return err
		}
		o.mu.Lock()
		record.CompletedAt = stored.CompletedAt
		o.mu.Unlock()
		o.archiveTask(ctx, stored)
	}
	return nil
}

// archiveTask offers a settled task to the sink when the sink supports
// archival. Upserts on the sink side keep repeated offers harmless.
func (o *Orchestrator) archiveTask(ctx context.Context, task *types.Task) {
	archiver, ok := o.sink.(TaskArchiver)
	if !ok {
		return
	}
	if err := archiver.ArchiveTask(ctx, task); err != nil {
		o.logger.Error("archive task failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

// processTaskResults hands a completed task's output to the sink. Sink
// errors are logged and never retried; the record is already terminal so
// the handoff happens at most once.
func (o *Orchestrator) processTaskResults(ctx context.Context, task *types.Task) {
	if o.sink == nil || task.Result == nil {
		return
	}
	if len(task.Result.Data) > 0 {
		if err := o.sink.StoreResults(ctx, task.ID, task.Result.Data); err != nil {
			o.logger.Error("store task results failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if len(task.Result.Artifacts) == 0 {
		return
	}
	kinds := make([]string, 0, len(task.Result.Artifacts))
	for kind := range task.Result.Artifacts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		path := task.Result.Artifacts[kind]
		if err := o.sink.ProcessArtifact(ctx, path); err != nil {
			o.logger.Error("process artifact failed",
				zap.String("task_id", task.ID),
				zap.String("artifact", kind),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

// handleTaskFailure requeues a failed task while its retry budget lasts,
// otherwise it marks the failure permanent.
func (o *Orchestrator) handleTaskFailure(ctx context.Context, record, stored *types.Task) {
	reason := "unknown error"
	if stored.Result != nil && stored.Result.Error != "" {
		reason = stored.Result.Error
	}

	retries := stored.RetryCount()
	if retries >= o.cfg.MaxRetries {
		o.mu.Lock()
		record.Result = stored.Result
		record.CompletedAt = stored.CompletedAt
		o.mu.Unlock()
		o.logger.Error("task failed permanently",
			zap.String("task_id", stored.ID),
			zap.Int("retries", retries),
			zap.String("error", reason))
		o.archiveTask(ctx, stored)
		return
	}

	retry := stored.Clone()
	retry.SetRetryCount(retries + 1)
	resetForRetry(retry)
	if err := o.queue.Push(ctx, retry); err != nil {
		o.logger.Error("requeue failed task",
			zap.String("task_id", stored.ID), zap.Error(err))
		return
	}

	if o.metrics != nil {
		o.metrics.RecordTaskRetry(stored.Type)
	}
	o.mu.Lock()
	record.Status = types.TaskPending
	record.StartedAt = nil
	record.CompletedAt = nil
	record.Result = nil
	o.mu.Unlock()
	o.logger.Warn("task requeued for retry",
		zap.String("task_id", stored.ID),
		zap.Int("attempt", retries+1),
		zap.String("error", reason))
}

// monitorAgents sweeps expired registrations and watches the health of
// agents that own work.
func (o *Orchestrator) monitorAgents(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.AgentMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := o.checkAgents(ctx); err != nil {
			o.logger.Error("agent monitor pass failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ErrorBackoff):
			}
		}
	}
}

func (o *Orchestrator) checkAgents(ctx context.Context) error {
	removed, err := o.registry.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		o.mu.Lock()
		for _, id := range removed {
			delete(o.agents, id)
		}
		o.mu.Unlock()
		o.logger.Warn("expired agents removed", zap.Strings("agent_ids", removed))
	}

	for _, agentID := range o.watchedAgents() {
		if ctx.Err() != nil {
			return nil
		}
		healthy, err := o.agentHealthy(ctx, agentID)
		if err != nil {
			o.logger.Warn("agent health check failed",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		if !healthy {
			o.handleAgentFailure(ctx, agentID)
		}
	}
	return nil
}

// agentHealthy reports whether an agent is still fit to own running work.
// Busy agents are alive; missing, erroring or stopped ones are not.
func (o *Orchestrator) agentHealthy(ctx context.Context, agentID string) (bool, error) {
	rec, err := o.registry.GetRegistration(ctx, agentID)
	if err != nil {
		if types.IsErrorCode(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.Status == types.AgentReady || rec.Status == types.AgentBusy, nil
}

// handleAgentFailure rewinds the failed agent's running tasks to pending
// and drops the agent from the registry. Requeues triggered here do not
// touch the retry budget.
func (o *Orchestrator) handleAgentFailure(ctx context.Context, agentID string) {
	o.logger.Warn("agent failed, reassigning its tasks", zap.String("agent_id", agentID))
	if o.metrics != nil {
		o.metrics.RecordAgentFailure(agentID)
	}

	for _, record := range o.activeTasks() {
		if err := o.resetOrphanedTask(ctx, record, agentID); err != nil {
			o.logger.Error("reset orphaned task failed",
				zap.String("task_id", record.ID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}

	if err := o.registry.UnregisterAgent(ctx, agentID); err != nil && !types.IsErrorCode(err, types.ErrNotFound) {
		o.logger.Warn("unregister failed agent",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	o.mu.Lock()
	delete(o.agents, agentID)
	o.mu.Unlock()
}

// resetOrphanedTask requeues one task if the queue confirms it is running
// under the failed agent. The stored record is authoritative; the local
// mirror may lag behind it.
func (o *Orchestrator) resetOrphanedTask(ctx context.Context, record *types.Task, agentID string) error {
	stored, err := o.queue.GetTask(ctx, record.ID)
	if err != nil {
		return err
	}
	if stored.Status != types.TaskRunning || stored.AgentID != agentID {
		return nil
	}

	requeued := stored.Clone()
	requeued.AgentID = ""
	resetForRetry(requeued)
	if err := o.queue.Push(ctx, requeued); err != nil {
		return err
	}

	o.mu.Lock()
	record.Status = types.TaskPending
	record.AgentID = ""
	record.StartedAt = nil
	record.CompletedAt = nil
	record.Result = nil
	o.mu.Unlock()

	o.logger.Info("task requeued after agent failure",
		zap.String("task_id", record.ID),
		zap.String("agent_id", agentID))
	return nil
}
