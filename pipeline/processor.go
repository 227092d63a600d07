package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/coordinator"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/registry"
	"github.com/knowflow-io/knowflow/types"
)

// Processor owns pipeline configurations and drives runs through them.
// Nodes execute strictly in declaration order; each node fans its input
// batch out to the node's agents through the coordinator and joins on all
// of them before the next node starts.
type Processor struct {
	coordinator *coordinator.Coordinator
	registry    registry.AgentRegistry
	cache       Cache

	mu        sync.Mutex
	pipelines map[string]*types.PipelineConfig
	states    map[string]*types.PipelineState

	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewProcessor creates a pipeline processor. cache may be nil, which
// disables node caching entirely.
func NewProcessor(coord *coordinator.Coordinator, reg registry.AgentRegistry, cache Cache, collector *metrics.Collector, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		coordinator: coord,
		registry:    reg,
		cache:       cache,
		pipelines:   make(map[string]*types.PipelineConfig),
		states:      make(map[string]*types.PipelineState),
		metrics:     collector,
		logger:      logger.With(zap.String("component", "pipeline")),
		tracer:      otel.Tracer("knowflow/pipeline"),
	}
}

// RegisterPipeline validates and stores a pipeline configuration. The
// config must pass structural validation, reference only registered
// agents, and carry a pipeline id not already in use.
func (p *Processor) RegisterPipeline(ctx context.Context, cfg *types.PipelineConfig) error {
	if cfg == nil {
		return types.NewValidationError("pipeline config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		for _, agentID := range node.AgentIDs {
			if _, err := p.registry.GetRegistration(ctx, agentID); err != nil {
				if types.IsErrorCode(err, types.ErrNotFound) {
					return types.NewValidationError("pipeline %q node %q references unknown agent %q",
						cfg.PipelineID, node.NodeID, agentID)
				}
				return err
			}
		}
	}

	// Registered configs are detached from the caller's node slice so a
	// later append on the caller's side cannot grow a live pipeline.
	stored := *cfg
	stored.Nodes = append([]types.ProcessingNode(nil), cfg.Nodes...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pipelines[cfg.PipelineID]; exists {
		return types.NewError(types.ErrAlreadyExists,
			fmt.Sprintf("pipeline %s already registered", cfg.PipelineID)).WithComponent("pipeline")
	}
	p.pipelines[cfg.PipelineID] = &stored
	p.logger.Info("pipeline registered",
		zap.String("pipeline_id", cfg.PipelineID),
		zap.Int("nodes", len(cfg.Nodes)))
	return nil
}

// ProcessData runs input through every node of the named pipeline and
// returns the final node's output batch. An invalid priority falls back
// to medium. The run's state is kept for introspection until the next run
// of the same pipeline replaces it.
func (p *Processor) ProcessData(ctx context.Context, pipelineID string, input any, dataType types.DataType, priority types.TaskPriority) ([]*types.ProcessedData, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_data", trace.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("data.type", string(dataType))))
	defer span.End()

	p.mu.Lock()
	cfg, ok := p.pipelines[pipelineID]
	p.mu.Unlock()
	if !ok {
		return nil, types.NewNotFoundError("pipeline", pipelineID)
	}
	if !dataType.Valid() {
		return nil, types.NewValidationError("unknown data type %q", dataType)
	}
	if !priority.Valid() {
		priority = types.PriorityMedium
	}

	state := &types.PipelineState{
		PipelineID:     pipelineID,
		StartTime:      time.Now().UTC(),
		Status:         types.RunRunning,
		CompletedNodes: []string{},
		FailedNodes:    []string{},
		ProcessedData:  []*types.ProcessedData{},
	}
	p.mu.Lock()
	p.states[pipelineID] = state
	p.mu.Unlock()

	current := []*types.ProcessedData{{
		DataID:   pipelineID + "_" + uuid.NewString(),
		DataType: dataType,
		Content:  input,
		Metadata: types.ProcessingMetadata{
			SourceID:  "input",
			Timestamp: time.Now().UTC(),
			AgentID:   "system",
			Stage:     types.StageExtraction,
		},
		Confidence: 1.0,
	}}

	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		p.setCursor(state, node)
		produced, err := p.runNode(ctx, pipelineID, node, current, priority, state)
		if err != nil {
			p.failRun(state, err)
			if p.metrics != nil {
				p.metrics.RecordPipelineRun(pipelineID, string(types.RunFailed))
			}
			p.logger.Error("pipeline run failed",
				zap.String("pipeline_id", pipelineID),
				zap.String("node_id", node.NodeID),
				zap.Error(err))
			return nil, err
		}
		// produced is nil when an optional node failed; the batch flows on
		// unchanged.
		if produced != nil {
			current = produced
		}
	}

	p.completeRun(state)
	if p.metrics != nil {
		p.metrics.RecordPipelineRun(pipelineID, string(types.RunCompleted))
	}
	p.logger.Info("pipeline run completed",
		zap.String("pipeline_id", pipelineID),
		zap.Int("nodes", len(cfg.Nodes)),
		zap.Int("items", len(current)),
		zap.Duration("duration", time.Since(state.StartTime)))
	return current, nil
}

// runNode executes one node against the current batch. It returns the
// node's output batch, nil when an optional node failed, or an error when
// the run must abort.
func (p *Processor) runNode(ctx context.Context, pipelineID string, node *types.ProcessingNode, batch []*types.ProcessedData, priority types.TaskPriority, state *types.PipelineState) ([]*types.ProcessedData, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("node.id", node.NodeID),
		attribute.String("node.stage", string(node.Stage))))
	defer span.End()

	var cacheKey string
	cacheEnabled := p.cache != nil && node.CacheConfig != nil && node.CacheConfig.Enabled
	if cacheEnabled {
		cacheKey = CacheKey(node.NodeID, batch)
		if cached, hit := p.cache.Get(ctx, cacheKey); hit {
			p.logger.Debug("node served from cache",
				zap.String("pipeline_id", pipelineID),
				zap.String("node_id", node.NodeID),
				zap.Int("items", len(cached)))
			p.markCompleted(state, node.NodeID, nil)
			return cached, nil
		}
	}

	for _, item := range batch {
		if !node.AcceptsInput(item.DataType) {
			return nil, types.NewError(types.ErrPipelineNode,
				fmt.Sprintf("node %s does not accept input type %s", node.NodeID, item.DataType)).
				WithComponent("pipeline")
		}
	}

	startTime := time.Now()
	produced := p.executeNode(ctx, pipelineID, node, batch, priority)
	duration := time.Since(startTime)
	if p.metrics != nil {
		p.metrics.RecordPipelineNode(pipelineID, node.NodeID, duration)
	}

	if len(produced) == 0 {
		if p.metrics != nil {
			p.metrics.RecordPipelineNodeFailure(pipelineID, node.NodeID, node.IsRequired())
		}
		if node.IsRequired() {
			return nil, types.NewError(types.ErrPipelineNode,
				fmt.Sprintf("required node %s produced no output", node.NodeID)).
				WithComponent("pipeline")
		}
		p.logger.Warn("optional node produced no output, batch flows unchanged",
			zap.String("pipeline_id", pipelineID),
			zap.String("node_id", node.NodeID))
		p.markFailed(state, node.NodeID)
		return nil, nil
	}

	for _, item := range produced {
		item.Metadata.ProcessingTime = duration
	}
	if cacheEnabled {
		p.cache.Set(ctx, cacheKey, produced)
	}
	p.markCompleted(state, node.NodeID, produced)
	p.logger.Debug("node completed",
		zap.String("pipeline_id", pipelineID),
		zap.String("node_id", node.NodeID),
		zap.Int("items", len(produced)),
		zap.Duration("duration", duration))
	return produced, nil
}

// executeNode fans the batch out to the node's agents and collects every
// successful result's processed_data entries. All failure modes come back
// as an empty batch; the caller decides whether that aborts the run.
func (p *Processor) executeNode(ctx context.Context, pipelineID string, node *types.ProcessingNode, batch []*types.ProcessedData, priority types.TaskPriority) []*types.ProcessedData {
	payload := make([]any, 0, len(batch))
	for _, item := range batch {
		payload = append(payload, item)
	}
	task := types.NewTask(node.NodeID+"_"+uuid.NewString(), string(node.Stage), map[string]any{
		"data":        payload,
		"node_config": node,
		"pipeline_id": pipelineID,
	})
	task.Priority = priority

	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	results, err := p.coordinator.Dispatch(ctx, task, node.AgentIDs)
	if err != nil {
		p.logger.Warn("node dispatch failed",
			zap.String("pipeline_id", pipelineID),
			zap.String("node_id", node.NodeID),
			zap.Error(err))
		return nil
	}

	var produced []*types.ProcessedData
	for _, res := range results {
		if res == nil || !res.Success {
			if res != nil && res.Error != "" {
				p.logger.Warn("node agent failed",
					zap.String("pipeline_id", pipelineID),
					zap.String("node_id", node.NodeID),
					zap.String("error", res.Error))
			}
			continue
		}
		raw, ok := res.Data["processed_data"]
		if !ok {
			continue
		}
		items, err := types.DecodeProcessedDataSlice(raw)
		if err != nil {
			p.logger.Error("discarding undecodable node output",
				zap.String("pipeline_id", pipelineID),
				zap.String("node_id", node.NodeID),
				zap.Error(err))
			continue
		}
		produced = append(produced, items...)
	}
	return produced
}

// GetPipelineState returns a snapshot of the most recent run of the named
// pipeline.
func (p *Processor) GetPipelineState(ctx context.Context, pipelineID string) (*types.PipelineState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[pipelineID]
	if !ok {
		return nil, types.NewNotFoundError("pipeline state", pipelineID)
	}
	cp := *state
	cp.CompletedNodes = append([]string(nil), state.CompletedNodes...)
	cp.FailedNodes = append([]string(nil), state.FailedNodes...)
	cp.ProcessedData = append([]*types.ProcessedData(nil), state.ProcessedData...)
	return &cp, nil
}

// ClearPipelineState drops the retained state of the named pipeline.
// Clearing an unknown or already-cleared pipeline is a no-op.
func (p *Processor) ClearPipelineState(ctx context.Context, pipelineID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, pipelineID)
}

func (p *Processor) setCursor(state *types.PipelineState, node *types.ProcessingNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.CurrentNode = node.NodeID
	state.CurrentStage = node.Stage
}

// markCompleted records a finished node. produced is nil on a cache hit:
// the node completed, but its outputs were not produced by this run and
// are not appended to the run's data trail.
func (p *Processor) markCompleted(state *types.PipelineState, nodeID string, produced []*types.ProcessedData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.CompletedNodes = append(state.CompletedNodes, nodeID)
	if len(produced) > 0 {
		state.ProcessedData = append(state.ProcessedData, produced...)
	}
}

func (p *Processor) markFailed(state *types.PipelineState, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.FailedNodes = append(state.FailedNodes, nodeID)
}

// failRun stamps the terminal failure. The cursor keeps pointing at the
// node that aborted the run.
func (p *Processor) failRun(state *types.PipelineState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.Status = types.RunFailed
	state.Error = err.Error()
}

func (p *Processor) completeRun(state *types.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.Status = types.RunCompleted
	state.CurrentNode = ""
	state.CurrentStage = ""
}
