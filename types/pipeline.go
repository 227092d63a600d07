package types

import (
	"fmt"
	"time"
)

// EvictionStrategy selects how a node cache discards entries once full.
type EvictionStrategy string

const (
	// EvictionLRU discards the least recently used entry. Default.
	EvictionLRU EvictionStrategy = "lru"
	// EvictionFIFO discards the oldest entry regardless of use.
	EvictionFIFO EvictionStrategy = "fifo"
)

// CacheConfig controls per-node output caching.
type CacheConfig struct {
	Enabled          bool             `json:"enabled" yaml:"enabled"`
	MaxSize          int              `json:"max_size" yaml:"max_size"`
	TTL              time.Duration    `json:"ttl" yaml:"ttl"`
	EvictionStrategy EvictionStrategy `json:"eviction_strategy" yaml:"eviction_strategy"`
}

// DefaultCacheConfig returns the cache settings used when a node enables
// caching without tuning it: 1000 entries, one hour TTL, LRU eviction.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:          true,
		MaxSize:          1000,
		TTL:              time.Hour,
		EvictionStrategy: EvictionLRU,
	}
}

// RetryPolicy describes how a node's tasks are re-attempted on failure.
type RetryPolicy struct {
	MaxRetries    int     `json:"max_retries" yaml:"max_retries"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns three attempts with doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffFactor: 2.0}
}

// ProcessingNode binds one pipeline step to its agents and its input/output
// type contract. Required is a pointer so the zero config means "required",
// matching how node authors reason about pipelines: opting out is explicit.
type ProcessingNode struct {
	NodeID      string          `json:"node_id" yaml:"node_id"`
	Stage       ProcessingStage `json:"stage" yaml:"stage"`
	AgentIDs    []string        `json:"agent_ids" yaml:"agent_ids"`
	InputTypes  []DataType      `json:"input_types" yaml:"input_types"`
	OutputTypes []DataType      `json:"output_types" yaml:"output_types"`
	Required    *bool           `json:"required,omitempty" yaml:"required,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryPolicy *RetryPolicy    `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	CacheConfig *CacheConfig    `json:"cache_config,omitempty" yaml:"cache_config,omitempty"`
}

// IsRequired reports whether a failure of this node aborts the whole run.
// Nodes are required unless explicitly marked otherwise.
func (n *ProcessingNode) IsRequired() bool {
	return n.Required == nil || *n.Required
}

// AcceptsInput reports whether the node's input contract allows dt.
func (n *ProcessingNode) AcceptsInput(dt DataType) bool {
	for _, t := range n.InputTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// Validate checks the node's structural invariants.
func (n *ProcessingNode) Validate() error {
	if n.NodeID == "" {
		return NewValidationError("processing node missing node_id")
	}
	if !n.Stage.Valid() {
		return NewValidationError("node %q has unknown stage %q", n.NodeID, n.Stage)
	}
	if len(n.AgentIDs) == 0 {
		return NewValidationError("node %q declares no agents", n.NodeID)
	}
	for _, dt := range n.InputTypes {
		if !dt.Valid() {
			return NewValidationError("node %q has unknown input type %q", n.NodeID, dt)
		}
	}
	for _, dt := range n.OutputTypes {
		if !dt.Valid() {
			return NewValidationError("node %q has unknown output type %q", n.NodeID, dt)
		}
	}
	return nil
}

// PipelineConfig declares an ordered sequence of processing nodes. The
// declaration order is the execution order; node authors are responsible
// for declaring a valid topological order.
type PipelineConfig struct {
	PipelineID       string           `json:"pipeline_id" yaml:"pipeline_id"`
	Nodes            []ProcessingNode `json:"nodes" yaml:"nodes"`
	MaxParallelNodes int              `json:"max_parallel_nodes" yaml:"max_parallel_nodes"`
	Timeout          time.Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the config invariants enforced at registration time: a
// pipeline id, at least one node, unique node ids, per-node validity, and
// coverage of every required stage (extraction, validation, storage).
func (c *PipelineConfig) Validate() error {
	if c.PipelineID == "" {
		return NewValidationError("pipeline config missing pipeline_id")
	}
	if len(c.Nodes) == 0 {
		return NewValidationError("pipeline %q declares no nodes", c.PipelineID)
	}
	seen := make(map[string]bool, len(c.Nodes))
	stages := make(map[ProcessingStage]bool)
	for i := range c.Nodes {
		node := &c.Nodes[i]
		if err := node.Validate(); err != nil {
			return fmt.Errorf("pipeline %q: %w", c.PipelineID, err)
		}
		if seen[node.NodeID] {
			return NewValidationError("pipeline %q has duplicate node id %q", c.PipelineID, node.NodeID)
		}
		seen[node.NodeID] = true
		stages[node.Stage] = true
	}
	for _, required := range RequiredStages() {
		if !stages[required] {
			return NewValidationError("pipeline %q missing required stage %q", c.PipelineID, required)
		}
	}
	return nil
}

// RunStatus is the state of one pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PipelineState tracks one ProcessData invocation. It is created fresh per
// run, mutated only by the owning processor call, and kept (at most one per
// pipeline id) for introspection until the next run replaces it.
type PipelineState struct {
	PipelineID     string           `json:"pipeline_id"`
	StartTime      time.Time        `json:"start_time"`
	CurrentStage   ProcessingStage  `json:"current_stage,omitempty"`
	CurrentNode    string           `json:"current_node,omitempty"`
	CompletedNodes []string         `json:"completed_nodes"`
	FailedNodes    []string         `json:"failed_nodes"`
	ProcessedData  []*ProcessedData `json:"processed_data"`
	Status         RunStatus        `json:"status"`
	Error          string           `json:"error,omitempty"`
}
