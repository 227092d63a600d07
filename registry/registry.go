package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/types"
)

// AgentRegistry is the directory every other component discovers agents
// through.
type AgentRegistry interface {
	// RegisterAgent runs the agent's Initialize hook and records it with a
	// TTL. When recording fails after a successful Initialize, the agent's
	// Cleanup hook runs so initialization is rolled back.
	RegisterAgent(ctx context.Context, agent types.Agent, cfg types.AgentConfig) error

	// UnregisterAgent removes the agent from the directory and every
	// capability index, then runs its Cleanup hook.
	UnregisterAgent(ctx context.Context, agentID string) error

	// GetAgent returns the agent's executable handle, refreshing the
	// registration TTL as a side effect.
	GetAgent(ctx context.Context, agentID string) (types.Agent, error)

	// GetRegistration returns a copy of the registration record without
	// touching the TTL, for monitors that must not keep agents alive.
	GetRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error)

	// GetAvailableAgents returns the unexpired, ready agents accepting the
	// given task type. An empty task type matches every agent.
	GetAvailableAgents(ctx context.Context, taskType string) ([]types.Agent, error)

	// GetAgentsByCapability returns the unexpired, ready agents carrying
	// the given capability tag.
	GetAgentsByCapability(ctx context.Context, capability string) ([]types.Agent, error)

	// CleanupExpired removes every registration whose TTL has lapsed,
	// pruning all index references, and returns the removed agent ids.
	CleanupExpired(ctx context.Context) ([]string, error)

	// Heartbeat refreshes the TTL and last-seen timestamp. An expired
	// registration is not revived; the agent must register again.
	Heartbeat(ctx context.Context, agentID string) error

	// SetStatus records the agent's operational status, refreshing the
	// last-seen timestamp.
	SetStatus(ctx context.Context, agentID string, status types.AgentStatus) error
}

func validateRegistration(agent types.Agent) error {
	if agent == nil {
		return types.NewValidationError("agent must not be nil")
	}
	if agent.ID() == "" {
		return types.NewValidationError("agent id must not be empty")
	}
	return nil
}

// normalizeAgentConfig fills the zero fields of a registration config with
// the registry defaults.
func normalizeAgentConfig(cfg types.AgentConfig, defaultTTL time.Duration) types.AgentConfig {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = types.DefaultAgentConfig().MaxConcurrentTasks
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return cfg
}

func validStatus(status types.AgentStatus) bool {
	switch status {
	case types.AgentInitializing, types.AgentReady, types.AgentBusy, types.AgentError, types.AgentStopped:
		return true
	}
	return false
}

// =============================================================================
// In-memory registry
// =============================================================================

// memberRecord pairs the executable handle with its registration.
type memberRecord struct {
	agent types.Agent
	rec   *types.AgentRegistration
}

// MemoryRegistry is the in-process AgentRegistry. A single lock covers the
// agent map and both indices so registration, unregistration and sweeps are
// atomic with respect to each other.
type MemoryRegistry struct {
	mu        sync.RWMutex
	agents    map[string]*memberRecord
	typeIndex map[string]map[string]struct{}
	capIndex  map[string]map[string]struct{}
	wildcard  map[string]struct{}

	defaultTTL time.Duration
	metrics    *metrics.Collector
	logger     *zap.Logger
}

var _ AgentRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry builds an in-process registry. The collector may be nil.
func NewMemoryRegistry(cfg config.RegistryConfig, collector *metrics.Collector, logger *zap.Logger) *MemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryRegistry{
		agents:     make(map[string]*memberRecord),
		typeIndex:  make(map[string]map[string]struct{}),
		capIndex:   make(map[string]map[string]struct{}),
		wildcard:   make(map[string]struct{}),
		defaultTTL: ttl,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "registry.memory")),
	}
}

// RegisterAgent initializes the agent, then records and indexes it. A
// duplicate id fails with ALREADY_EXISTS after rolling the agent's
// initialization back through Cleanup.
func (r *MemoryRegistry) RegisterAgent(ctx context.Context, agent types.Agent, cfg types.AgentConfig) error {
	if err := validateRegistration(agent); err != nil {
		return err
	}
	agentID := agent.ID()

	if err := agent.Initialize(ctx); err != nil {
		return types.NewError(types.ErrAgentFailure,
			fmt.Sprintf("initialize agent %s", agentID)).WithCause(err).WithComponent("registry.memory")
	}

	cfg = normalizeAgentConfig(cfg, r.defaultTTL)
	now := time.Now().UTC()
	rec := &types.AgentRegistration{
		AgentID:      agentID,
		Status:       types.AgentReady,
		Config:       cfg,
		RegisteredAt: now,
		LastSeen:     now,
		TTL:          cfg.TTL,
	}

	r.mu.Lock()
	if _, exists := r.agents[agentID]; exists {
		r.mu.Unlock()
		r.rollbackInit(ctx, agent)
		return types.NewError(types.ErrAlreadyExists,
			fmt.Sprintf("agent %s already registered", agentID)).WithComponent("registry.memory")
	}
	r.agents[agentID] = &memberRecord{agent: agent, rec: rec}
	r.indexLocked(agentID, cfg)
	count := len(r.agents)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetAgentsRegistered(count)
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", cfg.Capabilities),
		zap.Strings("task_types", cfg.TaskTypes),
		zap.Duration("ttl", cfg.TTL))
	return nil
}

// UnregisterAgent atomically removes the agent from the directory and every
// index, then runs its Cleanup hook. Both complete before this returns:
// cleanup has run and the agent is no longer discoverable.
func (r *MemoryRegistry) UnregisterAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	member, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return types.NewNotFoundError("agent", agentID)
	}
	r.removeLocked(agentID, member.rec.Config)
	count := len(r.agents)
	r.mu.Unlock()

	if err := member.agent.Cleanup(ctx); err != nil {
		r.logger.Warn("agent cleanup failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.SetAgentsRegistered(count)
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// GetAgent returns the executable handle, refreshing the TTL. A lapsed
// registration is pruned on the spot and reported as not found.
func (r *MemoryRegistry) GetAgent(ctx context.Context, agentID string) (types.Agent, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	member, exists := r.agents[agentID]
	if exists && member.rec.Expired(now) {
		r.removeLocked(agentID, member.rec.Config)
		exists = false
	}
	if !exists {
		r.mu.Unlock()
		return nil, types.NewNotFoundError("agent", agentID)
	}
	member.rec.LastSeen = now
	agent := member.agent
	r.mu.Unlock()
	return agent, nil
}

// GetRegistration returns a copy of the record without refreshing the TTL.
func (r *MemoryRegistry) GetRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	member, exists := r.agents[agentID]
	if !exists {
		return nil, types.NewNotFoundError("agent", agentID)
	}
	return member.rec.Clone(), nil
}

// GetAvailableAgents returns the ready, unexpired agents accepting the task
// type, ordered by agent id.
func (r *MemoryRegistry) GetAvailableAgents(ctx context.Context, taskType string) ([]types.Agent, error) {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates map[string]struct{}
	if taskType == "" {
		candidates = make(map[string]struct{}, len(r.agents))
		for id := range r.agents {
			candidates[id] = struct{}{}
		}
	} else {
		candidates = make(map[string]struct{}, len(r.typeIndex[taskType])+len(r.wildcard))
		for id := range r.typeIndex[taskType] {
			candidates[id] = struct{}{}
		}
		for id := range r.wildcard {
			candidates[id] = struct{}{}
		}
	}
	return r.collectReadyLocked(candidates, now), nil
}

// GetAgentsByCapability returns the ready, unexpired agents carrying the
// capability tag, ordered by agent id.
func (r *MemoryRegistry) GetAgentsByCapability(ctx context.Context, capability string) ([]types.Agent, error) {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectReadyLocked(r.capIndex[capability], now), nil
}

// CleanupExpired sweeps lapsed registrations and their index entries,
// returning the removed ids. Expired agents are presumed dead, so their
// Cleanup hook is not invoked.
func (r *MemoryRegistry) CleanupExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	var removed []string
	for id, member := range r.agents {
		if member.rec.Expired(now) {
			r.removeLocked(id, member.rec.Config)
			removed = append(removed, id)
		}
	}
	count := len(r.agents)
	r.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 {
		if r.metrics != nil {
			r.metrics.SetAgentsRegistered(count)
		}
		r.logger.Info("expired agents removed", zap.Strings("agent_ids", removed))
	}
	return removed, nil
}

// Heartbeat refreshes the TTL and last-seen timestamp. A heartbeat from an
// already expired agent prunes the record instead of reviving it.
func (r *MemoryRegistry) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	member, exists := r.agents[agentID]
	if !exists {
		return types.NewNotFoundError("agent", agentID)
	}
	if member.rec.Expired(now) {
		r.removeLocked(agentID, member.rec.Config)
		return types.NewNotFoundError("agent", agentID)
	}
	member.rec.LastSeen = now
	return nil
}

// SetStatus records the agent's operational status.
func (r *MemoryRegistry) SetStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	if !validStatus(status) {
		return types.NewValidationError("invalid agent status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	member, exists := r.agents[agentID]
	if !exists {
		return types.NewNotFoundError("agent", agentID)
	}
	member.rec.Status = status
	member.rec.LastSeen = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) rollbackInit(ctx context.Context, agent types.Agent) {
	if err := agent.Cleanup(ctx); err != nil {
		r.logger.Warn("rollback cleanup failed", zap.String("agent_id", agent.ID()), zap.Error(err))
	}
}

// indexLocked adds the agent to the capability and task-type indices.
func (r *MemoryRegistry) indexLocked(agentID string, cfg types.AgentConfig) {
	for _, tag := range cfg.Capabilities {
		if r.capIndex[tag] == nil {
			r.capIndex[tag] = make(map[string]struct{})
		}
		r.capIndex[tag][agentID] = struct{}{}
	}
	if len(cfg.TaskTypes) == 0 {
		r.wildcard[agentID] = struct{}{}
		return
	}
	for _, taskType := range cfg.TaskTypes {
		if r.typeIndex[taskType] == nil {
			r.typeIndex[taskType] = make(map[string]struct{})
		}
		r.typeIndex[taskType][agentID] = struct{}{}
	}
}

// removeLocked deletes the agent from the directory and every index entry.
func (r *MemoryRegistry) removeLocked(agentID string, cfg types.AgentConfig) {
	for _, tag := range cfg.Capabilities {
		delete(r.capIndex[tag], agentID)
		if len(r.capIndex[tag]) == 0 {
			delete(r.capIndex, tag)
		}
	}
	for _, taskType := range cfg.TaskTypes {
		delete(r.typeIndex[taskType], agentID)
		if len(r.typeIndex[taskType]) == 0 {
			delete(r.typeIndex, taskType)
		}
	}
	delete(r.wildcard, agentID)
	delete(r.agents, agentID)
}

// collectReadyLocked filters candidate ids down to ready, unexpired agents
// and returns their handles ordered by id.
func (r *MemoryRegistry) collectReadyLocked(candidates map[string]struct{}, now time.Time) []types.Agent {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		member, exists := r.agents[id]
		if !exists {
			continue
		}
		if member.rec.Expired(now) || member.rec.Status != types.AgentReady {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	agents := make([]types.Agent, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, r.agents[id].agent)
	}
	return agents
}
