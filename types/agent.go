package types

import (
	"context"
	"time"
)

// =============================================================================
// Agent Contract
// =============================================================================
// Concrete agents (web crawlers, code analyzers, video processors, ...) live
// outside this module. The engine only depends on this minimal contract: an
// identity, lifecycle hooks, and task execution. Agents must be
// side-effect-isolated: execution failures come back as a failed TaskResult
// or an error value, never as a panic.
// =============================================================================

// Agent is the contract every worker implements.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Initialize prepares the agent for work. Called by the registry during
	// registration; an error aborts the registration.
	Initialize(ctx context.Context) error
	// Cleanup releases the agent's resources. Called by the registry during
	// unregistration before the agent is removed from its indices.
	Cleanup(ctx context.Context) error
	// ProcessTask executes one task and returns its result. A nil error with
	// a failed result and a non-nil error are both treated as task failure.
	ProcessTask(ctx context.Context, task *Task) (*TaskResult, error)
	// CanHandle reports whether the agent is able to execute the task.
	CanHandle(task *Task) bool
}

// AgentStatus is the registry's view of an agent's operational state.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentReady        AgentStatus = "ready"
	AgentBusy         AgentStatus = "busy"
	AgentError        AgentStatus = "error"
	AgentStopped      AgentStatus = "stopped"
)

// AgentConfig carries the per-agent settings the coordinator and registry
// consult: whether the agent may receive work, how many tasks it may run at
// once, which capability tags it serves and which task types it accepts.
type AgentConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Capabilities       []string      `json:"capabilities" yaml:"capabilities"`
	TaskTypes          []string      `json:"task_types" yaml:"task_types"`
	TTL                time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// DefaultAgentConfig returns an enabled agent allowed five concurrent tasks.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{Enabled: true, MaxConcurrentTasks: 5}
}

// AgentRegistration is the registry record for a live agent. Owned by the
// registry: created on RegisterAgent, refreshed on heartbeat or lookup,
// deleted when the TTL elapses or on explicit unregister.
type AgentRegistration struct {
	AgentID      string        `json:"agent_id"`
	Status       AgentStatus   `json:"status"`
	Config       AgentConfig   `json:"config"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeen     time.Time     `json:"last_seen"`
	TTL          time.Duration `json:"ttl"`
}

// Expired reports whether the registration's TTL has lapsed at now.
func (r *AgentRegistration) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.Sub(r.LastSeen) > r.TTL
}

// Clone returns a deep copy of the registration.
func (r *AgentRegistration) Clone() *AgentRegistration {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Config.Capabilities = append([]string(nil), r.Config.Capabilities...)
	cp.Config.TaskTypes = append([]string(nil), r.Config.TaskTypes...)
	return &cp
}
