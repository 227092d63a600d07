package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/types"
)

// watchRetries bounds optimistic-transaction retries on a contended record.
const watchRetries = 3

// RedisRegistry shares registration state across processes. Records live
// under {prefix}agent:{id} with a key TTL that doubles as the expiry clock;
// index sets under {prefix}cap:{tag} and {prefix}type:{task_type} give
// constant-time discovery; {prefix}member:{id} remembers which index sets
// an agent joined so an expired record can be pruned from all of them after
// its JSON is gone. Executable handles stay in the registering process.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string

	mu      sync.RWMutex
	handles map[string]types.Agent

	defaultTTL time.Duration
	metrics    *metrics.Collector
	logger     *zap.Logger
}

var _ AgentRegistry = (*RedisRegistry)(nil)

// NewRedisRegistry builds a Redis-backed registry on an existing client.
// The collector may be nil.
func NewRedisRegistry(client redis.UniversalClient, cfg config.RegistryConfig, collector *metrics.Collector, logger *zap.Logger) *RedisRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "knowflow:registry:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRegistry{
		client:     client,
		prefix:     prefix,
		handles:    make(map[string]types.Agent),
		defaultTTL: ttl,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "registry.redis")),
	}
}

func (r *RedisRegistry) agentKey(id string) string  { return r.prefix + "agent:" + id }
func (r *RedisRegistry) memberKey(id string) string { return r.prefix + "member:" + id }
func (r *RedisRegistry) agentsKey() string          { return r.prefix + "agents" }
func (r *RedisRegistry) capKey(tag string) string   { return r.prefix + "cap:" + tag }
func (r *RedisRegistry) typeKey(t string) string    { return r.prefix + "type:" + t }
func (r *RedisRegistry) wildcardKey() string        { return r.prefix + "wildcard" }

// indexKeys lists the index sets an agent with this config belongs to.
func (r *RedisRegistry) indexKeys(cfg types.AgentConfig) []string {
	keys := make([]string, 0, len(cfg.Capabilities)+len(cfg.TaskTypes)+1)
	for _, tag := range cfg.Capabilities {
		keys = append(keys, r.capKey(tag))
	}
	if len(cfg.TaskTypes) == 0 {
		keys = append(keys, r.wildcardKey())
	}
	for _, taskType := range cfg.TaskTypes {
		keys = append(keys, r.typeKey(taskType))
	}
	return keys
}

func registryError(op string, err error) error {
	return types.NewError(types.ErrRegistry, op).WithCause(err).
		WithComponent("registry.redis").WithRetryable(true)
}

// RegisterAgent initializes the agent, claims its record with SET NX, and
// writes the index membership in one pipeline. Initialization is rolled
// back through Cleanup when the claim or the pipeline fails.
func (r *RedisRegistry) RegisterAgent(ctx context.Context, agent types.Agent, cfg types.AgentConfig) error {
	if err := validateRegistration(agent); err != nil {
		return err
	}
	agentID := agent.ID()

	if err := agent.Initialize(ctx); err != nil {
		return types.NewError(types.ErrAgentFailure,
			fmt.Sprintf("initialize agent %s", agentID)).WithCause(err).WithComponent("registry.redis")
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
	payload, err := json.Marshal(rec)
	if err != nil {
		r.rollbackInit(ctx, agent)
		return registryError("encode registration", err)
	}

	claimed, err := r.client.SetNX(ctx, r.agentKey(agentID), payload, cfg.TTL).Result()
	if err != nil {
		r.rollbackInit(ctx, agent)
		return registryError("claim registration", err)
	}
	if !claimed {
		r.rollbackInit(ctx, agent)
		return types.NewError(types.ErrAlreadyExists,
			fmt.Sprintf("agent %s already registered", agentID)).WithComponent("registry.redis")
	}

	indexKeys := r.indexKeys(cfg)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.agentsKey(), agentID)
	for _, key := range indexKeys {
		pipe.SAdd(ctx, key, agentID)
	}
	pipe.Del(ctx, r.memberKey(agentID))
	pipe.SAdd(ctx, r.memberKey(agentID), toAnySlice(indexKeys)...)
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.Del(ctx, r.agentKey(agentID))
		r.rollbackInit(ctx, agent)
		return registryError("index registration", err)
	}

	r.mu.Lock()
	r.handles[agentID] = agent
	r.mu.Unlock()

	r.recordCount(ctx)
	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", cfg.Capabilities),
		zap.Strings("task_types", cfg.TaskTypes),
		zap.Duration("ttl", cfg.TTL))
	return nil
}

// UnregisterAgent removes the record, the index membership and the local
// handle, then runs the handle's Cleanup hook when this process hosts it.
func (r *RedisRegistry) UnregisterAgent(ctx context.Context, agentID string) error {
	known, err := r.client.SIsMember(ctx, r.agentsKey(), agentID).Result()
	if err != nil {
		return registryError("look up agent", err)
	}
	if !known {
		return types.NewNotFoundError("agent", agentID)
	}

	if err := r.purge(ctx, agentID); err != nil {
		return err
	}

	r.mu.Lock()
	handle := r.handles[agentID]
	delete(r.handles, agentID)
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Cleanup(ctx); err != nil {
			r.logger.Warn("agent cleanup failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	r.recordCount(ctx)
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// GetAgent returns the locally hosted handle after refreshing the shared
// record's TTL and last-seen timestamp. A record hosted by another process
// is visible through GetRegistration but has no executable handle here.
func (r *RedisRegistry) GetAgent(ctx context.Context, agentID string) (types.Agent, error) {
	err := r.mutateRegistration(ctx, agentID, func(rec *types.AgentRegistration) error {
		rec.LastSeen = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	handle := r.handles[agentID]
	r.mu.RUnlock()
	if handle == nil {
		return nil, types.NewAgentUnavailableError(agentID, "agent handle lives in another process")
	}
	return handle, nil
}

// GetRegistration returns the shared record without refreshing its TTL.
func (r *RedisRegistry) GetRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error) {
	payload, err := r.client.Get(ctx, r.agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewNotFoundError("agent", agentID)
	}
	if err != nil {
		return nil, registryError("load registration", err)
	}
	var rec types.AgentRegistration
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, registryError("decode registration", err)
	}
	return &rec, nil
}

// GetAvailableAgents returns the ready agents hosted by this process that
// accept the task type, ordered by agent id.
func (r *RedisRegistry) GetAvailableAgents(ctx context.Context, taskType string) ([]types.Agent, error) {
	var ids []string
	var err error
	if taskType == "" {
		ids, err = r.client.SMembers(ctx, r.agentsKey()).Result()
	} else {
		ids, err = r.client.SUnion(ctx, r.typeKey(taskType), r.wildcardKey()).Result()
	}
	if err != nil {
		return nil, registryError("list candidate agents", err)
	}
	return r.collectReady(ctx, ids)
}

// GetAgentsByCapability returns the ready agents hosted by this process
// that carry the capability tag, ordered by agent id.
func (r *RedisRegistry) GetAgentsByCapability(ctx context.Context, capability string) ([]types.Agent, error) {
	ids, err := r.client.SMembers(ctx, r.capKey(capability)).Result()
	if err != nil {
		return nil, registryError("list capability agents", err)
	}
	return r.collectReady(ctx, ids)
}

// CleanupExpired sweeps ids whose record key lapsed, pruning their index
// membership, and returns the removed ids.
func (r *RedisRegistry) CleanupExpired(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.agentsKey()).Result()
	if err != nil {
		return nil, registryError("list agents", err)
	}

	var removed []string
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.agentKey(id)).Result()
		if err != nil {
			return removed, registryError("check registration", err)
		}
		if exists > 0 {
			continue
		}
		if err := r.purge(ctx, id); err != nil {
			return removed, err
		}
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
		removed = append(removed, id)
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		r.recordCount(ctx)
		r.logger.Info("expired agents removed", zap.Strings("agent_ids", removed))
	}
	return removed, nil
}

// Heartbeat refreshes the TTL and last-seen timestamp. An agent whose key
// already lapsed is reported as not found and must register again.
func (r *RedisRegistry) Heartbeat(ctx context.Context, agentID string) error {
	return r.mutateRegistration(ctx, agentID, func(rec *types.AgentRegistration) error {
		rec.LastSeen = time.Now().UTC()
		return nil
	})
}

// SetStatus records the agent's operational status on the shared record.
func (r *RedisRegistry) SetStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	if !validStatus(status) {
		return types.NewValidationError("invalid agent status %q", status)
	}
	return r.mutateRegistration(ctx, agentID, func(rec *types.AgentRegistration) error {
		rec.Status = status
		rec.LastSeen = time.Now().UTC()
		return nil
	})
}

// mutateRegistration applies fn to the shared record under WATCH and writes
// it back with a refreshed key TTL, retrying when a concurrent writer wins.
func (r *RedisRegistry) mutateRegistration(ctx context.Context, agentID string, fn func(*types.AgentRegistration) error) error {
	key := r.agentKey(agentID)
	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.NewNotFoundError("agent", agentID)
		}
		if err != nil {
			return err
		}
		var rec types.AgentRegistration
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		next, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		ttl := rec.TTL
		if ttl <= 0 {
			ttl = r.defaultTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < watchRetries; attempt++ {
		err = r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if te := types.AsError(err); te != nil {
			return te
		}
		return registryError("update registration", err)
	}
	return nil
}

// purge drops the record, its index membership, and its id from the master
// set in one pipeline.
func (r *RedisRegistry) purge(ctx context.Context, agentID string) error {
	indexKeys, err := r.client.SMembers(ctx, r.memberKey(agentID)).Result()
	if err != nil {
		return registryError("load index membership", err)
	}

	pipe := r.client.TxPipeline()
	for _, key := range indexKeys {
		pipe.SRem(ctx, key, agentID)
	}
	pipe.Del(ctx, r.memberKey(agentID))
	pipe.Del(ctx, r.agentKey(agentID))
	pipe.SRem(ctx, r.agentsKey(), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return registryError("purge registration", err)
	}
	return nil
}

func (r *RedisRegistry) rollbackInit(ctx context.Context, agent types.Agent) {
	if err := agent.Cleanup(ctx); err != nil {
		r.logger.Warn("rollback cleanup failed", zap.String("agent_id", agent.ID()), zap.Error(err))
	}
}

// collectReady filters candidate ids down to ready agents whose record key
// is still alive and whose handle this process hosts, ordered by id.
func (r *RedisRegistry) collectReady(ctx context.Context, ids []string) ([]types.Agent, error) {
	sort.Strings(ids)

	agents := make([]types.Agent, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetRegistration(ctx, id)
		if types.IsErrorCode(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status != types.AgentReady {
			continue
		}
		r.mu.RLock()
		handle := r.handles[id]
		r.mu.RUnlock()
		if handle == nil {
			continue
		}
		agents = append(agents, handle)
	}
	return agents, nil
}

func (r *RedisRegistry) recordCount(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	count, err := r.client.SCard(ctx, r.agentsKey()).Result()
	if err != nil {
		return
	}
	r.metrics.SetAgentsRegistered(int(count))
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
