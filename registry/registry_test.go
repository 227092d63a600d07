package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/types"
)

type mockAgent struct {
	id           string
	initCalls    atomic.Int32
	cleanupCalls atomic.Int32
	processCalls atomic.Int32
	initErr      error
	processFn    func(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

func newMockAgent(id string) *mockAgent { return &mockAgent{id: id} }

func (a *mockAgent) ID() string { return a.id }

func (a *mockAgent) Initialize(ctx context.Context) error {
	a.initCalls.Add(1)
	return a.initErr
}

func (a *mockAgent) Cleanup(ctx context.Context) error {
	a.cleanupCalls.Add(1)
	return nil
}

func (a *mockAgent) ProcessTask(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	a.processCalls.Add(1)
	if a.processFn != nil {
		return a.processFn(ctx, task)
	}
	return &types.TaskResult{Success: true, Data: map[string]any{"agent": a.id}}, nil
}

func (a *mockAgent) CanHandle(task *types.Task) bool { return true }

func agentIDs(agents []types.Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID())
	}
	return ids
}

func newMemoryRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	return NewMemoryRegistry(config.RegistryConfig{TTL: time.Hour}, nil, zap.NewNop())
}

func webAgentConfig() types.AgentConfig {
	return types.AgentConfig{
		Enabled:            true,
		MaxConcurrentTasks: 2,
		Capabilities:       []string{"web_research"},
		TaskTypes:          []string{"web_search"},
	}
}

func TestMemoryRegistry_RegisterAndGet(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()
	agent := newMockAgent("agent-web")

	require.NoError(t, r.RegisterAgent(ctx, agent, webAgentConfig()))
	assert.Equal(t, int32(1), agent.initCalls.Load())

	got, err := r.GetAgent(ctx, "agent-web")
	require.NoError(t, err)
	assert.Same(t, agent, got.(*mockAgent))

	rec, err := r.GetRegistration(ctx, "agent-web")
	require.NoError(t, err)
	assert.Equal(t, types.AgentReady, rec.Status)
	assert.Equal(t, time.Hour, rec.TTL)
	assert.False(t, rec.RegisteredAt.IsZero())
}

func TestMemoryRegistry_RegisterValidation(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	err := r.RegisterAgent(ctx, nil, types.AgentConfig{})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	err = r.RegisterAgent(ctx, newMockAgent(""), types.AgentConfig{})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestMemoryRegistry_RegisterDuplicateRollsBackInit(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	first := newMockAgent("agent-web")
	require.NoError(t, r.RegisterAgent(ctx, first, webAgentConfig()))

	second := newMockAgent("agent-web")
	err := r.RegisterAgent(ctx, second, webAgentConfig())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))
	assert.Equal(t, int32(1), second.initCalls.Load())
	assert.Equal(t, int32(1), second.cleanupCalls.Load())
	assert.Equal(t, int32(0), first.cleanupCalls.Load())

	// The original registration survives.
	got, err := r.GetAgent(ctx, "agent-web")
	require.NoError(t, err)
	assert.Same(t, first, got.(*mockAgent))
}

func TestMemoryRegistry_RegisterInitFailure(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	agent := newMockAgent("agent-bad")
	agent.initErr = assert.AnError

	err := r.RegisterAgent(ctx, agent, webAgentConfig())
	assert.True(t, types.IsErrorCode(err, types.ErrAgentFailure))
	assert.Equal(t, int32(0), agent.cleanupCalls.Load())

	_, err = r.GetAgent(ctx, "agent-bad")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestMemoryRegistry_UnregisterRunsCleanupAndPrunesIndices(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	a1 := newMockAgent("agent-1")
	a2 := newMockAgent("agent-2")
	require.NoError(t, r.RegisterAgent(ctx, a1, webAgentConfig()))
	require.NoError(t, r.RegisterAgent(ctx, a2, webAgentConfig()))

	require.NoError(t, r.UnregisterAgent(ctx, "agent-1"))
	assert.Equal(t, int32(1), a1.cleanupCalls.Load())

	agents, err := r.GetAgentsByCapability(ctx, "web_research")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, agentIDs(agents))

	_, err = r.GetAgent(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	err = r.UnregisterAgent(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestMemoryRegistry_GetAvailableAgentsFilters(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	web := newMockAgent("agent-web")
	require.NoError(t, r.RegisterAgent(ctx, web, webAgentConfig()))

	// No declared task types: accepts anything.
	generalist := newMockAgent("agent-any")
	require.NoError(t, r.RegisterAgent(ctx, generalist, types.AgentConfig{Enabled: true}))

	busy := newMockAgent("agent-busy")
	require.NoError(t, r.RegisterAgent(ctx, busy, webAgentConfig()))
	require.NoError(t, r.SetStatus(ctx, "agent-busy", types.AgentBusy))

	code := newMockAgent("agent-code")
	require.NoError(t, r.RegisterAgent(ctx, code, types.AgentConfig{
		Enabled:   true,
		TaskTypes: []string{"code_analysis"},
	}))

	agents, err := r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-any", "agent-web"}, agentIDs(agents))

	agents, err = r.GetAvailableAgents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-any", "agent-code", "agent-web"}, agentIDs(agents))

	agents, err = r.GetAvailableAgents(ctx, "image_ocr")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-any"}, agentIDs(agents))
}

func TestMemoryRegistry_CleanupExpired(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	shortLived := webAgentConfig()
	shortLived.TTL = 30 * time.Millisecond
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-old"), shortLived))
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-new"), webAgentConfig()))

	time.Sleep(60 * time.Millisecond)

	removed, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-old"}, removed)

	agents, err := r.GetAgentsByCapability(ctx, "web_research")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-new"}, agentIDs(agents))

	removed, err = r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestMemoryRegistry_GetAgentTouchKeepsAlive(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	cfg := webAgentConfig()
	cfg.TTL = 100 * time.Millisecond
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-1"), cfg))

	// Repeated lookups refresh the TTL past several lifetimes.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		_, err := r.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
	}

	time.Sleep(200 * time.Millisecond)
	_, err := r.GetAgent(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestMemoryRegistry_Heartbeat(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	err := r.Heartbeat(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	cfg := webAgentConfig()
	cfg.TTL = 100 * time.Millisecond
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-1"), cfg))

	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, r.Heartbeat(ctx, "agent-1"))
	}

	time.Sleep(200 * time.Millisecond)
	err = r.Heartbeat(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestMemoryRegistry_SetStatus(t *testing.T) {
	r := newMemoryRegistry(t)
	ctx := context.Background()

	err := r.SetStatus(ctx, "missing", types.AgentReady)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-1"), webAgentConfig()))

	err = r.SetStatus(ctx, "agent-1", types.AgentStatus("sleeping"))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	require.NoError(t, r.SetStatus(ctx, "agent-1", types.AgentError))
	rec, err := r.GetRegistration(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentError, rec.Status)

	agents, err := r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Empty(t, agents)
}
