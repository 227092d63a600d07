package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/types"
)

func newRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisRegistry(client, config.RegistryConfig{
		KeyPrefix: "test:registry:",
		TTL:       time.Hour,
	}, nil, zap.NewNop())
	return r, mr, client
}

func TestRedisRegistry_RegisterAndDiscover(t *testing.T) {
	r, _, _ := newRedisRegistry(t)
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
	assert.Equal(t, []string{"web_research"}, rec.Config.Capabilities)

	agents, err := r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-web"}, agentIDs(agents))

	agents, err = r.GetAgentsByCapability(ctx, "web_research")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-web"}, agentIDs(agents))

	// No agent declares this task type and no wildcard agent exists.
	agents, err = r.GetAvailableAgents(ctx, "code_analysis")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestRedisRegistry_WildcardTaskTypes(t *testing.T) {
	r, _, _ := newRedisRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-any"), types.AgentConfig{Enabled: true}))
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-web"), webAgentConfig()))

	agents, err := r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-any", "agent-web"}, agentIDs(agents))

	agents, err = r.GetAvailableAgents(ctx, "video_transcription")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-any"}, agentIDs(agents))
}

func TestRedisRegistry_DuplicateAcrossInstances(t *testing.T) {
	first, _, client := newRedisRegistry(t)
	ctx := context.Background()

	second := NewRedisRegistry(client, config.RegistryConfig{
		KeyPrefix: "test:registry:",
		TTL:       time.Hour,
	}, nil, zap.NewNop())

	hosted := newMockAgent("agent-1")
	require.NoError(t, first.RegisterAgent(ctx, hosted, webAgentConfig()))

	// The second process loses the SET NX race and rolls back its init.
	rival := newMockAgent("agent-1")
	err := second.RegisterAgent(ctx, rival, webAgentConfig())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))
	assert.Equal(t, int32(1), rival.initCalls.Load())
	assert.Equal(t, int32(1), rival.cleanupCalls.Load())
	assert.Equal(t, int32(0), hosted.cleanupCalls.Load())

	// The shared record is visible everywhere, the handle only at home.
	rec, err := second.GetRegistration(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentReady, rec.Status)

	_, err = second.GetAgent(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrAgentUnavailable))

	got, err := first.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Same(t, hosted, got.(*mockAgent))
}

func TestRedisRegistry_CleanupExpiredPrunesIndices(t *testing.T) {
	r, mr, client := newRedisRegistry(t)
	ctx := context.Background()

	cfg := webAgentConfig()
	cfg.TTL = time.Minute
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-old"), cfg))
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-new"), webAgentConfig()))

	// Lapse the short record's key; the hour-long one survives.
	mr.FastForward(2 * time.Minute)

	removed, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-old"}, removed)

	members, err := client.SMembers(ctx, "test:registry:cap:web_research").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-new"}, members)

	members, err = client.SMembers(ctx, "test:registry:agents").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-new"}, members)

	_, err = r.GetRegistration(ctx, "agent-old")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	removed, err = r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRedisRegistry_HeartbeatRefreshesTTL(t *testing.T) {
	r, mr, _ := newRedisRegistry(t)
	ctx := context.Background()

	cfg := webAgentConfig()
	cfg.TTL = time.Minute
	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-1"), cfg))

	mr.FastForward(40 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "agent-1"))

	// Without the heartbeat the key would have lapsed by now.
	mr.FastForward(40 * time.Second)
	rec, err := r.GetRegistration(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", rec.AgentID)

	mr.FastForward(2 * time.Minute)
	err = r.Heartbeat(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRedisRegistry_UnregisterRunsCleanup(t *testing.T) {
	r, _, client := newRedisRegistry(t)
	ctx := context.Background()

	agent := newMockAgent("agent-1")
	require.NoError(t, r.RegisterAgent(ctx, agent, webAgentConfig()))
	require.NoError(t, r.UnregisterAgent(ctx, "agent-1"))
	assert.Equal(t, int32(1), agent.cleanupCalls.Load())

	_, err := r.GetRegistration(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	members, err := client.SMembers(ctx, "test:registry:agents").Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	err = r.UnregisterAgent(ctx, "agent-1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRedisRegistry_SetStatusGatesDiscovery(t *testing.T) {
	r, _, _ := newRedisRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, newMockAgent("agent-1"), webAgentConfig()))

	err := r.SetStatus(ctx, "agent-1", types.AgentStatus("sleeping"))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	require.NoError(t, r.SetStatus(ctx, "agent-1", types.AgentBusy))
	agents, err := r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Empty(t, agents)

	require.NoError(t, r.SetStatus(ctx, "agent-1", types.AgentReady))
	agents, err = r.GetAvailableAgents(ctx, "web_search")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, agentIDs(agents))
}
