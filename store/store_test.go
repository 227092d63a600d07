package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/knowflow-io/knowflow/types"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st, err := New(db, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	return st
}

func failedTask(id string) *types.Task {
	task := types.NewTask(id, "extraction", map[string]any{"url": "https://example.com/video"})
	task.AgentID = "agent-extract"
	task.Status = types.TaskFailed
	task.SetRetryCount(3)
	task.Result = types.FailedResult("agent exploded")
	now := time.Now().UTC()
	task.StartedAt = &now
	task.CompletedAt = &now
	return task
}

func TestNew_RequiresDatabase(t *testing.T) {
	_, err := New(nil, nil, zap.NewNop())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestStoreResults_RoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	payload := map[string]any{"summary": "done", "score": 0.95}
	require.NoError(t, st.StoreResults(ctx, "task-1", payload))

	rows, err := st.ListResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "task-1", rows[0].TaskID)
	assert.True(t, rows[0].Success)
	assert.Empty(t, rows[0].Error)
	assert.False(t, rows[0].CreatedAt.IsZero())

	data, err := rows[0].DecodeData()
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	other, err := st.ListResults(ctx, "task-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStoreResults_RejectsEmptyTaskID(t *testing.T) {
	st := setupStore(t)

	err := st.StoreResults(context.Background(), "", map[string]any{"k": "v"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestProcessArtifact_RecordsFileMetadata(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	content := []byte("transcript of raw video")
	path := filepath.Join(t.TempDir(), "transcript.txt")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	require.NoError(t, st.ProcessArtifact(ctx, path))

	rows, err := st.ListArtifacts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "transcript.txt", rows[0].Name)
	assert.Equal(t, path, rows[0].Path)
	assert.Equal(t, int64(len(content)), rows[0].SizeBytes)
	assert.Empty(t, rows[0].TaskID)
}

func TestProcessArtifact_UnreadablePathKeepsZeroSize(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.ProcessArtifact(ctx, "/no/such/dir/frames.zip"))

	rows, err := st.ListArtifacts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "frames.zip", rows[0].Name)
	assert.Zero(t, rows[0].SizeBytes)

	err = st.ProcessArtifact(ctx, "")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestListArtifacts_NewestFirstWithLimit(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, path := range []string{"/tmp/a.txt", "/tmp/b.txt", "/tmp/c.txt"} {
		require.NoError(t, st.ProcessArtifact(ctx, path))
	}

	rows, err := st.ListArtifacts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c.txt", rows[0].Name)
	assert.Equal(t, "b.txt", rows[1].Name)
}

func TestArchiveTask_RoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	task := failedTask("task-9")

	require.NoError(t, st.ArchiveTask(ctx, task))

	rec, err := st.GetArchivedTask(ctx, "task-9")
	require.NoError(t, err)
	assert.Equal(t, "extraction", rec.Type)
	assert.Equal(t, string(types.PriorityMedium), rec.Priority)
	assert.Equal(t, string(types.TaskFailed), rec.Status)
	assert.Equal(t, "agent-extract", rec.AgentID)
	assert.Equal(t, 3, rec.RetryCount)
	require.NotNil(t, rec.CompletedAt)
	assert.False(t, rec.ArchivedAt.IsZero())

	input, err := rec.DecodeInputData()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://example.com/video"}, input)

	meta, err := rec.DecodeMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 3, meta[types.MetaRetryCount])

	// The failed outcome lands in the results table for audit.
	rows, err := st.ListResults(ctx, "task-9")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "agent exploded", rows[0].Error)
}

func TestArchiveTask_RepeatedOffersOverwrite(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	task := types.NewTask("task-5", "validation", map[string]any{"doc": "x"})
	task.Status = types.TaskRunning
	require.NoError(t, st.ArchiveTask(ctx, task))

	now := time.Now().UTC()
	task.Status = types.TaskCancelled
	task.CompletedAt = &now
	require.NoError(t, st.ArchiveTask(ctx, task))

	rec, err := st.GetArchivedTask(ctx, "task-5")
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskCancelled), rec.Status)
	require.NotNil(t, rec.CompletedAt)

	var count int64
	require.NoError(t, st.db.Model(&TaskRecord{}).Where("id = ?", "task-5").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestArchiveTask_SuccessfulPayloadNotDuplicated(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	task := types.NewTask("task-3", "storage", map[string]any{"doc": "y"})
	task.Status = types.TaskCompleted
	task.Result = &types.TaskResult{Success: true, Data: map[string]any{"stored": true}}
	require.NoError(t, st.ArchiveTask(ctx, task))

	// The successful payload arrives through StoreResults, so archival
	// must not write its own copy.
	rows, err := st.ListResults(ctx, "task-3")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestArchiveTask_RejectsAnonymousTask(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	err := st.ArchiveTask(ctx, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	err = st.ArchiveTask(ctx, &types.Task{Type: "extraction"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestGetArchivedTask_NotFound(t *testing.T) {
	st := setupStore(t)

	_, err := st.GetArchivedTask(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestCountTasksByStatus(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"done-1", "done-2"} {
		task := types.NewTask(id, "extraction", map[string]any{"k": "v"})
		task.Status = types.TaskCompleted
		require.NoError(t, st.ArchiveTask(ctx, task))
	}
	require.NoError(t, st.ArchiveTask(ctx, failedTask("broken-1")))

	counts, err := st.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		string(types.TaskCompleted): 2,
		string(types.TaskFailed):    1,
	}, counts)
}
