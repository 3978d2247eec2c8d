package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/types"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewSQLite(":memory:", DefaultGormConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStore_RoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	completed := time.Now().Add(time.Minute).Truncate(time.Second)
	run := sampleRun("run-1", "agent-a", types.RunStatusCompleted, time.Now().Truncate(time.Second))
	run.ErrorMessage = ""
	run.CompletedAt = &completed

	require.NoError(t, s.Save(ctx, run))

	loaded, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, run.AgentID, loaded.AgentID)
	assert.Equal(t, run.Version, loaded.Version)
	assert.Equal(t, run.Status, loaded.Status)
	assert.Equal(t, run.CurrentNode, loaded.CurrentNode)
	assert.Equal(t, "hello", loaded.InputParams["query"])
	require.NotNil(t, loaded.CompletedAt)
	assert.True(t, completed.Equal(*loaded.CompletedAt))

	// Nested maps survive the JSON column encoding.
	outputs, ok := loaded.OutputResult["_node_outputs"].(map[string]any)
	require.True(t, ok)
	nodeA, ok := outputs["node-a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "out", nodeA["value"])
}

func TestGormStore_SaveUpdatesInPlace(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", "agent-a", types.RunStatusRunning, time.Now())
	require.NoError(t, s.Save(ctx, run))

	run.Status = types.RunStatusFailed
	run.ErrorMessage = "node execution failed"
	require.NoError(t, s.Save(ctx, run))

	loaded, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, loaded.Status)
	assert.Equal(t, "node execution failed", loaded.ErrorMessage)

	all, err := s.List(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "save by id must upsert, not duplicate")
}

func TestGormStore_NilMapsStayNil(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", "agent-a", types.RunStatusPending, time.Now())
	run.InputParams = nil
	run.OutputResult = nil
	require.NoError(t, s.Save(ctx, run))

	loaded, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.InputParams)
	assert.Nil(t, loaded.OutputResult)
}

func TestGormStore_LoadMissing(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListFilters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, s.Save(ctx, sampleRun("run-1", "agent-a", types.RunStatusCompleted, base)))
	require.NoError(t, s.Save(ctx, sampleRun("run-2", "agent-a", types.RunStatusFailed, base.Add(time.Minute))))
	require.NoError(t, s.Save(ctx, sampleRun("run-3", "agent-b", types.RunStatusCompleted, base.Add(2*time.Minute))))

	all, err := s.List(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].ID, "ordered by start time, newest first")

	byAgent, err := s.List(ctx, "agent-a", "", 0)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byBoth, err := s.List(ctx, "agent-a", types.RunStatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, byBoth, 1)
	assert.Equal(t, "run-1", byBoth[0].ID)

	limited, err := s.List(ctx, "", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-3", limited[0].ID)
}

func TestGormStore_Delete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRun("run-1", "agent-a", types.RunStatusCompleted, time.Now())))
	require.NoError(t, s.Delete(ctx, "run-1"))

	_, err := s.Load(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "run-1"), ErrNotFound)
}

func TestGormStore_Ping(t *testing.T) {
	s := newSQLiteStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
