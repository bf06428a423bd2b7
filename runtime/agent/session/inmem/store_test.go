package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrylicshrimp/fathom/runtime/agent/session"
	"github.com/acrylicshrimp/fathom/runtime/agent/session/inmem"
)

func TestCreateSessionIsIdempotentForActiveSessions(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	now := time.Now()

	first, err := store.CreateSession(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, first.Status)

	second, err := store.CreateSession(ctx, "s1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "re-creating an active session returns the existing record, not a new one")
}

func TestCreateSessionAfterEndReturnsErrSessionEnded(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	now := time.Now()

	_, err := store.CreateSession(ctx, "s1", now)
	require.NoError(t, err)
	_, err = store.EndSession(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)

	_, err = store.CreateSession(ctx, "s1", now.Add(time.Hour))
	assert.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestLoadSessionNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	now := time.Now()
	_, err := store.CreateSession(ctx, "s1", now)
	require.NoError(t, err)

	first, err := store.EndSession(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, first.EndedAt)

	second, err := store.EndSession(ctx, "s1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt.Unix(), second.EndedAt.Unix(), "ending an already-ended session returns the stored terminal state, not a new end time")
}

func TestEndSessionNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.EndSession(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpsertRunPreservesStartedAtAcrossUpdates(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "r1", SessionID: "s1", Status: session.RunStatusRunning,
	}))
	first, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	require.False(t, first.StartedAt.IsZero())

	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "r1", SessionID: "s1", Status: session.RunStatusCompleted,
	}))
	second, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt, second.StartedAt, "started_at must not change across updates")
	assert.Equal(t, session.RunStatusCompleted, second.Status)
}

func TestUpsertRunRejectsChangedStartedAt(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "r1", SessionID: "s1", StartedAt: time.Unix(1000, 0),
	}))

	err := store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "r1", SessionID: "s1", StartedAt: time.Unix(2000, 0),
	})
	assert.Error(t, err, "started_at is immutable once recorded")
}

func TestUpsertRunRequiresIDs(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	assert.Error(t, store.UpsertRun(ctx, session.RunMeta{RunID: "r1", SessionID: "s1"}))
	assert.Error(t, store.UpsertRun(ctx, session.RunMeta{AgentID: "a1", SessionID: "s1"}))
	assert.Error(t, store.UpsertRun(ctx, session.RunMeta{AgentID: "a1", RunID: "r1"}))
}

func TestLoadRunNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.LoadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrRunNotFound)
}

func TestListRunsBySessionFiltersByStatus(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{AgentID: "a1", RunID: "r1", SessionID: "s1", Status: session.RunStatusRunning}))
	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{AgentID: "a1", RunID: "r2", SessionID: "s1", Status: session.RunStatusCompleted}))
	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{AgentID: "a1", RunID: "r3", SessionID: "s2", Status: session.RunStatusRunning}))

	all, err := store.ListRunsBySession(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completedOnly, err := store.ListRunsBySession(ctx, "s1", []session.RunStatus{session.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completedOnly, 1)
	assert.Equal(t, "r2", completedOnly[0].RunID)
}

func TestLoadRunReturnsIndependentLabelsCopy(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.UpsertRun(ctx, session.RunMeta{
		AgentID: "a1", RunID: "r1", SessionID: "s1",
		Labels: map[string]string{"env": "prod"},
	}))

	got, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	got.Labels["env"] = "mutated"

	again, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "prod", again.Labels["env"], "callers must not be able to mutate stored run labels through the returned value")
}
