package facade_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile/inmem"
	runloginmem "github.com/acrylicshrimp/fathom/runtime/agent/runlog/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/sessionevent"
	sessioninmem "github.com/acrylicshrimp/fathom/runtime/agent/session/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
	"github.com/acrylicshrimp/fathom/runtime/facade"
)

// stubStreamer always reports an empty turn: one Stop chunk and nothing else.
type stubStreamer struct{ done bool }

func (s *stubStreamer) Recv() (model.Chunk, error) {
	if s.done {
		return model.Chunk{}, io.EOF
	}
	s.done = true
	return model.Chunk{Type: model.ChunkTypeStop}, nil
}
func (s *stubStreamer) Close() error             { return nil }
func (s *stubStreamer) Metadata() map[string]any { return nil }

type stubClient struct{}

func (stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, errors.New("stubClient: Complete not implemented")
}
func (stubClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &stubStreamer{}, nil
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	return trigger.Outcome{OK: true}
}

func newTestFacade(t *testing.T) *facade.Facade {
	t.Helper()
	orch := modelorchestrator.New(stubClient{}, modelorchestrator.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}, telemetry.NewNoopLogger(), telemetry.NewNoopTracer(), telemetry.NewNoopMetrics())
	registry := toolregistry.New(toolregistry.HandlerContext{})
	require.NoError(t, toolregistry.RegisterBuiltins(registry))

	profiles := inmem.New()
	require.NoError(t, profiles.UpsertAgent(context.Background(), profile.AgentProfile{ID: "agent-1", Name: "Fathom"}))

	return facade.New(facade.Deps{
		Sessions:     sessioninmem.New(),
		Profiles:     profiles,
		RunLog:       runloginmem.New(),
		Scheduler:    scheduler.New(noopExecutor{}, 4),
		Registry:     registry,
		Orchestrator: orch,
		Logger:       telemetry.NewNoopLogger(),
		ModelClass:   model.ModelClassDefault,
	})
}

func TestCreateSessionIsIdempotentForALiveSession(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.CreateSession(ctx, "s1", "agent-1", nil))
	require.NoError(t, f.CreateSession(ctx, "s1", "agent-1", nil))

	sub, err := f.SubscribeEvents("s1", 8)
	require.NoError(t, err)
	sub.Close()
}

func TestCreateSessionFailsForUnknownAgentProfile(t *testing.T) {
	f := newTestFacade(t)
	err := f.CreateSession(context.Background(), "s1", "no-such-agent", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, facade.ErrUnknownProfile)
}

func TestCreateSessionFailsForUnknownUserProfile(t *testing.T) {
	f := newTestFacade(t)
	err := f.CreateSession(context.Background(), "s1", "agent-1", []string{"no-such-user"})
	require.Error(t, err)
	assert.ErrorIs(t, err, facade.ErrUnknownProfile)
}

func TestEnqueueTriggerOnUnknownSessionFails(t *testing.T) {
	f := newTestFacade(t)
	err := f.EnqueueTrigger("missing", trigger.NewHeartbeat("t1", time.Now()))
	assert.Error(t, err)
	assert.ErrorIs(t, err, facade.ErrUnknownSession)
}

func TestEnqueueTriggerDrivesATurnObservableOnTheEventBus(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.CreateSession(ctx, "s1", "agent-1", nil))

	sub, err := f.SubscribeEvents("s1", 16)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.EnqueueTrigger("s1", trigger.NewUserMessage("t1", "u1", "hi", time.Now())))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type() == sessionevent.TypeTurnEnded {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn_ended")
		}
	}
}

func TestEndSessionTearsDownTheActorAndEndsTheDurableSession(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.CreateSession(ctx, "s1", "agent-1", nil))

	require.NoError(t, f.EndSession(ctx, "s1"))

	err := f.EnqueueTrigger("s1", trigger.NewHeartbeat("t1", time.Now()))
	assert.Error(t, err, "a session's Actor must no longer be reachable after EndSession")
}

func TestUpsertAgentProfileRefreshesALiveSession(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.CreateSession(ctx, "s1", "agent-1", nil))

	sub, err := f.SubscribeEvents("s1", 16)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.UpsertProfile(ctx, "s1", profile.AgentProfile{ID: "agent-1", Name: "Fathom", ManagedFields: map[string]string{"SOUL.md": "curious"}}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type() == sessionevent.TypeProfileRefreshed {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for profile_refreshed")
		}
	}
}

func TestGetAgentProfileReturnsUpsertedRecord(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.UpsertProfile(ctx, "", profile.AgentProfile{ID: "agent-1", Name: "Fathom"}))

	got, err := f.GetAgentProfile(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Fathom", got.Name)
}

func TestGetUserProfileReturnsUpsertedRecord(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.UpsertProfile(ctx, "", profile.UserProfile{ID: "user-1", Name: "Ada"}))

	got, err := f.GetUserProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
}

func TestUpsertProfileRejectsUnsupportedType(t *testing.T) {
	f := newTestFacade(t)
	err := f.UpsertProfile(context.Background(), "", 42)
	assert.Error(t, err)
}
