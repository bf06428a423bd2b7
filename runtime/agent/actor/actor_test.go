package actor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/actor"
	"github.com/acrylicshrimp/fathom/runtime/agent/eventbus"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile/inmem"
	runloginmem "github.com/acrylicshrimp/fathom/runtime/agent/runlog/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/sessionevent"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
)

// fakeStreamer replays a fixed sequence of chunks, optionally blocking before
// the first Recv so tests can control exactly when "streaming" begins.
type fakeStreamer struct {
	chunks  []model.Chunk
	idx     int
	gate    <-chan struct{}
	gateHit bool
}

func (s *fakeStreamer) Recv() (model.Chunk, error) {
	if s.gate != nil && !s.gateHit {
		s.gateHit = true
		<-s.gate
	}
	if s.idx >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func (s *fakeStreamer) Close() error             { return nil }
func (s *fakeStreamer) Metadata() map[string]any { return nil }

// fakeClient serves one scripted response per call to Stream, in order. Each
// response may specify a gate channel that blocks Recv until closed, letting
// tests enqueue further triggers while a turn is "streaming".
type fakeClient struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []*model.Request
}

type fakeResponse struct {
	chunks []model.Chunk
	gate   <-chan struct{}
	err    error
}

func (c *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, errors.New("fakeClient: Complete not implemented")
}

func (c *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.responses) == 0 {
		return &fakeStreamer{}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	if resp.err != nil {
		return nil, resp.err
	}
	return &fakeStreamer{chunks: resp.chunks, gate: resp.gate}, nil
}

func (c *fakeClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeClient) lastRequest() *model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	return trigger.Outcome{OK: true}
}

func newTestActor(t *testing.T, client model.Client, registry *toolregistry.Registry, sched *scheduler.Scheduler, userIDs ...string) (*actor.Actor, *eventbus.Bus, profile.Store) {
	t.Helper()
	store := inmem.New()
	require.NoError(t, store.UpsertAgent(context.Background(), profile.AgentProfile{ID: "agent-1", Name: "Fathom"}))

	bus := eventbus.New()
	if sched == nil {
		sched = scheduler.New(noopExecutor{}, 1)
	}
	if registry == nil {
		registry = toolregistry.New(toolregistry.HandlerContext{})
	}
	orch := modelorchestrator.New(client, modelorchestrator.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}, telemetry.NewNoopLogger(), telemetry.NewNoopTracer(), telemetry.NewNoopMetrics())

	a := actor.New(actor.Config{
		SessionID:    "session-1",
		AgentID:      "agent-1",
		UserIDs:      userIDs,
		Profiles:     store,
		Bus:          bus,
		RunLog:       runloginmem.New(),
		Scheduler:    sched,
		Registry:     registry,
		Orchestrator: orch,
		Logger:       telemetry.NewNoopLogger(),
		ModelClass:   model.ModelClassDefault,
	})
	return a, bus, store
}

func drainUntil(t *testing.T, sub *eventbus.Subscription, want sessionevent.Type) sessionevent.Event {
	t.Helper()
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type() == want {
				return evt
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event type %s", want)
		}
	}
}

func textDoneResponse(text string) fakeResponse {
	return fakeResponse{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}},
		{Type: model.ChunkTypeStop},
	}}
}

func TestSnapshotCutBatchesTriggersQueuedBeforeTurnStarts(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{responses: []fakeResponse{
		{chunks: []model.Chunk{{Type: model.ChunkTypeStop}}, gate: gate},
		textDoneResponse("ack c"),
	}}
	a, bus, _ := newTestActor(t, client, nil, nil)
	sub := bus.Subscribe(64)
	defer sub.Close()

	// Both "a" and "b" are enqueued before Run starts consuming, so the first
	// snapshot cut (spec §4.2 step 1) folds both into turn 1.
	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-a", "u1", "a", time.Now())))
	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-b", "u1", "b", time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	started := drainUntil(t, sub, sessionevent.TypeTurnStarted).(sessionevent.TurnStarted)
	assert.ElementsMatch(t, []string{"t-a", "t-b"}, started.TriggerIDs)

	// While turn 1 is still streaming (gated), "c" arrives and must land in
	// the next snapshot, not this one.
	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-c", "u1", "c", time.Now())))
	close(gate)

	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	started2 := drainUntil(t, sub, sessionevent.TypeTurnStarted).(sessionevent.TurnStarted)
	assert.Equal(t, []string{"t-c"}, started2.TriggerIDs)
}

func TestToolCallDispatchedImmediatelyAndTaskDoneDrivesNextTurn(t *testing.T) {
	root := t.TempDir()
	registry := toolregistry.New(toolregistry.HandlerContext{WorkspaceRoot: root})
	require.NoError(t, toolregistry.RegisterBuiltins(registry))
	exec := &toolregistry.Executor{Registry: registry, WorkspaceRoot: root}
	sched := scheduler.New(exec, 1)

	args, err := json.Marshal(map[string]any{"path": "fs://out.txt", "content": "hi", "allow_override": true})
	require.NoError(t, err)
	client := &fakeClient{responses: []fakeResponse{
		{chunks: []model.Chunk{
			{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: toolregistry.ToolFSWrite, Payload: args}},
		}},
		textDoneResponse("done"),
	}}

	a, bus, _ := newTestActor(t, client, registry, sched)
	sub := bus.Subscribe(64)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-1", "u1", "write a file", time.Now())))

	pending := drainUntil(t, sub, sessionevent.TypeTaskStateChanged).(sessionevent.TaskStateChanged)
	assert.Contains(t, []string{"pending", "running"}, pending.To)

	drainUntil(t, sub, sessionevent.TypeAssistantOutput)
	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	// The task runs to completion and its TaskDone trigger drives turn 2.
	started2 := drainUntil(t, sub, sessionevent.TypeTurnStarted).(sessionevent.TurnStarted)
	require.Len(t, started2.TriggerIDs, 1)

	history := a.History()
	var sawToolCall, sawTaskDone bool
	for _, h := range history {
		if h.Kind == trigger.HistoryKindAssistantOutput && h.AssistantToolCall != nil {
			sawToolCall = true
		}
		if h.Kind == trigger.HistoryKindTriggerRecord {
			if _, ok := h.TriggerRecord.(trigger.TaskDone); ok {
				sawTaskDone = true
			}
		}
	}
	assert.True(t, sawToolCall, "expected history to record the dispatched tool call")
	assert.True(t, sawTaskDone, "expected history to record the TaskDone trigger in turn 2")
}

func TestTurnFailureAppendsNothingToHistory(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{err: errors.New("connection dropped")},
	}}
	a, bus, _ := newTestActor(t, client, nil, nil)
	sub := bus.Subscribe(64)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-1", "u1", "hello", time.Now())))
	drainUntil(t, sub, sessionevent.TypeTurnFailure)

	assert.Empty(t, a.History(), "a turn ending in TurnFailure must append nothing to history (invariant P5)")
}

// countingExecutor records every dispatched call so a test can assert a
// second, byte-identical tool call was never actually re-submitted.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return trigger.Outcome{OK: true, Result: json.RawMessage(`{"ok":true}`)}
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestIdempotentTranscriptToolCallSkipsRedispatch(t *testing.T) {
	const toolName tools.Ident = "lookup.weather"

	registry := toolregistry.New(toolregistry.HandlerContext{})
	require.NoError(t, registry.Register(tools.ToolSpec{
		Name: toolName,
		Tags: []string{tools.TagIdempotencyTranscript},
	}, func(ctx context.Context, args json.RawMessage, hctx toolregistry.HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	exec := &countingExecutor{}
	sched := scheduler.New(exec, 1)

	args := json.RawMessage(`{"city":"Seoul"}`)
	client := &fakeClient{responses: []fakeResponse{
		{chunks: []model.Chunk{{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: toolName, Payload: args}}}},
		textDoneResponse("ok"),
		{chunks: []model.Chunk{{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: toolName, Payload: args}}}},
	}}

	a, bus, _ := newTestActor(t, client, registry, sched)
	sub := bus.Subscribe(64)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-1", "u1", "weather?", time.Now())))
	drainUntil(t, sub, sessionevent.TypeTurnEnded)
	// Wait for the dispatched task's TaskDone to drive a second turn so the
	// reused call is genuinely checked against committed (not in-flight)
	// history.
	started2 := drainUntil(t, sub, sessionevent.TypeTurnStarted).(sessionevent.TurnStarted)
	require.Len(t, started2.TriggerIDs, 1)

	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-2", "u1", "weather again?", time.Now())))
	// Turn 2 (the TaskDone turn) ends first; turn 3 serves t-2 and repeats
	// the call.
	drainUntil(t, sub, sessionevent.TypeTurnEnded)
	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	assert.Equal(t, 1, exec.count(), "an identical transcript-idempotent call must not be re-submitted to the scheduler")

	var toolCallCount, taskDoneCount int
	for _, h := range a.History() {
		if h.Kind == trigger.HistoryKindAssistantOutput && h.AssistantToolCall != nil && h.AssistantToolCall.ToolName == toolName {
			toolCallCount++
		}
		if h.Kind == trigger.HistoryKindTriggerRecord {
			if _, ok := h.TriggerRecord.(trigger.TaskDone); ok {
				taskDoneCount++
			}
		}
	}
	assert.Equal(t, 2, toolCallCount, "both turns should still record an assistant tool-call entry")
	assert.Equal(t, 2, taskDoneCount, "the reused call synthesizes its own TaskDone record in the same turn")
}

func TestRefreshOnlySnapshotSkipsModelCall(t *testing.T) {
	client := &fakeClient{}
	a, bus, store := newTestActor(t, client, nil, nil)
	sub := bus.Subscribe(64)
	defer sub.Close()

	require.NoError(t, store.UpsertAgent(context.Background(), profile.AgentProfile{
		ID: "agent-1", Name: "Fathom",
		ManagedFields: map[string]string{"SOUL.md": "X"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.EnqueueTrigger(trigger.NewRefreshProfile("r-1", trigger.RefreshAgent, "", time.Now())))

	drainUntil(t, sub, sessionevent.TypeProfileRefreshed)
	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	assert.Equal(t, 0, client.requestCount(), "a refresh-only snapshot must not invoke the Model Orchestrator")

	history := a.History()
	require.Len(t, history, 1)
	rp, ok := history[0].TriggerRecord.(trigger.RefreshProfile)
	require.True(t, ok)
	assert.Equal(t, trigger.RefreshAgent, rp.Which)
}

func TestRefreshFoldedIntoSameSnapshotAsUserMessageUpdatesPromptBeforeTurn(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{textDoneResponse("ack")}}
	a, bus, store := newTestActor(t, client, nil, nil)
	sub := bus.Subscribe(64)
	defer sub.Close()

	require.NoError(t, store.UpsertAgent(context.Background(), profile.AgentProfile{
		ID: "agent-1", Name: "Fathom",
		ManagedFields: map[string]string{"SOUL.md": "X"},
	}))

	// Enqueue both before Run starts so they land in the same snapshot (spec
	// §8 scenario 6): the refresh is applied before the turn's prompt is
	// composed, so the turn sees the freshly-upserted SOUL.md.
	require.NoError(t, a.EnqueueTrigger(trigger.NewRefreshProfile("r-1", trigger.RefreshAgent, "", time.Now())))
	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-1", "u1", "hi", time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	drainUntil(t, sub, sessionevent.TypeProfileRefreshed)
	started := drainUntil(t, sub, sessionevent.TypeTurnStarted).(sessionevent.TurnStarted)
	assert.ElementsMatch(t, []string{"r-1", "t-1"}, started.TriggerIDs)
	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	req := client.lastRequest()
	require.NotNil(t, req)
	found := false
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok && strings.Contains(tp.Text, "X") {
				found = true
			}
		}
	}
	assert.True(t, found, "expected the turn's prompt to contain the refreshed SOUL.md content")
}

func TestInitialProfileLoadCopiesParticipantUserIntoPrompt(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{textDoneResponse("ack")}}
	a, bus, store := newTestActor(t, client, nil, nil, "user-1")
	sub := bus.Subscribe(64)
	defer sub.Close()

	// Loaded at Run startup (spec §3's agent_profile_copy/
	// participant_user_profile_copies "taken at creation"), with no
	// RefreshProfile trigger required first.
	require.NoError(t, store.UpsertUser(context.Background(), profile.UserProfile{
		ID: "user-1", Name: "Ada",
		ManagedFields: map[string]string{"USER.md": "prefers concise answers"},
		Preferences:   map[string]string{"tone": "formal"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, a.EnqueueTrigger(trigger.NewUserMessage("t-1", "user-1", "hi", time.Now())))
	drainUntil(t, sub, sessionevent.TypeTurnEnded)

	req := client.lastRequest()
	require.NotNil(t, req)
	var rendered string
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				rendered += tp.Text
			}
		}
	}
	assert.Contains(t, rendered, "prefers concise answers")
	assert.Contains(t, rendered, "formal")
}
